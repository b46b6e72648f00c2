package websocket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kabili207/wallpad-go/transport"
)

// bridge echoes binary messages back and first sends a text banner that the
// client must skip.
func newBridge(t *testing.T, wantAuth string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" && r.Header.Get("Authorization") != wantAuth {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_Echo(t *testing.T) {
	srv := newBridge(t, "")
	defer srv.Close()

	conn, err := New(Config{URL: wsURL(srv)}).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	payload := []byte{0xAA, 0x55, 0x30, 0xBC, 0x00}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := make([]byte, len(payload))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(conn, got)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ReadFull() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echo = % x, want % x", got, payload)
	}
}

func TestConn_ReadSplitsMessages(t *testing.T) {
	srv := newBridge(t, "")
	defer srv.Close()

	conn, err := New(Config{URL: wsURL(srv)}).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	small := make([]byte, 3)
	n, err := conn.Read(small)
	if err != nil || n != 3 {
		t.Fatalf("Read() = %d, %v", n, err)
	}
	n, err = conn.Read(small)
	if err != nil || n != 1 || small[0] != 4 {
		t.Fatalf("second Read() = %d, %v, % x", n, err, small[:n])
	}
}

func TestDial_BasicAuth(t *testing.T) {
	srv := newBridge(t, "Basic dXNlcjpwYXNz")
	defer srv.Close()

	_, err := New(Config{URL: wsURL(srv)}).Dial(context.Background())
	if !errors.Is(err, transport.ErrConnection) {
		t.Fatalf("expected ConnectionError without credentials, got %v", err)
	}

	conn, err := New(Config{URL: wsURL(srv), Username: "user", Password: "pass"}).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() with credentials error = %v", err)
	}
	conn.Close()
}

func TestDial_BadScheme(t *testing.T) {
	_, err := New(Config{URL: "http://example.com"}).Dial(context.Background())
	if !errors.Is(err, transport.ErrConnection) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestConn_ReadAfterClose(t *testing.T) {
	srv := newBridge(t, "")
	defer srv.Close()

	conn, err := New(Config{URL: wsURL(srv)}).Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected error reading closed connection")
	}
	if _, err := conn.Read(buf); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
