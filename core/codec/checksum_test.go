package codec

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func TestModSum(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected byte
	}{
		{"empty", []byte{}, 0x00},
		{"single", []byte{0x01}, 0x01},
		{"wraps", []byte{0xFF, 0x02}, 0x01},
		{"sentinel", []byte{0xAA, 0x55}, 0xFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ModSum(tt.data); got != tt.expected {
				t.Errorf("ModSum(% x) = %02x, want %02x", tt.data, got, tt.expected)
			}
		})
	}
}

func TestBodySum_SkipsSentinel(t *testing.T) {
	data := []byte{0xAA, 0x55, 0x30, 0xBC}
	if got, want := BodySum(data), byte(0x30+0xBC); got != want {
		t.Errorf("BodySum = %02x, want %02x", got, want)
	}
	if got := BodySum([]byte{0xAA}); got != 0 {
		t.Errorf("BodySum of short input = %02x, want 0", got)
	}
}

func TestXor(t *testing.T) {
	if got := Xor([]byte{0x0F, 0xF0, 0x01}); got != 0xFE {
		t.Errorf("Xor = %02x, want fe", got)
	}
}

func TestChecksumByName(t *testing.T) {
	for _, name := range []string{"", "sum", "SUM", "sum-body", "xor"} {
		if _, err := ChecksumByName(name); err != nil {
			t.Errorf("ChecksumByName(%q) error = %v", name, err)
		}
	}
	if _, err := ChecksumByName("crc16"); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestVerify_Valid(t *testing.T) {
	raw := Encode(makeTestFrame())
	if !Verify(raw, ModSum) {
		t.Error("Verify should accept a freshly encoded frame")
	}
	if !Verify(raw, nil) {
		t.Error("nil checksum should default to ModSum")
	}
}

func TestVerify_CorruptedFinalByte(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 500; i++ {
		raw := Encode(randomFrame(r))
		delta := byte(r.UintN(255) + 1)
		raw[ChecksumOffset] += delta
		if Verify(raw, ModSum) {
			t.Fatalf("Verify accepted corrupted frame % x", raw)
		}
	}
}

func TestVerify_CorruptedBody(t *testing.T) {
	raw := Encode(makeTestFrame())
	raw[12] ^= 0x01
	if Verify(raw, ModSum) {
		t.Error("Verify should reject a flipped body bit")
	}
}

func TestCheck_Errors(t *testing.T) {
	raw := Encode(makeTestFrame())

	if err := Check(raw[:10], ModSum); !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("Check(short) = %v, want ErrFrameTooShort", err)
	}

	raw[ChecksumOffset]++
	err := Check(raw, ModSum)
	var ce *ChecksumError
	if !errors.As(err, &ce) {
		t.Fatalf("Check(corrupt) = %v, want *ChecksumError", err)
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Error("ChecksumError should wrap ErrChecksumMismatch")
	}
	if ce.Received != ce.Expected+1 {
		t.Errorf("ChecksumError = %+v", ce)
	}
}
