// Package config loads engine configuration from a YAML file, environment
// variables (WALLPAD_ prefix, dots replaced by underscores) and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "WALLPAD"

// TransportConfig selects and tunes the bus connection.
type TransportConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	SkipVerify  bool          `mapstructure:"skip_verify"`
}

// BusConfig holds framing and arbitration settings.
type BusConfig struct {
	InterByteTimeout time.Duration `mapstructure:"inter_byte_timeout"`
	IdleGap          time.Duration `mapstructure:"idle_gap"`
	RepeatWindow     time.Duration `mapstructure:"repeat_window"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	Checksum         string        `mapstructure:"checksum"`
	Correlation      string        `mapstructure:"correlation"`
}

// DispatchConfig holds command retry settings.
type DispatchConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	MaxPending      int           `mapstructure:"max_pending"`
}

// HealthConfig holds failure thresholds and reconnect backoff.
type HealthConfig struct {
	ChecksumFailureThreshold int           `mapstructure:"checksum_failure_threshold"`
	SocketErrorThreshold     int           `mapstructure:"socket_error_threshold"`
	TimeoutThreshold         int           `mapstructure:"timeout_threshold"`
	ReconnectBase            time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap             time.Duration `mapstructure:"reconnect_cap"`
}

// StateConfig holds device liveness settings.
type StateConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// InjectConfig limits raw pass-through sends.
type InjectConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// MQTTConfig configures the host bridge. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

// HTTPConfig configures the HTTP server carrying Prometheus metrics and
// the status API. An empty Listen disables it.
type HTTPConfig struct {
	Listen      string `mapstructure:"listen"`
	MetricsPath string `mapstructure:"metrics_path"`
	APIPrefix   string `mapstructure:"api_prefix"`
}

// SnapshotConfig configures state persistence. An empty Path disables it.
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig selects the log handler. When File is set, logs are also
// written there with size based rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the top-level configuration.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Bus       BusConfig       `mapstructure:"bus"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Health    HealthConfig    `mapstructure:"health"`
	State     StateConfig     `mapstructure:"state"`
	Inject    InjectConfig    `mapstructure:"inject"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads configuration. If path is empty, wallpad.yaml is looked up in
// the working directory and /etc/wallpad; a missing file is not an error.
// bind, if non-nil, is called before reading so callers can bind command
// line flags.
func Load(path string, bind func(v *viper.Viper) error) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wallpad")
		v.SetConfigName("wallpad")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if bind != nil {
		if err := bind(v); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.endpoint", "")
	v.SetDefault("transport.baud_rate", 9600)
	v.SetDefault("transport.dial_timeout", "5s")
	v.SetDefault("transport.username", "")
	v.SetDefault("transport.password", "")
	v.SetDefault("transport.skip_verify", false)

	v.SetDefault("bus.inter_byte_timeout", "2s")
	v.SetDefault("bus.idle_gap", "200ms")
	v.SetDefault("bus.repeat_window", "1s")
	v.SetDefault("bus.write_timeout", "2s")
	v.SetDefault("bus.checksum", "sum")
	v.SetDefault("bus.correlation", "device-command")

	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.response_timeout", "1s")
	v.SetDefault("dispatch.backoff_base", "150ms")
	v.SetDefault("dispatch.backoff_cap", "2s")
	v.SetDefault("dispatch.max_pending", 64)

	v.SetDefault("health.checksum_failure_threshold", 4)
	v.SetDefault("health.socket_error_threshold", 1)
	v.SetDefault("health.timeout_threshold", 0)
	v.SetDefault("health.reconnect_base", "1s")
	v.SetDefault("health.reconnect_cap", "30s")

	v.SetDefault("state.stale_after", "0s")

	v.SetDefault("inject.rate", 2.0)
	v.SetDefault("inject.burst", 1)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "wallpad")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "wallpad")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("http.listen", "")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.api_prefix", "/api")

	v.SetDefault("snapshot.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 0)
}

// Validate checks values that the engine cannot default.
func (c *Config) Validate() error {
	var errs []error
	if _, err := codec.ChecksumByName(c.Bus.Checksum); err != nil {
		errs = append(errs, fmt.Errorf("bus.checksum: %w", err))
	}
	if _, err := codec.CorrelatorByName(c.Bus.Correlation); err != nil {
		errs = append(errs, fmt.Errorf("bus.correlation: %w", err))
	}
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, errors.New("dispatch.max_retries must not be negative"))
	}
	if c.Dispatch.BackoffCap < c.Dispatch.BackoffBase {
		errs = append(errs, errors.New("dispatch.backoff_cap must be at least dispatch.backoff_base"))
	}
	if c.Health.ReconnectCap < c.Health.ReconnectBase {
		errs = append(errs, errors.New("health.reconnect_cap must be at least health.reconnect_base"))
	}
	for name, v := range map[string]int{
		"health.checksum_failure_threshold": c.Health.ChecksumFailureThreshold,
		"health.socket_error_threshold":     c.Health.SocketErrorThreshold,
		"health.timeout_threshold":          c.Health.TimeoutThreshold,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Inject.Rate <= 0 || c.Inject.Burst < 1 {
		errs = append(errs, errors.New("inject.rate must be positive and inject.burst at least 1"))
	}
	if c.HTTP.Listen != "" && (!strings.HasPrefix(c.HTTP.MetricsPath, "/") || !strings.HasPrefix(c.HTTP.APIPrefix, "/")) {
		errs = append(errs, errors.New("http.metrics_path and http.api_prefix must start with /"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	return errors.Join(errs...)
}
