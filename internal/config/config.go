// Package config loads sessiond settings. Defaults are overridden by an
// optional YAML file, then by the environment (including variables from a
// .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every sessiond setting.
type Config struct {
	WSURL         string `yaml:"ws_url"`
	WSScope       string `yaml:"ws_scope"` // optional group id the server pre-filters the link to
	APIURL        string `yaml:"api_url"`
	UserID        string `yaml:"user_id"`
	SessionCookie string `yaml:"session_cookie"`
	Conversation  string `yaml:"conversation"` // selected at startup, e.g. "direct:42"

	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"` // 0 retries forever
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	RedisAddr   string `yaml:"redis_addr"`   // empty disables read-state persistence
	NATSURL     string `yaml:"nats_url"`     // empty disables the relay
	MetricsAddr string `yaml:"metrics_addr"` // empty disables /metrics

	SendRate  float64 `yaml:"send_rate"` // sends per second
	SendBurst int     `yaml:"send_burst"`
	SendQuota int     `yaml:"send_quota"` // per minute across instances, 0 disables

	MaxMessageChars int `yaml:"max_message_chars"` // 0 uses the backend default
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		WSURL:             "ws://localhost:8080/ws",
		APIURL:            "http://localhost:8080",
		ReconnectBase:     1 * time.Second,
		ReconnectMax:      30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		PollInterval:      30 * time.Second,
		RequestTimeout:    10 * time.Second,
		MetricsAddr:       ":9100",
		SendRate:          2,
		SendBurst:         5,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment. Variables in envFile are loaded into
// the environment first without overriding ones already set; a missing
// envFile is not an error.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"CHAT_WS_URL":         &c.WSURL,
		"CHAT_WS_SCOPE":       &c.WSScope,
		"CHAT_API_URL":        &c.APIURL,
		"CHAT_USER_ID":        &c.UserID,
		"CHAT_SESSION_COOKIE": &c.SessionCookie,
		"CHAT_CONVERSATION":   &c.Conversation,
		"REDIS_ADDR":          &c.RedisAddr,
		"NATS_URL":            &c.NATSURL,
		"METRICS_ADDR":        &c.MetricsAddr,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"RECONNECT_BASE":     &c.ReconnectBase,
		"RECONNECT_MAX":      &c.ReconnectMax,
		"HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":  &c.HeartbeatTimeout,
		"POLL_INTERVAL":      &c.PollInterval,
		"REQUEST_TIMEOUT":    &c.RequestTimeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"RECONNECT_MAX_ATTEMPTS": &c.ReconnectMaxAttempts,
		"SEND_BURST":             &c.SendBurst,
		"SEND_QUOTA":             &c.SendQuota,
		"MAX_MESSAGE_CHARS":      &c.MaxMessageChars,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("SEND_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: SEND_RATE: %w", err)
		}
		c.SendRate = f
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.WSURL == "":
		return errors.New("config: ws_url is required")
	case c.APIURL == "":
		return errors.New("config: api_url is required")
	case c.UserID == "":
		return errors.New("config: user_id is required")
	case c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase:
		return fmt.Errorf("config: reconnect backoff %s..%s is invalid", c.ReconnectBase, c.ReconnectMax)
	case c.HeartbeatInterval < 0:
		return errors.New("config: heartbeat_interval must not be negative")
	case c.HeartbeatTimeout <= 0:
		return errors.New("config: heartbeat_timeout must be positive")
	case c.PollInterval <= 0:
		return errors.New("config: poll_interval must be positive")
	case c.SendRate <= 0:
		return errors.New("config: send_rate must be positive")
	case c.MaxMessageChars < 0:
		return errors.New("config: max_message_chars must not be negative")
	}
	return nil
}
