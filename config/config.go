// Package config centralises runtime configuration for the connector.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures the API key pair used for authenticated requests.
// The secret is never logged or serialized.
type Credentials struct {
	PublicKey string
	SecretKey string
}

// Configured reports whether both halves of the key pair are present.
func (c Credentials) Configured() bool {
	return strings.TrimSpace(c.PublicKey) != "" && strings.TrimSpace(c.SecretKey) != ""
}

// Settings contains the connector configuration tree loaded from defaults,
// optional YAML overrides, and environment variables.
type Settings struct {
	Environment  Environment
	BaseURL      string
	WebsocketURL string
	Credentials  Credentials

	HTTPTimeout          time.Duration
	HandshakeTimeout     time.Duration
	ReconnectMaxInterval time.Duration

	// RequestRate bounds private REST calls per second.
	RequestRate float64
	// DispatchQueueSize bounds the streaming dispatch queue.
	DispatchQueueSize int

	// HistoryDSN, when set, enables the Postgres trade-history sink.
	HistoryDSN string
}

// Default returns the default connector configuration.
func Default() Settings {
	return Settings{
		Environment:          EnvProd,
		BaseURL:              "https://whitebit.com",
		WebsocketURL:         "wss://api.whitebit.com/ws",
		Credentials:          Credentials{},
		HTTPTimeout:          10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReconnectMaxInterval: 30 * time.Second,
		RequestRate:          8,
		DispatchQueueSize:    1024,
		HistoryDSN:           "",
	}
}

type fileSettings struct {
	Environment          string   `yaml:"environment"`
	BaseURL              string   `yaml:"baseURL"`
	WebsocketURL         string   `yaml:"websocketURL"`
	HTTPTimeout          duration `yaml:"httpTimeout"`
	HandshakeTimeout     duration `yaml:"handshakeTimeout"`
	ReconnectMaxInterval duration `yaml:"reconnectMaxInterval"`
	RequestRate          float64  `yaml:"requestRate"`
	DispatchQueueSize    int      `yaml:"dispatchQueueSize"`
	HistoryDSN           string   `yaml:"historyDSN"`
}

// duration supports "10s"-style values in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = duration(parsed)
	return nil
}

// Load resolves settings from defaults, the optional YAML file at path, and
// environment variables, in increasing precedence. The boolean reports
// whether the file contributed.
func Load(path string) (Settings, bool, error) {
	settings := Default()

	loaded := false
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var file fileSettings
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return settings, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			applyFile(&settings, file)
			loaded = true
		case os.IsNotExist(err):
			// Missing file falls through to defaults.
		default:
			return settings, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&settings)

	if err := settings.validate(); err != nil {
		return settings, loaded, err
	}
	return settings, loaded, nil
}

func applyFile(settings *Settings, file fileSettings) {
	if env := strings.TrimSpace(file.Environment); env != "" {
		settings.Environment = Environment(env)
	}
	if url := strings.TrimSpace(file.BaseURL); url != "" {
		settings.BaseURL = url
	}
	if url := strings.TrimSpace(file.WebsocketURL); url != "" {
		settings.WebsocketURL = url
	}
	if file.HTTPTimeout > 0 {
		settings.HTTPTimeout = time.Duration(file.HTTPTimeout)
	}
	if file.HandshakeTimeout > 0 {
		settings.HandshakeTimeout = time.Duration(file.HandshakeTimeout)
	}
	if file.ReconnectMaxInterval > 0 {
		settings.ReconnectMaxInterval = time.Duration(file.ReconnectMaxInterval)
	}
	if file.RequestRate > 0 {
		settings.RequestRate = file.RequestRate
	}
	if file.DispatchQueueSize > 0 {
		settings.DispatchQueueSize = file.DispatchQueueSize
	}
	if dsn := strings.TrimSpace(file.HistoryDSN); dsn != "" {
		settings.HistoryDSN = dsn
	}
}

func applyEnv(settings *Settings) {
	if v, ok := lookupEnv("WHITEBIT_ENV"); ok {
		settings.Environment = Environment(v)
	}
	if v, ok := lookupEnv("WHITEBIT_BASE_URL"); ok {
		settings.BaseURL = v
	}
	if v, ok := lookupEnv("WHITEBIT_WS_URL"); ok {
		settings.WebsocketURL = v
	}
	if v, ok := lookupEnv("WHITEBIT_PUBLIC_KEY"); ok {
		settings.Credentials.PublicKey = v
	}
	if v, ok := lookupEnv("WHITEBIT_SECRET_KEY"); ok {
		settings.Credentials.SecretKey = v
	}
	if v, ok := lookupEnv("WHITEBIT_HISTORY_DSN"); ok {
		settings.HistoryDSN = v
	}
	if v, ok := lookupEnv("WHITEBIT_REQUEST_RATE"); ok {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate > 0 {
			settings.RequestRate = rate
		}
	}
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

func (s Settings) validate() error {
	if strings.TrimSpace(s.BaseURL) == "" {
		return fmt.Errorf("config: baseURL required")
	}
	if strings.TrimSpace(s.WebsocketURL) == "" {
		return fmt.Errorf("config: websocketURL required")
	}
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("config: unknown environment %q", s.Environment)
	}
	return nil
}
