package relay

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds tunables for the relay and its websocket connections.
type Config struct {
	// Addr is the listen address of the HTTP server fronting the relay.
	Addr string `yaml:"addr"`

	// UpdateMinInterval is the per-connection floor between timeUpdate
	// broadcasts. Updates arriving faster are dropped.
	UpdateMinInterval time.Duration `yaml:"update_min_interval"`

	// Admission rate limiting (sliding window per client address).
	RateWindow      time.Duration `yaml:"rate_window"`
	RateMaxRequests int           `yaml:"rate_max_requests"`

	// AllowedOrigins is handed to the CORS layer. Empty means allow all.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Websocket connection settings.
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`

	CheckOrigin func(r *http.Request) bool `yaml:"-"`
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":3001",
		UpdateMinInterval: 100 * time.Millisecond,
		RateWindow:        60 * time.Second,
		RateMaxRequests:   100,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    1024,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
