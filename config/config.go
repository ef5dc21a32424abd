package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingValue is wrapped by Validate for required settings left empty.
var ErrMissingValue = errors.New("missing required configuration value")

// ServerConfig holds all configuration for the server.
// Tags use mapstructure for Viper unmarshalling; keys match the environment variables.
type ServerConfig struct {
	AuthUser         string `mapstructure:"AUTH_USER"`
	AuthPassHash     string `mapstructure:"AUTH_PASS_ARGON2"`
	TokenCleanupMS   int    `mapstructure:"AUTH_TOKEN_CLEANUP_INTERVAL_MILLIS"`
	TokenTTLSecs     int    `mapstructure:"AUTH_TOKEN_TTL_SECS"`
	TokenMaxPerUser  int    `mapstructure:"AUTH_TOKEN_MAX_PER_USER"`
	FileExtensions   string `mapstructure:"FILE_EXTENSIONS"`
	RescrapeMS       int    `mapstructure:"RESCRAPE_INTERVAL_MILLIS"`
	FileAddChunkSize int    `mapstructure:"FILE_ADD_CHUNK_SIZE"`
	ChunkDelayMS     int    `mapstructure:"FILE_ADD_CHUNK_DELAY_MILLIS"`
	WriteTimeoutMS   int    `mapstructure:"WS_WRITE_TIMEOUT_MILLIS"`
	ServeDir         string `mapstructure:"SERVE_DIR"`
	FrontendDir      string `mapstructure:"FRONTEND_DIR"`
	ListenAddress    string `mapstructure:"LISTEN_ADDRESS"`
	LogLevel         string `mapstructure:"LOG_LEVEL"`
	LogPretty        bool   `mapstructure:"LOG_PRETTY"`

	// Failed logins per username allowed within the window; 0 disables throttling.
	LoginMaxFailures       int  `mapstructure:"LOGIN_MAX_FAILURES"`
	LoginFailureWindowSecs int  `mapstructure:"LOGIN_FAILURE_WINDOW_SECS"`
	MetricsEnabled         bool `mapstructure:"METRICS_ENABLED"`
}

var defaults = map[string]interface{}{
	"AUTH_USER":                          "",
	"AUTH_PASS_ARGON2":                   "",
	"AUTH_TOKEN_CLEANUP_INTERVAL_MILLIS": 1000,
	"AUTH_TOKEN_TTL_SECS":                3600,
	"AUTH_TOKEN_MAX_PER_USER":            16,
	"FILE_EXTENSIONS":                    "jpg,jpeg",
	"RESCRAPE_INTERVAL_MILLIS":           1000,
	"FILE_ADD_CHUNK_SIZE":                256,
	"FILE_ADD_CHUNK_DELAY_MILLIS":        50,
	"WS_WRITE_TIMEOUT_MILLIS":            10000,
	"SERVE_DIR":                          "",
	"FRONTEND_DIR":                       "",
	"LISTEN_ADDRESS":                     "127.0.0.1:3000",
	"LOG_LEVEL":                          "info",
	"LOG_PRETTY":                         false,
	"LOGIN_MAX_FAILURES":                 5,
	"LOGIN_FAILURE_WINDOW_SECS":          60,
	"METRICS_ENABLED":                    true,
}

// LoadConfig reads configuration from defaults, an optional config.yaml and the
// environment, the environment taking precedence. envFiles (".env" when none
// are given) fill in variables missing from the environment; missing files
// are ignored.
func LoadConfig(envFiles ...string) (*ServerConfig, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		// godotenv never overrides variables already present in the environment.
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading %s: %w", file, err)
		}
	}

	v := viper.New()

	// Set configuration file name and type
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Set search paths for the configuration file
	v.AddConfigPath("/etc/imagewatch/")
	v.AddConfigPath("$HOME/.imagewatch")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		// ConfigFileNotFoundError is acceptable, means we use defaults/env vars.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	serveDir, err := expandHome(cfg.ServeDir)
	if err != nil {
		return nil, err
	}
	cfg.ServeDir = serveDir
	frontendDir, err := expandHome(cfg.FrontendDir)
	if err != nil {
		return nil, err
	}
	cfg.FrontendDir = frontendDir

	return &cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *ServerConfig) Validate() error {
	required := map[string]string{
		"AUTH_USER":        c.AuthUser,
		"AUTH_PASS_ARGON2": c.AuthPassHash,
		"SERVE_DIR":        c.ServeDir,
	}
	for _, key := range []string{"AUTH_USER", "AUTH_PASS_ARGON2", "SERVE_DIR"} {
		if strings.TrimSpace(required[key]) == "" {
			return fmt.Errorf("%w: %s", ErrMissingValue, key)
		}
	}

	positive := []struct {
		key   string
		value int
	}{
		{"AUTH_TOKEN_CLEANUP_INTERVAL_MILLIS", c.TokenCleanupMS},
		{"AUTH_TOKEN_TTL_SECS", c.TokenTTLSecs},
		{"AUTH_TOKEN_MAX_PER_USER", c.TokenMaxPerUser},
		{"RESCRAPE_INTERVAL_MILLIS", c.RescrapeMS},
		{"FILE_ADD_CHUNK_SIZE", c.FileAddChunkSize},
		{"WS_WRITE_TIMEOUT_MILLIS", c.WriteTimeoutMS},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.key, p.value)
		}
	}
	if c.ChunkDelayMS < 0 {
		return fmt.Errorf("FILE_ADD_CHUNK_DELAY_MILLIS must not be negative, got %d", c.ChunkDelayMS)
	}
	if c.LoginMaxFailures < 0 {
		return fmt.Errorf("LOGIN_MAX_FAILURES must not be negative, got %d", c.LoginMaxFailures)
	}
	if c.LoginMaxFailures > 0 && c.LoginFailureWindowSecs <= 0 {
		return fmt.Errorf("LOGIN_FAILURE_WINDOW_SECS must be positive when throttling is enabled, got %d", c.LoginFailureWindowSecs)
	}
	if len(c.Extensions()) == 0 {
		return fmt.Errorf("%w: FILE_EXTENSIONS", ErrMissingValue)
	}
	return nil
}

// Extensions returns the configured extension list without dots or blanks.
func (c *ServerConfig) Extensions() []string {
	var out []string
	for _, raw := range strings.Split(c.FileExtensions, ",") {
		if ext := strings.TrimPrefix(strings.TrimSpace(raw), "."); ext != "" {
			out = append(out, ext)
		}
	}
	return out
}

func (c *ServerConfig) TokenCleanupInterval() time.Duration {
	return time.Duration(c.TokenCleanupMS) * time.Millisecond
}

func (c *ServerConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSecs) * time.Second
}

// TokenRefreshInterval is how often live subscribers refresh their token,
// comfortably inside the TTL.
func (c *ServerConfig) TokenRefreshInterval() time.Duration {
	return c.TokenTTL() * 9 / 10
}

func (c *ServerConfig) RescrapeInterval() time.Duration {
	return time.Duration(c.RescrapeMS) * time.Millisecond
}

func (c *ServerConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMS) * time.Millisecond
}

// WriteTimeout bounds a single websocket write to a subscriber.
func (c *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c *ServerConfig) LoginFailureWindow() time.Duration {
	return time.Duration(c.LoginFailureWindowSecs) * time.Second
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
