package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	DB      DBConfig      `yaml:"db"`
	PostGIS PostGISConfig `yaml:"postgis"`
	ODK     ODKConfig     `yaml:"odk"`
	Request RequestConfig `yaml:"request"`
	Split   SplitConfig   `yaml:"split"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address        string   `yaml:"address"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxUploadMB    int64    `yaml:"max_upload_mb"`
	// MaxConnections caps concurrent connections; 0 is unlimited.
	MaxConnections int `yaml:"max_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
	// Trace adds per-feature debug lines from the splitter.
	Trace bool `yaml:"trace"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// DBConfig holds the local project/task store settings.
type DBConfig struct {
	Path string `yaml:"path"`
	// ArtifactRetention is how long generated forms, CSVs and task files
	// are kept before startup maintenance prunes them.
	ArtifactRetention Duration `yaml:"artifact_retention"`
}

// PostGISConfig points at the spatial database. When disabled the
// in-process FlatGeobuf codec and spatial join are used.
type PostGISConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// ODKConfig holds the ODK Central server credentials and client limits.
type ODKConfig struct {
	URL           string  `yaml:"url"`
	User          string  `yaml:"user"`
	Password      string  `yaml:"password"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// RequestConfig holds outbound HTTP request settings.
type RequestConfig struct {
	Retries int           `yaml:"retries"`
	Timeout Duration      `yaml:"timeout"`
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds exponential backoff settings.
type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// SplitConfig holds task splitting defaults.
type SplitConfig struct {
	SquareSize      Distance `yaml:"square_size"`
	FeaturesPerTask int      `yaml:"features_per_task"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "localhost:8000",
			RequestTimeout: Duration(2 * time.Minute),
			MaxUploadMB:    64,
			MaxConnections: 256,
		},
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/server.log",
				Level: "INFO",
			},
			Requests: LogSettings{
				Path:  "./logs/requests.log",
				Level: "INFO",
			},
		},
		DB: DBConfig{
			Path:              "./data/fmtm.db",
			ArtifactRetention: Duration(30 * Day),
		},
		ODK: ODKConfig{
			RatePerSecond: 10,
			Burst:         5,
		},
		Request: RequestConfig{
			Retries: 3,
			Timeout: Duration(60 * time.Second),
			Backoff: BackoffConfig{
				BaseDelay: Duration(500 * time.Millisecond),
				MaxDelay:  Duration(30 * time.Second),
			},
		},
		Split: SplitConfig{
			SquareSize:      Distance(100),
			FeaturesPerTask: 50,
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// If the file exists, it merges defaults with existing values but does NOT
// save back to disk. Secrets missing from the file are taken from the
// environment and never written out.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills empty secrets from the environment.
func applyEnv(cfg *Config) {
	fallback := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	fallback(&cfg.ODK.URL, "ODK_CENTRAL_URL")
	fallback(&cfg.ODK.User, "ODK_CENTRAL_USER")
	fallback(&cfg.ODK.Password, "ODK_CENTRAL_PASSWD")
	fallback(&cfg.PostGIS.DSN, "FMTM_DB_URL")
}

var validLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}

// Validate checks the values a running server depends on.
func (c *Config) Validate() error {
	if c.Split.SquareSize <= 0 {
		return fmt.Errorf("split.square_size must be positive, got %v", float64(c.Split.SquareSize))
	}
	if c.Split.FeaturesPerTask <= 0 {
		return fmt.Errorf("split.features_per_task must be positive, got %d", c.Split.FeaturesPerTask)
	}
	if c.PostGIS.Enabled && c.PostGIS.DSN == "" {
		return fmt.Errorf("postgis is enabled but no dsn is set (postgis.dsn or FMTM_DB_URL)")
	}
	if c.ODK.URL != "" {
		u, err := url.Parse(c.ODK.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid odk.url '%s'", c.ODK.URL)
		}
	}
	for name, s := range map[string]LogSettings{"server": c.Log.Server, "requests": c.Log.Requests} {
		if s.Level != "" && !validLevels[strings.ToUpper(s.Level)] {
			return fmt.Errorf("invalid log.%s.level '%s'", name, s.Level)
		}
	}
	return nil
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# fmtmgo configuration
# ---------------------
# Supported Units:
#   Duration: ns, us (or µs), ms, s, m, h, d (day), w (week)
#   Distance: m (meters), km (kilometers), nm (nautical miles), ft
# Secrets may be left empty and set through ODK_CENTRAL_URL,
# ODK_CENTRAL_USER, ODK_CENTRAL_PASSWD and FMTM_DB_URL.

`)
	data = append(header, data...)

	reLevel := regexp.MustCompile(`(?m)^(\s+)level:`)
	data = reLevel.ReplaceAll(data, []byte("${1}# Options: DEBUG, INFO, WARN, ERROR\n${1}level:"))

	reSquare := regexp.MustCompile(`(?m)^(\s+)square_size:`)
	data = reSquare.ReplaceAll(data, []byte("${1}# Edge length of square tasks\n${1}square_size:"))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return Save(path, DefaultConfig())
}
