package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/tanq16/rangedl/internal/store"
	"github.com/tanq16/rangedl/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix      = "RANGEDL"
	configFileName = "config.yaml"
)

type Config struct {
	Threads          int           `yaml:"threads" envconfig:"THREADS"`
	OutputDir        string        `yaml:"output_dir" envconfig:"OUTPUT_DIR"`
	RetryGap         time.Duration `yaml:"retry_gap" envconfig:"RETRY_GAP"`
	MaxRetries       int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	DownloadBuffer   int           `yaml:"download_buffer" envconfig:"DOWNLOAD_BUFFER"`
	WriteBuffer      int           `yaml:"write_buffer" envconfig:"WRITE_BUFFER"`
	ProgressWidth    int           `yaml:"progress_width" envconfig:"PROGRESS_WIDTH"`
	Alpha            float64       `yaml:"alpha" envconfig:"ALPHA"`
	Repaint          time.Duration `yaml:"repaint" envconfig:"REPAINT"`
	Timeout          time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	KeepAliveTimeout time.Duration `yaml:"keep_alive_timeout" envconfig:"KEEP_ALIVE_TIMEOUT"`
	ProxyURL         string        `yaml:"proxy" envconfig:"PROXY"`
	ProxyUsername    string        `yaml:"proxy_username" envconfig:"PROXY_USERNAME"`
	ProxyPassword    string        `yaml:"proxy_password" envconfig:"PROXY_PASSWORD"`
	UserAgent        string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	Headers          []string      `yaml:"headers" envconfig:"HEADERS"`
	Browser          bool          `yaml:"browser" envconfig:"BROWSER"`
	StoreBackend     string        `yaml:"store_backend" envconfig:"STORE_BACKEND"`
	StorePath        string        `yaml:"store_path" envconfig:"STORE_PATH"`
	Concurrency      int           `yaml:"concurrency" envconfig:"CONCURRENCY"`
	Debug            bool          `yaml:"debug" envconfig:"DEBUG"`
}

func Default() *Config {
	return &Config{
		Threads:          32,
		OutputDir:        ".",
		RetryGap:         500 * time.Millisecond,
		MaxRetries:       5,
		DownloadBuffer:   utils.DefaultDownloadBuf,
		WriteBuffer:      utils.DefaultWriteBuf,
		ProgressWidth:    50,
		Alpha:            0.9,
		Repaint:          100 * time.Millisecond,
		Timeout:          3 * time.Minute,
		KeepAliveTimeout: 90 * time.Second,
		StoreBackend:     store.BackendBadger,
		Concurrency:      4,
	}
}

// DefaultPath is the config file read when no --config is given.
func DefaultPath() string {
	return filepath.Join(utils.StateDir(), configFileName)
}

// Load layers defaults, the YAML file, .env and RANGEDL_* variables, in that
// order. A missing file is only an error when explicit is set.
func Load(path string, explicit bool) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error reading environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Threads <= 0:
		return errors.New("threads must be positive")
	case c.MaxRetries < 0:
		return errors.New("max retries cannot be negative")
	case c.DownloadBuffer <= 0 || c.WriteBuffer <= 0:
		return errors.New("buffer sizes must be positive")
	case c.WriteBuffer < c.DownloadBuffer:
		return errors.New("write buffer must be at least the download buffer")
	case c.ProgressWidth <= 0:
		return errors.New("progress width must be positive")
	case c.Alpha <= 0 || c.Alpha >= 1:
		return errors.New("alpha must be in (0, 1)")
	case c.Repaint <= 0:
		return errors.New("repaint interval must be positive")
	case c.StoreBackend != store.BackendBadger && c.StoreBackend != store.BackendSQLite:
		return fmt.Errorf("unknown store backend: %s", c.StoreBackend)
	}
	return nil
}

// ResolvedStorePath fills in the per-backend default location.
func (c *Config) ResolvedStorePath() string {
	if c.StorePath != "" {
		return c.StorePath
	}
	if c.StoreBackend == store.BackendSQLite {
		return filepath.Join(utils.StateDir(), "state.db")
	}
	return filepath.Join(utils.StateDir(), "state")
}

func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	userAgent := c.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	return utils.HTTPClientConfig{
		Timeout:        c.Timeout,
		KATimeout:      c.KeepAliveTimeout,
		ProxyURL:       c.ProxyURL,
		ProxyUsername:  c.ProxyUsername,
		ProxyPassword:  c.ProxyPassword,
		UserAgent:      userAgent,
		Headers:        utils.ParseHeaderArgs(c.Headers),
		Browser:        c.Browser,
		HighThreadMode: c.Threads > 5,
	}
}
