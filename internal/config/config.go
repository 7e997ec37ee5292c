package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/httpfs/httpfs/pkg/errors"
	"github.com/httpfs/httpfs/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global GlobalConfig `yaml:"global"`
	Mount  MountConfig  `yaml:"mount"`
	Remote RemoteConfig `yaml:"remote"`
	Engine EngineConfig `yaml:"engine"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// MountConfig represents mount-point settings
type MountConfig struct {
	MountPoint  string        `yaml:"mount_point"`
	FileName    string        `yaml:"file_name"`
	AllowRoot   bool          `yaml:"allow_root"`
	AllowOther  bool          `yaml:"allow_other"`
	AutoUnmount bool          `yaml:"auto_unmount"`
	AttrTimeout time.Duration `yaml:"attr_timeout"`
}

// RemoteConfig represents the remote HTTP resource settings
type RemoteConfig struct {
	URL string `yaml:"url"`

	// Headers are attached verbatim to every request, "Name: Value" form.
	Headers []string `yaml:"headers"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig represents fetch retry settings
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// EngineConfig represents the byte-range engine settings
type EngineConfig struct {
	// ChunkSize is the fetch granularity; segments are chunk-aligned.
	ChunkSize string `yaml:"chunk_size"`

	// WindowSize is how far the sequential engine keeps fetched ahead of
	// the read cursor.
	WindowSize string `yaml:"window_size"`

	// BackwardSlack is how far behind the cursor a read may land and still
	// be classified sequential (covers buffered re-reads).
	BackwardSlack string `yaml:"backward_slack"`

	// ForwardSlack is how far ahead of the cursor a read may land and still
	// be classified sequential (covers kernel readahead gaps).
	ForwardSlack string `yaml:"forward_slack"`

	// EvictMargin is how far behind the window start segments are retained
	// before becoming eviction candidates.
	EvictMargin string `yaml:"evict_margin"`

	// CacheSize caps the total bytes held by the segment cache.
	CacheSize string `yaml:"cache_size"`

	// MaxConcurrent bounds the number of in-flight HTTP fetches.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 0,
		},
		Mount: MountConfig{
			FileName:    "",
			AutoUnmount: false,
			AttrTimeout: time.Minute,
		},
		Remote: RemoteConfig{
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
			},
		},
		Engine: EngineConfig{
			ChunkSize:     "1MB",
			WindowSize:    "8MB",
			BackwardSlack: "512KB",
			ForwardSlack:  "256KB",
			EvictMargin:   "4MB",
			CacheSize:     "256MB",
			MaxConcurrent: 5,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err).
			WithComponent("config").WithDetail("path", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithComponent("config").WithDetail("path", filename)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("HTTPFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("HTTPFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("HTTPFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("HTTPFS_CHUNK_SIZE"); val != "" {
		c.Engine.ChunkSize = val
	}
	if val := os.Getenv("HTTPFS_WINDOW_SIZE"); val != "" {
		c.Engine.WindowSize = val
	}
	if val := os.Getenv("HTTPFS_CACHE_SIZE"); val != "" {
		c.Engine.CacheSize = val
	}
	if val := os.Getenv("HTTPFS_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.MaxConcurrent = n
		}
	}

	if val := os.Getenv("HTTPFS_CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Remote.ConnectTimeout = d
		}
	}
	if val := os.Getenv("HTTPFS_READ_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Remote.ReadTimeout = d
		}
	}
	if val := os.Getenv("HTTPFS_RETRY_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Remote.Retry.MaxAttempts = n
		}
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Remote.URL == "" {
		return validationErr("remote url is required")
	}
	u, err := url.Parse(c.Remote.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return validationErr("remote url must be an http(s) URL: %s", c.Remote.URL)
	}

	if c.Mount.MountPoint == "" {
		return validationErr("mount_point is required")
	}

	if c.Engine.MaxConcurrent <= 0 {
		return validationErr("max_concurrent must be greater than 0")
	}

	chunk, err := c.ChunkSizeBytes()
	if err != nil || chunk <= 0 {
		return validationErr("invalid chunk_size: %s", c.Engine.ChunkSize)
	}
	window, err := c.WindowSizeBytes()
	if err != nil || window < chunk {
		return validationErr("window_size must be at least one chunk: %s", c.Engine.WindowSize)
	}
	cache, err := c.CacheSizeBytes()
	if err != nil || cache < window {
		return validationErr("cache_size must be at least window_size: %s", c.Engine.CacheSize)
	}

	for _, h := range c.Remote.Headers {
		if !strings.Contains(h, ":") {
			return validationErr("invalid header %q, expected \"Name: Value\"", h)
		}
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Global.LogLevel, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return validationErr("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

func validationErr(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf(format, args...)).
		WithComponent("config")
}

// ChunkSizeBytes returns the parsed chunk size.
func (c *Configuration) ChunkSizeBytes() (int64, error) {
	return parseSize("chunk_size", c.Engine.ChunkSize)
}

// WindowSizeBytes returns the parsed read-ahead window size.
func (c *Configuration) WindowSizeBytes() (int64, error) {
	return parseSize("window_size", c.Engine.WindowSize)
}

// BackwardSlackBytes returns the parsed backward classification slack.
func (c *Configuration) BackwardSlackBytes() (int64, error) {
	return parseSize("backward_slack", c.Engine.BackwardSlack)
}

// ForwardSlackBytes returns the parsed forward classification slack.
func (c *Configuration) ForwardSlackBytes() (int64, error) {
	return parseSize("forward_slack", c.Engine.ForwardSlack)
}

// EvictMarginBytes returns the parsed eviction margin.
func (c *Configuration) EvictMarginBytes() (int64, error) {
	return parseSize("evict_margin", c.Engine.EvictMargin)
}

// CacheSizeBytes returns the parsed cache capacity.
func (c *Configuration) CacheSizeBytes() (int64, error) {
	return parseSize("cache_size", c.Engine.CacheSize)
}

func parseSize(field, value string) (int64, error) {
	n, err := utils.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("invalid %s %q", field, value), err).
			WithComponent("config")
	}
	return n, nil
}
