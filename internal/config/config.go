package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Backend struct {
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"backend"`

	Queue struct {
		MaxConcurrency    int           `yaml:"max_concurrency"`
		MaxRetries        int           `yaml:"max_retries"`
		AutoRetry         *bool         `yaml:"auto_retry"`
		RetryDelay        time.Duration `yaml:"retry_delay"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		ProcessingTimeout time.Duration `yaml:"processing_timeout"`
		CompletedLimit    int           `yaml:"completed_limit"`
	} `yaml:"queue"`

	Files struct {
		AllowedExtensions   []string `yaml:"allowed_extensions"`
		AllowedContentTypes []string `yaml:"allowed_content_types"`
		MaxSizeMB           int64    `yaml:"max_size_mb"`
	} `yaml:"files"`

	Staging struct {
		Dir       string        `yaml:"dir"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"staging"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

var DefaultContentTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

var DefaultExtensions = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx"}

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
)

// LoadConfig reads a yaml file. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := newConfig()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		dec := yaml.NewDecoder(f)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// newConfig presets the settings for which zero is a meaningful value, so
// the file can override them with 0 and ApplyDefaults leaves them alone.
func newConfig() Config {
	var c Config
	c.Queue.MaxRetries = DefaultMaxRetries
	c.Queue.RetryDelay = DefaultRetryDelay
	return c
}

// ApplyDefaults fills settings left at their zero value. queue.max_retries
// and queue.retry_delay accept 0 and are preset by LoadConfig instead.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:8000/api/v1"
	}
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = 30 * time.Second
	}
	if c.Queue.MaxConcurrency == 0 {
		c.Queue.MaxConcurrency = 3
	}
	if c.Queue.AutoRetry == nil {
		enabled := true
		c.Queue.AutoRetry = &enabled
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.ProcessingTimeout == 0 {
		c.Queue.ProcessingTimeout = 5 * time.Minute
	}
	if c.Queue.CompletedLimit == 0 {
		c.Queue.CompletedLimit = 50
	}
	if len(c.Files.AllowedExtensions) == 0 {
		c.Files.AllowedExtensions = DefaultExtensions
	}
	if len(c.Files.AllowedContentTypes) == 0 {
		c.Files.AllowedContentTypes = DefaultContentTypes
	}
	if c.Files.MaxSizeMB == 0 {
		c.Files.MaxSizeMB = 50
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = "staging"
	}
	if c.Staging.Retention == 0 {
		c.Staging.Retention = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

// Validate rejects values the queue cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url is not an http(s) url: %q", c.Backend.BaseURL))
	}
	if c.Queue.MaxConcurrency < 1 || c.Queue.MaxConcurrency > 10 {
		errs = append(errs, fmt.Errorf("queue.max_concurrency must be within [1, 10], got %d", c.Queue.MaxConcurrency))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries must be >= 0, got %d", c.Queue.MaxRetries))
	}
	if c.Queue.RetryDelay < 0 || c.Queue.PollInterval <= 0 || c.Queue.ProcessingTimeout <= 0 {
		errs = append(errs, errors.New("queue durations must be positive"))
	}
	if c.Files.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("files.max_size_mb must be positive, got %d", c.Files.MaxSizeMB))
	}

	return errors.Join(errs...)
}

func (c *Config) MaxFileSize() int64 {
	return c.Files.MaxSizeMB * 1024 * 1024
}
