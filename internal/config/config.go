package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Service limits of one PutLogEvents call.
const (
	MaxBatchEvents = 10000
	MaxBatchBytes  = 1048576
)

// Config is the agent configuration loaded from file/env.
type Config struct {
	Group          string   `json:"group" yaml:"group"`
	Stream         string   `json:"stream" yaml:"stream"`
	WriteInterval  Duration `json:"writeInterval" yaml:"writeInterval"`
	MaxBatchEvents int      `json:"maxBatchEvents" yaml:"maxBatchEvents"`
	MaxBatchBytes  int      `json:"maxBatchBytes" yaml:"maxBatchBytes"`

	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Profile  string `json:"profile" yaml:"profile"`

	LogPath         string   `json:"logPath" yaml:"logPath"`
	FilePattern     string   `json:"filePattern" yaml:"filePattern"`
	ScanInterval    Duration `json:"scanInterval" yaml:"scanInterval"`
	FileIdleTimeout Duration `json:"fileIdleTimeout" yaml:"fileIdleTimeout"`
	FromStart       bool     `json:"fromStart" yaml:"fromStart"`
	Filter          string   `json:"filter" yaml:"filter"`
	Workers         int      `json:"workers" yaml:"workers"`
	QueueSize       int      `json:"queueSize" yaml:"queueSize"`
	MetricsInterval Duration `json:"metricsInterval" yaml:"metricsInterval"`
	NodeName        string   `json:"nodeName" yaml:"nodeName"`

	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		WriteInterval:   Duration(time.Second),
		MaxBatchEvents:  MaxBatchEvents,
		MaxBatchBytes:   MaxBatchBytes,
		LogPath:         "/var/log/pods",
		FilePattern:     ".log",
		ScanInterval:    Duration(10 * time.Second),
		FileIdleTimeout: Duration(5 * time.Minute),
		Workers:         10,
		QueueSize:       50,
		MetricsInterval: Duration(30 * time.Second),
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Group) == "" {
		errs = append(errs, errors.New("group is required"))
	}
	if c.WriteInterval < 0 {
		errs = append(errs, errors.New("writeInterval must not be negative"))
	}
	if c.MaxBatchEvents < 1 || c.MaxBatchEvents > MaxBatchEvents {
		errs = append(errs, fmt.Errorf("maxBatchEvents must be within 1..%d", MaxBatchEvents))
	}
	if c.MaxBatchBytes < 1 || c.MaxBatchBytes > MaxBatchBytes {
		errs = append(errs, fmt.Errorf("maxBatchBytes must be within 1..%d", MaxBatchBytes))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, errors.New("scanInterval must be positive"))
	}
	if c.FileIdleTimeout < 0 {
		errs = append(errs, errors.New("fileIdleTimeout must not be negative"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, errors.New("queueSize must be positive"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logFormat must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Resolve fills values derived from the environment: the node name from the
// host name and, when no stream is configured, a unique stream per agent run.
func (c *Config) Resolve() {
	if c.NodeName == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeName = host
		} else {
			c.NodeName = "unknown"
		}
	}
	if c.Stream == "" {
		c.Stream = c.NodeName + "-" + uuid.NewString()
	}
}
