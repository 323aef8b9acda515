package main

import (
	"os"
	"time"

	"docdb"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration file.
type Config struct {
	Dir         string        `yaml:"dir"`
	Addr        string        `yaml:"addr"`
	MaxPageSize uint64        `yaml:"max_page_size"`
	Compression string        `yaml:"compression"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	Log         LogConfig     `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Dir:         "./data",
		Addr:        "127.0.0.1:8080",
		MaxPageSize: docdb.DefaultMaxPageSize,
		Compression: "none",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a yaml file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("config: dir is required")
	}
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	if _, err := docdb.ParseCompressAlgorithm(c.Compression); err != nil {
		return errors.Wrap(err, "config")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "config")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Options turns the file settings into store options.
func (c *Config) Options(logger log.FieldLogger, registerer prometheus.Registerer) (*docdb.Options, error) {
	compression, err := docdb.ParseCompressAlgorithm(c.Compression)
	if err != nil {
		return nil, err
	}
	return &docdb.Options{
		Timeout:     c.LockTimeout,
		MaxPageSize: c.MaxPageSize,
		Compression: compression,
		Logger:      logger,
		Registerer:  registerer,
	}, nil
}

func setupLogging(logger *log.Logger, cfg LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
