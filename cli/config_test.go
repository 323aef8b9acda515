package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"docdb"

	log "github.com/sirupsen/logrus"
	assertion "github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	assert := assertion.New(t)
	path := writeConfig(t, `
dir: /var/lib/docdb
addr: 0.0.0.0:9000
compression: snappy
lock_timeout: 2s
log:
  level: debug
  format: json
`)

	cfg, err := LoadConfig(path)
	assert.NoError(err)
	assert.Equal("/var/lib/docdb", cfg.Dir)
	assert.Equal("0.0.0.0:9000", cfg.Addr)
	assert.Equal(uint64(docdb.DefaultMaxPageSize), cfg.MaxPageSize)
	assert.Equal(2*time.Second, cfg.LockTimeout)
	assert.Equal("debug", cfg.Log.Level)

	options, err := cfg.Options(nil, nil)
	assert.NoError(err)
	assert.Equal(docdb.CompSnappy, options.Compression)
	assert.Equal(2*time.Second, options.Timeout)

	logger := log.New()
	assert.NoError(setupLogging(logger, cfg.Log))
	assert.Equal(log.DebugLevel, logger.GetLevel())
	assert.IsType(&log.JSONFormatter{}, logger.Formatter)
}

func TestLoadConfigErrors(t *testing.T) {
	assert := assertion.New(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(err)

	_, err = LoadConfig(writeConfig(t, "dir: [unterminated"))
	assert.Error(err)

	_, err = LoadConfig(writeConfig(t, "compression: zstd\n"))
	assert.Error(err)

	_, err = LoadConfig(writeConfig(t, "log:\n  level: loud\n"))
	assert.Error(err)

	_, err = LoadConfig(writeConfig(t, "dir: \"\"\n"))
	assert.Error(err)
}

func TestDefaultConfig(t *testing.T) {
	assert := assertion.New(t)
	cfg := DefaultConfig()
	assert.NoError(cfg.Validate())

	options, err := cfg.Options(nil, nil)
	assert.NoError(err)
	assert.Equal(docdb.CompNone, options.Compression)
	assert.Equal(uint64(docdb.DefaultMaxPageSize), options.MaxPageSize)
}
