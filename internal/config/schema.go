// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is the current config file version.
const SchemaVersion = "1"

// Config is the gcscope configuration (~/.gcscope/config.yaml).
type Config struct {
	Version     string            `yaml:"version"`
	Target      TargetConfig      `yaml:"target"`
	Cache       CacheConfig       `yaml:"cache"`
	Walk        WalkConfig        `yaml:"walk"`
	PublishWait PublishWaitConfig `yaml:"publish_wait"`
	Logging     LoggingConfig     `yaml:"logging"`
	Export      ExportConfig      `yaml:"export"`
}

// TargetConfig describes how the published globals are located.
type TargetConfig struct {
	// GlobalsSymbol is looked up in the executable's symbol tables.
	GlobalsSymbol string `yaml:"globals_symbol" env:"GCSCOPE_GLOBALS_SYMBOL"`

	// GlobalsAddress skips symbol lookup. Accepts 0x-prefixed hex.
	GlobalsAddress string `yaml:"globals_address,omitempty" env:"GCSCOPE_GLOBALS_ADDRESS"`

	// LoadBase is the runtime address of a PIE executable in a core file,
	// where /proc maps are not available.
	LoadBase string `yaml:"load_base,omitempty" env:"GCSCOPE_LOAD_BASE"`

	// PointerSize overrides the width the transport reports (4 or 8).
	PointerSize int `yaml:"pointer_size,omitempty" env:"GCSCOPE_POINTER_SIZE"`

	// Freeze stops a live target for the duration of the session.
	Freeze bool `yaml:"freeze" env:"GCSCOPE_FREEZE"`
}

// GlobalsAddr parses GlobalsAddress. Zero means "resolve by symbol".
func (t TargetConfig) GlobalsAddr() (uint64, error) {
	return parseAddress(t.GlobalsAddress)
}

// LoadBaseAddr parses LoadBase.
func (t TargetConfig) LoadBaseAddr() (uint64, error) {
	return parseAddress(t.LoadBase)
}

// CacheConfig sizes the read cache.
type CacheConfig struct {
	Capacity    int    `yaml:"capacity" env:"GCSCOPE_CACHE_CAPACITY"`
	MaxReadSize uint64 `yaml:"max_read_size" env:"GCSCOPE_MAX_READ_SIZE"`
}

// WalkConfig bounds walks over target-controlled counts.
type WalkConfig struct {
	MaxHeaps    int `yaml:"max_heaps" env:"GCSCOPE_MAX_HEAPS"`
	MaxSegments int `yaml:"max_segments" env:"GCSCOPE_MAX_SEGMENTS"`
}

// PublishWaitConfig controls polling for a not-yet-published surface.
type PublishWaitConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"GCSCOPE_PUBLISH_RETRIES"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"GCSCOPE_PUBLISH_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"GCSCOPE_PUBLISH_MAX_BACKOFF"`
	Jitter         float64       `yaml:"jitter" env:"GCSCOPE_PUBLISH_JITTER"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"GCSCOPE_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"GCSCOPE_LOG_PRETTY"`
}

// ExportConfig configures the snapshot database.
type ExportConfig struct {
	// Database is the DuckDB file; relative paths resolve under the
	// config directory.
	Database string `yaml:"database" env:"GCSCOPE_EXPORT_DB"`
}

func parseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}
