package config

import (
	"github.com/coral-mesh/gcscope/internal/constants"
	"github.com/coral-mesh/gcscope/internal/retry"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: SchemaVersion,
		Target: TargetConfig{
			GlobalsSymbol: constants.DefaultGlobalsSymbol,
		},
		Cache: CacheConfig{
			Capacity:    constants.DefaultCacheCapacity,
			MaxReadSize: constants.DefaultMaxReadSize,
		},
		Walk: WalkConfig{
			MaxHeaps:    constants.DefaultMaxHeaps,
			MaxSegments: constants.DefaultMaxSegments,
		},
		PublishWait: PublishWaitConfig{
			MaxRetries:     constants.DefaultPublishRetries,
			InitialBackoff: constants.DefaultPublishBackoff,
			MaxBackoff:     constants.DefaultPublishMax,
			Jitter:         constants.DefaultPublishJitter,
		},
		Logging: LoggingConfig{
			Level: constants.DefaultLogLevel,
		},
		Export: ExportConfig{
			Database: "snapshots.duckdb",
		},
	}
}

// RetryConfig converts the publication wait section.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     c.PublishWait.MaxRetries,
		InitialBackoff: c.PublishWait.InitialBackoff,
		MaxBackoff:     c.PublishWait.MaxBackoff,
		Jitter:         c.PublishWait.Jitter,
	}
}
