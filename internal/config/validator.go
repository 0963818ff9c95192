package config

import (
	"fmt"
	"strings"

	"github.com/coral-mesh/gcscope/internal/logging"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errors []ValidationError
	add := func(field, msg string, args ...any) {
		errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf(msg, args...)})
	}

	if c.Version == "" {
		add("version", "version is required")
	} else if c.Version != SchemaVersion {
		add("version", "unsupported version %q (want %q)", c.Version, SchemaVersion)
	}

	if c.Target.GlobalsSymbol == "" && c.Target.GlobalsAddress == "" {
		add("target", "one of globals_symbol or globals_address is required")
	}
	if _, err := c.Target.GlobalsAddr(); err != nil {
		add("target.globals_address", "%v", err)
	}
	if _, err := c.Target.LoadBaseAddr(); err != nil {
		add("target.load_base", "%v", err)
	}
	if p := c.Target.PointerSize; p != 0 && p != 4 && p != 8 {
		add("target.pointer_size", "pointer size must be 4 or 8, got %d", p)
	}

	if c.Cache.Capacity < 0 {
		add("cache.capacity", "cache capacity cannot be negative")
	}
	if c.Cache.MaxReadSize == 0 {
		add("cache.max_read_size", "max read size must be positive")
	}

	if c.Walk.MaxHeaps <= 0 {
		add("walk.max_heaps", "max heaps must be positive")
	}
	if c.Walk.MaxSegments <= 0 {
		add("walk.max_segments", "max segments must be positive")
	}

	pw := c.PublishWait
	if pw.MaxRetries < 1 {
		add("publish_wait.max_retries", "max retries must be at least 1")
	}
	if pw.InitialBackoff <= 0 {
		add("publish_wait.initial_backoff", "initial backoff must be positive")
	}
	if pw.MaxBackoff != 0 && pw.MaxBackoff < pw.InitialBackoff {
		add("publish_wait.max_backoff", "max backoff %s is below initial backoff %s", pw.MaxBackoff, pw.InitialBackoff)
	}
	if pw.Jitter < 0 || pw.Jitter > 1 {
		add("publish_wait.jitter", "jitter must be within [0, 1]")
	}

	if !logging.ValidLevel(c.Logging.Level) {
		add("logging.level", "unknown log level %q", c.Logging.Level)
	}

	if c.Export.Database == "" {
		add("export.database", "database path is required")
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}
