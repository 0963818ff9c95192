//go:build !linux

package live

import (
	"encoding/binary"
	"fmt"
	"runtime"
)

// Transport stub for non-Linux platforms.
type Transport struct{}

// Open is not supported on non-Linux platforms.
func Open(cfg Config) (*Transport, error) {
	return nil, fmt.Errorf("live process inspection is not supported on %s", runtime.GOOS)
}

// ReadMemory is not supported on non-Linux platforms.
func (t *Transport) ReadMemory(addr uint64, buf []byte) (int, error) {
	return 0, fmt.Errorf("live process inspection is not supported on %s", runtime.GOOS)
}

// ByteOrder returns little endian.
func (t *Transport) ByteOrder() binary.ByteOrder { return binary.LittleEndian }

// PointerSize returns 0.
func (t *Transport) PointerSize() int { return 0 }

// Describe names the transport.
func (t *Transport) Describe() string { return "unsupported" }

// Close is a no-op.
func (t *Transport) Close() error { return nil }
