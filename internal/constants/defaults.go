package constants

import "time"

// Read service defaults.
const (
	// DefaultCacheCapacity is the number of byte ranges the read cache holds.
	DefaultCacheCapacity = 4096

	// DefaultMaxReadSize bounds a single transport read.
	DefaultMaxReadSize = 16 << 20
)

// Walk bounds over counts read from the target.
const (
	DefaultMaxHeaps    = 1024
	DefaultMaxSegments = 4096
)

// Publication wait defaults. The runtime publishes its globals during
// startup; attaching earlier sees a null pointer.
const (
	DefaultPublishRetries = 8
	DefaultPublishBackoff = 50 * time.Millisecond
	DefaultPublishMax     = time.Second
	DefaultPublishJitter  = 0.1
)

// DefaultLogLevel is used when neither config nor flags set one.
const DefaultLogLevel = "info"
