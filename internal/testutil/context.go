// Package testutil provides the in-memory target, surface publisher and
// fixtures shared by gcscope tests.
package testutil

import (
	"context"
	"time"
)

// NewTestContext returns a context that expires after ten seconds, enough
// for any publish-wait test.
func NewTestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
