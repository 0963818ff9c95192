package heap

import (
	"sync/atomic"

	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/target"
)

// Lease tracks whether views handed out by a walker are still valid. Every
// view remembers the epoch it was created in; renewing the lease (after the
// target was resumed) or revoking it (session teardown) invalidates them.
type Lease struct {
	epoch   atomic.Uint64
	revoked atomic.Bool
}

// NewLease returns a lease at epoch 1.
func NewLease() *Lease {
	l := &Lease{}
	l.epoch.Store(1)
	return l
}

// Epoch returns the current epoch.
func (l *Lease) Epoch() uint64 { return l.epoch.Load() }

// Renew starts a new epoch and returns it.
func (l *Lease) Renew() uint64 { return l.epoch.Add(1) }

// Revoke invalidates every view permanently.
func (l *Lease) Revoke() { l.revoked.Store(true) }

// Revoked reports whether Revoke was called.
func (l *Lease) Revoked() bool { return l.revoked.Load() }

func (l *Lease) check(epoch uint64, op string, addr target.Address) error {
	if l.revoked.Load() {
		return gcerrors.New(gcerrors.SessionClosed, op, uint64(addr), "", nil)
	}
	if cur := l.epoch.Load(); epoch != cur {
		return gcerrors.Newf(gcerrors.StaleView, op, uint64(addr), "view from epoch %d, session at %d", epoch, cur)
	}
	return nil
}
