package target

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/gcscope/internal/constants"
	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
)

// DefaultMaxReadSize bounds a single read (16MB). Lengths come from target
// data, so an unbounded read would let a corrupt table exhaust memory.
const DefaultMaxReadSize = constants.DefaultMaxReadSize

// Config configures a Service.
type Config struct {
	// CacheCapacity is the number of byte ranges kept in the LRU cache.
	// Zero disables caching.
	CacheCapacity int

	// MaxReadSize rejects larger reads. Zero means DefaultMaxReadSize.
	MaxReadSize uint64

	// Logger receives trace-level read events.
	Logger zerolog.Logger
}

// Stats counts transport reads and cache activity.
type Stats struct {
	Reads      uint64
	Failures   uint64
	CacheHits  uint64
	CacheItems int
}

// Service is the memory read service for one session. It is safe for
// concurrent use. The cache assumes the target is frozen; after resuming a
// live target call Purge (or open a new session).
type Service struct {
	transport Transport
	order     binary.ByteOrder
	maxRead   uint64
	cache     *lruCache
	logger    zerolog.Logger

	mu     sync.RWMutex
	closed bool

	reads    atomic.Uint64
	failures atomic.Uint64
	hits     atomic.Uint64
}

// NewService wraps a transport.
func NewService(t Transport, cfg Config) *Service {
	s := &Service{
		transport: t,
		order:     binary.LittleEndian,
		maxRead:   cfg.MaxReadSize,
		logger:    cfg.Logger.With().Str("component", "read_service").Logger(),
	}
	if s.maxRead == 0 {
		s.maxRead = DefaultMaxReadSize
	}
	if bo, ok := t.(ByteOrderer); ok && bo.ByteOrder() != nil {
		s.order = bo.ByteOrder()
	}
	if cfg.CacheCapacity > 0 {
		s.cache = newLRUCache(cfg.CacheCapacity)
	}
	return s
}

// ByteOrder returns the target's byte order.
func (s *Service) ByteOrder() binary.ByteOrder { return s.order }

// Describe names the underlying transport.
func (s *Service) Describe() string {
	if d, ok := s.transport.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", s.transport)
}

// Read returns exactly n bytes starting at addr, or an error of kind
// TargetUnreadable. It never returns partial data.
func (s *Service) Read(addr Address, n uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, gcerrors.New(gcerrors.SessionClosed, "read", uint64(addr), "", nil)
	}
	if addr.IsNull() {
		return nil, gcerrors.Newf(gcerrors.TargetUnreadable, "read", 0, "null address")
	}
	if n == 0 {
		return []byte{}, nil
	}
	if n > s.maxRead {
		return nil, gcerrors.Newf(gcerrors.TargetUnreadable, "read", uint64(addr),
			"length %d exceeds limit %d", n, s.maxRead)
	}
	if _, ok := addr.Offset(n); !ok {
		return nil, gcerrors.Newf(gcerrors.TargetUnreadable, "read", uint64(addr),
			"range of %d bytes wraps the address space", n)
	}

	key := rangeKey{addr: addr, n: n}
	if s.cache != nil {
		if b, ok := s.cache.Get(key); ok {
			s.hits.Add(1)
			return b, nil
		}
	}

	buf := make([]byte, n)
	s.reads.Add(1)
	got, err := s.transport.ReadMemory(uint64(addr), buf)
	if err != nil {
		s.failures.Add(1)
		s.logger.Trace().Err(err).Stringer("addr", addr).Uint64("len", n).Msg("Read failed")
		return nil, gcerrors.New(gcerrors.TargetUnreadable, "read", uint64(addr), "", err)
	}
	if uint64(got) != n {
		s.failures.Add(1)
		s.logger.Trace().Stringer("addr", addr).Uint64("len", n).Int("got", got).Msg("Short read")
		return nil, gcerrors.Newf(gcerrors.TargetUnreadable, "read", uint64(addr),
			"short read: got %d of %d bytes", got, n)
	}

	s.logger.Trace().Stringer("addr", addr).Uint64("len", n).Msg("Read")

	if s.cache != nil {
		s.cache.Put(key, buf)
	}
	return buf, nil
}

// Purge drops all cached ranges.
func (s *Service) Purge() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// Stats returns a snapshot of the read counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Reads:     s.reads.Load(),
		Failures:  s.failures.Load(),
		CacheHits: s.hits.Load(),
	}
	if s.cache != nil {
		st.CacheItems = s.cache.Len()
	}
	return st
}

// Closed reports whether Close has been called.
func (s *Service) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close waits for in-flight reads and releases the transport. It is
// idempotent; only the first call reaches the transport.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.cache != nil {
		s.cache.Purge()
	}
	return s.transport.Close()
}
