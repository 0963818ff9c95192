// Package gcscope is the consumer API for inspecting a managed runtime's
// garbage-collected heap from outside the process.
//
// A Session owns one memory read service and one layout table. Open it over
// any transport, list heaps, index into their generation tables, and close
// it when done:
//
//	s, err := gcscope.OpenSession(ctx, transport, gcscope.Config{GlobalsAddress: addr})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	heaps, err := s.ListHeaps(ctx)
//	gen2, err := s.GetGeneration(heaps[0], 2)
//
// Everything a session returns is a view into target memory. Views become
// invalid after Invalidate (the target was resumed) and after Close.
package gcscope

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/heap"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/remote"
	"github.com/coral-mesh/gcscope/internal/retry"
	"github.com/coral-mesh/gcscope/internal/target"
)

// DefaultPointerSize is used when neither the config nor the transport
// supplies one.
const DefaultPointerSize = 8

// Config contains session options.
type Config struct {
	// GlobalsAddress is the address of the published globals pointer
	// (required; resolve it with the symbols package or pass it directly).
	GlobalsAddress target.Address

	// PointerSize overrides the transport's pointer width.
	PointerSize int

	// CacheCapacity is the number of cached read ranges; 0 disables caching.
	CacheCapacity int

	// MaxReadSize bounds a single read; 0 uses target.DefaultMaxReadSize.
	MaxReadSize uint64

	// MaxHeaps and MaxSegments bound walks over target-controlled counts.
	MaxHeaps    int
	MaxSegments int

	// PublishWait polls while the runtime has not yet published its
	// globals. A zero MaxRetries means a single attempt.
	PublishWait retry.Config

	// Logger is optional and defaults to a disabled logger.
	Logger zerolog.Logger
}

// Session is one inspection of one target. It is safe for concurrent use.
type Session struct {
	id     string
	cfg    Config
	svc    *target.Service
	lease  *heap.Lease
	logger zerolog.Logger

	mu     sync.RWMutex
	state  State
	table  *layout.Table
	walker *heap.Walker
}

// OpenSession wraps transport in a read service and loads the layout table.
// On failure the transport is closed and no session is returned.
func OpenSession(ctx context.Context, transport target.Transport, cfg Config) (*Session, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	id := uuid.NewString()
	logger := cfg.Logger.With().Str("component", "session").Str("session_id", id).Logger()

	if cfg.PointerSize == 0 {
		cfg.PointerSize = DefaultPointerSize
		if ps, ok := transport.(target.PointerSizer); ok && ps.PointerSize() != 0 {
			cfg.PointerSize = ps.PointerSize()
		}
	}

	svc := target.NewService(transport, target.Config{
		CacheCapacity: cfg.CacheCapacity,
		MaxReadSize:   cfg.MaxReadSize,
		Logger:        cfg.Logger,
	})

	s := &Session{
		id:     id,
		cfg:    cfg,
		svc:    svc,
		lease:  heap.NewLease(),
		logger: logger,
		state:  StateUninitialized,
	}

	table, err := s.loadLayout(ctx)
	if err != nil {
		if cerr := svc.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to close transport")
		}
		logger.Debug().Err(err).Msg("Session open failed")
		return nil, err
	}
	s.install(table)

	logger.Info().
		Str("transport", svc.Describe()).
		Stringer("globals", cfg.GlobalsAddress).
		Str("layout_version", table.Version()).
		Bool("server_gc", table.ServerGC()).
		Int("generations", table.GenerationCount()).
		Msg("Session opened")
	return s, nil
}

func (s *Session) loadLayout(ctx context.Context) (*layout.Table, error) {
	load := func() (*layout.Table, error) {
		s.svc.Purge()
		return layout.Load(s.svc, s.cfg.GlobalsAddress, s.cfg.PointerSize)
	}

	wait := s.cfg.PublishWait
	if wait.MaxRetries <= 1 {
		return load()
	}
	if wait.OnRetry == nil {
		wait.OnRetry = func(attempt int, err error, delay time.Duration) {
			s.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("Diagnostics not yet published, waiting")
		}
	}

	var table *layout.Table
	err := retry.Do(ctx, wait, func() error {
		t, err := load()
		if err != nil {
			return err
		}
		table = t
		return nil
	}, func(err error) bool {
		return errors.Is(err, layout.ErrNotPublished)
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

func (s *Session) install(table *layout.Table) {
	s.table = table
	s.walker = heap.New(remote.NewMemory(s.svc, table), heap.Options{
		MaxHeaps:    s.cfg.MaxHeaps,
		MaxSegments: s.cfg.MaxSegments,
		Lease:       s.lease,
		Logger:      s.logger,
	})
	s.state = StateLayoutLoaded
}

func (s *Session) current(op string) (*heap.Walker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.state {
	case StateLayoutLoaded:
		return s.walker, nil
	case StateClosed:
		return nil, gcerrors.New(gcerrors.SessionClosed, op, 0, s.id, nil)
	case StateFailed:
		return nil, gcerrors.Newf(gcerrors.DiagnosticsUnsupported, op, 0, "layout reload failed; open a new session")
	}
	return nil, gcerrors.Newf(gcerrors.DiagnosticsUnsupported, op, 0, "layout not loaded")
}

// ID identifies the session in logs and exports.
func (s *Session) ID() string { return s.id }

// State returns the session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Layout returns the session's layout table, or nil once closed or failed.
func (s *Session) Layout() *layout.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateLayoutLoaded {
		return nil
	}
	return s.table
}

// Transport names the transport for display.
func (s *Session) Transport() string { return s.svc.Describe() }

// Stats returns read service counters.
func (s *Session) Stats() target.Stats { return s.svc.Stats() }

// Memory returns the session's memory context for typed pointer reads.
func (s *Session) Memory() (*remote.Memory, error) {
	w, err := s.current("memory")
	if err != nil {
		return nil, err
	}
	return w.Memory(), nil
}

// Heaps lazily yields the target's heaps.
func (s *Session) Heaps() iter.Seq2[heap.Heap, error] {
	return func(yield func(heap.Heap, error) bool) {
		w, err := s.current("list heaps")
		if err != nil {
			yield(heap.Heap{}, err)
			return
		}
		for h, err := range w.Heaps() {
			if !yield(h, err) {
				return
			}
		}
	}
}

// ListHeaps returns every heap or an error; never a partial list.
func (s *Session) ListHeaps(ctx context.Context) ([]heap.Heap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, err := s.current("list heaps")
	if err != nil {
		return nil, err
	}
	var heaps []heap.Heap
	for h, err := range w.Heaps() {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		heaps = append(heaps, h)
	}
	s.logger.Debug().Int("heaps", len(heaps)).Msg("Listed heaps")
	return heaps, nil
}

// Heap returns heap index.
func (s *Session) Heap(index int) (heap.Heap, error) {
	w, err := s.current("heap")
	if err != nil {
		return heap.Heap{}, err
	}
	return w.Heap(index)
}

// GetGeneration returns generation index of h without reading target memory.
func (s *Session) GetGeneration(h heap.Heap, index int) (heap.Generation, error) {
	w, err := s.current("get generation")
	if err != nil {
		return heap.Generation{}, err
	}
	return w.Generation(h, index)
}

// Generations returns every generation of h.
func (s *Session) Generations(h heap.Heap) ([]heap.Generation, error) {
	w, err := s.current("generations")
	if err != nil {
		return nil, err
	}
	return w.Generations(h)
}

// Segments lazily yields the segment chain of g.
func (s *Session) Segments(g heap.Generation) iter.Seq2[heap.Segment, error] {
	return func(yield func(heap.Segment, error) bool) {
		w, err := s.current("walk segments")
		if err != nil {
			yield(heap.Segment{}, err)
			return
		}
		for seg, err := range w.Segments(g) {
			if !yield(seg, err) {
				return
			}
		}
	}
}

// Describe reads a summary of h and its generations.
func (s *Session) Describe(h heap.Heap) (heap.HeapSummary, error) {
	w, err := s.current("describe heap")
	if err != nil {
		return heap.HeapSummary{}, err
	}
	return w.Describe(h)
}

// DescribeSegments reads a summary of each segment of g.
func (s *Session) DescribeSegments(g heap.Generation) ([]heap.SegmentSummary, error) {
	w, err := s.current("describe segments")
	if err != nil {
		return nil, err
	}
	return w.DescribeSegments(g)
}

// Invalidate must be called after the target ran. It drops cached bytes and
// makes every view handed out so far fail with StaleView.
func (s *Session) Invalidate() {
	s.svc.Purge()
	epoch := s.lease.Renew()
	s.logger.Debug().Uint64("epoch", epoch).Msg("Session invalidated")
}

// ReloadLayout reads the layout table again. An identical table keeps
// existing views valid; a different one invalidates them. A failed reload
// leaves the session in StateFailed. Cancellation is not a failure: the
// session keeps its current layout and views.
func (s *Session) ReloadLayout(ctx context.Context) error {
	if _, err := s.current("reload layout"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	table, err := s.loadLayout(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return gcerrors.New(gcerrors.SessionClosed, "reload layout", 0, s.id, nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug().Err(err).Msg("Layout reload interrupted")
		return err
	}
	if err != nil {
		s.state = StateFailed
		s.table = nil
		s.walker = nil
		s.lease.Renew()
		s.logger.Error().Err(err).Msg("Layout reload failed")
		return err
	}
	if table.Equal(s.table) {
		s.logger.Debug().Msg("Layout unchanged")
		return nil
	}

	s.logger.Warn().
		Str("old_fingerprint", fmt.Sprintf("%016x", s.table.Fingerprint())).
		Str("new_fingerprint", fmt.Sprintf("%016x", table.Fingerprint())).
		Msg("Layout changed; invalidating views")
	s.lease.Renew()
	s.install(table)
	return nil
}

// Close releases the transport. Views fail with SessionClosed afterwards.
// Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.lease.Revoke()
	s.table = nil
	s.walker = nil

	stats := s.svc.Stats()
	s.logger.Debug().
		Uint64("reads", stats.Reads).
		Uint64("cache_hits", stats.CacheHits).
		Uint64("failures", stats.Failures).
		Msg("Closing session")
	return s.svc.Close()
}
