// Package snapshotdb persists heap walks into a DuckDB file so that several
// snapshots of the same process, or of different dumps, can be compared with
// plain SQL after the target is gone.
package snapshotdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/gcscope/internal/duckdb"
	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/heap"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/privilege"
	"github.com/coral-mesh/gcscope/internal/safe"
	"github.com/coral-mesh/gcscope/internal/target"
)

// SessionInfo describes one exported session.
type SessionInfo struct {
	ID              string    `duckdb:"session_id,pk" json:"session_id"`
	Transport       string    `duckdb:"transport" json:"transport"`
	CapturedAt      time.Time `duckdb:"captured_at" json:"captured_at"`
	PointerSize     int       `duckdb:"pointer_size" json:"pointer_size"`
	ServerGC        bool      `duckdb:"server_gc" json:"server_gc"`
	GenerationCount int       `duckdb:"generation_count" json:"generation_count"`
	LayoutVersion   string    `duckdb:"layout_version" json:"layout_version"`
	Fingerprint     string    `duckdb:"layout_fingerprint" json:"layout_fingerprint"`
	Globals         uint64    `duckdb:"globals" json:"globals"`
	HeapCount       int       `duckdb:"heap_count" json:"heap_count"`
}

type layoutRow struct {
	SessionID string `duckdb:"session_id,pk"`
	Struct    uint16 `duckdb:"struct_id,pk"`
	Field     uint16 `duckdb:"field_id,pk"`
	Name      string `duckdb:"name"`
	Offset    uint32 `duckdb:"offset_bytes"`
	Size      uint32 `duckdb:"size_bytes"`
}

type heapRow struct {
	SessionID        string `duckdb:"session_id,pk"`
	HeapIndex        int    `duckdb:"heap_index,pk"`
	Addr             uint64 `duckdb:"addr"`
	AllocAllocated   uint64 `duckdb:"alloc_allocated"`
	EphemeralSegment uint64 `duckdb:"ephemeral_segment"`
	FinalizeQueue    uint64 `duckdb:"finalize_queue"`
}

type generationRow struct {
	SessionID       string `duckdb:"session_id,pk"`
	HeapIndex       int    `duckdb:"heap_index,pk"`
	Generation      int    `duckdb:"generation,pk"`
	Addr            uint64 `duckdb:"addr"`
	AllocationStart uint64 `duckdb:"allocation_start"`
	AllocPtr        uint64 `duckdb:"alloc_ptr"`
	AllocLimit      uint64 `duckdb:"alloc_limit"`
	StartSegment    uint64 `duckdb:"start_segment"`
}

type segmentRow struct {
	SessionID  string `duckdb:"session_id,pk"`
	HeapIndex  int    `duckdb:"heap_index,pk"`
	Generation int    `duckdb:"generation,pk"`
	SegIndex   int    `duckdb:"segment_index,pk"`
	Addr       uint64 `duckdb:"addr"`
	Mem        uint64 `duckdb:"mem"`
	Allocated  uint64 `duckdb:"allocated"`
	Committed  uint64 `duckdb:"committed"`
	Reserved   uint64 `duckdb:"reserved"`
	Used       uint64 `duckdb:"used"`
	Flags      uint64 `duckdb:"flags"`
	Next       uint64 `duckdb:"next"`
}

// Store is a snapshot database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	sessions    *duckdb.Table[SessionInfo]
	layouts     *duckdb.Table[layoutRow]
	heaps       *duckdb.Table[heapRow]
	generations *duckdb.Table[generationRow]
	segments    *duckdb.Table[segmentRow]
}

// Open opens or creates the database at path ("" for in-memory) and
// creates missing tables.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	logger = logger.With().Str("component", "snapshotdb").Logger()

	created := false
	if path != "" {
		//nolint:gosec // G301: Directory needs standard permissions for traversal
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			created = true
		}
	}

	db, err := duckdb.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	s := bind(db, db, logger)
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if created {
		if err := privilege.FixFileOwnership(path); err != nil {
			logger.Warn().Err(err).Msg("Failed to hand database back to invoking user")
		}
	}
	logger.Debug().Str("path", path).Bool("created", created).Msg("Snapshot database opened")
	return s, nil
}

// bind returns a store whose tables run their statements on x.
func bind(db *sql.DB, x duckdb.Execer, logger zerolog.Logger) *Store {
	return &Store{
		db:          db,
		logger:      logger,
		sessions:    duckdb.NewTable[SessionInfo](x, "sessions"),
		layouts:     duckdb.NewTable[layoutRow](x, "layout_entries"),
		heaps:       duckdb.NewTable[heapRow](x, "heaps"),
		generations: duckdb.NewTable[generationRow](x, "generations"),
		segments:    duckdb.NewTable[segmentRow](x, "segments"),
	}
}

// InTx runs fn with a store whose writes share one transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				s.logger.Warn().Err(rerr).Msg("Failed to roll back snapshot transaction")
			}
		}
	}()

	if err = fn(bind(s.db, tx, s.logger)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	creators := []interface{ Create(context.Context) error }{
		s.sessions, s.layouts, s.heaps, s.generations, s.segments,
	}
	for _, c := range creators {
		if err := c.Create(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the connection for ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveSession records session metadata, replacing an earlier record.
func (s *Store) SaveSession(ctx context.Context, info SessionInfo) error {
	if info.ID == "" {
		return fmt.Errorf("session id is required")
	}
	return s.sessions.Upsert(ctx, &info)
}

// SaveLayout records every entry of the session's layout table.
func (s *Store) SaveLayout(ctx context.Context, sessionID string, t *layout.Table) error {
	entries := t.Entries()
	rows := make([]*layoutRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, &layoutRow{
			SessionID: sessionID,
			Struct:    uint16(e.Struct),
			Field:     uint16(e.Field),
			Name:      layout.FieldName(e.Struct, e.Field),
			Offset:    e.Offset,
			Size:      e.Size,
		})
	}
	return s.layouts.BatchUpsert(ctx, rows)
}

// SaveHeap records a heap summary and its generations.
func (s *Store) SaveHeap(ctx context.Context, sessionID string, h heap.HeapSummary) error {
	hr := &heapRow{SessionID: sessionID, HeapIndex: h.Index}
	if err := assign(
		addrField{&hr.Addr, h.Addr},
		addrField{&hr.AllocAllocated, h.AllocAllocated},
		addrField{&hr.EphemeralSegment, h.EphemeralSegment},
		addrField{&hr.FinalizeQueue, h.FinalizeQueue},
	); err != nil {
		return fmt.Errorf("heap %d: %w", h.Index, err)
	}
	if err := s.heaps.Upsert(ctx, hr); err != nil {
		return fmt.Errorf("save heap %d: %w", h.Index, err)
	}

	rows := make([]*generationRow, 0, len(h.Generations))
	for _, g := range h.Generations {
		gr := &generationRow{SessionID: sessionID, HeapIndex: h.Index, Generation: g.Index}
		if err := assign(
			addrField{&gr.Addr, g.Addr},
			addrField{&gr.AllocationStart, g.AllocationStart},
			addrField{&gr.AllocPtr, g.AllocPtr},
			addrField{&gr.AllocLimit, g.AllocLimit},
			addrField{&gr.StartSegment, g.StartSegment},
		); err != nil {
			return fmt.Errorf("heap %d generation %d: %w", h.Index, g.Index, err)
		}
		rows = append(rows, gr)
	}
	return s.generations.BatchUpsert(ctx, rows)
}

// SaveSegments records the segment chain of one generation.
func (s *Store) SaveSegments(ctx context.Context, sessionID string, heapIndex, generation int, segs []heap.SegmentSummary) error {
	rows := make([]*segmentRow, 0, len(segs))
	for _, sg := range segs {
		r := &segmentRow{
			SessionID:  sessionID,
			HeapIndex:  heapIndex,
			Generation: generation,
			SegIndex:   sg.Index,
			Flags:      sg.Flags,
		}
		if err := assign(
			addrField{&r.Addr, sg.Addr},
			addrField{&r.Mem, sg.Mem},
			addrField{&r.Allocated, sg.Allocated},
			addrField{&r.Committed, sg.Committed},
			addrField{&r.Reserved, sg.Reserved},
			addrField{&r.Used, sg.Used},
			addrField{&r.Next, sg.Next},
		); err != nil {
			return fmt.Errorf("segment %d: %w", sg.Index, err)
		}
		if _, clamped := safe.Uint64ToInt64(r.Flags); clamped {
			return fmt.Errorf("segment %d: flags 0x%x exceed the storable range", sg.Index, r.Flags)
		}
		rows = append(rows, r)
	}
	return s.segments.BatchUpsert(ctx, rows)
}

// ListSessions returns recorded sessions, newest first. limit <= 0 means all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	b := s.sessions.Select().OrderBy("-captured_at", "session_id")
	if limit > 0 {
		b.Limit(limit)
	}
	rows, err := s.sessions.Query(ctx, b)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

// Session returns one recorded session, or an error wrapping sql.ErrNoRows.
func (s *Store) Session(ctx context.Context, id string) (SessionInfo, error) {
	info, err := s.sessions.Get(ctx, id)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session %s: %w", id, err)
	}
	return *info, nil
}

// DeleteSession removes every row recorded for a session and reports how
// many were deleted.
func (s *Store) DeleteSession(ctx context.Context, id string) (int64, error) {
	deleters := []interface {
		Delete(context.Context, string, any) (int64, error)
	}{s.segments, s.generations, s.heaps, s.layouts, s.sessions}

	var total int64
	for _, d := range deleters {
		n, err := d.Delete(ctx, "session_id", id)
		if err != nil {
			return total, fmt.Errorf("failed to delete session %s: %w", id, err)
		}
		total += n
	}
	s.logger.Debug().Str("session", id).Int64("rows", total).Msg("Session deleted")
	return total, nil
}

// GenerationTotal aggregates the segments of one generation across heaps.
type GenerationTotal struct {
	Generation int    `json:"generation"`
	Segments   int    `json:"segments"`
	Allocated  uint64 `json:"allocated"`
	Committed  uint64 `json:"committed"`
}

// GenerationTotals sums segment sizes per generation for one session.
func (s *Store) GenerationTotals(ctx context.Context, sessionID string) ([]GenerationTotal, error) {
	query, args, err := duckdb.NewQueryBuilder("segments").
		Select(
			"generation",
			"COUNT(*) AS segments",
			"CAST(COALESCE(SUM(CASE WHEN allocated > mem THEN allocated - mem ELSE 0 END), 0) AS UBIGINT) AS allocated",
			"CAST(COALESCE(SUM(CASE WHEN committed > mem THEN committed - mem ELSE 0 END), 0) AS UBIGINT) AS committed",
		).
		Eq("session_id", sessionID).
		GroupBy("generation").
		OrderBy("generation").
		Build()
	if err != nil {
		return nil, err
	}
	s.logger.Trace().Str("query", duckdb.InterpolateQuery(query, args)).Msg("Generation totals")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("generation totals: %w", err)
	}
	defer gcerrors.DeferClose(s.logger, rows, "Failed to close generation totals")

	var out []GenerationTotal
	for rows.Next() {
		var t GenerationTotal
		if err := rows.Scan(&t.Generation, &t.Segments, &t.Allocated, &t.Committed); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type addrField struct {
	dst *uint64
	src target.Address
}

// assign copies addresses after checking that each fits the driver's signed
// 64-bit parameter range.
func assign(fields ...addrField) error {
	for _, f := range fields {
		if _, clamped := safe.Uint64ToInt64(uint64(f.src)); clamped {
			return fmt.Errorf("address %s exceeds the storable range", f.src)
		}
		*f.dst = uint64(f.src)
	}
	return nil
}
