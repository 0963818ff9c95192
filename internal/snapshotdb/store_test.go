package snapshotdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/gcscope/internal/heap"
	"github.com/coral-mesh/gcscope/internal/target"
	"github.com/coral-mesh/gcscope/internal/testutil"
	"github.com/coral-mesh/gcscope/pkg/gcscope"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openSession(t *testing.T, fx *testutil.Fixture) *gcscope.Session {
	t.Helper()
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	s, err := gcscope.OpenSession(ctx, fx.Target, gcscope.Config{
		GlobalsAddress: target.Address(fx.Globals),
		PointerSize:    fx.PointerSize,
		Logger:         testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func serverFixture() *testutil.Fixture {
	gen := func(n int, base uint64) testutil.GenerationSpec {
		var segs []testutil.SegmentSpec
		for i := 0; i < n; i++ {
			mem := base + uint64(i)*0x10000
			segs = append(segs, testutil.SegmentSpec{Mem: mem, Allocated: mem + 0x100, Committed: mem + 0x1000, Reserved: mem + 0x10000})
		}
		return testutil.GenerationSpec{AllocationStart: base, AllocPtr: base + 0x80, AllocLimit: base + 0x1000, Segments: segs}
	}
	return testutil.BuildFixture(testutil.FixtureOptions{
		ServerGC: true,
		Heaps: []testutil.HeapSpec{
			{AllocAllocated: 0x500000, Generations: []testutil.GenerationSpec{gen(2, 0x1000000), gen(1, 0x2000000), gen(1, 0x3000000)}},
			{AllocAllocated: 0x600000, Generations: []testutil.GenerationSpec{gen(1, 0x4000000), gen(0, 0), gen(1, 0x5000000)}},
		},
	})
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	fx := serverFixture()
	sess := openSession(t, fx)
	store := openStore(t, "")

	res, err := Export(ctx, store, sess)
	require.NoError(t, err)
	assert.Equal(t, ExportResult{SessionID: sess.ID(), Heaps: 2, Generations: 6, Segments: 6}, res)

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	info := sessions[0]
	assert.Equal(t, sess.ID(), info.ID)
	assert.Equal(t, "fake", info.Transport)
	assert.True(t, info.ServerGC)
	assert.Equal(t, 8, info.PointerSize)
	assert.Equal(t, 3, info.GenerationCount)
	assert.Equal(t, 2, info.HeapCount)
	assert.Equal(t, fx.Globals, info.Globals)
	assert.Len(t, info.Fingerprint, 16)

	var layoutRows int
	require.NoError(t, store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM layout_entries WHERE session_id = ?", sess.ID()).Scan(&layoutRows))
	assert.Equal(t, len(sess.Layout().Entries()), layoutRows)

	var heapAddr uint64
	require.NoError(t, store.DB().QueryRowContext(ctx,
		"SELECT addr FROM heaps WHERE session_id = ? AND heap_index = 1", sess.ID()).Scan(&heapAddr))
	assert.Equal(t, fx.HeapAddrs[1], heapAddr)

	totals, err := store.GenerationTotals(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, []GenerationTotal{
		{Generation: 0, Segments: 3, Allocated: 0x300, Committed: 0x3000},
		{Generation: 1, Segments: 1, Allocated: 0x100, Committed: 0x1000},
		{Generation: 2, Segments: 2, Allocated: 0x200, Committed: 0x2000},
	}, totals)
}

func TestExport_ReadFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	fx := serverFixture()
	sess := openSession(t, fx)
	store := openStore(t, "")

	fx.Target.FailRange(fx.SegAddrs[1][2][0], 8)
	sess.Invalidate()

	_, err := Export(ctx, store, sess)
	require.Error(t, err)

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestExport_ClosedSession(t *testing.T) {
	sess := openSession(t, testutil.BuildFixture(testutil.FixtureOptions{}))
	require.NoError(t, sess.Close())

	_, err := Export(context.Background(), openStore(t, ""), sess)
	assert.ErrorContains(t, err, "has no layout")
}

func TestStore_ListSessionsOrderAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "snap.duckdb")

	store, err := Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveSession(ctx, SessionInfo{ID: id, CapturedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	assert.Error(t, store.SaveSession(ctx, SessionInfo{}))
	require.NoError(t, store.Close())

	reopened := openStore(t, path)
	got, err := reopened.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestStore_RejectsUnstorableAddresses(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "")

	err := store.SaveHeap(ctx, "s", heap.HeapSummary{Index: 0, Addr: target.Address(1 << 63)})
	assert.ErrorContains(t, err, "storable range")

	err = store.SaveSegments(ctx, "s", 0, 0, []heap.SegmentSummary{{Index: 0, Addr: 0x1000, Flags: 1 << 63}})
	assert.ErrorContains(t, err, "storable range")
}

func TestStore_SessionAndDelete(t *testing.T) {
	ctx := context.Background()
	sess := openSession(t, serverFixture())
	store := openStore(t, "")

	res, err := Export(ctx, store, sess)
	require.NoError(t, err)

	info, err := store.Session(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, info.HeapCount)
	assert.True(t, info.ServerGC)

	_, err = store.Session(ctx, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	n, err := store.DeleteSession(ctx, res.SessionID)
	require.NoError(t, err)
	// one session, its layout rows, 2 heaps, 6 generations and 6 segments
	assert.Equal(t, int64(1+len(sess.Layout().Entries())+2+6+6), n)

	_, err = store.Session(ctx, res.SessionID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	totals, err := store.GenerationTotals(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Empty(t, totals)

	n, err = store.DeleteSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExport_WriteFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	fx := testutil.BuildFixture(testutil.FixtureOptions{
		ServerGC: true,
		Heaps: []testutil.HeapSpec{
			{AllocAllocated: 0x500000},
			{AllocAllocated: 1 << 63},
		},
	})
	sess := openSession(t, fx)
	store := openStore(t, "")

	_, err := Export(ctx, store, sess)
	require.ErrorContains(t, err, "storable range")

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	for _, table := range []string{"layout_entries", "heaps", "generations"} {
		var n int
		require.NoError(t, store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
		assert.Zero(t, n, table)
	}
}

func TestStore_InTx(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "")

	err := store.InTx(ctx, func(tx *Store) error {
		require.NoError(t, tx.SaveSession(ctx, SessionInfo{ID: "kept"}))
		return nil
	})
	require.NoError(t, err)

	err = store.InTx(ctx, func(tx *Store) error {
		require.NoError(t, tx.SaveSession(ctx, SessionInfo{ID: "dropped"}))
		return tx.SaveSession(ctx, SessionInfo{})
	})
	require.ErrorContains(t, err, "session id is required")

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "kept", sessions[0].ID)
}
