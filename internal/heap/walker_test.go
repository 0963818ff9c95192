package heap

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/remote"
	"github.com/coral-mesh/gcscope/internal/target"
	"github.com/coral-mesh/gcscope/internal/testutil"
)

func newWalker(t *testing.T, fx *testutil.Fixture, opts Options) *Walker {
	t.Helper()
	svc := target.NewService(fx.Target, target.Config{Logger: zerolog.Nop()})
	tbl, err := layout.Load(svc, target.Address(fx.Globals), fx.PointerSize)
	require.NoError(t, err)
	opts.Logger = zerolog.Nop()
	return New(remote.NewMemory(svc, tbl), opts)
}

func serverFixture(n int) *testutil.Fixture {
	heaps := make([]testutil.HeapSpec, n)
	for i := range heaps {
		heaps[i].AllocAllocated = uint64(0x1000 * (i + 1))
	}
	return testutil.BuildFixture(testutil.FixtureOptions{ServerGC: true, Heaps: heaps})
}

func TestWalker_SingleHeapGenerationTable(t *testing.T) {
	fx := testutil.BuildFixture(testutil.FixtureOptions{GenerationCount: 3})
	w := newWalker(t, fx, Options{})

	heaps, err := w.ListHeaps()
	require.NoError(t, err)
	require.Len(t, heaps, 1)
	h := heaps[0]
	assert.Equal(t, 0, h.Index)
	assert.Equal(t, target.Address(fx.HeapAddrs[0]), h.Addr)

	genTable := h.Addr + 0x80
	reads := fx.Target.Reads()

	g, err := w.Generation(h, 2)
	require.NoError(t, err)
	assert.Equal(t, genTable+80, g.Addr)
	assert.Equal(t, 2, g.Index)
	assert.Equal(t, reads, fx.Target.Reads(), "computing a generation address reads nothing")

	_, err = w.Generation(h, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gcerrors.IndexOutOfRange))

	_, err = w.Generation(h, -1)
	assert.True(t, errors.Is(err, gcerrors.IndexOutOfRange))

	gens, err := w.Generations(h)
	require.NoError(t, err)
	require.Len(t, gens, 3)
	for i, g := range gens {
		assert.Equal(t, genTable+target.Address(i*40), g.Addr)
		assert.Equal(t, target.Address(fx.GenAddrs[0][i]), g.Addr)
	}
}

func TestWalker_ServerHeaps(t *testing.T) {
	fx := serverFixture(4)
	w := newWalker(t, fx, Options{})

	heaps, err := w.ListHeaps()
	require.NoError(t, err)
	require.Len(t, heaps, 4)
	for i, h := range heaps {
		assert.Equal(t, i, h.Index)
		assert.Equal(t, target.Address(fx.HeapAddrs[i]), h.Addr)

		alloc, err := h.ReadAddress(layout.HeapAllocAllocated)
		require.NoError(t, err)
		assert.Equal(t, target.Address(0x1000*(i+1)), alloc)
	}

	n, err := w.HeapCount()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	h2, err := w.Heap(2)
	require.NoError(t, err)
	assert.Equal(t, heaps[2].Addr, h2.Addr)

	_, err = w.Heap(4)
	assert.True(t, errors.Is(err, gcerrors.IndexOutOfRange))
}

func TestWalker_ServerHeapTableStride(t *testing.T) {
	fx := serverFixture(4)
	w := newWalker(t, fx, Options{})

	// The fourth pointer lives at table+24; failing it alone fails the walk.
	fx.Target.FailRange(fx.HeapTable+24, 8)
	heaps, err := w.ListHeaps()
	assert.Nil(t, heaps)
	assert.True(t, errors.Is(err, gcerrors.TargetUnreadable))

	// The lazy sequence still yields the readable prefix before the error.
	var got []target.Address
	for h, err := range w.Heaps() {
		if err != nil {
			break
		}
		got = append(got, h.Addr)
	}
	assert.Equal(t, []target.Address{
		target.Address(fx.HeapAddrs[0]),
		target.Address(fx.HeapAddrs[1]),
		target.Address(fx.HeapAddrs[2]),
	}, got)
}

func TestWalker_HeapsRestartable(t *testing.T) {
	fx := serverFixture(3)
	w := newWalker(t, fx, Options{})

	seq := w.Heaps()
	for range 2 {
		var n int
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, 3, n)
	}

	// Early break.
	for h, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, 0, h.Index)
		break
	}
}

func TestWalker_InvalidHeapData(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(fx *testutil.Fixture)
		opts    Options
		wantErr gcerrors.Kind
	}{
		{
			name:    "zero heap count",
			mutate:  func(fx *testutil.Fixture) { fx.SetHeapCount(0) },
			wantErr: gcerrors.InvalidTargetData,
		},
		{
			name:    "negative heap count",
			mutate:  func(fx *testutil.Fixture) { fx.SetHeapCount(-3) },
			wantErr: gcerrors.InvalidTargetData,
		},
		{
			name:    "heap count above limit",
			mutate:  func(fx *testutil.Fixture) {},
			opts:    Options{MaxHeaps: 1},
			wantErr: gcerrors.InvalidTargetData,
		},
		{
			name:    "null heap pointer",
			mutate:  func(fx *testutil.Fixture) { fx.Target.PutUint64(fx.HeapTable+8, 0) },
			wantErr: gcerrors.InvalidTargetData,
		},
		{
			name:    "heap count beyond table",
			mutate:  func(fx *testutil.Fixture) { fx.SetHeapCount(40) },
			wantErr: gcerrors.TargetUnreadable,
		},
		{
			name:    "heap count unreadable",
			mutate:  func(fx *testutil.Fixture) { fx.Target.FailRange(fx.HeapCount, 4) },
			wantErr: gcerrors.TargetUnreadable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := serverFixture(2)
			tt.mutate(fx)
			w := newWalker(t, fx, tt.opts)

			heaps, err := w.ListHeaps()
			require.Error(t, err)
			assert.Nil(t, heaps)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestWalker_SingleHeapAnchorMissing(t *testing.T) {
	ft := testutil.NewFakeTarget()
	globals := ft.Publish(testutil.Surface{GenerationCount: 3, Rows: testutil.DefaultRows(8)})
	svc := target.NewService(ft, target.Config{Logger: zerolog.Nop()})
	tbl, err := layout.Load(svc, target.Address(globals), 8)
	require.NoError(t, err)
	w := New(remote.NewMemory(svc, tbl), Options{})

	_, err = w.ListHeaps()
	assert.True(t, errors.Is(err, gcerrors.DiagnosticsUnsupported))
	_, err = w.Heap(0)
	assert.True(t, errors.Is(err, gcerrors.DiagnosticsUnsupported))
}

func TestWalker_GenerationLayoutMissing(t *testing.T) {
	var rows []testutil.LayoutRow
	for _, r := range testutil.DefaultRows(8) {
		if r.Struct == testutil.StructGeneration && r.Field == 0 {
			continue
		}
		rows = append(rows, r)
	}
	ft := testutil.NewFakeTarget()
	heapAddr := ft.Alloc(0x400)
	globals := ft.Publish(testutil.Surface{GenerationCount: 3, Rows: rows, SingleHeap: heapAddr})
	svc := target.NewService(ft, target.Config{Logger: zerolog.Nop()})
	tbl, err := layout.Load(svc, target.Address(globals), 8)
	require.NoError(t, err)
	w := New(remote.NewMemory(svc, tbl), Options{})

	h, err := w.Heap(0)
	require.NoError(t, err)
	_, err = w.Generation(h, 0)
	assert.True(t, errors.Is(err, gcerrors.VersionMismatch))

	// Heap fields remain readable.
	_, err = h.ReadField(layout.HeapAllocAllocated)
	assert.NoError(t, err)
}

func TestWalker_GenerationTableTooSmall(t *testing.T) {
	rows := testutil.DefaultRows(8)
	for i := range rows {
		if rows[i].Struct == testutil.StructGCHeap && rows[i].Field == testutil.HeapGenerationTable {
			rows[i].Size = 80
		}
	}
	fx := testutil.BuildFixture(testutil.FixtureOptions{Rows: rows})
	w := newWalker(t, fx, Options{})

	h, err := w.Heap(0)
	require.NoError(t, err)
	_, err = w.Generation(h, 0)
	assert.True(t, errors.Is(err, gcerrors.VersionMismatch))
}

func TestWalker_GenerationFields(t *testing.T) {
	fx := testutil.BuildFixture(testutil.FixtureOptions{
		Heaps: []testutil.HeapSpec{{
			Generations: []testutil.GenerationSpec{
				{AllocPtr: 0xa100, AllocLimit: 0xa200, AllocationStart: 0xa000},
				{AllocationStart: 0xb000},
				{AllocationStart: 0xc000},
			},
		}},
	})
	w := newWalker(t, fx, Options{})

	h, err := w.Heap(0)
	require.NoError(t, err)
	g0, err := w.Generation(h, 0)
	require.NoError(t, err)

	start, err := g0.ReadAddress(layout.GenAllocationStart)
	require.NoError(t, err)
	assert.Equal(t, target.Address(0xa000), start)

	limit, err := g0.ReadField(layout.GenAllocLimit)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xa200), limit)

	g2, err := w.Generation(h, 2)
	require.NoError(t, err)
	start, err = g2.ReadAddress(layout.GenAllocationStart)
	require.NoError(t, err)
	assert.Equal(t, target.Address(0xc000), start)

	_, err = g2.ReadField(layout.FieldID(50))
	assert.True(t, errors.Is(err, gcerrors.VersionMismatch))
}

func TestWalker_PointerSize4(t *testing.T) {
	fx := testutil.BuildFixture(testutil.FixtureOptions{
		PointerSize: 4,
		ServerGC:    true,
		Heaps:       make([]testutil.HeapSpec, 2),
	})
	w := newWalker(t, fx, Options{})

	heaps, err := w.ListHeaps()
	require.NoError(t, err)
	require.Len(t, heaps, 2)
	assert.Equal(t, target.Address(fx.HeapAddrs[1]), heaps[1].Addr)

	g, err := w.Generation(heaps[1], 1)
	require.NoError(t, err)
	assert.Equal(t, heaps[1].Addr+0x80+20, g.Addr)
}

func TestLease_StaleAndClosed(t *testing.T) {
	fx := testutil.BuildFixture(testutil.FixtureOptions{})
	lease := NewLease()
	w := newWalker(t, fx, Options{Lease: lease})

	h, err := w.Heap(0)
	require.NoError(t, err)
	g, err := w.Generation(h, 1)
	require.NoError(t, err)

	lease.Renew()

	_, err = w.Generation(h, 1)
	assert.True(t, errors.Is(err, gcerrors.StaleView))
	_, err = g.ReadField(layout.GenAllocPtr)
	assert.True(t, errors.Is(err, gcerrors.StaleView))

	fresh, err := w.Heap(0)
	require.NoError(t, err)
	_, err = w.Generation(fresh, 1)
	require.NoError(t, err)

	lease.Revoke()
	_, err = w.Generation(fresh, 1)
	assert.True(t, errors.Is(err, gcerrors.SessionClosed))
	_, err = w.ListHeaps()
	assert.True(t, errors.Is(err, gcerrors.SessionClosed))
}

func TestWalker_ZeroViewRejected(t *testing.T) {
	fx := testutil.BuildFixture(testutil.FixtureOptions{})
	w := newWalker(t, fx, Options{})

	_, err := w.Generation(Heap{}, 0)
	assert.True(t, errors.Is(err, gcerrors.StaleView))
	_, err = Heap{}.ReadField(layout.HeapAllocAllocated)
	assert.True(t, errors.Is(err, gcerrors.StaleView))
}

func TestWalker_ForeignViewRejected(t *testing.T) {
	fx := testutil.BuildFixture(testutil.FixtureOptions{})
	mine := newWalker(t, fx, Options{})
	other := newWalker(t, fx, Options{})

	h, err := other.Heap(0)
	require.NoError(t, err)
	g, err := other.Generation(h, 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{"generation", func() error { _, err := mine.Generation(h, 0); return err }},
		{"generations", func() error { _, err := mine.Generations(h); return err }},
		{"describe", func() error { _, err := mine.Describe(h); return err }},
		{"segments", func() error { _, err := mine.ListSegments(g); return err }},
		{"describe segments", func() error { _, err := mine.DescribeSegments(g); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.call(), gcerrors.StaleView))
		})
	}

	// The producing walker still accepts them.
	_, err = other.Generation(h, 0)
	assert.NoError(t, err)
}
