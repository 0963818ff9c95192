package heap

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/target"
	"github.com/coral-mesh/gcscope/internal/testutil"
)

func segmentFixture() *testutil.Fixture {
	return testutil.BuildFixture(testutil.FixtureOptions{
		Heaps: []testutil.HeapSpec{{
			AllocAllocated: 0x7000_2000,
			Generations: []testutil.GenerationSpec{
				{
					AllocPtr: 0x7000_1000, AllocLimit: 0x7000_3000, AllocationStart: 0x7000_0000,
					Segments: []testutil.SegmentSpec{
						{Mem: 0x7000_0000, Allocated: 0x7000_2000, Committed: 0x7001_0000, Reserved: 0x7100_0000},
					},
				},
				{AllocationStart: 0x6000_0000},
				{
					AllocationStart: 0x5000_0000,
					Segments: []testutil.SegmentSpec{
						{Mem: 0x5000_0000, Allocated: 0x5000_8000},
						{Mem: 0x5100_0000, Allocated: 0x5100_0100},
						{Mem: 0x5200_0000, Allocated: 0x5200_0000},
					},
				},
			},
		}},
	})
}

func TestWalker_Segments(t *testing.T) {
	fx := segmentFixture()
	w := newWalker(t, fx, Options{})
	h, err := w.Heap(0)
	require.NoError(t, err)

	g2, err := w.Generation(h, 2)
	require.NoError(t, err)
	segs, err := w.ListSegments(g2)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	for i, s := range segs {
		assert.Equal(t, target.Address(fx.SegAddrs[0][2][i]), s.Addr)
		assert.Equal(t, i, s.Index)
		assert.Equal(t, 2, s.Generation)
	}

	g1, err := w.Generation(h, 1)
	require.NoError(t, err)
	segs, err = w.ListSegments(g1)
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestWalker_SegmentCycle(t *testing.T) {
	fx := segmentFixture()
	chain := fx.SegAddrs[0][2]
	fx.LinkSegments(chain[2], chain[0])
	w := newWalker(t, fx, Options{})

	h, err := w.Heap(0)
	require.NoError(t, err)
	g, err := w.Generation(h, 2)
	require.NoError(t, err)

	segs, err := w.ListSegments(g)
	assert.Nil(t, segs)
	assert.True(t, errors.Is(err, gcerrors.InvalidTargetData), "got %v", err)
}

func TestWalker_SegmentLimit(t *testing.T) {
	fx := segmentFixture()
	w := newWalker(t, fx, Options{MaxSegments: 2})

	h, err := w.Heap(0)
	require.NoError(t, err)
	g, err := w.Generation(h, 2)
	require.NoError(t, err)

	_, err = w.ListSegments(g)
	assert.True(t, errors.Is(err, gcerrors.InvalidTargetData))
	assert.Contains(t, err.Error(), "exceeds 2 segments")
}

func TestWalker_SegmentUnreadable(t *testing.T) {
	fx := segmentFixture()
	fx.Target.FailRange(fx.SegAddrs[0][2][1], 1)
	w := newWalker(t, fx, Options{})

	h, err := w.Heap(0)
	require.NoError(t, err)
	g, err := w.Generation(h, 2)
	require.NoError(t, err)

	_, err = w.ListSegments(g)
	assert.True(t, errors.Is(err, gcerrors.TargetUnreadable))
}

func TestWalker_Describe(t *testing.T) {
	fx := segmentFixture()
	w := newWalker(t, fx, Options{})

	h, err := w.Heap(0)
	require.NoError(t, err)
	sum, err := w.Describe(h)
	require.NoError(t, err)

	assert.Equal(t, h.Addr, sum.Addr)
	assert.Equal(t, target.Address(0x7000_2000), sum.AllocAllocated)
	assert.Equal(t, target.Address(fx.SegAddrs[0][0][0]), sum.EphemeralSegment)
	require.Len(t, sum.Generations, 3)
	assert.Equal(t, target.Address(0x7000_0000), sum.Generations[0].AllocationStart)
	assert.Equal(t, target.Address(0x7000_1000), sum.Generations[0].AllocPtr)
	assert.Equal(t, target.Address(0x7000_3000), sum.Generations[0].AllocLimit)
	assert.Equal(t, target.Address(0x6000_0000), sum.Generations[1].AllocationStart)
	assert.True(t, sum.Generations[1].StartSegment.IsNull())
	assert.Equal(t, target.Address(fx.SegAddrs[0][2][0]), sum.Generations[2].StartSegment)

	raw, err := json.Marshal(sum)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"alloc_allocated":"0x70002000"`)
}

func TestWalker_DescribeSegments(t *testing.T) {
	fx := segmentFixture()
	w := newWalker(t, fx, Options{})

	h, err := w.Heap(0)
	require.NoError(t, err)
	g, err := w.Generation(h, 2)
	require.NoError(t, err)

	segs, err := w.DescribeSegments(g)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, target.Address(0x5000_0000), segs[0].Mem)
	assert.Equal(t, uint64(0x8000), segs[0].Size())
	assert.Equal(t, uint64(0x100), segs[1].Size())
	assert.Equal(t, uint64(0), segs[2].Size())
	assert.Equal(t, segs[1].Addr, segs[0].Next)
	assert.True(t, segs[2].Next.IsNull())
}

func TestWalker_DescribeUnreadableHeap(t *testing.T) {
	fx := segmentFixture()
	fx.Target.FailRange(fx.HeapAddrs[0]+0x200, 1)
	w := newWalker(t, fx, Options{})

	h, err := w.Heap(0)
	require.NoError(t, err)
	sum, err := w.Describe(h)
	assert.True(t, errors.Is(err, gcerrors.TargetUnreadable))
	assert.Empty(t, sum.Generations)
}
