package objdesc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// fakeMover records every CNode_Move it's asked to perform, standing in
// for a real kernel the way pkg/memmgr/memmgr_test.go's fakeRetyper does.
type fakeMover struct {
	moves []moveCall
}

type moveCall struct {
	destCNode, srcCNode sel4.CapIndex
	destDepth, srcDepth uint
	destSlot, srcSlot   sel4.CapIndex
}

func (f *fakeMover) CNodeMove(destCNode sel4.CapIndex, destDepth uint, destSlot sel4.CapIndex, srcCNode sel4.CapIndex, srcDepth uint, srcSlot sel4.CapIndex) error {
	f.moves = append(f.moves, moveCall{destCNode, srcCNode, destDepth, srcDepth, destSlot, srcSlot})
	return nil
}

// fakeAlloc is a trivial bump allocator satisfying SlotAllocator.
type fakeAlloc struct {
	next sel4.CapIndex
}

func (a *fakeAlloc) Alloc(n uint) (sel4.CapIndex, bool) {
	first := a.next
	a.next += sel4.CapIndex(n)
	return first, true
}

func (a *fakeAlloc) Free(first sel4.CapIndex, n uint) {}

func TestBundleCountSumsRetypeCounts(t *testing.T) {
	b := &Bundle{ODs: []OD{
		{Kind: sel4.ObjPage, Count: 3},
		{Kind: sel4.ObjUntyped, Count: 20}, // log2-sized: RetypeCount == 1
		{Kind: sel4.ObjTCB, Count: 2},
	}}
	require.EqualValues(t, 6, b.Count())
}

func TestBundleCountLog2(t *testing.T) {
	cases := []struct {
		count uint
		want  uint
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{8, 4},
	}
	for _, c := range cases {
		b := &Bundle{}
		if c.count > 0 {
			b.ODs = []OD{{Kind: sel4.ObjPage, Count: c.count}}
		}
		require.EqualValuesf(t, c.want, b.CountLog2(), "count=%d", c.count)
	}
}

func TestBundleSizeBytesSumsODs(t *testing.T) {
	b := &Bundle{ODs: []OD{
		{Kind: sel4.ObjPage, Count: 2},
		{Kind: sel4.ObjTCB, Count: 1},
	}}
	require.EqualValues(t, 2*sel4.PageSize+sel4.ObjTCB.SizeOf(), b.SizeBytes())
}

func TestBundleAddCombinesAdjacentRun(t *testing.T) {
	b := &Bundle{}
	b.Add(OD{Kind: sel4.ObjPage, Count: 2, BaseCapIndex: 10})
	b.Add(OD{Kind: sel4.ObjPage, Count: 1, BaseCapIndex: 12})

	require.Len(t, b.ODs, 1)
	require.EqualValues(t, 3, b.ODs[0].Count)
	first, limit := b.ODs[0].CapIndices()
	require.EqualValues(t, 10, first)
	require.EqualValues(t, 13, limit)
}

func TestBundleAddKeepsSeparateWhenNotAdjacent(t *testing.T) {
	b := &Bundle{}
	b.Add(OD{Kind: sel4.ObjPage, Count: 2, BaseCapIndex: 10})
	b.Add(OD{Kind: sel4.ObjPage, Count: 1, BaseCapIndex: 99})

	require.Len(t, b.ODs, 2)
}

func TestBundleAddKeepsSeparateWhenDifferentKind(t *testing.T) {
	b := &Bundle{}
	b.Add(OD{Kind: sel4.ObjPage, Count: 2, BaseCapIndex: 10})
	b.Add(OD{Kind: sel4.ObjTCB, Count: 1, BaseCapIndex: 12})

	require.Len(t, b.ODs, 2)
}

func TestMoveToToplevelRewritesContainerDepthAndCapIndices(t *testing.T) {
	b := &Bundle{
		Container: 1,
		Depth:     10,
		ODs: []OD{
			{Kind: sel4.ObjPage, Count: 2, BaseCapIndex: 5},
			{Kind: sel4.ObjTCB, Count: 1, BaseCapIndex: 50},
		},
	}
	mover := &fakeMover{}
	alloc := &fakeAlloc{next: 1000}

	require.NoError(t, b.MoveToToplevel(mover, 2, 20, alloc))

	require.EqualValues(t, 2, b.Container)
	require.EqualValues(t, 20, b.Depth)

	// First OD's two slots land at [1000,1002), the second's single slot
	// at 1002, both linearized with no gap even though the source layout
	// had one.
	require.EqualValues(t, 1000, b.ODs[0].BaseCapIndex)
	require.EqualValues(t, 1002, b.ODs[1].BaseCapIndex)

	require.Len(t, mover.moves, 3)
	for _, mv := range mover.moves {
		require.EqualValues(t, 2, mv.destCNode)
		require.EqualValues(t, 20, mv.destDepth)
		require.EqualValues(t, 1, mv.srcCNode)
		require.EqualValues(t, 10, mv.srcDepth)
	}
	require.EqualValues(t, 5, mover.moves[0].srcSlot)
	require.EqualValues(t, 1000, mover.moves[0].destSlot)
	require.EqualValues(t, 6, mover.moves[1].srcSlot)
	require.EqualValues(t, 1001, mover.moves[1].destSlot)
	require.EqualValues(t, 50, mover.moves[2].srcSlot)
	require.EqualValues(t, 1002, mover.moves[2].destSlot)
}

func TestMoveFromToplevelSetsDestinationContainer(t *testing.T) {
	b := &Bundle{
		Container: 2, // toplevel
		Depth:     20,
		ODs: []OD{
			{Kind: sel4.ObjPage, Count: 1, BaseCapIndex: 1000},
		},
	}
	mover := &fakeMover{}
	alloc := &fakeAlloc{next: 77}

	require.NoError(t, b.MoveFromToplevel(mover, 9, 16, alloc))

	require.EqualValues(t, 9, b.Container)
	require.EqualValues(t, 16, b.Depth)
	require.EqualValues(t, 77, b.ODs[0].BaseCapIndex)

	require.Len(t, mover.moves, 1)
	require.EqualValues(t, 9, mover.moves[0].destCNode)
	require.EqualValues(t, 16, mover.moves[0].destDepth)
	require.EqualValues(t, 2, mover.moves[0].srcCNode)
	require.EqualValues(t, 20, mover.moves[0].srcDepth)
	require.EqualValues(t, 1000, mover.moves[0].srcSlot)
	require.EqualValues(t, 77, mover.moves[0].destSlot)
}

func TestMoveFailsWhenAllocatorExhausted(t *testing.T) {
	b := &Bundle{
		Container: 1,
		Depth:     10,
		ODs:       []OD{{Kind: sel4.ObjPage, Count: 1, BaseCapIndex: 5}},
	}
	mover := &fakeMover{}
	require.Error(t, b.MoveToToplevel(mover, 2, 20, failingAlloc{}))
}

type failingAlloc struct{}

func (failingAlloc) Alloc(n uint) (sel4.CapIndex, bool) { return 0, false }
func (failingAlloc) Free(first sel4.CapIndex, n uint)   {}
