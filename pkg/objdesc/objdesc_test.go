package objdesc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

func TestRetypeSizeBitsLog2Kind(t *testing.T) {
	od := OD{Kind: sel4.ObjUntyped, Count: 16}
	require.EqualValues(t, 16, od.RetypeSizeBits())
}

func TestRetypeSizeBitsPageKind(t *testing.T) {
	od := OD{Kind: sel4.ObjPage, Count: 3}
	require.EqualValues(t, 12, od.RetypeSizeBits())
}

func TestRetypeSizeBitsPlainKindDefaultsZero(t *testing.T) {
	od := OD{Kind: sel4.ObjTCB, Count: 3}
	require.EqualValues(t, 0, od.RetypeSizeBits())
}

func TestRetypeCountLog2KindIsAlwaysOne(t *testing.T) {
	od := OD{Kind: sel4.ObjCNode, Count: 10}
	require.EqualValues(t, 1, od.RetypeCount())
}

func TestRetypeCountPlainKindIsCount(t *testing.T) {
	od := OD{Kind: sel4.ObjPage, Count: 5}
	require.EqualValues(t, 5, od.RetypeCount())
}

func TestSizeBytesUntypedIsPow2OfCount(t *testing.T) {
	od := OD{Kind: sel4.ObjUntyped, Count: 16}
	require.EqualValues(t, 1<<16, od.SizeBytes())
}

func TestSizeBytesCNodeIsSlotSizeShifted(t *testing.T) {
	od := OD{Kind: sel4.ObjCNode, Count: 4}
	require.EqualValues(t, 16<<4, od.SizeBytes())
}

func TestSizeBytesPageIsCountTimesPageSize(t *testing.T) {
	od := OD{Kind: sel4.ObjPage, Count: 3}
	require.EqualValues(t, 3*sel4.PageSize, od.SizeBytes())
}

func TestCapIndicesSpansRetypeCount(t *testing.T) {
	od := OD{Kind: sel4.ObjPage, Count: 4, BaseCapIndex: 100}
	first, limit := od.CapIndices()
	require.EqualValues(t, 100, first)
	require.EqualValues(t, 104, limit)
}

func TestCapIndicesLog2KindSpansOneSlot(t *testing.T) {
	od := OD{Kind: sel4.ObjUntyped, Count: 20, BaseCapIndex: 50}
	first, limit := od.CapIndices()
	require.EqualValues(t, 50, first)
	require.EqualValues(t, 51, limit)
}

func TestCanCombineAdjacentSameKind(t *testing.T) {
	a := OD{Kind: sel4.ObjPage, Count: 2, BaseCapIndex: 10}
	b := OD{Kind: sel4.ObjPage, Count: 3, BaseCapIndex: 12}
	require.True(t, a.CanCombine(b))
}

func TestCanCombineRejectsGap(t *testing.T) {
	a := OD{Kind: sel4.ObjPage, Count: 2, BaseCapIndex: 10}
	b := OD{Kind: sel4.ObjPage, Count: 3, BaseCapIndex: 13}
	require.False(t, a.CanCombine(b))
}

func TestCanCombineRejectsDifferentKind(t *testing.T) {
	a := OD{Kind: sel4.ObjPage, Count: 2, BaseCapIndex: 10}
	b := OD{Kind: sel4.ObjTCB, Count: 1, BaseCapIndex: 12}
	require.False(t, a.CanCombine(b))
}

func TestCombineMergesAdjacentRuns(t *testing.T) {
	a := OD{Kind: sel4.ObjPage, Count: 2, BaseCapIndex: 10}
	b := OD{Kind: sel4.ObjPage, Count: 3, BaseCapIndex: 12}
	merged := a.Combine(b)
	require.Equal(t, OD{Kind: sel4.ObjPage, Count: 5, BaseCapIndex: 10}, merged)
	first, limit := merged.CapIndices()
	require.EqualValues(t, 10, first)
	require.EqualValues(t, 15, limit)
}

func TestCombinePanicsWhenNotAdjacent(t *testing.T) {
	a := OD{Kind: sel4.ObjPage, Count: 2, BaseCapIndex: 10}
	b := OD{Kind: sel4.ObjPage, Count: 3, BaseCapIndex: 99}
	require.Panics(t, func() { a.Combine(b) })
}
