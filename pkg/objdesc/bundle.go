package objdesc

import (
	"fmt"
	"math/bits"

	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// SlotAllocator is the narrow capability this package needs from
// pkg/slotalloc — just enough to hand out a destination range during a
// move without importing the allocator package (would be a cycle).
type SlotAllocator interface {
	Alloc(n uint) (sel4.CapIndex, bool)
	Free(first sel4.CapIndex, n uint)
}

// Mover is the narrow kernel capability ODB.Move* needs: one CNode_Move per
// slot.
type Mover interface {
	CNodeMove(destCNode sel4.CapIndex, destDepth uint, destSlot sel4.CapIndex, srcCNode sel4.CapIndex, srcDepth uint, srcSlot sel4.CapIndex) error
}

// Bundle is an Object Descriptor Bundle: (container, depth, []OD). container
// identifies the CNode the ODs' cap indices are interpreted against; depth
// is the number of address bits used traversing it.
type Bundle struct {
	Container sel4.CapIndex
	Depth      uint
	ODs        []OD
}

// Count returns the total number of capability slots named across every OD.
func (b *Bundle) Count() uint {
	var n uint
	for _, o := range b.ODs {
		n += uint(o.RetypeCount())
	}
	return n
}

// CountLog2 returns floor(log2(count()))+1, the number of address bits a
// CNode must have to hold every slot in this bundle.
func (b *Bundle) CountLog2() uint {
	n := b.Count()
	if n == 0 {
		return 0
	}
	return uint(bits.Len(n - 1 + 1)) // floor(log2(n))+1, n>=1
}

// SizeBytes sums each OD's contribution.
func (b *Bundle) SizeBytes() uint64 {
	var total uint64
	for _, o := range b.ODs {
		total += o.SizeBytes()
	}
	return total
}

// Add appends od, combining it with the last OD if adjacency allows.
func (b *Bundle) Add(od OD) {
	if n := len(b.ODs); n > 0 && b.ODs[n-1].CanCombine(od) {
		b.ODs[n-1] = b.ODs[n-1].Combine(od)
		return
	}
	b.ODs = append(b.ODs, od)
}

// MoveToToplevel walks every OD, issuing one kernel move per slot into the
// process manager's top-level CNode, and rewrites BaseCapIndex to the new
// linearized position — the original layout with gaps is not preserved.
// On failure partway through, the bundle is left in an indeterminate state;
// per spec §4.A the caller must treat the whole bundle as leaked.
func (b *Bundle) MoveToToplevel(mover Mover, toplevel sel4.CapIndex, toplevelDepth uint, alloc SlotAllocator) error {
	return b.move(mover, alloc, toplevel, toplevelDepth)
}

// MoveFromToplevel is the inverse: relocate every slot from the top-level
// CNode into destContainer at destDepth, linearizing as it goes.
func (b *Bundle) MoveFromToplevel(mover Mover, destContainer sel4.CapIndex, destDepth uint, alloc SlotAllocator) error {
	b.Container, b.Depth = destContainer, destDepth
	return b.move(mover, alloc, destContainer, destDepth)
}

func (b *Bundle) move(mover Mover, alloc SlotAllocator, destContainer sel4.CapIndex, destDepth uint) error {
	srcContainer, srcDepth := b.Container, b.Depth
	for i := range b.ODs {
		od := &b.ODs[i]
		n := od.RetypeCount()
		dest, ok := alloc.Alloc(n)
		if !ok {
			return fmt.Errorf("objdesc: no slot range of size %d available for move", n)
		}
		first, _ := od.CapIndices()
		for j := uint(0); j < n; j++ {
			srcSlot := first + sel4.CapIndex(j)
			destSlot := dest + sel4.CapIndex(j)
			if err := mover.CNodeMove(destContainer, destDepth, destSlot, srcContainer, srcDepth, srcSlot); err != nil {
				return fmt.Errorf("objdesc: move slot %d->%d: %w", srcSlot, destSlot, err)
			}
		}
		od.BaseCapIndex = dest
	}
	b.Container, b.Depth = destContainer, destDepth
	return nil
}

func (b *Bundle) String() string {
	return fmt.Sprintf("ODB{container=%d depth=%d ods=%v}", b.Container, b.Depth, b.ODs)
}
