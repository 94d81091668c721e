// Package objdesc implements the Object Descriptor and Object Descriptor
// Bundle data model (spec §3, §4.A): pure data describing batched typed
// kernel-object requests and the capability slots they'll land in.
package objdesc

import (
	"fmt"

	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// OD is an Object Descriptor: (kind, count, base_cap_index). count's
// interpretation depends on kind — a log2 size parameter for
// untyped/CNode/scheduling-context, or a repeat count for everything else.
type OD struct {
	Kind         sel4.ObjectKind
	Count        uint
	BaseCapIndex sel4.CapIndex
}

// RetypeSizeBits returns the size-bits argument a kernel Untyped_Retype call
// needs for this OD's kind.
func (o OD) RetypeSizeBits() uint {
	if o.Kind.IsLog2Sized() {
		return o.Count
	}
	switch o.Kind {
	case sel4.ObjPage:
		return 12 // 4K page
	default:
		return 0
	}
}

// RetypeCount returns how many objects a single retype call produces.
func (o OD) RetypeCount() uint {
	if o.Kind.IsLog2Sized() {
		return 1
	}
	return o.Count
}

// SizeBytes returns this OD's contribution to an ODB's total size_bytes().
func (o OD) SizeBytes() uint64 {
	switch o.Kind {
	case sel4.ObjUntyped:
		return 1 << o.Count
	case sel4.ObjCNode:
		const slotSize = 16 // bytes per CNode slot
		return slotSize << o.Count
	case sel4.ObjSchedContext:
		return 1 << o.Count
	default:
		return uint64(o.Count) * o.Kind.SizeOf()
	}
}

// CapIndices returns the half-open range of capability slots this OD names:
// [base, base+retype_count()).
func (o OD) CapIndices() (first, limit sel4.CapIndex) {
	return o.BaseCapIndex, o.BaseCapIndex + sel4.CapIndex(o.RetypeCount())
}

// CanCombine reports whether o and other describe adjacent, same-kind
// object runs and can therefore be merged into one OD (spec invariant 3).
func (o OD) CanCombine(other OD) bool {
	if o.Kind != other.Kind {
		return false
	}
	_, oLimit := o.CapIndices()
	return oLimit == other.BaseCapIndex
}

// Combine merges two adjacent, same-kind ODs into one covering the union of
// their capability indices. Panics if CanCombine(other) is false — callers
// must check first, matching the teacher's fail-fast style for programmer
// errors (e.g. capability.Set panicking on an out-of-range Cap).
func (o OD) Combine(other OD) OD {
	if !o.CanCombine(other) {
		panic(fmt.Sprintf("objdesc: cannot combine %+v with %+v", o, other))
	}
	return OD{Kind: o.Kind, Count: o.Count + other.Count, BaseCapIndex: o.BaseCapIndex}
}

func (o OD) String() string {
	first, limit := o.CapIndices()
	return fmt.Sprintf("%s x%d [%d,%d)", o.Kind, o.Count, first, limit)
}
