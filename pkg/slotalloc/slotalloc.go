// Package slotalloc implements the process-wide Slot Allocator (spec
// §4.B): a dense bit-vector, first-fit allocator over a fixed capability
// slot range, one instance per process, guarded by an internal mutex —
// the same "single shared mutable resource behind a mutex" shape as the
// teacher's pidmonitor/fileMonitor command-channel singletons.
package slotalloc

import (
	"fmt"
	"sync"

	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// Allocator allocates/frees contiguous ranges of slot identifiers in
// [base, base+n).
type Allocator struct {
	mu   sync.Mutex
	base sel4.CapIndex
	n    uint
	bits []uint64 // one bit per slot; 1 == used
	used uint
}

// New creates an allocator covering n slots starting at base.
func New(base sel4.CapIndex, n uint) *Allocator {
	return &Allocator{
		base: base,
		n:    n,
		bits: make([]uint64, (n+63)/64),
	}
}

func (a *Allocator) bit(i uint) bool {
	return a.bits[i/64]&(1<<(i%64)) != 0
}

func (a *Allocator) setBit(i uint, v bool) {
	if v {
		a.bits[i/64] |= 1 << (i % 64)
	} else {
		a.bits[i/64] &^= 1 << (i % 64)
	}
}

// Alloc finds the first free range of n contiguous slots (first-fit),
// marks them used, and returns the first slot's identifier. Returns
// (0, false) when no such range exists.
func (a *Allocator) Alloc(n uint) (sel4.CapIndex, bool) {
	if n == 0 {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint(0); i+n <= a.n; i++ {
		if a.bit(i) {
			continue
		}
		ok := true
		for j := uint(1); j < n; j++ {
			if a.bit(i + j) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for j := uint(0); j < n; j++ {
			a.setBit(i+j, true)
		}
		a.used += n
		return a.base + sel4.CapIndex(i), true
	}
	return 0, false
}

// Free releases n slots starting at first. Panics on double-free or
// freeing a never-allocated slot (programmer error, per spec §4.B).
func (a *Allocator) Free(first sel4.CapIndex, n uint) {
	if n == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	offset := uint(first - a.base)
	for j := uint(0); j < n; j++ {
		i := offset + j
		if i >= a.n || !a.bit(i) {
			panic(fmt.Sprintf("slotalloc: free of unallocated slot %d", a.base+sel4.CapIndex(i)))
		}
	}
	for j := uint(0); j < n; j++ {
		a.setBit(offset+j, false)
	}
	a.used -= n
}

// UsedSlots, FreeSlots, BaseSlot are O(1).
func (a *Allocator) UsedSlots() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

func (a *Allocator) FreeSlots() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n - a.used
}

func (a *Allocator) BaseSlot() sel4.CapIndex {
	return a.base
}
