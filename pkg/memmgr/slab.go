package memmgr

import "github.com/AmbiML/sparrowos-core/pkg/sel4"

// Pool classifies an untyped slab's lifetime/purpose (spec §3).
type Pool int

const (
	// PoolDevice slabs are backed by memory-mapped IO and are never
	// returned by normal allocation.
	PoolDevice Pool = iota
	// PoolStatic slabs were pre-committed by the bootstrap for system
	// services; only objects whose lifetime equals the system's come
	// from here.
	PoolStatic
	// PoolNormal is everything else.
	PoolNormal
)

func (p Pool) String() string {
	switch p {
	case PoolDevice:
		return "device"
	case PoolStatic:
		return "static"
	case PoolNormal:
		return "normal"
	}
	return "unknown"
}

// Slab tracks one region of untyped memory.
type Slab struct {
	Cap       sel4.CapIndex
	SizeLog2  uint
	FreeBytes uint64
	BasePhys  uint64
	LastPhys  uint64
	Pool      Pool
}

// SizeBytes is the slab's total capacity, 1<<SizeLog2.
func (s *Slab) SizeBytes() uint64 {
	return 1 << s.SizeLog2
}

// slabList is a pool's slabs kept sorted by descending free space, plus a
// monotonic current-slab cursor.
type slabList struct {
	slabs  []*Slab
	cursor int
}

// sortDescFree re-establishes the descending-free-bytes ordering after a
// retype shrinks one slab's free space. A simple insertion sort is plenty
// at the slab counts this core deals with (a handful of untyped regions).
func (l *slabList) sortDescFree() {
	for i := 1; i < len(l.slabs); i++ {
		for j := i; j > 0 && l.slabs[j-1].FreeBytes < l.slabs[j].FreeBytes; j-- {
			l.slabs[j-1], l.slabs[j] = l.slabs[j], l.slabs[j-1]
		}
	}
}

func (l *slabList) advance() {
	if len(l.slabs) == 0 {
		return
	}
	l.cursor = (l.cursor + 1) % len(l.slabs)
}

func (l *slabList) current() *Slab {
	if len(l.slabs) == 0 || l.cursor >= len(l.slabs) {
		return nil
	}
	return l.slabs[l.cursor]
}
