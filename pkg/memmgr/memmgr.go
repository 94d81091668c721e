// Package memmgr implements the Memory Manager (spec §4.C): a retype-based
// allocator that carves typed kernel objects out of untyped memory slabs
// and tracks their capability locations and global statistics.
package memmgr

import (
	"fmt"
	"sync"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
	"github.com/AmbiML/sparrowos-core/pkg/objdesc"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// Lifetime selects which slab pool alloc() draws from.
type Lifetime int

const (
	Normal Lifetime = iota
	Static
)

// Stats is a snapshot of the manager's counters.
type Stats struct {
	BytesInUse       uint64
	ObjectsInUse     uint64
	CumulativeBytes  uint64
	CumulativeObjs   uint64
	SlabTooSmallHits uint64
	OutOfMemoryHits  uint64
}

// Interface is the small capability set the rest of the core depends on
// (spec §9's one polymorphism point). MemoryManager below is the real
// implementation; tests may supply a fake satisfying this interface
// instead of standing up a simulated kernel.
type Interface interface {
	Alloc(bundle *objdesc.Bundle, lifetime Lifetime) error
	Free(bundle *objdesc.Bundle) error
	Stats() Stats
	Debug() string
}

// Retyper is the narrow kernel capability the Memory Manager needs.
type Retyper interface {
	UntypedRetype(srcCap sel4.CapIndex, kind sel4.ObjectKind, sizeBits uint, destCNode sel4.CapIndex, depth uint, destOffset sel4.CapIndex, count uint) error
	CNodeDelete(cnode sel4.CapIndex, depth uint, slot sel4.CapIndex) error
	CNodeRevoke(cnode sel4.CapIndex, depth uint, slot sel4.CapIndex) error
}

// MemoryManager is the process-wide singleton (spec §9): acquired once
// from Init, never recreated.
type MemoryManager struct {
	log    *logrus.Logger
	kernel Retyper

	mu     sync.Mutex
	device slabList
	static slabList
	normal slabList
	stats  Stats
}

// Init classifies the boot protocol's untyped descriptors into
// device/static/normal pools (spec §4.C). Tainted slabs (used by a prior
// bootstrap) are revoked first. Slabs that arrive already partially
// consumed go to the static pool, since they already hold bootstrap
// objects and can't be reset; if that leaves the static pool empty, the
// smallest normal slab is reassigned to it.
func Init(log *logrus.Logger, kernel Retyper, descs []sel4.UntypedDescriptor, remaining []uint64, topCNode sel4.CapIndex, topDepth uint, slotBase sel4.CapIndex) (*MemoryManager, error) {
	if len(remaining) != len(descs) {
		return nil, fmt.Errorf("memmgr: remaining[] length %d != descs[] length %d", len(remaining), len(descs))
	}
	m := &MemoryManager{log: log, kernel: kernel}

	for i, d := range descs {
		cap := slotBase + sel4.CapIndex(i)
		if d.IsTainted {
			if err := kernel.CNodeRevoke(topCNode, topDepth, cap); err != nil {
				log.WithError(err).Warnf("memmgr: revoke tainted slab %d failed", cap)
			}
		}
		full := uint64(1) << d.SizeLog2
		s := &Slab{Cap: cap, SizeLog2: d.SizeLog2, FreeBytes: remaining[i], BasePhys: d.PhysAddr, LastPhys: d.PhysAddr + full}

		switch {
		case d.IsDevice:
			s.Pool = PoolDevice
			m.device.slabs = append(m.device.slabs, s)
		case remaining[i] < full:
			s.Pool = PoolStatic
			m.static.slabs = append(m.static.slabs, s)
		default:
			s.Pool = PoolNormal
			m.normal.slabs = append(m.normal.slabs, s)
		}
	}

	if len(m.static.slabs) == 0 && len(m.normal.slabs) > 0 {
		m.normal.sortDescFree()
		smallest := m.normal.slabs[len(m.normal.slabs)-1]
		smallest.Pool = PoolStatic
		m.normal.slabs = m.normal.slabs[:len(m.normal.slabs)-1]
		m.static.slabs = append(m.static.slabs, smallest)
	}

	m.device.sortDescFree()
	m.static.sortDescFree()
	m.normal.sortDescFree()

	return m, nil
}

func (m *MemoryManager) listFor(lifetime Lifetime) *slabList {
	if lifetime == Static {
		return &m.static
	}
	return &m.normal
}

// Alloc retypes every OD in bundle from the appropriate pool's current
// slab, advancing the cursor on NotEnoughMemory. Not rolled back on
// partial success within a bundle — callers treat alloc as all-or-nothing
// and free the bundle on error (spec §4.C).
func (m *MemoryManager) Alloc(bundle *objdesc.Bundle, lifetime Lifetime) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.listFor(lifetime)
	if len(list.slabs) == 0 {
		if lifetime == Static {
			panic("memmgr: static pool empty — unrecoverable configuration error")
		}
		return coreerr.ErrAllocFailed
	}

	for i := range bundle.ODs {
		od := &bundle.ODs[i]
		if err := m.allocOne(list, od, lifetime, bundle.Container, bundle.Depth); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryManager) allocOne(list *slabList, od *objdesc.OD, lifetime Lifetime, destCNode sel4.CapIndex, depth uint) error {
	need := od.SizeBytes()
	tried := 0
	for tried < len(list.slabs) {
		slab := list.current()
		if slab == nil {
			break
		}
		if slab.FreeBytes < need {
			m.stats.SlabTooSmallHits++
			list.advance()
			tried++
			continue
		}
		first, _ := od.CapIndices()
		if err := m.kernel.UntypedRetype(slab.Cap, od.Kind, od.RetypeSizeBits(), destCNode, depth, first, od.RetypeCount()); err != nil {
			m.log.WithError(err).Error("memmgr: untyped retype failed")
			return coreerr.ErrUnknownMemoryErr
		}
		slab.FreeBytes -= need
		m.stats.BytesInUse += need
		m.stats.ObjectsInUse += uint64(od.RetypeCount())
		m.stats.CumulativeBytes += need
		m.stats.CumulativeObjs += uint64(od.RetypeCount())
		return nil
	}

	m.stats.OutOfMemoryHits++
	if lifetime == Static {
		panic("memmgr: static allocation failed — unrecoverable configuration error")
	}
	return coreerr.ErrAllocFailed
}

// Free deletes every cap named in bundle. Deletes that fail are logged but
// do not abort. Memory is not returned to its originating slab — the
// design accepts permanent fragmentation in exchange for not maintaining
// per-slab bookkeeping (spec §4.C).
func (m *MemoryManager) Free(bundle *objdesc.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var freedBytes, freedObjs uint64
	for _, od := range bundle.ODs {
		first, limit := od.CapIndices()
		for slot := first; slot < limit; slot++ {
			if err := m.kernel.CNodeDelete(bundle.Container, bundle.Depth, slot); err != nil {
				m.log.WithError(err).Warnf("memmgr: free cap %d failed", slot)
				continue
			}
		}
		freedBytes += od.SizeBytes()
		freedObjs += uint64(od.RetypeCount())
	}

	if freedBytes > m.stats.BytesInUse {
		m.log.Warn("memmgr: bytes-in-use underflow on free; saturating at 0")
		m.stats.BytesInUse = 0
	} else {
		m.stats.BytesInUse -= freedBytes
	}
	if freedObjs > m.stats.ObjectsInUse {
		m.log.Warn("memmgr: objects-in-use underflow on free; saturating at 0")
		m.stats.ObjectsInUse = 0
	} else {
		m.stats.ObjectsInUse -= freedObjs
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (m *MemoryManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Debug prints watermark and available bytes per non-device slab, marking
// the current cursor, with human-readable sizes (go-units.HumanSize)
// rather than raw byte counts.
func (m *MemoryManager) Debug() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := ""
	s += m.debugList("static", &m.static)
	s += m.debugList("normal", &m.normal)
	return s
}

func (m *MemoryManager) debugList(name string, list *slabList) string {
	s := fmt.Sprintf("%s pool:\n", name)
	for i, slab := range list.slabs {
		marker := "  "
		if i == list.cursor {
			marker = "=>"
		}
		s += fmt.Sprintf("%s slab cap=%d size=%s free=%s\n", marker, slab.Cap,
			units.HumanSize(float64(slab.SizeBytes())), units.HumanSize(float64(slab.FreeBytes)))
	}
	return s
}

var _ Interface = (*MemoryManager)(nil)
