// Package mlimage implements the ML Image Manager (spec §4.G): layout of
// the vector accelerator's tightly-coupled memory (TCM), FILO eviction,
// compaction, and MMU window programming.
package mlimage

import (
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
)

// Sizes is a resident model's TCM footprint. Text/ConstData/ModelOutput/
// StaticData are laid out contiguously starting at the model's base
// address in that order (spec §4.G set_wmmu); TemporaryData is not part
// of that contiguous range — it only ever contends for the shared temp
// region at the top of TCM.
type Sizes struct {
	Text         uint64
	ConstData    uint64
	ModelOutput  uint64
	StaticData   uint64
	TemporaryData uint64
}

// DataTopSize is the contiguous footprint commit_image advances tcm_top
// by: everything except the shared temp region.
func (s Sizes) DataTopSize() uint64 {
	return s.Text + s.ConstData + s.ModelOutput + s.StaticData
}

// WMMUWindow is one programmed MMU window (spec §4.G set_wmmu).
type WMMUWindow struct {
	Addr   uint64
	Size   uint64
	Rights string // "rx", "r", "rw"
}

// Accelerator is the narrow collaborator the Image Manager programs;
// set_wmmu and clear_temp_data ultimately reach hardware through it.
type Accelerator interface {
	ProgramWindow(w WMMUWindow) error
	ZeroRange(addr, size uint64) error
	CopyWithinTCM(dst, src, size uint64) error
}

// resident is one entry in the FILO residency queue (spec's "TCM Image").
type resident struct {
	id       digest.Digest
	dataTop  uint64 // base address
	sizes    Sizes
}

// Manager owns the TCM cursors and the resident-model queue. Single
// threaded: the ML Coordinator serializes all calls through its own run
// loop (spec §4.H), so Manager takes no lock of its own.
type Manager struct {
	log   *logrus.Logger
	accel Accelerator

	base uint64
	size uint64

	sensorTop uint64 // just past the reserved sensor-input region
	tcmTop    uint64 // just past the last resident model
	tcmBottom uint64 // just before the shared temp region

	residents []resident // FILO order: index 0 is oldest
}

// New constructs a Manager over a TCM region [base, base+size).
func New(log *logrus.Logger, accel Accelerator, base, size uint64) *Manager {
	return &Manager{
		log:       log,
		accel:     accel,
		base:      base,
		size:      size,
		sensorTop: base,
		tcmTop:    base,
		tcmBottom: base + size,
	}
}

// AllocateSensorInput reserves space at the start of TCM for sensor
// frames, rounded up to the MMU page size. Called once at init.
func (m *Manager) AllocateSensorInput(requested, pageSize uint64) (uint64, error) {
	addr := m.sensorTop
	rounded := roundUp(requested, pageSize)
	if m.sensorTop+rounded > m.tcmBottom {
		return 0, errors.Wrap(coreerr.ErrAllocFailed, "mlimage: sensor reservation exceeds TCM")
	}
	m.sensorTop += rounded
	m.tcmTop = m.sensorTop
	return addr, nil
}

func roundUp(v, page uint64) uint64 {
	if page == 0 {
		return v
	}
	return (v + page - 1) / page * page
}

// maxTemp returns the largest TemporaryData among currently resident
// models, the shared temp region's required size at any moment.
func (m *Manager) maxTemp() uint64 {
	var max uint64
	for _, r := range m.residents {
		if r.sizes.TemporaryData > max {
			max = r.sizes.TemporaryData
		}
	}
	return max
}

// freeTop is the number of bytes available between tcm_top and tcm_bottom.
func (m *Manager) freeTop() uint64 {
	if m.tcmBottom <= m.tcmTop {
		return 0
	}
	return m.tcmBottom - m.tcmTop
}

// MakeSpace FILO-evicts resident models until tcm_top's free range covers
// topNeeded and the shared temp region (recomputed from the post-eviction
// max TemporaryData) covers tempNeeded. Returns the address the new
// model's data-top region will be written at.
func (m *Manager) MakeSpace(topNeeded, tempNeeded uint64) (uint64, error) {
	for {
		tempReq := m.maxTemp()
		if tempNeeded > tempReq {
			tempReq = tempNeeded
		}
		bottom := m.base + m.size - tempReq
		haveTop := uint64(0)
		if bottom > m.tcmTop {
			haveTop = bottom - m.tcmTop
		}
		if haveTop >= topNeeded {
			m.tcmBottom = bottom
			return m.tcmTop, nil
		}
		if len(m.residents) == 0 {
			return 0, errors.Wrap(coreerr.ErrAllocFailed, "mlimage: cannot make space, nothing left to evict")
		}
		// FILO: evict the most recently committed model (last in the queue).
		victim := m.residents[len(m.residents)-1]
		if err := m.unloadLocked(victim.id); err != nil {
			return 0, err
		}
	}
}

// CommitImage records a new resident entry at tcm_top, advances tcm_top
// by the model's data-top size, and recomputes tcm_bottom.
func (m *Manager) CommitImage(id digest.Digest, sizes Sizes) error {
	if err := id.Validate(); err != nil {
		return errors.Wrap(coreerr.ErrInvalidImage, err.Error())
	}
	for _, r := range m.residents {
		if r.id == id {
			return errors.Wrap(coreerr.ErrInvalidImage, "mlimage: image already resident")
		}
	}

	top := sizes.DataTopSize()
	if m.freeTop() < top {
		return errors.Wrap(coreerr.ErrAllocFailed, "mlimage: insufficient space for commit; call MakeSpace first")
	}

	base := m.tcmTop
	m.residents = append(m.residents, resident{id: id, dataTop: base, sizes: sizes})
	m.tcmTop += top

	temp := m.maxTemp()
	m.tcmBottom = m.base + m.size - temp

	if m.tcmTop > m.tcmBottom {
		// Roll back: the caller did not reserve enough via MakeSpace.
		m.residents = m.residents[:len(m.residents)-1]
		m.tcmTop = base
		m.tcmBottom = m.base + m.size - m.maxTemp()
		return errors.Wrap(coreerr.ErrAllocFailed, "mlimage: commit violates tcm_top <= tcm_bottom invariant")
	}
	return nil
}

// UnloadImage removes id from the residency queue and compacts: every
// model that sat above id's hole moves down by the hole's size, the same
// shift-a-contiguous-range arithmetic as shifting a UID/GID range, just
// applied to TCM byte addresses instead of ID ranges.
func (m *Manager) UnloadImage(id digest.Digest) error {
	return m.unloadLocked(id)
}

func (m *Manager) unloadLocked(id digest.Digest) error {
	idx := -1
	for i, r := range m.residents {
		if r.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return coreerr.ErrNoSuchModel
	}

	hole := m.residents[idx]
	holeSize := hole.sizes.DataTopSize()

	for i := idx + 1; i < len(m.residents); i++ {
		r := &m.residents[i]
		newBase := r.dataTop - holeSize
		if err := m.accel.CopyWithinTCM(newBase, r.dataTop, r.sizes.DataTopSize()); err != nil {
			return errors.Wrap(err, "mlimage: compaction copy failed")
		}
		r.dataTop = newBase
	}

	m.residents = append(m.residents[:idx], m.residents[idx+1:]...)
	m.tcmTop -= holeSize
	m.tcmBottom = m.base + m.size - m.maxTemp()
	return nil
}

// SetWMMU programs the accelerator's MMU windows for a resident model's
// layout: text R+X, const_data R, model_output RW, static_data RW, each
// contiguous from the model's base in that order.
func (m *Manager) SetWMMU(id digest.Digest) error {
	r, ok := m.find(id)
	if !ok {
		return coreerr.ErrNoSuchModel
	}

	addr := r.dataTop
	windows := []WMMUWindow{
		{Addr: addr, Size: r.sizes.Text, Rights: "rx"},
		{Addr: addr + r.sizes.Text, Size: r.sizes.ConstData, Rights: "r"},
		{Addr: addr + r.sizes.Text + r.sizes.ConstData, Size: r.sizes.ModelOutput, Rights: "rw"},
		{Addr: addr + r.sizes.Text + r.sizes.ConstData + r.sizes.ModelOutput, Size: r.sizes.StaticData, Rights: "rw"},
	}
	for _, w := range windows {
		if w.Size == 0 {
			continue
		}
		if err := m.accel.ProgramWindow(w); err != nil {
			return errors.Wrap(err, "mlimage: program wmmu window failed")
		}
	}
	return nil
}

// ClearTempData zero-fills the shared temp region so a model's outputs
// can't leak into the next run.
func (m *Manager) ClearTempData() error {
	size := m.base + m.size - m.tcmBottom
	if size == 0 {
		return nil
	}
	return m.accel.ZeroRange(m.tcmBottom, size)
}

// DataTopAddr returns the base address of a resident model, used by the
// coordinator to locate its output header.
func (m *Manager) DataTopAddr(id digest.Digest) (uint64, bool) {
	r, ok := m.find(id)
	if !ok {
		return 0, false
	}
	return r.dataTop, true
}

// IsResident reports whether id currently has a TCM residency.
func (m *Manager) IsResident(id digest.Digest) bool {
	_, ok := m.find(id)
	return ok
}

func (m *Manager) find(id digest.Digest) (resident, bool) {
	for _, r := range m.residents {
		if r.id == id {
			return r, true
		}
	}
	return resident{}, false
}

// Cursors reports the three cursors for debug/diagnostics.
func (m *Manager) Cursors() (sensorTop, tcmTop, tcmBottom uint64) {
	return m.sensorTop, m.tcmTop, m.tcmBottom
}
