// Package bundlebuilder implements the Bundle Builder (spec §4.E): the
// most intricate component, constructing a ready-to-run application in
// three phases (allocation, construction, CSpace finalization) and
// exposing start/stop/resume/suspend on the result.
package bundlebuilder

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AmbiML/sparrowos-core/pkg/bundleimage"
	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
	"github.com/AmbiML/sparrowos-core/pkg/memmgr"
	"github.com/AmbiML/sparrowos-core/pkg/objdesc"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// StackCount is the number of stack pages mapped per app (4 * 4KiB = 16KiB,
// spec §4.E Phase 2.iii).
const StackCount = 4

// State is a Bundle's run state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Config carries everything about the hosting environment the Builder
// needs but that isn't per-app: the process manager's own CNode/VSpace,
// the ASID pool new apps are assigned from, and default scheduling
// parameters. One Config is shared across every Bundle a Builder
// constructs.
type Config struct {
	TopLevelCNode  sel4.CapIndex
	TopLevelDepth  uint
	ASIDPool       sel4.CapIndex
	SchedAuthority sel4.CapIndex
	MaxPriority    uint8
	Priority       uint8
	BudgetUs       uint64
	PeriodUs       uint64
	ExtraRefills   uint
	CPU            uint
	Domain         uint8
	DebugNames     bool

	// SDKEndpointSlot is the predetermined slot (in the app's own CNode,
	// post-finalization) where the SDK endpoint cap lands.
	SDKEndpointSlot sel4.CapIndex
}

// SlotAllocator is the narrow capability the Builder needs from
// pkg/slotalloc to reserve capability index ranges before retyping into
// them.
type SlotAllocator interface {
	Alloc(n uint) (sel4.CapIndex, bool)
	Free(first sel4.CapIndex, n uint)
}

// Builder constructs and tears down Bundles. One instance is shared by
// the Process Manager.
type Builder struct {
	log     *logrus.Logger
	kernel  sel4.Kernel
	mem     memmgr.Interface
	slots   SlotAllocator
	config  Config
}

// New constructs a Builder.
func New(log *logrus.Logger, kernel sel4.Kernel, mem memmgr.Interface, slots SlotAllocator, config Config) *Builder {
	return &Builder{log: log, kernel: kernel, mem: mem, slots: slots, config: config}
}

// impl holds the heavyweight per-app state that exists only while Running
// (spec §3 "Bundle").
type impl struct {
	odb          *objdesc.Bundle // dynamic objects: stacks, code/data pages, page tables, ipc/sdk frames
	cnode        sel4.CapIndex
	cnodeDepth   uint
	vspaceRoot   sel4.CapIndex
	tcb          sel4.CapIndex
	tcbDup       sel4.CapIndex // cap_tcb: retained in the process manager's own CNode
	schedContext sel4.CapIndex
	sdkEndpoint  sel4.CapIndex
	faultEP      sel4.CapIndex
	sdkParamSlot sel4.CapIndex // precomputed app-CSpace slot, spec §4.E Phase 2.iv
	vspaceMap    VSpaceMap

	ipcBufFrame    sel4.CapIndex
	ipcBufferVAddr uint64
	sdkParamVAddr  uint64

	stackFirst sel4.CapIndex
	codeFirst  sel4.CapIndex
	codePages  uint

	idxIPCBuf, idxSDKParam, idxStack, idxCode int
}

// Bundle is one constructed (or constructable) application.
type Bundle struct {
	AppID      string
	MemorySize uint64
	State      State

	impl *impl
}

// ImageFactory returns a fresh, independent reader over the bundle's
// verified image each time it's called — the preprocess and load passes
// each need their own stream since bundleimage.Reader can't seek.
type ImageFactory func() (io.Reader, error)

// Start runs Phases 1-3 and resumes the TCB.
func (b *Builder) Start(bundle *Bundle, image ImageFactory, faultEP sel4.CapIndex, sdkEndpoint sel4.CapIndex) error {
	if bundle.State == Running {
		return coreerr.ErrBundleRunning
	}

	pp, err := image()
	if err != nil {
		return errors.Wrap(err, "bundlebuilder: open image for preprocess")
	}
	pages, entry, haveEntry, err := bundleimage.Preprocess(pp)
	if err != nil {
		return errors.Wrap(coreerr.ErrInvalidImage, err.Error())
	}

	im, slotsReserved, err := b.allocate(bundle, pages)
	if err != nil {
		b.freeSlots(slotsReserved)
		return err
	}

	if err := b.construct(im, image, entry, haveEntry, faultEP, sdkEndpoint, bundle.AppID); err != nil {
		// Phase 2 failure: leak per spec §4.E error policy (resources
		// allocated in Phase 1 are not recovered here).
		return coreerr.ErrStartFailed
	}

	if err := b.finalize(im, sdkEndpoint); err != nil {
		return coreerr.ErrStartFailed
	}

	if err := b.kernel.TCBResume(im.tcbDup); err != nil {
		return errors.Wrap(coreerr.ErrStartFailed, err.Error())
	}

	bundle.impl = im
	bundle.State = Running
	return nil
}

// Stop suspends the TCB, releases the SDK endpoint, frees image frames and
// the rest of the dynamic objects, drops the TCB dup, and only then frees
// the app's CNode (spec §4.E, open question (c)).
func (b *Builder) Stop(bundle *Bundle) error {
	if bundle.State != Running || bundle.impl == nil {
		return coreerr.ErrBundleNotRunning
	}
	im := bundle.impl

	if err := b.kernel.TCBSuspend(im.tcbDup); err != nil {
		b.log.WithError(err).Warn("bundlebuilder: suspend on stop failed")
	}
	if err := b.kernel.CNodeDelete(im.cnode, im.cnodeDepth, b.config.SDKEndpointSlot); err != nil {
		b.log.WithError(err).Warn("bundlebuilder: release SDK endpoint failed")
	}
	if err := b.mem.Free(im.odb); err != nil {
		b.log.WithError(err).Warn("bundlebuilder: free dynamic objects failed")
	}
	if err := b.kernel.CNodeDelete(b.config.TopLevelCNode, b.config.TopLevelDepth, im.tcbDup); err != nil {
		b.log.WithError(err).Warn("bundlebuilder: drop tcb dup failed")
	}
	cnodeBundle := &objdesc.Bundle{
		Container: b.config.TopLevelCNode,
		Depth:     b.config.TopLevelDepth,
		ODs:       []objdesc.OD{{Kind: sel4.ObjCNode, Count: im.cnodeDepth, BaseCapIndex: im.cnode}},
	}
	if err := b.mem.Free(cnodeBundle); err != nil {
		b.log.WithError(err).Warn("bundlebuilder: free app cnode failed")
	}

	bundle.impl = nil
	bundle.State = Stopped
	return nil
}

// Resume/Suspend are single-syscall wrappers on the retained dup cap.
func (b *Builder) Resume(bundle *Bundle) error {
	if bundle.State != Running || bundle.impl == nil {
		return coreerr.ErrResumeFailed
	}
	return b.kernel.TCBResume(bundle.impl.tcbDup)
}

func (b *Builder) Suspend(bundle *Bundle) error {
	if bundle.State != Running || bundle.impl == nil {
		return coreerr.ErrSuspendFailed
	}
	return b.kernel.TCBSuspend(bundle.impl.tcbDup)
}

// VSpaceMap exposes the debug mapping record for a running bundle.
func (b *Builder) VSpaceMap(bundle *Bundle) (*VSpaceMap, bool) {
	if bundle.impl == nil {
		return nil, false
	}
	return &bundle.impl.vspaceMap, true
}

func (b *Builder) freeSlots(ranges [][2]sel4.CapIndex) {
	for _, r := range ranges {
		b.slots.Free(r[0], uint(r[1]-r[0]))
	}
}
