package bundlebuilder

import (
	"io"

	"github.com/pkg/errors"

	"github.com/AmbiML/sparrowos-core/pkg/bundleimage"
	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
	"github.com/AmbiML/sparrowos-core/pkg/memmgr"
	"github.com/AmbiML/sparrowos-core/pkg/objdesc"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// Virtual address layout for the per-app stack/special-page region.
// Arbitrary but fixed, well clear of any plausible code/data vaddr range
// an image section would use.
const (
	stackRegionBase = uint64(0x7f000000)
)

// allocate is Phase 1: preprocess the image, build the full ODB, and
// request it (plus a sized CNode) from the Memory Manager. Returns the
// raw capability ranges it reserved from the slot allocator so the
// caller can free them on any later failure.
func (b *Builder) allocate(bundle *Bundle, pages uint64) (*impl, [][2]sel4.CapIndex, error) {
	var reserved [][2]sel4.CapIndex
	reserve := func(n uint) (sel4.CapIndex, error) {
		first, ok := b.slots.Alloc(n)
		if !ok {
			return 0, coreerr.ErrCapAllocFailed
		}
		reserved = append(reserved, [2]sel4.CapIndex{first, first + sel4.CapIndex(n)})
		return first, nil
	}

	odb := &objdesc.Bundle{Container: b.config.TopLevelCNode, Depth: b.config.TopLevelDepth}

	tcbFirst, err := reserve(1)
	if err != nil {
		return nil, reserved, err
	}
	odb.ODs = append(odb.ODs, objdesc.OD{Kind: sel4.ObjTCB, Count: 1, BaseCapIndex: tcbFirst})

	schedFirst, err := reserve(1)
	if err != nil {
		return nil, reserved, err
	}
	// Count is a log2 size parameter for scheduling contexts; 8 matches
	// sel4.ObjSchedContext's nominal 256-byte footprint.
	odb.ODs = append(odb.ODs, objdesc.OD{Kind: sel4.ObjSchedContext, Count: 8, BaseCapIndex: schedFirst})

	ipcBufFirst, err := reserve(1)
	if err != nil {
		return nil, reserved, err
	}
	idxIPCBuf := len(odb.ODs)
	odb.ODs = append(odb.ODs, objdesc.OD{Kind: sel4.ObjPage, Count: 1, BaseCapIndex: ipcBufFirst})

	sdkParamFirst, err := reserve(1)
	if err != nil {
		return nil, reserved, err
	}
	idxSDKParam := len(odb.ODs)
	odb.ODs = append(odb.ODs, objdesc.OD{Kind: sel4.ObjPage, Count: 1, BaseCapIndex: sdkParamFirst})

	stackFirst, err := reserve(StackCount)
	if err != nil {
		return nil, reserved, err
	}
	idxStack := len(odb.ODs)
	odb.ODs = append(odb.ODs, objdesc.OD{Kind: sel4.ObjPage, Count: StackCount, BaseCapIndex: stackFirst})

	var codeFirst sel4.CapIndex
	idxCode := -1
	if pages > 0 {
		codeFirst, err = reserve(uint(pages))
		if err != nil {
			return nil, reserved, err
		}
		idxCode = len(odb.ODs)
		odb.ODs = append(odb.ODs, objdesc.OD{Kind: sel4.ObjPage, Count: uint(pages), BaseCapIndex: codeFirst})
	}

	// Single page-table level over the code range (RISC-V-class target,
	// spec §4.E Phase 2.i).
	ptFirst, err := reserve(1)
	if err != nil {
		return nil, reserved, err
	}
	odb.ODs = append(odb.ODs, objdesc.OD{Kind: sel4.ObjPageTable, Count: 1, BaseCapIndex: ptFirst})

	odbMin, odbMax := reservedBounds(reserved)

	if err := b.mem.Alloc(odb, memmgr.Normal); err != nil {
		return nil, reserved, errors.Wrap(coreerr.ErrAllocFailed, err.Error())
	}

	bits := odb.CountLog2()
	cnodeFirst, err := reserve(1)
	if err != nil {
		b.mem.Free(odb)
		return nil, reserved, err
	}
	cnodeBundle := &objdesc.Bundle{
		Container: b.config.TopLevelCNode,
		Depth:     b.config.TopLevelDepth,
		ODs:       []objdesc.OD{{Kind: sel4.ObjCNode, Count: bits, BaseCapIndex: cnodeFirst}},
	}
	if err := b.mem.Alloc(cnodeBundle, memmgr.Normal); err != nil {
		b.mem.Free(odb)
		return nil, reserved, errors.Wrap(coreerr.ErrAllocFailed, err.Error())
	}

	im := &impl{
		odb:          odb,
		cnode:        cnodeFirst,
		cnodeDepth:   bits,
		vspaceRoot:   ptFirst,
		tcb:          tcbFirst,
		schedContext: schedFirst,
		sdkParamSlot: sdkParamFirst - odbMin, // precomputed post-move app CSpace slot
	}
	im.ipcBufFrame = ipcBufFirst
	im.stackFirst = stackFirst
	im.codeFirst = codeFirst
	im.codePages = uint(pages)
	im.idxIPCBuf, im.idxSDKParam, im.idxStack, im.idxCode = idxIPCBuf, idxSDKParam, idxStack, idxCode
	_ = odbMax
	return im, reserved, nil
}

func reservedBounds(reserved [][2]sel4.CapIndex) (min, max sel4.CapIndex) {
	if len(reserved) == 0 {
		return 0, 0
	}
	min, max = reserved[0][0], reserved[0][1]
	for _, r := range reserved[1:] {
		if r[0] < min {
			min = r[0]
		}
		if r[1] > max {
			max = r[1]
		}
	}
	return min, max
}

// construct is Phase 2: VSpace init, load the application, map the stack
// and special pages, configure the TCB and scheduling.
func (b *Builder) construct(im *impl, image ImageFactory, entry uint64, haveEntry bool, faultEP, sdkEndpoint sel4.CapIndex, appID string) error {
	if err := b.kernel.ASIDPoolAssign(b.config.ASIDPool, im.vspaceRoot); err != nil {
		return errors.Wrap(err, "bundlebuilder: assign asid")
	}

	loadR, err := image()
	if err != nil {
		return errors.Wrap(err, "bundlebuilder: open image for load")
	}
	firstVAddr, err := b.loadSections(im, loadR)
	if err != nil {
		return err
	}
	if !haveEntry {
		entry = firstVAddr
	}

	cursor := stackRegionBase
	cursor += sel4.PageSize // guard page, left unmapped
	for i := uint(0); i < StackCount; i++ {
		frame := im.stackFirst + sel4.CapIndex(i)
		if err := b.kernel.PageMap(frame, im.vspaceRoot, cursor, sel4.RW); err != nil {
			return errors.Wrap(err, "bundlebuilder: map stack page")
		}
		im.vspaceMap.record(cursor, sel4.PageSize, sel4.RW)
		cursor += sel4.PageSize
	}
	stackTop := cursor
	cursor += sel4.PageSize // second guard page

	im.ipcBufferVAddr = cursor
	if err := b.kernel.PageMap(im.ipcBufFrame, im.vspaceRoot, im.ipcBufferVAddr, sel4.RW); err != nil {
		return errors.Wrap(err, "bundlebuilder: map ipc buffer")
	}
	im.vspaceMap.record(im.ipcBufferVAddr, sel4.PageSize, sel4.RW)
	cursor += sel4.PageSize

	sdkParamFrame := im.odb.ODs[im.idxSDKParam].BaseCapIndex
	im.sdkParamVAddr = cursor
	if err := b.kernel.PageMap(sdkParamFrame, im.vspaceRoot, im.sdkParamVAddr, sel4.RW); err != nil {
		return errors.Wrap(err, "bundlebuilder: map sdk param frame")
	}
	im.vspaceMap.record(im.sdkParamVAddr, sel4.PageSize, sel4.RW)

	im.faultEP = faultEP
	im.sdkEndpoint = sdkEndpoint

	if err := b.kernel.SchedControlConfigure(im.schedContext, b.config.BudgetUs, b.config.PeriodUs, b.config.ExtraRefills, 0); err != nil {
		return errors.Wrap(err, "bundlebuilder: configure sched context")
	}
	if err := b.kernel.TCBConfigure(im.tcb, im.cnode, 0, im.vspaceRoot, faultEP, im.ipcBufferVAddr, im.ipcBufFrame); err != nil {
		return errors.Wrap(err, "bundlebuilder: tcb configure")
	}
	if err := b.kernel.TCBSchedParams(im.tcb, b.config.SchedAuthority, b.config.MaxPriority, b.config.Priority, im.schedContext, faultEP); err != nil {
		return errors.Wrap(err, "bundlebuilder: tcb sched params")
	}
	if err := b.kernel.TCBSetTimeoutEndpoint(im.tcb, faultEP); err != nil {
		return errors.Wrap(err, "bundlebuilder: tcb set timeout endpoint")
	}
	if err := b.kernel.TCBSetAffinity(im.tcb, b.config.CPU); err != nil {
		return errors.Wrap(err, "bundlebuilder: tcb set affinity")
	}
	if b.config.DebugNames {
		_ = b.kernel.TCBSetName(im.tcb, appID)
	}
	if err := b.kernel.DomainSetSet(im.tcb, b.config.Domain); err != nil {
		return errors.Wrap(err, "bundlebuilder: domain set")
	}

	args := []uint64{
		im.ipcBufferVAddr,
		uint64(b.config.SDKEndpointSlot),
		uint64(im.sdkParamSlot),
		im.sdkParamVAddr,
	}
	if err := b.kernel.TCBWriteRegisters(im.tcb, entry, stackTop, args); err != nil {
		return errors.Wrap(err, "bundlebuilder: write registers")
	}
	return nil
}

// loadSections runs the second pass: map a frame per page, zero it, copy
// in the section's file-backed bytes (accumulating CRC32 where the
// section carries one), then map it into the app's VSpace. Returns the
// first section's vaddr, used as the entry point when the image carries
// none.
func (b *Builder) loadSections(im *impl, r io.Reader) (uint64, error) {
	rd := bundleimage.New(r)
	var firstVAddr uint64
	haveFirst := false
	codeIdx := uint(0)

	for {
		h, err := rd.NextSection()
		if err != nil {
			if err == io.EOF {
				break
			}
			return 0, errors.Wrap(coreerr.ErrInvalidImage, err.Error())
		}
		if !haveFirst {
			firstVAddr = h.VAddr
			haveFirst = true
		}

		pages := bundleimage.PagesFor(h.VAddr, h.MemSize)
		baseVAddr := h.VAddr &^ (sel4.PageSize - 1)
		fileEnd := h.VAddr + h.FileSize

		for p := uint64(0); p < pages; p++ {
			if codeIdx >= im.codePages {
				return 0, errors.Wrap(coreerr.ErrInvalidImage, "more pages required than preprocess pass computed")
			}
			frame := im.codeFirst + sel4.CapIndex(codeIdx)
			pageVAddr := baseVAddr + p*sel4.PageSize
			if err := b.kernel.FrameZero(frame); err != nil {
				return 0, errors.Wrap(err, "bundlebuilder: zero scratch frame")
			}

			start := maxU64(pageVAddr, h.VAddr)
			end := minU64(pageVAddr+sel4.PageSize, fileEnd)
			if end > start {
				buf := make([]byte, end-start)
				if err := rd.ReadExact(buf); err != nil {
					return 0, errors.Wrap(coreerr.ErrInvalidImage, err.Error())
				}
				if err := b.kernel.FrameWrite(frame, start-pageVAddr, buf); err != nil {
					return 0, errors.Wrap(err, "bundlebuilder: write scratch frame")
				}
			}

			if err := b.kernel.PageMap(frame, im.vspaceRoot, pageVAddr, h.Rights); err != nil {
				return 0, errors.Wrap(err, "bundlebuilder: map section page")
			}
			im.vspaceMap.record(pageVAddr, sel4.PageSize, h.Rights)
			codeIdx++
		}

		if matched, checked := rd.CheckCRC32(); checked && !matched {
			b.log.Warnf("bundlebuilder: crc32 mismatch in section at vaddr %#x", h.VAddr)
		}
	}
	return firstVAddr, nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// finalize is Phase 3: move the SDK endpoint and the whole ODB into the
// app's own CNode, then duplicate the TCB cap back into the process
// manager's top-level CNode for suspend/resume (spec §4.E Phase 3).
func (b *Builder) finalize(im *impl, sdkEndpoint sel4.CapIndex) error {
	if err := b.kernel.CNodeMove(im.cnode, im.cnodeDepth, b.config.SDKEndpointSlot, b.config.TopLevelCNode, b.config.TopLevelDepth, sdkEndpoint); err != nil {
		return errors.Wrap(err, "bundlebuilder: move sdk endpoint")
	}

	if err := im.odb.MoveFromToplevel(b.kernel, im.cnode, im.cnodeDepth, b.slots); err != nil {
		return errors.Wrap(err, "bundlebuilder: move odb into app cnode")
	}

	tcbDupSlot, ok := b.slots.Alloc(1)
	if !ok {
		return coreerr.ErrCapAllocFailed
	}
	if err := b.kernel.CNodeCopy(b.config.TopLevelCNode, b.config.TopLevelDepth, tcbDupSlot, im.cnode, im.cnodeDepth, im.odb.ODs[0].BaseCapIndex, sel4.RW); err != nil {
		b.slots.Free(tcbDupSlot, 1)
		return errors.Wrap(err, "bundlebuilder: duplicate tcb cap")
	}
	im.tcbDup = tcbDupSlot
	return nil
}
