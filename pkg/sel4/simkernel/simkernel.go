// Package simkernel is the one polymorphism point's fake implementation
// (spec §9): an in-process stand-in for the microkernel used by unit
// tests, backing retype/map/IPC against host memory with golang.org/x/sys
// primitives the same way the teacher's pidfd package wraps raw syscalls
// for a single kernel facility.
package simkernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// pageMapping records one page's installed mapping. PageGetAddress reads
// the frames map instead, and Bundle Builder's VSpaceMap keeps its own
// record rather than reading this one.
type pageMapping struct {
	vaddr  uint64
	rights sel4.Rights
}

// tcbState is the register/scheduling state WriteRegisters/Configure/Resume
// operate on.
type tcbState struct {
	suspended    bool
	cspaceRoot   sel4.CapIndex
	vspaceRoot   sel4.CapIndex
	faultEP      sel4.CapIndex
	timeoutEP    sel4.CapIndex
	ipcBufAddr   uint64
	ipcBufFrame  sel4.CapIndex
	pc, sp       uint64
	args         []uint64
	priority     uint8
	maxPriority  uint8
	schedContext sel4.CapIndex
	affinity     uint
	domain       uint8
	name         string
}

type endpoint struct {
	ch chan sel4.RecvResult
}

// Kernel is the simulated backend. It owns a flat byte arena standing in
// for physical memory; page frames are carved from that arena in retype
// order, whichever untyped cap the retype names.
type Kernel struct {
	log *logrus.Logger

	mu      sync.Mutex
	arena   []byte
	nextCap sel4.CapIndex

	frames      map[sel4.CapIndex]uint64 // frame cap -> arena byte offset
	mappings    map[sel4.CapIndex]pageMapping
	tcbs        map[sel4.CapIndex]*tcbState
	notifyPend  map[sel4.CapIndex]chan sel4.Badge
	endpoints   map[sel4.CapIndex]*endpoint
	asidNext    uint64
	arenaNext   uint64
}

// New allocates a simulated kernel with a physical arena of the given size
// (bytes), mirroring how the teacher's pidfd primitives wrap one focused
// syscall facility rather than a whole subsystem.
func New(log *logrus.Logger, arenaSize uint64) (*Kernel, error) {
	arena, err := unix.Mmap(-1, 0, int(arenaSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("simkernel: mmap arena: %w", err)
	}
	return &Kernel{
		log:        log,
		arena:      arena,
		frames:     make(map[sel4.CapIndex]uint64),
		mappings:   make(map[sel4.CapIndex]pageMapping),
		tcbs:       make(map[sel4.CapIndex]*tcbState),
		notifyPend: make(map[sel4.CapIndex]chan sel4.Badge),
		endpoints:  make(map[sel4.CapIndex]*endpoint),
		asidNext:   1,
	}, nil
}

func (k *Kernel) allocCap() sel4.CapIndex {
	k.nextCap++
	return k.nextCap
}

func (k *Kernel) UntypedRetype(srcCap sel4.CapIndex, kind sel4.ObjectKind, sizeBits uint, destCNode sel4.CapIndex, depth uint, destOffset sel4.CapIndex, count uint) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch kind {
	case sel4.ObjPage, sel4.ObjPageTable, sel4.ObjPageTableL2, sel4.ObjPageTableL3:
		for i := uint(0); i < count; i++ {
			cap := destOffset + sel4.CapIndex(i)
			if k.arenaNext+sel4.PageSize > uint64(len(k.arena)) {
				return fmt.Errorf("simkernel: arena exhausted retyping frame %d", cap)
			}
			k.frames[cap] = k.arenaNext
			k.arenaNext += sel4.PageSize
		}
	default:
		// TCB/Endpoint/Notification/Reply/SchedContext/CNode/ASIDPool: bookkeeping only.
		for i := uint(0); i < count; i++ {
			cap := destOffset + sel4.CapIndex(i)
			if kind == sel4.ObjTCB {
				k.tcbs[cap] = &tcbState{suspended: true}
			}
			if kind == sel4.ObjEndpoint || kind == sel4.ObjNotification {
				k.endpoints[cap] = &endpoint{ch: make(chan sel4.RecvResult, 16)}
			}
		}
	}
	return nil
}

// CNodeMove relocates every piece of bookkeeping the simulated kernel
// keeps for srcSlot to destSlot. The simulated kernel has no real
// per-CNode partitioning (cap indices are a single flat namespace used
// directly as map keys everywhere), so a move must actually relocate
// state under the new key rather than no-op — callers (objdesc.Bundle's
// linearizing move, Bundle Builder's CSpace finalization) address
// objects by their post-move index afterward.
func (k *Kernel) CNodeMove(destCNode sel4.CapIndex, destDepth uint, destSlot sel4.CapIndex, srcCNode sel4.CapIndex, srcDepth uint, srcSlot sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if srcSlot == destSlot {
		return nil
	}
	if v, ok := k.frames[srcSlot]; ok {
		k.frames[destSlot] = v
		delete(k.frames, srcSlot)
	}
	if v, ok := k.mappings[srcSlot]; ok {
		k.mappings[destSlot] = v
		delete(k.mappings, srcSlot)
	}
	if v, ok := k.tcbs[srcSlot]; ok {
		k.tcbs[destSlot] = v
		delete(k.tcbs, srcSlot)
	}
	if v, ok := k.endpoints[srcSlot]; ok {
		k.endpoints[destSlot] = v
		delete(k.endpoints, srcSlot)
	}
	return nil
}

// CNodeCopy duplicates bookkeeping under destSlot without removing
// srcSlot's — both names now alias the same simulated object.
func (k *Kernel) CNodeCopy(destCNode sel4.CapIndex, destDepth uint, destSlot sel4.CapIndex, srcCNode sel4.CapIndex, srcDepth uint, srcSlot sel4.CapIndex, rights sel4.Rights) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if v, ok := k.frames[srcSlot]; ok {
		k.frames[destSlot] = v
	}
	if v, ok := k.mappings[srcSlot]; ok {
		k.mappings[destSlot] = v
	}
	if v, ok := k.tcbs[srcSlot]; ok {
		k.tcbs[destSlot] = v
	}
	if v, ok := k.endpoints[srcSlot]; ok {
		k.endpoints[destSlot] = v
	}
	return nil
}

func (k *Kernel) CNodeDelete(cnode sel4.CapIndex, depth uint, slot sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.frames, slot)
	delete(k.mappings, slot)
	delete(k.tcbs, slot)
	delete(k.endpoints, slot)
	return nil
}

func (k *Kernel) CNodeRevoke(cnode sel4.CapIndex, depth uint, slot sel4.CapIndex) error {
	return k.CNodeDelete(cnode, depth, slot)
}

func (k *Kernel) PageMap(frame sel4.CapIndex, vspaceRoot sel4.CapIndex, vaddr uint64, rights sel4.Rights) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mappings[frame] = pageMapping{vaddr: vaddr, rights: rights}
	return nil
}

func (k *Kernel) PageUnmap(frame sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.mappings, frame)
	return nil
}

func (k *Kernel) PageGetAddress(frame sel4.CapIndex) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	addr, ok := k.frames[frame]
	if !ok {
		return 0, fmt.Errorf("simkernel: unknown frame cap %d", frame)
	}
	return addr, nil
}

func (k *Kernel) FrameWrite(frame sel4.CapIndex, offset uint64, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	base, ok := k.frames[frame]
	if !ok {
		return fmt.Errorf("simkernel: FrameWrite to unknown frame %d", frame)
	}
	if offset+uint64(len(data)) > sel4.PageSize {
		return fmt.Errorf("simkernel: FrameWrite offset+len exceeds page size")
	}
	copy(k.arena[base+offset:base+offset+uint64(len(data))], data)
	return nil
}

func (k *Kernel) FrameRead(frame sel4.CapIndex, offset uint64, length uint64) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	base, ok := k.frames[frame]
	if !ok {
		return nil, fmt.Errorf("simkernel: FrameRead of unknown frame %d", frame)
	}
	if offset+length > sel4.PageSize {
		return nil, fmt.Errorf("simkernel: FrameRead offset+len exceeds page size")
	}
	out := make([]byte, length)
	copy(out, k.arena[base+offset:base+offset+length])
	return out, nil
}

func (k *Kernel) FrameZero(frame sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	base, ok := k.frames[frame]
	if !ok {
		return fmt.Errorf("simkernel: FrameZero of unknown frame %d", frame)
	}
	for i := uint64(0); i < sel4.PageSize; i++ {
		k.arena[base+i] = 0
	}
	return nil
}

func (k *Kernel) ASIDPoolAssign(pool sel4.CapIndex, vspaceRoot sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.asidNext++
	return nil
}

func (k *Kernel) TCBConfigure(tcb sel4.CapIndex, cspaceRoot sel4.CapIndex, cspaceGuard uint64, vspaceRoot sel4.CapIndex, faultEP sel4.CapIndex, ipcBufferAddr uint64, ipcBufferFrame sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.mustTCB(tcb)
	t.cspaceRoot = cspaceRoot
	t.vspaceRoot = vspaceRoot
	t.faultEP = faultEP
	t.ipcBufAddr = ipcBufferAddr
	t.ipcBufFrame = ipcBufferFrame
	return nil
}

func (k *Kernel) TCBSchedParams(tcb sel4.CapIndex, authority sel4.CapIndex, maxPriority, priority uint8, schedContext sel4.CapIndex, faultEP sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.mustTCB(tcb)
	t.maxPriority = maxPriority
	t.priority = priority
	t.schedContext = schedContext
	t.faultEP = faultEP
	return nil
}

func (k *Kernel) TCBSetTimeoutEndpoint(tcb sel4.CapIndex, timeoutEP sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mustTCB(tcb).timeoutEP = timeoutEP
	return nil
}

func (k *Kernel) TCBSetAffinity(tcb sel4.CapIndex, cpu uint) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mustTCB(tcb).affinity = cpu
	return nil
}

func (k *Kernel) TCBWriteRegisters(tcb sel4.CapIndex, pc, sp uint64, args []uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.mustTCB(tcb)
	t.pc, t.sp, t.args = pc, sp, append([]uint64(nil), args...)
	return nil
}

func (k *Kernel) TCBResume(tcb sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mustTCB(tcb).suspended = false
	return nil
}

func (k *Kernel) TCBSuspend(tcb sel4.CapIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mustTCB(tcb).suspended = true
	return nil
}

func (k *Kernel) TCBSetName(tcb sel4.CapIndex, name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mustTCB(tcb).name = name
	return nil
}

func (k *Kernel) SchedControlConfigure(schedContext sel4.CapIndex, budgetUs, periodUs uint64, extraRefills uint, badge sel4.Badge) error {
	return nil
}

func (k *Kernel) DomainSetSet(tcb sel4.CapIndex, domain uint8) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mustTCB(tcb).domain = domain
	return nil
}

// mustTCB returns the tcbState for cap, synthesizing one if retype
// bookkeeping was skipped by a test fixture. Caller holds k.mu.
func (k *Kernel) mustTCB(cap sel4.CapIndex) *tcbState {
	t, ok := k.tcbs[cap]
	if !ok {
		t = &tcbState{suspended: true}
		k.tcbs[cap] = t
	}
	return t
}

func (k *Kernel) endpointFor(ep sel4.CapIndex) *endpoint {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.endpoints[ep]
	if !ok {
		e = &endpoint{ch: make(chan sel4.RecvResult, 16)}
		k.endpoints[ep] = e
	}
	return e
}

func (k *Kernel) Send(ctx context.Context, ep sel4.CapIndex, label sel4.MessageTag, words []uint64) error {
	e := k.endpointFor(ep)
	select {
	case e.ch <- sel4.RecvResult{Label: label, Words: words}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Kernel) NBSend(ep sel4.CapIndex, label sel4.MessageTag, words []uint64) error {
	e := k.endpointFor(ep)
	select {
	case e.ch <- sel4.RecvResult{Label: label, Words: words}:
	default:
	}
	return nil
}

func (k *Kernel) Call(ctx context.Context, ep sel4.CapIndex, label sel4.MessageTag, words []uint64) (sel4.RecvResult, error) {
	if err := k.Send(ctx, ep, label, words); err != nil {
		return sel4.RecvResult{}, err
	}
	return k.Recv(ctx, ep)
}

func (k *Kernel) Recv(ctx context.Context, ep sel4.CapIndex) (sel4.RecvResult, error) {
	e := k.endpointFor(ep)
	select {
	case r := <-e.ch:
		return r, nil
	case <-ctx.Done():
		return sel4.RecvResult{}, ctx.Err()
	}
}

func (k *Kernel) NBRecv(ep sel4.CapIndex) (sel4.RecvResult, bool, error) {
	e := k.endpointFor(ep)
	select {
	case r := <-e.ch:
		return r, true, nil
	default:
		return sel4.RecvResult{}, false, nil
	}
}

func (k *Kernel) ReplyRecv(ctx context.Context, ep sel4.CapIndex, replyLabel sel4.MessageTag, replyWords []uint64) (sel4.RecvResult, error) {
	// Reply is fire-and-forget in the simulation (no reply-cap plumbing);
	// only the subsequent Recv matters to callers.
	return k.Recv(ctx, ep)
}

func (k *Kernel) Wait(ctx context.Context, notification sel4.CapIndex) (sel4.Badge, error) {
	k.mu.Lock()
	ch, ok := k.notifyPend[notification]
	if !ok {
		ch = make(chan sel4.Badge, 16)
		k.notifyPend[notification] = ch
	}
	k.mu.Unlock()
	select {
	case b := <-ch:
		return b, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (k *Kernel) Signal(notification sel4.CapIndex) error {
	k.mu.Lock()
	ch, ok := k.notifyPend[notification]
	if !ok {
		ch = make(chan sel4.Badge, 16)
		k.notifyPend[notification] = ch
	}
	k.mu.Unlock()
	select {
	case ch <- 0:
	default:
	}
	return nil
}

func (k *Kernel) Yield() {}

var _ sel4.Kernel = (*Kernel)(nil)
