// Package mlcoord implements the ML Coordinator (spec §4.H): cooperative,
// event-driven scheduling of models onto the vector accelerator, backed
// by the ML Image Manager for TCM residency.
package mlcoord

import (
	"context"
	"io"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AmbiML/sparrowos-core/internal/bitwait"
	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
	"github.com/AmbiML/sparrowos-core/pkg/mlimage"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
	"github.com/AmbiML/sparrowos-core/pkg/timerset"
)

// MaxModels bounds the model-slot space; a slot's index doubles as its
// completed_job_mask bit and its timerset id.
const MaxModels = 64

// OutputHeader is what handle_return_interrupt reads back from TCM.
type OutputHeader struct {
	JobNum     uint32
	ReturnCode int32
	EPC        uint64
	DataLen    uint64
}

// Accelerator is the narrow hardware surface schedule_next_model and
// handle_return_interrupt drive: writing a freshly-loaded image's bytes,
// kicking off execution, and reading back the result.
type Accelerator interface {
	WriteBytes(addr uint64, data []byte) error
	Start() error
	ReadOutputHeader(addr uint64) (OutputHeader, error)
	ReadOutputData(addr uint64, size uint64) ([]byte, error)
}

// SecurityCoordinator is the storage collaborator schedule_next_model
// reads a non-resident model's bytes through (spec §1's "package storage,
// invoked through a thin SecurityCoordinator interface").
type SecurityCoordinator interface {
	ReadModelImage(id digest.Digest) (io.Reader, error)
}

// Notifier delivers a completion signal to a model's owning client,
// standing for sel4.Kernel.Signal on that client's badged notification.
type Notifier interface {
	Notify(client sel4.Badge) error
}

// Model is one registered LoadableModel (spec §3).
type Model struct {
	ImageID       digest.Digest
	OnFlashSizes  mlimage.Sizes
	InMemorySizes mlimage.Sizes
	PeriodMs      uint64 // 0 means oneshot
	Client        sel4.Badge
	JobNum        uint32
	LastOutput    *OutputHeader
	OutputData    []byte
}

// Stats tracks the coordinator's running counters (spec's "statistics").
type Stats struct {
	JobsScheduled     uint64
	JobsCompleted     uint64
	DuplicatePeriodic uint64
}

// Coordinator owns the model table, execution queue, and completion mask.
// Exported methods that touch the model table, queue, or statistics
// serialize through mu, matching the single-threaded run loop the spec
// assumes (interrupt handling and RPCs never interleave within one
// component); CompletedJobs and WaitForCompletion go through the
// completion mask's own lock instead.
type Coordinator struct {
	log      *logrus.Logger
	images   *mlimage.Manager
	accel    Accelerator
	security SecurityCoordinator
	notifier Notifier
	timers   *timerset.Set

	mu           sync.Mutex
	models       [MaxModels]*Model
	queue        []uint
	queueSet     mapset.Set
	runningModel *uint
	completed    *bitwait.Mask
	jobnum       uint32
	stats        Stats
}

// New constructs a Coordinator.
func New(log *logrus.Logger, images *mlimage.Manager, accel Accelerator, security SecurityCoordinator, notifier Notifier) *Coordinator {
	return &Coordinator{
		log:       log,
		images:    images,
		accel:     accel,
		security:  security,
		notifier:  notifier,
		timers:    timerset.New(),
		queueSet:  mapset.NewSet(),
		completed: bitwait.New(),
	}
}

// Close releases the coordinator's timer set.
func (c *Coordinator) Close() {
	c.timers.Close()
}

// ensureSlot finds an existing registration for (client, id) or allocates
// a fresh slot, validating id as a content digest.
func (c *Coordinator) ensureSlot(client sel4.Badge, id digest.Digest, periodMs uint64) (uint, error) {
	if err := id.Validate(); err != nil {
		return 0, errors.Wrap(coreerr.ErrInvalidImage, err.Error())
	}
	for i, m := range c.models {
		if m != nil && m.Client == client && m.ImageID == id {
			m.PeriodMs = periodMs
			return uint(i), nil
		}
	}
	for i, m := range c.models {
		if m == nil {
			c.models[i] = &Model{ImageID: id, Client: client, PeriodMs: periodMs}
			return uint(i), nil
		}
	}
	return 0, coreerr.ErrNoModelSlotsLeft
}

func (c *Coordinator) enqueueLocked(idx uint) {
	if c.queueSet.Contains(idx) {
		return
	}
	c.queue = append(c.queue, idx)
	c.queueSet.Add(idx)
}

func (c *Coordinator) dequeueLocked(idx uint) {
	if !c.queueSet.Contains(idx) {
		return
	}
	c.queueSet.Remove(idx)
	for i, v := range c.queue {
		if v == idx {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
}

// Oneshot registers (if new) and queues a single run of id for client.
func (c *Coordinator) Oneshot(client sel4.Badge, id digest.Digest) (uint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.ensureSlot(client, id, 0)
	if err != nil {
		return 0, err
	}
	c.enqueueLocked(idx)
	c.scheduleNextModelLocked()
	return idx, nil
}

// Periodic is Oneshot plus an armed recurring timer whose id equals the
// model's slot index.
func (c *Coordinator) Periodic(client sel4.Badge, id digest.Digest, periodMs uint64) (uint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.ensureSlot(client, id, periodMs)
	if err != nil {
		return 0, err
	}
	if err := c.timers.Periodic(idx, time.Duration(periodMs)*time.Millisecond); err != nil {
		return 0, err
	}
	c.enqueueLocked(idx)
	c.scheduleNextModelLocked()
	return idx, nil
}

// Cancel stops any timer, dequeues, unloads from TCM, frees the slot, and
// unblocks any waiter on idx (spec §5: model cancel is idempotent and
// must unblock waiters).
func (c *Coordinator) Cancel(idx uint) error {
	if idx >= MaxModels {
		return coreerr.ErrNoSuchModel
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.models[idx]
	if m == nil {
		return nil // idempotent: already gone
	}
	_ = c.timers.Cancel(idx)
	c.dequeueLocked(idx)
	if c.images.IsResident(m.ImageID) {
		if err := c.images.UnloadImage(m.ImageID); err != nil {
			c.log.WithError(err).Warn("mlcoord: unload on cancel failed")
		}
	}
	if c.runningModel != nil && *c.runningModel == idx {
		c.runningModel = nil
	}
	c.models[idx] = nil
	c.completed.Set(idx)
	return nil
}

// scheduleNextModelLocked is a no-op unless nothing is running and the
// queue is non-empty (spec §4.H).
func (c *Coordinator) scheduleNextModelLocked() error {
	if c.runningModel != nil || len(c.queue) == 0 {
		return nil
	}

	idx := c.queue[0]
	c.queue = c.queue[1:]
	c.queueSet.Remove(idx)

	m := c.models[idx]
	if m == nil {
		return c.scheduleNextModelLocked() // stale entry, try the next
	}

	if !c.images.IsResident(m.ImageID) {
		addr, err := c.images.MakeSpace(m.InMemorySizes.DataTopSize(), m.InMemorySizes.TemporaryData)
		if err != nil {
			return errors.Wrap(err, "mlcoord: make space for model failed")
		}
		data, err := c.readModelBytes(m.ImageID)
		if err != nil {
			return errors.Wrap(coreerr.ErrLoadModelFailed, err.Error())
		}
		if err := c.accel.WriteBytes(addr, data); err != nil {
			return errors.Wrap(coreerr.ErrLoadModelFailed, err.Error())
		}
		if err := c.images.CommitImage(m.ImageID, m.InMemorySizes); err != nil {
			return errors.Wrap(coreerr.ErrLoadModelFailed, err.Error())
		}
	}

	if err := c.images.ClearTempData(); err != nil {
		return errors.Wrap(err, "mlcoord: clear temp data failed")
	}
	if err := c.images.SetWMMU(m.ImageID); err != nil {
		return errors.Wrap(err, "mlcoord: set wmmu failed")
	}

	c.jobnum++
	m.JobNum = c.jobnum
	m.LastOutput = nil
	running := idx
	c.runningModel = &running
	c.stats.JobsScheduled++

	if err := c.accel.Start(); err != nil {
		c.runningModel = nil
		return errors.Wrap(err, "mlcoord: start accelerator failed")
	}
	return nil
}

func (c *Coordinator) readModelBytes(id digest.Digest) ([]byte, error) {
	r, err := c.security.ReadModelImage(id)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// HandleReturnInterrupt reads the just-finished model's output, marks it
// complete, notifies the owning client, and schedules the next model.
func (c *Coordinator) HandleReturnInterrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningModel == nil {
		return nil // spurious interrupt with nothing running; ignore
	}
	idx := *c.runningModel
	m := c.models[idx]
	if m == nil {
		c.runningModel = nil
		return c.scheduleNextModelLocked()
	}

	addr, ok := c.images.DataTopAddr(m.ImageID)
	if !ok {
		return coreerr.ErrNoSuchModel
	}
	hdr, err := c.accel.ReadOutputHeader(addr)
	if err != nil {
		return errors.Wrap(err, "mlcoord: read output header failed")
	}
	data, err := c.accel.ReadOutputData(addr, hdr.DataLen)
	if err != nil {
		return errors.Wrap(err, "mlcoord: read output data failed")
	}

	m.LastOutput = &hdr
	m.OutputData = data
	c.runningModel = nil
	c.stats.JobsCompleted++
	c.completed.Set(idx)

	if err := c.notifier.Notify(m.Client); err != nil {
		c.log.WithError(err).Warn("mlcoord: notify client failed")
	}
	return c.scheduleNextModelLocked()
}

// TimerCompleted handles a periodic timer firing for model index idx.
// Backpressure policy: if idx is already queued, the firing is dropped
// and counted rather than double-queued.
func (c *Coordinator) TimerCompleted(idx uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx >= MaxModels || c.models[idx] == nil {
		return nil // model no longer exists; no-op
	}
	if c.queueSet.Contains(idx) {
		c.stats.DuplicatePeriodic++
		return nil
	}
	c.enqueueLocked(idx)
	return c.scheduleNextModelLocked()
}

// CompletedJobs reads and atomically clears the completion mask without
// blocking (spec's PollForModels).
func (c *Coordinator) CompletedJobs() uint64 {
	return c.completed.Poll()
}

// WaitForCompletion blocks until at least one model's job completes or is
// cancelled, then returns and clears the completion mask (spec's
// WaitForModel, spec §8 "A's WaitForModel returns with a mask bit set for
// the cancelled model"). Returns 0 if ctx is cancelled first.
func (c *Coordinator) WaitForCompletion(ctx context.Context) uint64 {
	done := make(chan uint64, 1)
	go func() { done <- c.completed.Wait() }()

	select {
	case bits := <-done:
		return bits
	case <-ctx.Done():
		return 0
	}
}

// GetOutput returns idx's last header and data, failing with
// NoOutputHeader if nothing has completed for it yet.
func (c *Coordinator) GetOutput(idx uint) (OutputHeader, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx >= MaxModels || c.models[idx] == nil {
		return OutputHeader{}, nil, coreerr.ErrNoSuchModel
	}
	m := c.models[idx]
	if m.LastOutput == nil {
		return OutputHeader{}, nil, coreerr.ErrNoOutputHeader
	}
	return *m.LastOutput, m.OutputData, nil
}

// Stats returns a snapshot of the running counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
