// Package timerset implements the oneshot/periodic timer primitive shared
// by the SDK Runtime (per-app OneshotTimer/PeriodicTimer/CancelTimer) and
// the ML Coordinator (per-model periodic execution). It's shaped after
// pidmonitor's New/Cfg/Close API, adapted from a poll-loop pid monitor to
// real per-id time.AfterFunc/time.Ticker timers backed by a
// bitwait.Mask instead of an event channel, since callers here need
// "which ids fired since I last asked" rather than a consumed event list.
package timerset

import (
	"sync"
	"time"

	"github.com/AmbiML/sparrowos-core/internal/bitwait"
	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
)

// MaxTimers bounds the id space; ids double as bitwait.Mask bit positions.
const MaxTimers = 64

type entry struct {
	cancel func()
}

// Set owns a bounded collection of independently armed timers and
// accumulates firings into a Mask callers Wait/Poll on.
type Set struct {
	mu      sync.Mutex
	timers  map[uint]*entry
	fired   *bitwait.Mask
}

// New constructs an empty Set.
func New() *Set {
	return &Set{
		timers: make(map[uint]*entry),
		fired:  bitwait.New(),
	}
}

func (s *Set) validateID(id uint) error {
	if id >= MaxTimers {
		return coreerr.ErrInvalidTimer
	}
	return nil
}

// cancelLocked stops and forgets id's existing timer, if any. Idempotent,
// matching the core's cancellation policy (spec §5): a cancel racing a
// firing is a no-op.
func (s *Set) cancelLocked(id uint) {
	if e, ok := s.timers[id]; ok {
		e.cancel()
		delete(s.timers, id)
	}
}

// Oneshot arms a single firing of id after d.
func (s *Set) Oneshot(id uint, d time.Duration) error {
	if err := s.validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)

	t := time.AfterFunc(d, func() { s.fired.Set(id) })
	s.timers[id] = &entry{cancel: func() { t.Stop() }}
	return nil
}

// Periodic arms id to fire every period until cancelled.
func (s *Set) Periodic(id uint, period time.Duration) error {
	if err := s.validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)

	ticker := time.NewTicker(period)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.fired.Set(id)
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}()
	s.timers[id] = &entry{cancel: func() { close(stop) }}
	return nil
}

// Cancel disarms id. Idempotent: cancelling an unknown or already-fired
// oneshot id is not an error.
func (s *Set) Cancel(id uint) error {
	if err := s.validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
	return nil
}

// Wait blocks until at least one armed timer has fired, returning the
// accumulated bitmask (bit per id) and clearing it.
func (s *Set) Wait() uint64 {
	return s.fired.Wait()
}

// Poll is Wait's non-blocking counterpart.
func (s *Set) Poll() uint64 {
	return s.fired.Poll()
}

// Close cancels every armed timer, releasing their goroutines.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.timers {
		e.cancel()
		delete(s.timers, id)
	}
}
