// Package irqwatch runs the accelerator return-interrupt handler thread:
// block on the interrupt notification, call back into the ML
// Coordinator, repeat. Structured after pidmonitor's dedicated monitor
// goroutine, but traded for blocking Wait instead of a poll loop, since a
// real interrupt notification suspends the thread rather than requiring
// a poll period (spec §5: "Interrupt handler threads are ordinary threads
// that block on notifications").
package irqwatch

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// Handler is called once per return interrupt; normally
// (*mlcoord.Coordinator).HandleReturnInterrupt.
type Handler func() error

// Watcher owns the interrupt-handling thread.
type Watcher struct {
	log          *logrus.Logger
	kernel       sel4.Kernel
	notification sel4.CapIndex
	handle       Handler

	done chan struct{}
}

// New constructs a Watcher. Call Start to launch its thread.
func New(log *logrus.Logger, kernel sel4.Kernel, notification sel4.CapIndex, handle Handler) *Watcher {
	return &Watcher{
		log:          log,
		kernel:       kernel,
		notification: notification,
		handle:       handle,
		done:         make(chan struct{}),
	}
}

// Start launches the watch loop on its own goroutine. Cancel ctx to stop
// it; Done() closes once the loop has exited.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Done reports when the watch loop has exited after ctx cancellation.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		if _, err := w.kernel.Wait(ctx, w.notification); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Error("irqwatch: wait on return interrupt failed")
			continue
		}

		if err := w.handle(); err != nil {
			w.log.WithError(err).Error("irqwatch: return interrupt handler failed")
		}
	}
}
