// Package sdkruntime implements the SDK Runtime (spec §4.I): a per-app
// RPC server reached through a badged endpoint and a shared parameter
// frame, with a hand-written receive/reply loop instead of generated
// stubs.
package sdkruntime

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
	"github.com/AmbiML/sparrowos-core/pkg/mlcoord"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
	"github.com/AmbiML/sparrowos-core/pkg/timerset"
)

// FrameSize is the shared parameter frame's total size; ReqHalf/ReplyHalf
// split it in two (spec §4.I).
const (
	FrameSize  = sel4.PageSize
	ReqHalf    = FrameSize / 2
	ReplyHalf  = FrameSize - ReqHalf
)

// ModelResolver turns a client-chosen model name into the content digest
// the ML Coordinator and Image Manager address models by.
type ModelResolver interface {
	Resolve(name string) (digest.Digest, error)
}

// appState is the per-(app_id, key) kv store plus one timerset.Set,
// keyed by the endpoint's badge (spec §3 key-value store keyed by
// (app_id, key); badge is the runtime's stand-in for app_id per §4.I's
// "incoming messages carry the client's identity in the kernel-assigned
// badge").
type appState struct {
	frame  sel4.CapIndex
	kv     map[string][]byte
	timers *timerset.Set
}

// Runtime owns the dispatch loop for one shared badged endpoint serving
// every registered app.
type Runtime struct {
	log      *logrus.Logger
	kernel   sel4.Kernel
	endpoint sel4.CapIndex
	coord    *mlcoord.Coordinator
	models   ModelResolver

	apps map[sel4.Badge]*appState
}

// New constructs a Runtime bound to endpoint.
func New(log *logrus.Logger, kernel sel4.Kernel, endpoint sel4.CapIndex, coord *mlcoord.Coordinator, models ModelResolver) *Runtime {
	return &Runtime{
		log:      log,
		kernel:   kernel,
		endpoint: endpoint,
		coord:    coord,
		models:   models,
		apps:     make(map[sel4.Badge]*appState),
	}
}

// Register binds badge to its shared parameter frame, allocating fresh
// per-app state. Called once the Bundle Builder has mapped the frame for
// both sides (spec §4.E/§4.I).
func (r *Runtime) Register(badge sel4.Badge, frame sel4.CapIndex) {
	r.apps[badge] = &appState{
		frame:  frame,
		kv:     make(map[string][]byte),
		timers: timerset.New(),
	}
}

// Unregister releases an app's per-app state, closing its timer set.
func (r *Runtime) Unregister(badge sel4.Badge) {
	if a, ok := r.apps[badge]; ok {
		a.timers.Close()
		delete(r.apps, badge)
	}
}

// Run is the dispatch loop (spec §4.I). It returns only on ctx
// cancellation or an unrecoverable kernel error; callers run it on its
// own thread, matching the "every component has one control thread"
// model (spec §5).
func (r *Runtime) Run(ctx context.Context) error {
	res, err := r.kernel.Recv(ctx, r.endpoint)
	if err != nil {
		return errors.Wrap(err, "sdkruntime: initial recv failed")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if res.Label < opcodeBase {
			// A fault, not a request: this thread is the sender's fault
			// handler. Do not reply — replying would resume a faulting
			// thread back into another fault (spec §4.I step 2).
			r.log.WithField("badge", res.Badge).WithField("label", res.Label).
				Warn("sdkruntime: received fault, not replying")
			res, err = r.kernel.Recv(ctx, r.endpoint)
			if err != nil {
				return errors.Wrap(err, "sdkruntime: recv after fault failed")
			}
			continue
		}

		status, replyLen := r.dispatch(ctx, res.Badge, res.Label)

		res, err = r.kernel.ReplyRecv(ctx, r.endpoint, status, []uint64{uint64(replyLen)})
		if err != nil {
			return errors.Wrap(err, "sdkruntime: replyrecv failed")
		}
	}
}

// dispatch handles one request: map the frame (read it whole, standing
// in for the copy-region map/memcpy/unmap the spec describes), decode,
// run the handler, encode the reply, and write it back (spec §4.I steps
// 3-6).
func (r *Runtime) dispatch(ctx context.Context, badge sel4.Badge, label sel4.MessageTag) (sel4.MessageTag, int) {
	app, ok := r.apps[badge]
	if !ok {
		r.log.WithField("badge", badge).Error("sdkruntime: request from unregistered badge")
		return StatusError, 0
	}

	raw, err := r.kernel.FrameRead(app.frame, 0, FrameSize)
	if err != nil {
		r.log.WithError(err).Error("sdkruntime: frame read failed")
		return StatusError, 0
	}
	reqBuf := raw[:ReqHalf]
	replyBuf := make([]byte, ReplyHalf)

	n, err := r.handle(ctx, app, Opcode(label), reqBuf, replyBuf)
	if err != nil {
		r.log.WithError(err).WithField("badge", badge).WithField("opcode", label).
			Debug("sdkruntime: request failed")
		return StatusError, 0
	}

	if err := r.kernel.FrameWrite(app.frame, uint64(ReqHalf), replyBuf[:n]); err != nil {
		r.log.WithError(err).Error("sdkruntime: frame write failed")
		return StatusError, 0
	}
	return StatusOK, n
}

func (r *Runtime) handle(ctx context.Context, app *appState, op Opcode, req, reply []byte) (int, error) {
	switch op {
	case OpPing:
		return 0, nil

	case OpLog:
		msg, _, err := getString(req)
		if err != nil {
			return 0, err
		}
		r.log.Info(msg)
		return 0, nil

	case OpReadKey:
		key, _, err := getString(req)
		if err != nil {
			return 0, err
		}
		val, ok := app.kv[key]
		if !ok {
			return 0, coreerr.ErrUnknownRequest
		}
		return putBytes(reply, val), nil

	case OpWriteKey:
		key, n, err := getString(req)
		if err != nil {
			return 0, err
		}
		val, _, err := getBytes(req[n:])
		if err != nil {
			return 0, err
		}
		app.kv[key] = val
		return 0, nil

	case OpDeleteKey:
		key, _, err := getString(req)
		if err != nil {
			return 0, err
		}
		delete(app.kv, key)
		return 0, nil

	case OpOneshotTimer:
		id, n, err := getU32(req)
		if err != nil {
			return 0, err
		}
		ms, _, err := getU64(req[n:])
		if err != nil {
			return 0, err
		}
		if err := app.timers.Oneshot(uint(id), time.Duration(ms)*time.Millisecond); err != nil {
			return 0, err
		}
		return 0, nil

	case OpPeriodicTimer:
		id, n, err := getU32(req)
		if err != nil {
			return 0, err
		}
		ms, _, err := getU64(req[n:])
		if err != nil {
			return 0, err
		}
		if err := app.timers.Periodic(uint(id), time.Duration(ms)*time.Millisecond); err != nil {
			return 0, err
		}
		return 0, nil

	case OpCancelTimer:
		id, _, err := getU32(req)
		if err != nil {
			return 0, err
		}
		return 0, app.timers.Cancel(uint(id))

	case OpWaitForTimers:
		return putMask(reply, app.timers.Wait()), nil

	case OpPollForTimers:
		return putMask(reply, app.timers.Poll()), nil

	case OpOneshotModel:
		name, _, err := getString(req)
		if err != nil {
			return 0, err
		}
		id, err := r.models.Resolve(name)
		if err != nil {
			return 0, errors.Wrap(coreerr.ErrUnknownRequest, err.Error())
		}
		idx, err := r.coord.Oneshot(r.currentBadge(app), id)
		if err != nil {
			return 0, err
		}
		return putU32(reply, uint32(idx)), nil

	case OpPeriodicModel:
		name, n, err := getString(req)
		if err != nil {
			return 0, err
		}
		ms, _, err := getU64(req[n:])
		if err != nil {
			return 0, err
		}
		id, err := r.models.Resolve(name)
		if err != nil {
			return 0, errors.Wrap(coreerr.ErrUnknownRequest, err.Error())
		}
		idx, err := r.coord.Periodic(r.currentBadge(app), id, ms)
		if err != nil {
			return 0, err
		}
		return putU32(reply, uint32(idx)), nil

	case OpCancelModel:
		idx, _, err := getU32(req)
		if err != nil {
			return 0, err
		}
		return 0, r.coord.Cancel(uint(idx))

	case OpWaitForModel:
		return putMask(reply, r.coord.WaitForCompletion(ctx)), nil

	case OpPollForModels:
		return putMask(reply, r.coord.CompletedJobs()), nil

	case OpGetModelOutput:
		idx, _, err := getU32(req)
		if err != nil {
			return 0, err
		}
		hdr, data, err := r.coord.GetOutput(uint(idx))
		if err != nil {
			return 0, err
		}
		off := putU32(reply, hdr.JobNum)
		off += putI32(reply[off:], hdr.ReturnCode)
		off += putU64(reply[off:], hdr.EPC)
		off += putBytes(reply[off:], data)
		return off, nil

	default:
		return 0, coreerr.ErrUnknownRequest
	}
}

// currentBadge recovers the badge an appState was registered under; kept
// as a tiny reverse lookup rather than threading the badge through every
// handler call.
func (r *Runtime) currentBadge(app *appState) sel4.Badge {
	for b, a := range r.apps {
		if a == app {
			return b
		}
	}
	return 0
}
