package mlcoord

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/AmbiML/sparrowos-core/pkg/mlimage"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

type fakeImageAccel struct{}

func (fakeImageAccel) ProgramWindow(mlimage.WMMUWindow) error  { return nil }
func (fakeImageAccel) ZeroRange(uint64, uint64) error          { return nil }
func (fakeImageAccel) CopyWithinTCM(uint64, uint64, uint64) error { return nil }

type fakeAccel struct {
	written map[uint64][]byte
	started int
	header  OutputHeader
	data    []byte
}

func newFakeAccel() *fakeAccel {
	return &fakeAccel{written: make(map[uint64][]byte)}
}

func (f *fakeAccel) WriteBytes(addr uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written[addr] = cp
	return nil
}

func (f *fakeAccel) Start() error {
	f.started++
	return nil
}

func (f *fakeAccel) ReadOutputHeader(addr uint64) (OutputHeader, error) {
	return f.header, nil
}

func (f *fakeAccel) ReadOutputData(addr uint64, size uint64) ([]byte, error) {
	return f.data, nil
}

type fakeSecurity struct {
	images map[digest.Digest][]byte
}

func (f *fakeSecurity) ReadModelImage(id digest.Digest) (io.Reader, error) {
	return bytes.NewReader(f.images[id]), nil
}

type fakeNotifier struct {
	notified []sel4.Badge
}

func (f *fakeNotifier) Notify(client sel4.Badge) error {
	f.notified = append(f.notified, client)
	return nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestCoordinator() (*Coordinator, *fakeAccel, *fakeNotifier) {
	log := discardLogger()
	images := mlimage.New(log, fakeImageAccel{}, 0x2000_0000, 1<<20)
	accel := newFakeAccel()
	notifier := &fakeNotifier{}
	security := &fakeSecurity{images: make(map[digest.Digest][]byte)}
	return New(log, images, accel, security, notifier), accel, notifier
}

func testDigest(content string) digest.Digest {
	return digest.FromString(content)
}

func TestOneshotSchedulesAndCompletes(t *testing.T) {
	c, accel, notifier := newTestCoordinator()
	defer c.Close()

	id := testDigest("model-a")
	c.security.(*fakeSecurity).images[id] = bytes.Repeat([]byte{0xAB}, 4096)

	idx, err := c.Oneshot(sel4.Badge(7), id)
	require.NoError(t, err)
	require.Equal(t, 1, accel.started)

	accel.header = OutputHeader{JobNum: 1, ReturnCode: 0, DataLen: 4}
	accel.data = []byte{1, 2, 3, 4}

	require.NoError(t, c.HandleReturnInterrupt())
	require.Equal(t, []sel4.Badge{7}, notifier.notified)

	mask := c.CompletedJobs()
	require.Equal(t, uint64(1)<<idx, mask)

	hdr, data, err := c.GetOutput(idx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), hdr.JobNum)
	require.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestGetOutputFailsBeforeCompletion(t *testing.T) {
	c, _, _ := newTestCoordinator()
	defer c.Close()

	id := testDigest("model-b")
	c.security.(*fakeSecurity).images[id] = bytes.Repeat([]byte{0x01}, 4096)
	idx, err := c.Oneshot(sel4.Badge(1), id)
	require.NoError(t, err)

	_, _, err = c.GetOutput(idx)
	require.Error(t, err)
}

func TestTimerCompletedAppliesBackpressure(t *testing.T) {
	c, accel, _ := newTestCoordinator()
	defer c.Close()

	id := testDigest("model-c")
	c.security.(*fakeSecurity).images[id] = bytes.Repeat([]byte{0x02}, 4096)
	idx, err := c.Periodic(sel4.Badge(2), id, 10)
	require.NoError(t, err)
	require.Equal(t, 1, accel.started)

	// Model is still "running" (no return interrupt yet). The first firing
	// queues its next run; a second firing while that run is still queued
	// must be dropped and counted, not double-queued.
	require.NoError(t, c.TimerCompleted(idx))
	require.NoError(t, c.TimerCompleted(idx))
	require.Equal(t, uint64(1), c.Stats().DuplicatePeriodic)
}

func TestCancelIsIdempotentAndUnblocksWaiter(t *testing.T) {
	c, _, _ := newTestCoordinator()
	defer c.Close()

	id := testDigest("model-d")
	c.security.(*fakeSecurity).images[id] = bytes.Repeat([]byte{0x03}, 4096)
	idx, err := c.Oneshot(sel4.Badge(3), id)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(idx))
	require.NoError(t, c.Cancel(idx)) // idempotent

	mask := c.CompletedJobs()
	require.Equal(t, uint64(1)<<idx, mask)
}

func TestWaitForCompletionUnblocksAcrossGoroutine(t *testing.T) {
	c, accel, _ := newTestCoordinator()
	defer c.Close()

	id := testDigest("model-e")
	c.security.(*fakeSecurity).images[id] = bytes.Repeat([]byte{0x04}, 4096)
	idx, err := c.Oneshot(sel4.Badge(4), id)
	require.NoError(t, err)
	accel.header = OutputHeader{JobNum: 1}

	done := make(chan uint64, 1)
	go func() { done <- c.WaitForCompletion(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.HandleReturnInterrupt())

	select {
	case mask := <-done:
		require.Equal(t, uint64(1)<<idx, mask)
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion never unblocked")
	}
}

// TestWaitForCompletionReturnsZeroOnCancel covers spec §8's cancellation
// path at the SDK Runtime boundary: OpWaitForModel must not hang forever
// once the surrounding request context is cancelled.
func TestWaitForCompletionReturnsZeroOnCancel(t *testing.T) {
	c, _, _ := newTestCoordinator()
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan uint64, 1)
	go func() { done <- c.WaitForCompletion(ctx) }()

	cancel()
	select {
	case mask := <-done:
		require.Equal(t, uint64(0), mask)
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion did not observe context cancellation")
	}
}
