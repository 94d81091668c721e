package bundlebuilder

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/AmbiML/sparrowos-core/pkg/bundleimage"
	"github.com/AmbiML/sparrowos-core/pkg/memmgr"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
	"github.com/AmbiML/sparrowos-core/pkg/sel4/simkernel"
	"github.com/AmbiML/sparrowos-core/pkg/slotalloc"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testImage(t *testing.T) []byte {
	t.Helper()
	code := bytes.Repeat([]byte{0x90}, 64) // a tiny "program"
	h := bundleimage.SectionHeader{
		VAddr:    0x400000,
		FileSize: uint64(len(code)),
		MemSize:  uint64(len(code)),
		Rights:   sel4.RX,
		HasEntry: true,
		Entry:    0x400000,
	}
	return bundleimage.EncodeSection(h, code)
}

func newTestBuilder(t *testing.T) (*Builder, *memmgr.MemoryManager) {
	t.Helper()
	log := discardLogger()
	k, err := simkernel.New(log, 4<<20)
	require.NoError(t, err)

	descs := []sel4.UntypedDescriptor{
		{PhysAddr: 0, SizeLog2: 22, IsDevice: false, IsTainted: false},  // 4MiB: normal pool
		{PhysAddr: 1 << 22, SizeLog2: 16, IsDevice: false, IsTainted: true}, // static pool, tainted
	}
	remaining := []uint64{1 << 22, 1 << 15}
	slots := slotalloc.New(100, 4096)
	mem, err := memmgr.Init(log, k, descs, remaining, 1, 32, 10000)
	require.NoError(t, err)

	config := Config{
		TopLevelCNode:   1,
		TopLevelDepth:   32,
		ASIDPool:        2,
		SchedAuthority:  3,
		MaxPriority:     100,
		Priority:        50,
		BudgetUs:        1000,
		PeriodUs:        1000,
		ExtraRefills:    0,
		CPU:             0,
		Domain:          0,
		DebugNames:      true,
		SDKEndpointSlot: 5,
	}
	b := New(log, k, mem, slots, config)
	return b, mem
}

func TestStartStopLifecycle(t *testing.T) {
	b, _ := newTestBuilder(t)
	img := testImage(t)
	factory := func() (io.Reader, error) { return bytes.NewReader(img), nil }

	bundle := &Bundle{AppID: "test-app", MemorySize: 1 << 20}
	err := b.Start(bundle, factory, 42, 43)
	require.NoError(t, err)
	require.Equal(t, Running, bundle.State)

	vm, ok := b.VSpaceMap(bundle)
	require.True(t, ok)
	require.NotEmpty(t, vm.List())
	_, found := vm.Find(0x400000)
	require.True(t, found)

	require.NoError(t, b.Suspend(bundle))
	require.NoError(t, b.Resume(bundle))

	require.NoError(t, b.Stop(bundle))
	require.Equal(t, Stopped, bundle.State)
}

func TestStartTwiceFails(t *testing.T) {
	b, _ := newTestBuilder(t)
	img := testImage(t)
	factory := func() (io.Reader, error) { return bytes.NewReader(img), nil }

	bundle := &Bundle{AppID: "test-app", MemorySize: 1 << 20}
	require.NoError(t, b.Start(bundle, factory, 42, 43))
	require.Error(t, b.Start(bundle, factory, 42, 43))
}

func TestStopNotRunningFails(t *testing.T) {
	b, _ := newTestBuilder(t)
	bundle := &Bundle{AppID: "test-app"}
	require.Error(t, b.Stop(bundle))
}
