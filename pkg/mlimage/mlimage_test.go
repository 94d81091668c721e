package mlimage

import (
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeAccel struct {
	windows []WMMUWindow
	zeroed  [][2]uint64
	copies  [][3]uint64
}

func (f *fakeAccel) ProgramWindow(w WMMUWindow) error {
	f.windows = append(f.windows, w)
	return nil
}

func (f *fakeAccel) ZeroRange(addr, size uint64) error {
	f.zeroed = append(f.zeroed, [2]uint64{addr, size})
	return nil
}

func (f *fakeAccel) CopyWithinTCM(dst, src, size uint64) error {
	f.copies = append(f.copies, [3]uint64{dst, src, size})
	return nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func digestOf(s string) digest.Digest {
	return digest.FromString(s)
}

const tcmSize = 1 << 20 // 1MiB

func newTestManager() (*Manager, *fakeAccel) {
	accel := &fakeAccel{}
	m := New(discardLogger(), accel, 0x1000_0000, tcmSize)
	return m, accel
}

func TestAllocateSensorInputReservesRoundedUp(t *testing.T) {
	m, _ := newTestManager()
	addr, err := m.AllocateSensorInput(100, 4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000_0000), addr)
	_, tcmTop, _ := m.Cursors()
	require.Equal(t, uint64(0x1000_0000+4096), tcmTop)
}

func TestFILOEvictionEvictsLastIn(t *testing.T) {
	m, _ := newTestManager()
	half := Sizes{Text: tcmSize / 2}
	id1 := digestOf("m1")
	id2 := digestOf("m2")

	_, err := m.MakeSpace(half.DataTopSize(), 0)
	require.NoError(t, err)
	require.NoError(t, m.CommitImage(id1, half))

	_, err = m.MakeSpace(half.DataTopSize(), 0)
	require.NoError(t, err)
	require.NoError(t, m.CommitImage(id2, half))

	require.True(t, m.IsResident(id1))
	require.True(t, m.IsResident(id2))

	// TCM is full; making space for another half-TCM model must evict
	// the last one committed (M2), not M1.
	_, err = m.MakeSpace(half.DataTopSize(), 0)
	require.NoError(t, err)

	require.True(t, m.IsResident(id1))
	require.False(t, m.IsResident(id2))
}

func TestCommitImageRejectsInvalidDigest(t *testing.T) {
	m, _ := newTestManager()
	err := m.CommitImage(digest.Digest("not-a-digest"), Sizes{Text: 4096})
	require.Error(t, err)
}

func TestCommitImageInvariantHolds(t *testing.T) {
	m, _ := newTestManager()
	id := digestOf("m1")
	sizes := Sizes{Text: 4096, ConstData: 1024, ModelOutput: 512, StaticData: 256, TemporaryData: 8192}
	require.NoError(t, m.CommitImage(id, sizes))

	_, tcmTop, tcmBottom := m.Cursors()
	require.LessOrEqual(t, tcmTop, tcmBottom)
	require.Equal(t, uint64(0x1000_0000+tcmSize-8192), tcmBottom)
}

func TestUnloadImageCompactsRemainingModels(t *testing.T) {
	m, accel := newTestManager()
	id1 := digestOf("m1")
	id2 := digestOf("m2")
	sizes1 := Sizes{Text: 4096}
	sizes2 := Sizes{Text: 8192}

	require.NoError(t, m.CommitImage(id1, sizes1))
	require.NoError(t, m.CommitImage(id2, sizes2))

	base2Before, ok := m.DataTopAddr(id2)
	require.True(t, ok)

	require.NoError(t, m.UnloadImage(id1))

	require.False(t, m.IsResident(id1))
	base2After, ok := m.DataTopAddr(id2)
	require.True(t, ok)
	require.Equal(t, base2Before-sizes1.DataTopSize(), base2After)
	require.Len(t, accel.copies, 1)
}

func TestUnloadUnknownModelFails(t *testing.T) {
	m, _ := newTestManager()
	require.Error(t, m.UnloadImage(digestOf("ghost")))
}

func TestSetWMMUProgramsFourWindows(t *testing.T) {
	m, accel := newTestManager()
	id := digestOf("m1")
	sizes := Sizes{Text: 4096, ConstData: 1024, ModelOutput: 512, StaticData: 256}
	require.NoError(t, m.CommitImage(id, sizes))
	require.NoError(t, m.SetWMMU(id))
	require.Len(t, accel.windows, 4)
	require.Equal(t, "rx", accel.windows[0].Rights)
}

func TestClearTempDataZeroesSharedRegion(t *testing.T) {
	m, accel := newTestManager()
	id := digestOf("m1")
	require.NoError(t, m.CommitImage(id, Sizes{Text: 4096, TemporaryData: 2048}))
	require.NoError(t, m.ClearTempData())
	require.Len(t, accel.zeroed, 1)
	require.Equal(t, uint64(2048), accel.zeroed[0][1])
}
