package timerset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOneshotFiresOnce(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Oneshot(3, 10*time.Millisecond))
	bits := s.Wait()
	require.Equal(t, uint64(1<<3), bits)

	// No second firing: Poll after the oneshot elapsed stays empty.
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, uint64(0), s.Poll())
}

func TestPeriodicFiresRepeatedly(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Periodic(1, 10*time.Millisecond))
	require.Equal(t, uint64(1<<1), s.Wait())

	time.Sleep(25 * time.Millisecond)
	require.Equal(t, uint64(1<<1), s.Poll())
}

func TestCancelStopsFutureFirings(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Periodic(2, 10*time.Millisecond))
	require.Equal(t, uint64(1<<2), s.Wait())
	require.NoError(t, s.Cancel(2))

	time.Sleep(25 * time.Millisecond)
	require.Equal(t, uint64(0), s.Poll())
}

func TestCancelUnknownIDIsNotError(t *testing.T) {
	s := New()
	defer s.Close()
	require.NoError(t, s.Cancel(7))
}

func TestInvalidIDRejected(t *testing.T) {
	s := New()
	defer s.Close()
	require.Error(t, s.Oneshot(MaxTimers, time.Millisecond))
}
