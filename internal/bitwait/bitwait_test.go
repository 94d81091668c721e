package bitwait

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollReturnsZeroWhenEmpty(t *testing.T) {
	m := New()
	require.Equal(t, uint64(0), m.Poll())
}

func TestSetThenPollReturnsAndClears(t *testing.T) {
	m := New()
	m.Set(0)
	m.Set(3)
	require.Equal(t, uint64(0b1001), m.Poll())
	require.Equal(t, uint64(0), m.Poll())
}

func TestWaitBlocksUntilSet(t *testing.T) {
	m := New()
	done := make(chan uint64, 1)
	go func() { done <- m.Wait() }()

	select {
	case <-done:
		t.Fatal("Wait returned before any bit was set")
	case <-time.After(20 * time.Millisecond):
	}

	m.Set(5)
	select {
	case bits := <-done:
		require.Equal(t, uint64(1<<5), bits)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Set")
	}
}
