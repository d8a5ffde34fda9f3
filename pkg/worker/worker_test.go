package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	calls atomic.Int32
	panic atomic.Bool
}

func (c *counter) DoMyWork() {
	c.calls.Add(1)
	if c.panic.Load() {
		panic("boom")
	}
}

func TestWorkerRunsOnWake(t *testing.T) {
	c := &counter{}
	w := New("test", c, nil)
	defer w.Stop()

	w.Wake()
	require.Eventually(t, func() bool { return c.calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestWorkerRecoversPanic(t *testing.T) {
	c := &counter{}
	c.panic.Store(true)
	w := New("panicky", c, nil)
	defer w.Stop()

	w.Wake()
	require.Eventually(t, w.Degraded, time.Second, time.Millisecond)

	c.panic.Store(false)
	w.Wake()
	require.Eventually(t, func() bool { return c.calls.Load() == 2 }, time.Second, time.Millisecond)
	assert.True(t, w.Degraded())
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	w := New("stop", &counter{}, nil)
	w.Stop()
	w.Stop()
	w.Wake()
}

func TestAlarmWakesTarget(t *testing.T) {
	c := &counter{}
	w := New("alarmed", c, nil)
	defer w.Stop()

	a := NewAlarm()
	defer a.Stop()
	a.RegisterWake(w, 20*time.Millisecond)
	assert.Equal(t, 1, a.Pending())

	require.Eventually(t, func() bool { return c.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, a.Pending())
}

func TestAlarmStopCancelsWakeups(t *testing.T) {
	c := &counter{}
	w := New("cancelled", c, nil)
	defer w.Stop()

	a := NewAlarm()
	a.RegisterWake(w, 30*time.Millisecond)
	a.Stop()
	a.RegisterWake(w, time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), c.calls.Load())
	assert.Equal(t, 0, a.Pending())
}
