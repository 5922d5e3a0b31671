package game

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSchedulerFiresOnce(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	defer s.Shutdown()

	var fired atomic.Int32
	s.Schedule("k", 10*time.Millisecond, func() { fired.Add(1) })

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestSchedulerCancelPreventsFire(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	defer s.Shutdown()

	var fired atomic.Int32
	s.Schedule("k", 30*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, s.Cancel("k"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, s.Cancel("k"))
}

func TestSchedulerReplaceUnderSameKey(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	defer s.Shutdown()

	var first, second atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("k", 20*time.Millisecond, func() { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestSchedulerScheduleEveryRepeats(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	defer s.Shutdown()

	var ticks atomic.Int32
	s.ScheduleEvery("tick", 10*time.Millisecond, func() { ticks.Add(1) })

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Cancel("tick")
	settled := ticks.Load()
	time.Sleep(40 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), settled+1)
}

func TestSchedulerCancelPrefix(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	defer s.Shutdown()

	var fired atomic.Int32
	s.Schedule("draw:r1", 30*time.Millisecond, func() { fired.Add(1) })
	s.Schedule("hint:r1", 30*time.Millisecond, func() { fired.Add(1) })
	s.Schedule("draw:r2", 30*time.Millisecond, func() { fired.Add(1) })
	s.CancelPrefix("draw:")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestSchedulerContainsPanics(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	defer s.Shutdown()

	var after atomic.Int32
	s.Schedule("boom", 5*time.Millisecond, func() { panic("boom") })
	s.Schedule("ok", 20*time.Millisecond, func() { after.Add(1) })

	assert.Eventually(t, func() bool { return after.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerShutdownRejectsNewTimers(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	s.Shutdown()

	var fired atomic.Int32
	s.Schedule("k", 5*time.Millisecond, func() { fired.Add(1) })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
