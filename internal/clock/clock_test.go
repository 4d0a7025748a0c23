package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethanfield/compositor-core/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.Discard()
}

func TestNowBeforeArmIsZero(t *testing.T) {
	c := New(testLogger(), RunLateImmediately)
	defer c.Close()

	if got := c.Now(); got != 0 {
		t.Fatalf("Now() before Arm = %v, want 0", got)
	}
}

func TestScheduleEventFiresInOrder(t *testing.T) {
	c := New(testLogger(), RunLateImmediately)
	defer c.Close()
	c.Arm()

	var order []int
	done := make(chan struct{})

	c.ScheduleEvent(40*time.Millisecond, func() {
		order = append(order, 2)
		close(done)
	})
	c.ScheduleEvent(10*time.Millisecond, func() {
		order = append(order, 1)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for scheduled events")
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("events fired out of order: %v", order)
	}
}

func TestScheduleEventLatePolicy(t *testing.T) {
	c := New(testLogger(), DropLate)
	defer c.Close()
	c.Arm()

	time.Sleep(20 * time.Millisecond)

	var fired atomic.Bool
	c.ScheduleEvent(1*time.Millisecond, func() {
		fired.Store(true)
	})

	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Fatal("late event fired despite DropLate policy")
	}
}

func TestScheduleEventRunLateImmediately(t *testing.T) {
	c := New(testLogger(), RunLateImmediately)
	defer c.Close()
	c.Arm()

	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	c.ScheduleEvent(1*time.Millisecond, func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("late event did not fire under RunLateImmediately policy")
	}
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	c := New(testLogger(), RunLateImmediately)
	defer c.Close()
	c.Arm()

	done := make(chan struct{})
	c.ScheduleEvent(1*time.Millisecond, func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking callback blocked the timer loop")
	}

	// Loop must still be alive afterwards.
	done2 := make(chan struct{})
	c.ScheduleEvent(1*time.Millisecond, func() { close(done2) })
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("timer loop did not recover after a panicking callback")
	}
}
