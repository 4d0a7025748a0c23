// Package clock provides the single monotonic PTS reference shared by every
// component in one pipeline, plus the scheduled-callback mechanism that is
// the only way components defer state transitions (e.g. "unregister output
// after 20s").
package clock

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ethanfield/compositor-core/internal/pts"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

// LatePolicy controls what happens when ScheduleEvent is given a PTS that
// has already elapsed at the time of the call on an armed clock. An event
// that was queued in time but becomes due late is fired by the timer
// thread under either policy.
type LatePolicy int

const (
	// RunLateImmediately fires the callback right away.
	RunLateImmediately LatePolicy = iota
	// DropLate silently discards the callback.
	DropLate
)

// Callback is invoked on the clock's single timer thread. It must not
// panic or block: log and return on error, the way the pacer's write
// callbacks do in the teacher repo.
type Callback func()

type scheduledEvent struct {
	at       pts.PTS
	seq      uint64
	callback Callback
	index    int
}

type eventHeap []*scheduledEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *eventHeap) Push(x any) {
	e := x.(*scheduledEvent)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Clock anchors all PTS values in a pipeline at the instant Arm is first
// called (start() in the control-plane contract arms the clock); until
// then Now reports 0.
type Clock struct {
	logger *logger.Logger
	policy LatePolicy

	mu      sync.Mutex
	anchor  time.Time
	armed   bool
	events  eventHeap
	seq     uint64
	wake    chan struct{}
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates an unarmed clock. now() returns 0 until Arm is called.
func New(log *logger.Logger, policy LatePolicy) *Clock {
	c := &Clock{
		logger:  log.With("component", "clock"),
		policy:  policy,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.timerLoop()
	return c
}

// Arm captures queue_sync_point. Calling it more than once is a no-op:
// the anchor instant is fixed for the lifetime of the pipeline.
func (c *Clock) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed {
		return
	}
	c.anchor = time.Now()
	c.armed = true
	c.logger.Info("clock armed", "anchor", c.anchor)
	c.notifyLocked()
}

// Now returns the current PTS, or 0 if the clock has not been armed yet.
func (c *Clock) Now() pts.PTS {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return pts.Zero
	}
	return time.Since(c.anchor)
}

// ScheduleEvent arms a callback to run once the clock reaches at. A PTS in
// the past is handled per the clock's LatePolicy.
func (c *Clock) ScheduleEvent(at pts.PTS, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	now := pts.Zero
	if c.armed {
		now = time.Since(c.anchor)
	}

	if c.armed && at <= now {
		switch c.policy {
		case DropLate:
			c.logger.Warn("dropping late scheduled event", "at", at, "now", now)
			return
		default:
			c.logger.DebugClock("running late scheduled event immediately", "at", at, "now", now)
			go c.runCallback(cb)
			return
		}
	}

	c.seq++
	heap.Push(&c.events, &scheduledEvent{at: at, seq: c.seq, callback: cb})
	c.notifyLocked()
}

func (c *Clock) notifyLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close stops the timer thread. Pending callbacks are dropped.
func (c *Clock) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closeCh)
	c.wg.Wait()
}

func (c *Clock) timerLoop() {
	defer c.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if !c.armed || len(c.events) == 0 {
			c.mu.Unlock()
			select {
			case <-c.closeCh:
				return
			case <-c.wake:
				continue
			}
		}

		next := c.events[0]
		now := time.Since(c.anchor)
		delay := next.at - now
		c.mu.Unlock()

		if delay <= 0 {
			c.fireNext()
			continue
		}

		timer.Reset(delay)
		select {
		case <-c.closeCh:
			return
		case <-c.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		case <-timer.C:
			c.fireNext()
		}
	}
}

func (c *Clock) fireNext() {
	c.mu.Lock()
	if len(c.events) == 0 {
		c.mu.Unlock()
		return
	}
	ev := heap.Pop(&c.events).(*scheduledEvent)
	c.mu.Unlock()
	c.runCallback(ev.callback)
}

func (c *Clock) runCallback(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("scheduled callback panicked", "recover", r)
		}
	}()
	cb()
}
