package queue

import (
	"sync"
	"sync/atomic"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/pts"
	"github.com/ethanfield/compositor-core/internal/resampler"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

// OverflowPolicy decides what an input queue does when its bounded FIFO is
// already full and another item arrives.
type OverflowPolicy int

const (
	// BlockOnFull absorbs bursts by blocking the producer until space frees
	// up, the same backpressure the teacher's pacer applies to its channels.
	BlockOnFull OverflowPolicy = iota
	// DropOnFull discards the newest item and logs the drop. Used for
	// "never drop output frames" being false is not implied by this; it
	// only controls the input side.
	DropOnFull
)

const defaultQueueDepth = 16

// VideoInputQueue is the bounded per-input FIFO of decoded video frames
// sitting between a decoder thread and the pull-side Queue.
type VideoInputQueue struct {
	logger   *logger.Logger
	policy   OverflowPolicy
	offset   pts.PTS
	ch       chan frame.PipelineEvent[frame.Frame]
	overflow atomic.Uint64

	mu      sync.Mutex
	pending *frame.PipelineEvent[frame.Frame]
	closed  bool
}

// NewVideoInputQueue creates a bounded video FIFO. offset shifts every
// incoming frame's PTS, the mechanism an input's registration-time PTS
// offset is applied through.
func NewVideoInputQueue(depth int, policy OverflowPolicy, offset pts.PTS, log *logger.Logger) *VideoInputQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &VideoInputQueue{
		logger: log.With("component", "queue.video_input"),
		policy: policy,
		offset: offset,
		ch:     make(chan frame.PipelineEvent[frame.Frame], depth),
	}
}

// Push enqueues a frame or EOS event, shifting Data events by the input's
// PTS offset. Under BlockOnFull this blocks the calling (decoder) thread;
// under DropOnFull it drops the new event and logs the drop.
func (q *VideoInputQueue) Push(ev frame.PipelineEvent[frame.Frame]) {
	if ev.Kind == frame.EventData {
		ev.Data.PTS += q.offset
	}

	select {
	case q.ch <- ev:
		return
	default:
	}

	switch q.policy {
	case DropOnFull:
		q.logger.Warn("video input queue full, dropping frame", "queue_depth", cap(q.ch))
	default:
		q.overflow.Add(1)
		q.logger.Warn("video input queue full, blocking producer",
			"queue_depth", cap(q.ch), "bursts_absorbed", q.overflow.Load())
		q.ch <- ev
	}
}

// TryNext returns the next buffered event without blocking. ok is false if
// nothing is queued right now.
func (q *VideoInputQueue) TryNext() (ev frame.PipelineEvent[frame.Frame], ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending != nil {
		ev, q.pending = *q.pending, nil
		return ev, true
	}
	select {
	case ev = <-q.ch:
		return ev, true
	default:
		return frame.PipelineEvent[frame.Frame]{}, false
	}
}

// Peek returns the next buffered event without consuming it.
func (q *VideoInputQueue) Peek() (ev frame.PipelineEvent[frame.Frame], ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		select {
		case v := <-q.ch:
			q.pending = &v
		default:
			return frame.PipelineEvent[frame.Frame]{}, false
		}
	}
	return *q.pending, true
}

// Consume drops the currently peeked event, if any.
func (q *VideoInputQueue) Consume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// AudioInputQueue is the bounded per-input FIFO of raw audio batches that
// feeds the per-input resampler; GetSamples pulls resampled, drift-corrected
// output from it.
type AudioInputQueue struct {
	logger    *logger.Logger
	policy    OverflowPolicy
	offset    pts.PTS
	ch        chan frame.PipelineEvent[frame.AudioBatch]
	overflow  atomic.Uint64
	resampler *resampler.Resampler

	mu      sync.Mutex
	eosSeen bool
}

// NewAudioInputQueue creates a bounded raw-audio FIFO feeding r.
func NewAudioInputQueue(depth int, policy OverflowPolicy, offset pts.PTS, r *resampler.Resampler, log *logger.Logger) *AudioInputQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &AudioInputQueue{
		logger:    log.With("component", "queue.audio_input"),
		policy:    policy,
		offset:    offset,
		ch:        make(chan frame.PipelineEvent[frame.AudioBatch], depth),
		resampler: r,
	}
}

// Push enqueues a raw batch or EOS event, shifting Data events by the
// input's PTS offset.
func (q *AudioInputQueue) Push(ev frame.PipelineEvent[frame.AudioBatch]) {
	if ev.Kind == frame.EventData {
		ev.Data.PTSStart += q.offset
		ev.Data.PTSEnd += q.offset
	}

	select {
	case q.ch <- ev:
		return
	default:
	}

	switch q.policy {
	case DropOnFull:
		q.logger.Warn("audio input queue full, dropping batch", "queue_depth", cap(q.ch))
	default:
		q.overflow.Add(1)
		q.logger.Warn("audio input queue full, blocking producer",
			"queue_depth", cap(q.ch), "bursts_absorbed", q.overflow.Load())
		q.ch <- ev
	}
}

// Drain feeds every batch currently buffered in the channel into the
// resampler, recording EOS if observed. It never blocks; call it once per
// tick before GetSamples.
func (q *AudioInputQueue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := 0
	for {
		select {
		case ev := <-q.ch:
			if ev.Kind == frame.EventEOS {
				q.eosSeen = true
				q.resampler.MarkEOS()
				continue
			}
			q.resampler.WriteBatch(ev.Data)
			drained++
		default:
			if drained > 0 {
				q.logger.DebugQueue("drained input batches", "count", drained)
			}
			return
		}
	}
}

// EOSSeen reports whether this input's audio track has closed.
func (q *AudioInputQueue) EOSSeen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eosSeen
}

// GetSamples drains pending input then returns the resampled batch covering
// [start,end). See internal/resampler for the drift-correction semantics.
func (q *AudioInputQueue) GetSamples(start, end pts.PTS) frame.AudioBatch {
	q.Drain()
	return q.resampler.GetSamples(start, end)
}
