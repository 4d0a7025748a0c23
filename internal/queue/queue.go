package queue

import (
	"sync"
	"time"

	"github.com/ethanfield/compositor-core/internal/clock"
	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/pts"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

// Cadence describes how a Queue decides when a tick is "due": either as
// soon as possible (ahead-of-time, file-style inputs) or paced to wall
// clock via the shared Clock.
type Cadence struct {
	FrameDuration pts.PTS // 1/framerate for video ticks
	MaxWait       time.Duration
	RealTime      bool
}

// VideoTick is what the Queue hands the render graph once per output tick:
// one entry per registered video input, present only if that input had
// data ready for this tick.
type VideoTick struct {
	PTS    pts.PTS
	Frames map[InputID]frame.PipelineEvent[frame.Frame]
}

// AudioTick is the audio analogue of VideoTick.
type AudioTick struct {
	PTSStart, PTSEnd pts.PTS
	Batches          map[InputID]frame.PipelineEvent[frame.AudioBatch]
}

type outputEntry struct {
	id           OutputID
	cadence      Cadence
	endCondition EndCondition
	videoOut     chan VideoTick
	audioOut     chan AudioTick
	nextPTS      pts.PTS
	ended        bool
	// sibling is the other track's entry registered under the same id.
	sibling *outputEntry
}

// Queue is the pull-side scheduler driving every registered output's tick
// from the data buffered in each registered input's VideoInputQueue /
// AudioInputQueue.
type Queue struct {
	logger *logger.Logger
	clock  *clock.Clock

	mu      sync.Mutex
	video   map[InputID]*VideoInputQueue
	audio   map[InputID]*AudioInputQueue
	eos     map[InputID]bool
	outputs map[OutputID]*outputEntry

	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Queue driven by c. c must already be constructed (it need
// not be armed yet — Arm is the pipeline's job at start()).
func New(c *clock.Clock, log *logger.Logger) *Queue {
	return &Queue{
		logger:  log.With("component", "queue"),
		clock:   c,
		video:   make(map[InputID]*VideoInputQueue),
		audio:   make(map[InputID]*AudioInputQueue),
		eos:     make(map[InputID]bool),
		outputs: make(map[OutputID]*outputEntry),
		closeCh: make(chan struct{}),
	}
}

// RegisterVideoInput attaches a video FIFO under id.
func (q *Queue) RegisterVideoInput(id InputID, vq *VideoInputQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.video[id] = vq
}

// RegisterAudioInput attaches an audio FIFO under id.
func (q *Queue) RegisterAudioInput(id InputID, aq *AudioInputQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.audio[id] = aq
}

// UnregisterInput drops an input's video and audio queues and its EOS
// bookkeeping.
func (q *Queue) UnregisterInput(id InputID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.video, id)
	delete(q.audio, id)
	delete(q.eos, id)
}

// RegisterVideoOutput starts a goroutine driving a video tick loop for id
// and returns the channel ticks arrive on. The channel is closed when the
// output's EndCondition is satisfied or it is unregistered.
func (q *Queue) RegisterVideoOutput(id OutputID, cadence Cadence, end EndCondition) <-chan VideoTick {
	q.mu.Lock()
	entry := &outputEntry{id: id, cadence: cadence, endCondition: end, videoOut: make(chan VideoTick, 1)}
	entry.sibling = q.outputs[id]
	q.outputs[id] = entry
	q.mu.Unlock()

	q.wg.Add(1)
	go q.videoTickLoop(entry)
	return entry.videoOut
}

// RegisterAudioOutput starts a goroutine driving an audio tick loop for id.
func (q *Queue) RegisterAudioOutput(id OutputID, batchDuration pts.PTS, end EndCondition) <-chan AudioTick {
	q.mu.Lock()
	entry := &outputEntry{id: id, cadence: Cadence{FrameDuration: batchDuration}, endCondition: end, audioOut: make(chan AudioTick, 1)}
	entry.sibling = q.outputs[id]
	q.outputs[id] = entry
	q.mu.Unlock()

	q.wg.Add(1)
	go q.audioTickLoop(entry)
	return entry.audioOut
}

// UnregisterOutput stops an output's video and audio tick loops.
func (q *Queue) UnregisterOutput(id OutputID) {
	q.mu.Lock()
	for e := q.outputs[id]; e != nil; e = e.sibling {
		e.ended = true
	}
	q.mu.Unlock()
}

// Close stops every tick loop and waits for them to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closeCh)
	q.wg.Wait()
}

func (q *Queue) registeredInputs() map[InputID]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	set := make(map[InputID]struct{}, len(q.video)+len(q.audio))
	for id := range q.video {
		set[id] = struct{}{}
	}
	for id := range q.audio {
		if _, ok := set[id]; !ok {
			set[id] = struct{}{}
		}
	}
	return set
}

func (q *Queue) eosSnapshot() map[InputID]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := make(map[InputID]bool, len(q.eos))
	for id, v := range q.eos {
		snap[id] = v
	}
	for id, aq := range q.audio {
		if aq.EOSSeen() {
			snap[id] = true
		}
	}
	return snap
}

func (q *Queue) videoTickLoop(entry *outputEntry) {
	defer q.wg.Done()
	defer close(entry.videoOut)

	for {
		select {
		case <-q.closeCh:
			return
		default:
		}
		q.mu.Lock()
		ended := entry.ended
		q.mu.Unlock()
		if ended {
			return
		}

		if q.endConditionSatisfied(entry) {
			return
		}

		tick := q.buildVideoTick(entry)
		select {
		case entry.videoOut <- tick:
		case <-q.closeCh:
			return
		}
		entry.nextPTS += entry.cadence.FrameDuration

		if entry.cadence.RealTime {
			q.waitUntil(entry.nextPTS)
		}
	}
}

func (q *Queue) audioTickLoop(entry *outputEntry) {
	defer q.wg.Done()
	defer close(entry.audioOut)

	for {
		select {
		case <-q.closeCh:
			return
		default:
		}
		q.mu.Lock()
		ended := entry.ended
		q.mu.Unlock()
		if ended {
			return
		}

		if q.endConditionSatisfied(entry) {
			return
		}

		start := entry.nextPTS
		end := start + entry.cadence.FrameDuration
		tick := q.buildAudioTick(entry.id, start, end)
		select {
		case entry.audioOut <- tick:
		case <-q.closeCh:
			return
		}
		entry.nextPTS = end

		if entry.cadence.RealTime {
			q.waitUntil(entry.nextPTS)
		}
	}
}

func (q *Queue) endConditionSatisfied(entry *outputEntry) bool {
	eos := q.eosSnapshot()
	registered := q.registeredInputs()
	satisfied := entry.endCondition.Satisfied(eos, registered)
	if satisfied {
		q.logger.DebugQueue("end condition satisfied, stopping tick loop", "output_id", entry.id)
	}
	return satisfied
}

// waitUntil blocks until the clock reaches at, or until the Queue is
// closed. MaxWait plays no part here; it bounds how long buildVideoTick
// waits for inputs to become ready.
func (q *Queue) waitUntil(at pts.PTS) {
	now := q.clock.Now()
	if now >= at {
		return
	}
	select {
	case <-time.After(at - now):
	case <-q.closeCh:
	}
}

func (q *Queue) buildVideoTick(entry *outputEntry) VideoTick {
	q.mu.Lock()
	inputs := make(map[InputID]*VideoInputQueue, len(q.video))
	for id, vq := range q.video {
		inputs[id] = vq
	}
	q.mu.Unlock()

	t := entry.nextPTS
	frames := make(map[InputID]frame.PipelineEvent[frame.Frame], len(inputs))

	deadline := time.Now().Add(entry.cadence.MaxWait)
	for {
		allReady := true
		for id, vq := range inputs {
			if _, done := frames[id]; done {
				continue
			}
			if q.isInputEOS(id) {
				frames[id] = frame.NewEOS[frame.Frame]()
				continue
			}
			ev, ok := vq.Peek()
			if !ok {
				allReady = false
				continue
			}
			if ev.Kind == frame.EventEOS {
				vq.Consume()
				q.markEOS(id)
				frames[id] = frame.NewEOS[frame.Frame]()
				continue
			}
			if ev.Data.PTS <= t {
				vq.Consume()
				frames[id] = ev
			} else {
				allReady = false
			}
		}
		if allReady || entry.cadence.MaxWait <= 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	return VideoTick{PTS: t, Frames: frames}
}

func (q *Queue) buildAudioTick(outputID OutputID, start, end pts.PTS) AudioTick {
	q.mu.Lock()
	inputs := make(map[InputID]*AudioInputQueue, len(q.audio))
	for id, aq := range q.audio {
		inputs[id] = aq
	}
	q.mu.Unlock()

	batches := make(map[InputID]frame.PipelineEvent[frame.AudioBatch], len(inputs))
	for id, aq := range inputs {
		if q.isInputEOS(id) && aq.EOSSeen() {
			batches[id] = frame.NewEOS[frame.AudioBatch]()
			continue
		}
		batch := aq.GetSamples(start, end)
		batches[id] = frame.NewData(batch)
	}
	return AudioTick{PTSStart: start, PTSEnd: end, Batches: batches}
}

func (q *Queue) isInputEOS(id InputID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eos[id]
}

func (q *Queue) markEOS(id InputID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eos[id] = true
}
