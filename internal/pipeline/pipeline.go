package pipeline

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethanfield/compositor-core/internal/clock"
	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/mixer"
	"github.com/ethanfield/compositor-core/internal/pts"
	"github.com/ethanfield/compositor-core/internal/queue"
	"github.com/ethanfield/compositor-core/internal/render"
	"github.com/ethanfield/compositor-core/internal/resampler"
	"github.com/ethanfield/compositor-core/internal/rtpsync"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

// keyframeRequestInterval rate-limits request_keyframe per output so a
// misbehaving control-plane caller can't flood an encoder with PLI/FIR
// equivalents.
const keyframeRequestInterval = 250 * time.Millisecond

// InputHandle is returned from RegisterInput. The owning decoder thread
// pushes directly onto these queues — never through the Pipeline — so the
// hot data path never contends on the Pipeline's registration mutex, per
// spec.md §5's copy-on-update / lock-ordering requirements. Video is
// always set; Audio is nil when InputOptions.AudioSampleRate is zero.
type InputHandle struct {
	Video *queue.VideoInputQueue
	Audio *queue.AudioInputQueue
}

// OutputSinks is returned from RegisterOutput. The owning encoder thread
// reads Video/Audio and writes keyframe requests are delivered on
// KeyframeRequests; both data channels are closed once the output's
// EndCondition fires or it is unregistered.
type OutputSinks struct {
	Video            <-chan frame.PipelineEvent[frame.Frame]
	Audio            <-chan frame.PipelineEvent[frame.AudioBatch]
	KeyframeRequests <-chan struct{}
}

type outputRuntime struct {
	id       queue.OutputID
	opts     OutputOptions
	mixer    *mixer.Mixer
	videoIn  <-chan queue.VideoTick
	audioIn  <-chan queue.AudioTick
	videoOut chan frame.PipelineEvent[frame.Frame]
	audioOut chan frame.PipelineEvent[frame.AudioBatch]
	keyframe chan struct{}
	limiter  *rate.Limiter

	// terminal and doneLoops track invariant 5's terminal-EOS state: once
	// both the render and mix loops have drained their closed tick
	// channels, terminal is set and the scene is reaped from the render
	// graph, but the outputRuntime entry itself stays in Pipeline.outputs
	// so a later UpdateOutput can still recognize and drop it.
	terminal  bool
	doneLoops int
}

// Pipeline is the arena described in spec.md §9: inputs and outputs are
// held by opaque InputID/OutputID keys, never by back-references between
// components. One Pipeline owns one Clock, one Queue, one shared render
// Graph (the GPU context is a shared, not exclusive, resource), and one
// Mixer per output.
type Pipeline struct {
	logger *logger.Logger

	clock            *clock.Clock
	queue            *queue.Queue
	graph            *render.Graph
	gpu              *render.GPUContext
	mixingSampleRate uint32

	mu          sync.Mutex // guards everything below; never held across a tick
	inputs      map[queue.InputID]InputOptions
	outputs     map[queue.OutputID]*outputRuntime
	rtpSessions map[string]*rtpsync.RtpNtpSyncPoint

	events  chan Event
	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New constructs an unarmed Pipeline. gpuDeviceName/forceGPU are passed
// straight through to render.NewGPUContext. mixingSampleRate is the audio
// sample rate every input's Resampler targets — fixed once at construction
// rather than derived per output, since an input's resampler is built
// before any output may exist to ask and so cannot otherwise learn its
// target rate. Each output's Mixer runs at the SampleRate of its own
// OutputOptions (or of the mixer.Config passed to UpdateOutput); that rate
// is not checked against mixingSampleRate.
func New(log *logger.Logger, gpuDeviceName string, forceGPU bool, mixingSampleRate uint32, streamFallbackTimeout time.Duration, fallbackFrame func(queue.InputID) frame.Frame) (*Pipeline, error) {
	gpu, err := render.NewGPUContext(gpuDeviceName, forceGPU)
	if err != nil {
		return nil, err
	}

	c := clock.New(log, clock.RunLateImmediately)
	p := &Pipeline{
		logger:           log.With("component", "pipeline"),
		clock:            c,
		queue:            queue.New(c, log),
		graph:            render.New(gpu, log, streamFallbackTimeout, fallbackFrame),
		gpu:              gpu,
		mixingSampleRate: mixingSampleRate,
		inputs:           make(map[queue.InputID]InputOptions),
		outputs:          make(map[queue.OutputID]*outputRuntime),
		rtpSessions:      make(map[string]*rtpsync.RtpNtpSyncPoint),
		events:           make(chan Event, 64),
		closeCh:          make(chan struct{}),
	}
	return p, nil
}

// Start arms the Clock's queue_sync_point. Tick loops are not held back
// until Start: each output's loops begin ticking as soon as RegisterOutput
// returns, and real-time pacing only follows the wall clock once the Clock
// is armed. Registrations made after Start are still valid; an output
// registered later still starts its ticks at PTS 0.
func (p *Pipeline) Start() {
	p.clock.Arm()
	p.logger.Info("pipeline started")
}

// SubscribeEvents returns the channel Event values are published on. There
// is a single shared channel; fan it out yourself if multiple subscribers
// are needed.
func (p *Pipeline) SubscribeEvents() <-chan Event {
	return p.events
}

func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event channel full, dropping event", "kind", ev.Kind.String())
	}
}

// RTPSyncSession returns the session-wide NTP anchor for sessionID,
// creating it on first use. Every stream in one ingress session must share
// the same *rtpsync.RtpNtpSyncPoint for spec.md §4.2's convergence
// invariant to hold.
func (p *Pipeline) RTPSyncSession(sessionID string) *rtpsync.RtpNtpSyncPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.rtpSessions[sessionID]
	if !ok {
		sp = rtpsync.NewSyncPoint(time.Now())
		p.rtpSessions[sessionID] = sp
	}
	return sp
}

// RegisterInput creates the input's queue(s) and registers it with the
// Queue and the render Graph. The returned InputHandle is how the external
// decoder feeds data in; nothing further is required through Pipeline.
func (p *Pipeline) RegisterInput(id queue.InputID, opts InputOptions) (InitInfo, InputHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.inputs[id]; exists {
		return InitInfo{}, InputHandle{}, &RegistrationError{Op: "register_input", ID: string(id), Reason: "duplicate input id"}
	}

	offset := pts.PTS(opts.Offset)
	handle := InputHandle{}

	vq := queue.NewVideoInputQueue(opts.QueueDepth, opts.OverflowPolicy, offset, p.logger)
	handle.Video = vq
	p.queue.RegisterVideoInput(id, vq)
	p.graph.RegisterInput(id)

	if opts.AudioSampleRate > 0 {
		r := resampler.New(opts.AudioSampleRate, p.mixingSampleRate, opts.AudioChannels, 0, p.logger)
		aq := queue.NewAudioInputQueue(opts.QueueDepth, opts.OverflowPolicy, offset, r, p.logger)
		handle.Audio = aq
		p.queue.RegisterAudioInput(id, aq)
	}

	p.inputs[id] = opts
	p.logger.Info("input registered", "input_id", id, "kind", opts.Kind.String())
	return InitInfo{}, handle, nil
}

// UnregisterInput drops id immediately, or — if at is non-nil — schedules
// the drop for that PTS via the Clock, mirroring spec.md §6's "optionally
// scheduled at a PTS" clause.
func (p *Pipeline) UnregisterInput(id queue.InputID, at *pts.PTS) {
	if at != nil {
		p.clock.ScheduleEvent(*at, func() { p.unregisterInputNow(id) })
		return
	}
	p.unregisterInputNow(id)
}

func (p *Pipeline) unregisterInputNow(id queue.InputID) {
	p.mu.Lock()
	delete(p.inputs, id)
	p.mu.Unlock()

	p.queue.UnregisterInput(id)
	p.graph.UnregisterInput(id)
	p.logger.Info("input unregistered", "input_id", id)
}

// RegisterOutput wires a new output's Queue tick loops, Mixer, and render
// Graph scene slot, and starts the per-output goroutines that pull ticks
// and push rendered/mixed results to OutputSinks. This is the
// renderer-thread / mixer-thread pairing spec.md §5 describes, instantiated
// once per output rather than as two global threads, since each output
// ticks on its own cadence.
func (p *Pipeline) RegisterOutput(id queue.OutputID, opts OutputOptions) (OutputSinks, error) {
	p.mu.Lock()
	if _, exists := p.outputs[id]; exists {
		p.mu.Unlock()
		return OutputSinks{}, &RegistrationError{Op: "register_output", ID: string(id), Reason: "duplicate output id"}
	}

	m := mixer.New(mixer.Config{
		Mapping:    map[queue.InputID]mixer.InputMapping{},
		Channels:   opts.MixerChannels,
		Strategy:   opts.MixerStrategy,
		SampleRate: opts.SampleRate,
	}, p.logger)

	rt := &outputRuntime{
		id:       id,
		opts:     opts,
		mixer:    m,
		videoOut: make(chan frame.PipelineEvent[frame.Frame], 2),
		audioOut: make(chan frame.PipelineEvent[frame.AudioBatch], 2),
		keyframe: make(chan struct{}, 1),
		limiter:  rate.NewLimiter(rate.Every(keyframeRequestInterval), 1),
	}
	p.outputs[id] = rt
	p.mu.Unlock()

	p.graph.UpdateScene(render.Scene{OutputID: id, Resolution: opts.Resolution})

	videoCadence := opts.Cadence
	if opts.NeverDropFrames {
		videoCadence.MaxWait = 0
	}
	rt.videoIn = p.queue.RegisterVideoOutput(id, videoCadence, opts.VideoEndCond)
	rt.audioIn = p.queue.RegisterAudioOutput(id, opts.Cadence.FrameDuration, opts.AudioEndCond)

	p.wg.Add(2)
	go p.renderLoop(rt)
	go p.mixLoop(rt)

	p.logger.Info("output registered", "output_id", id, "kind", opts.Kind.String())
	return OutputSinks{Video: rt.videoOut, Audio: rt.audioOut, KeyframeRequests: rt.keyframe}, nil
}

func (p *Pipeline) renderLoop(rt *outputRuntime) {
	defer p.wg.Done()
	defer close(rt.videoOut)

	for tick := range rt.videoIn {
		if allEOS(tick.Frames) && len(tick.Frames) > 0 {
			rt.videoOut <- frame.NewEOS[frame.Frame]()
			continue
		}
		f, ok := p.graph.RenderOutput(rt.id, tick.PTS, tick.Frames)
		if !ok {
			continue
		}
		select {
		case rt.videoOut <- frame.NewData(f):
		case <-p.closeCh:
			return
		}
	}
	p.outputLoopDone(rt)
}

func (p *Pipeline) mixLoop(rt *outputRuntime) {
	defer p.wg.Done()
	defer close(rt.audioOut)

	for tick := range rt.audioIn {
		batch := rt.mixer.Mix(tick.PTSStart, tick.PTSEnd, tick.Batches)
		select {
		case rt.audioOut <- frame.NewData(batch):
		case <-p.closeCh:
			return
		}
	}
	p.outputLoopDone(rt)
}

// outputLoopDone records that one of rt's two tick loops (render, mix) has
// exited because its Queue tick channel closed: the output's EndCondition
// fired, the output was unregistered, or the Queue was closed while the
// loop was waiting for a tick (a loop blocked on sending to its sink at
// shutdown returns without calling it). Once both have checked in, rt is marked terminal
// (invariant 5: UpdateOutput after this point is dropped, not applied) and
// its scene is reaped from the render graph; rt itself stays in
// p.outputs so UpdateOutput can still recognize and warn about it instead
// of reporting "unknown output id".
func (p *Pipeline) outputLoopDone(rt *outputRuntime) {
	p.mu.Lock()
	rt.doneLoops++
	done := rt.doneLoops >= 2 && !rt.terminal
	if done {
		rt.terminal = true
	}
	p.mu.Unlock()

	if !done {
		return
	}
	p.graph.UnregisterOutput(rt.id)
	p.logger.Info("output reached terminal EOS", "output_id", rt.id)
	p.emit(Event{Kind: EventOutputDone, OutputID: rt.id})
}

func allEOS[T any](m map[queue.InputID]frame.PipelineEvent[T]) bool {
	for _, ev := range m {
		if !ev.IsEOS() {
			return false
		}
	}
	return true
}

// UnregisterOutput stops id's tick loops; its sinks are closed once the
// in-flight tick finishes.
func (p *Pipeline) UnregisterOutput(id queue.OutputID, at *pts.PTS) {
	if at != nil {
		p.clock.ScheduleEvent(*at, func() { p.unregisterOutputNow(id) })
		return
	}
	p.unregisterOutputNow(id)
}

func (p *Pipeline) unregisterOutputNow(id queue.OutputID) {
	p.mu.Lock()
	delete(p.outputs, id)
	p.mu.Unlock()

	p.queue.UnregisterOutput(id)
	p.graph.UnregisterOutput(id)
	p.logger.Info("output unregistered", "output_id", id)
}

// UpdateOutput rebuilds scene (if non-nil) and/or swaps the mixer
// configuration (if audioMix is non-nil) for an already-registered output.
// Both take effect atomically per their owning component's own swap
// mechanism (render.Graph.UpdateScene / mixer.Mixer.SetConfig) — never
// mid-tick.
func (p *Pipeline) UpdateOutput(id queue.OutputID, scene *render.Scene, audioMix *mixer.Config) error {
	p.mu.Lock()
	rt, ok := p.outputs[id]
	terminal := ok && rt.terminal
	p.mu.Unlock()
	if !ok {
		return &RegistrationError{Op: "update_output", ID: string(id), Reason: "unknown output id"}
	}
	if terminal {
		p.logger.Warn("update_output on output past terminal EOS, dropping", "output_id", id)
		return nil
	}

	if scene != nil {
		scene.OutputID = id
		p.graph.UpdateScene(*scene)
	}
	if audioMix != nil {
		rt.mixer.SetConfig(*audioMix)
	}
	return nil
}

// RegisterRenderer installs a named shader/web-renderer/image transform,
// referenceable from any output's scene.
func (p *Pipeline) RegisterRenderer(id string, spec render.RendererSpec) {
	p.graph.RegisterRenderer(id, spec)
}

// UnregisterRenderer removes a named transform.
func (p *Pipeline) UnregisterRenderer(id string) {
	p.graph.UnregisterRenderer(id)
}

// RegisterFont adds a font source usable by text nodes in any scene.
func (p *Pipeline) RegisterFont(id string, source []byte) {
	p.graph.RegisterFont(id, source)
}

// DownloadTexture reads back a rendered output frame's texture as bytes,
// for a transport adapter to encode and send. The render graph's output
// frames carry an opaque texture handle (see internal/render); only the
// Pipeline, which owns the GPUContext, can resolve one to bytes.
func (p *Pipeline) DownloadTexture(tex frame.TextureHandle) []byte {
	return p.gpu.Download(tex)
}

// RequestKeyframe asks the encoder feeding id to produce a keyframe, rate
// limited per output so a flapping control-plane caller can't flood it.
func (p *Pipeline) RequestKeyframe(id queue.OutputID) error {
	p.mu.Lock()
	rt, ok := p.outputs[id]
	p.mu.Unlock()
	if !ok {
		return &RegistrationError{Op: "request_keyframe", ID: string(id), Reason: "unknown output id"}
	}
	if !rt.limiter.Allow() {
		return nil
	}
	select {
	case rt.keyframe <- struct{}{}:
	default:
	}
	return nil
}

// Close sets the cooperative should_close signal, stops the Queue and
// Clock, and waits for every renderer/mixer goroutine to exit.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.closeCh)
	p.queue.Close()
	p.clock.Close()
	p.wg.Wait()
	close(p.events)
}
