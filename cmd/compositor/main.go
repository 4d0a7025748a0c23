package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/mixer"
	"github.com/ethanfield/compositor-core/internal/pipeline"
	"github.com/ethanfield/compositor-core/internal/queue"
	"github.com/ethanfield/compositor-core/internal/render"
	"github.com/ethanfield/compositor-core/internal/transport/whip"
	"github.com/ethanfield/compositor-core/pkg/config"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("compositor", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	configPath := fs.String("config", "compositor.yaml", "Path to the YAML demo configuration file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Real-time compositor demo binary\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting compositor", "log_config", logFlags.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "config_path", *configPath, "inputs", len(cfg.Inputs), "outputs", len(cfg.Outputs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	p, err := pipeline.New(log, cfg.GPU.DeviceName, cfg.GPU.ForceGPU, cfg.AudioMixingSampleRate, 2*time.Second, blackFallback)
	if err != nil {
		log.Error("failed to construct pipeline", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	var whipServer *whip.Server
	if cfg.WHIP.Addr != "" {
		whipServer = whip.NewServer(p, log.With("component", "whip").Logger)
	}

	publishes := make(map[queue.InputID]whip.PublishOptions)

	for _, in := range cfg.Inputs {
		opts, err := inputOptions(in)
		if err != nil {
			log.Error("invalid input configuration", "input_id", in.ID, "error", err)
			os.Exit(1)
		}

		if in.Publish {
			if whipServer == nil {
				log.Error("input requests WHIP publish but whip.addr is not configured", "input_id", in.ID)
				os.Exit(1)
			}
			// The WHIP server registers this input when a publisher connects.
			publishes[queue.InputID(in.ID)] = whip.PublishOptions{
				Resolution:      frame.Resolution{Width: in.Width, Height: in.Height},
				AudioSampleRate: in.AudioSampleRate,
				AudioChannels:   parseChannels(in.AudioChannels),
				InputOptions:    opts,
			}
			continue
		}

		_, handle, err := p.RegisterInput(queue.InputID(in.ID), opts)
		if err != nil {
			log.Error("failed to register input", "input_id", in.ID, "error", err)
			os.Exit(1)
		}
		log.Info("input registered", "input_id", in.ID, "publish", in.Publish)
		log.Info("input has no source adapter wired; feed it via its InputHandle", "input_id", in.ID)
		_ = handle
	}

	for _, out := range cfg.Outputs {
		opts, err := outputOptions(out)
		if err != nil {
			log.Error("invalid output configuration", "output_id", out.ID, "error", err)
			os.Exit(1)
		}

		sinks, err := p.RegisterOutput(queue.OutputID(out.ID), opts)
		if err != nil {
			log.Error("failed to register output", "output_id", out.ID, "error", err)
			os.Exit(1)
		}
		log.Info("output registered", "output_id", out.ID, "width", out.Width, "height", out.Height)

		scene := &render.Scene{
			Root:       defaultScene(cfg.Inputs, opts.Resolution, out.Layout),
			Resolution: opts.Resolution,
		}
		mix := mixerConfig(out, opts)
		if err := p.UpdateOutput(queue.OutputID(out.ID), scene, mix); err != nil {
			log.Error("failed to set initial scene/mix", "output_id", out.ID, "error", err)
			os.Exit(1)
		}

		if out.Serve {
			if whipServer == nil {
				log.Error("output requests WHEP serve but whip.addr is not configured", "output_id", out.ID)
				os.Exit(1)
			}
			whipServer.RegisterOutputSinks(queue.OutputID(out.ID), sinks)
		} else {
			go drainOutput(ctx, log, out.ID, sinks)
		}
	}

	if whipServer != nil {
		if err := whipServer.Start(cfg.WHIP.Addr, publishes); err != nil {
			log.Error("failed to start WHIP/WHEP server", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := whipServer.Stop(stopCtx); err != nil {
				log.Error("failed to stop WHIP/WHEP server", "error", err)
			}
		}()
	}

	p.Start()
	log.Info("pipeline started")

	events := p.SubscribeEvents()
	go func() {
		for ev := range events {
			log.Info("pipeline event", "kind", ev.Kind.String(), "input_id", ev.InputID, "output_id", ev.OutputID, "error", ev.Err)
		}
	}()

	log.Info("ready - press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("shutting down")
}

// blackFallback is the render graph's fallback for an input with no frame
// yet available — a zero-value Frame, matching render.Graph's own demo
// tests.
func blackFallback(queue.InputID) frame.Frame {
	return frame.Frame{}
}

// drainOutput discards an unserved output's ticks so its sinks' bounded
// channels never back up and stall the renderer/mixer loops feeding them.
func drainOutput(ctx context.Context, log *logger.Logger, outputID string, sinks pipeline.OutputSinks) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sinks.Video:
			if !ok {
				return
			}
		case _, ok := <-sinks.Audio:
			if !ok {
				return
			}
		case _, ok := <-sinks.KeyframeRequests:
			if !ok {
				return
			}
			log.DebugPipeline("keyframe requested on unserved output", "output_id", outputID)
		}
	}
}

func inputOptions(in config.InputConfig) (pipeline.InputOptions, error) {
	policy, err := parseOverflowPolicy(in.OverflowPolicy)
	if err != nil {
		return pipeline.InputOptions{}, err
	}

	queueDepth := in.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 8
	}

	kind := pipeline.TransportRaw
	if in.Publish {
		kind = pipeline.TransportWHIP
	}

	return pipeline.InputOptions{
		Kind:            kind,
		Offset:          time.Duration(in.PTSOffsetMS) * time.Millisecond,
		QueueDepth:      queueDepth,
		OverflowPolicy:  policy,
		FallbackAfter:   in.FallbackAfter,
		AudioSampleRate: in.AudioSampleRate,
		AudioChannels:   parseChannels(in.AudioChannels),
	}, nil
}

func outputOptions(out config.OutputConfig) (pipeline.OutputOptions, error) {
	strategy, err := parseMixerStrategy(out.MixerStrategy)
	if err != nil {
		return pipeline.OutputOptions{}, err
	}

	frameRate := out.FrameRate
	if frameRate <= 0 {
		frameRate = 30
	}

	endCond, err := parseEndCondition(out.EndCondition, out.EndConditionRefs)
	if err != nil {
		return pipeline.OutputOptions{}, err
	}

	kind := pipeline.TransportRaw
	if out.Serve {
		kind = pipeline.TransportWHEP
	}

	return pipeline.OutputOptions{
		Kind:       kind,
		Resolution: frame.Resolution{Width: out.Width, Height: out.Height},
		Cadence: queue.Cadence{
			FrameDuration: time.Second / time.Duration(frameRate),
			MaxWait:       out.MaxWait,
			RealTime:      out.RealTime,
		},
		SampleRate:      out.SampleRate,
		MixerStrategy:   strategy,
		MixerChannels:   frame.Stereo,
		VideoEndCond:    endCond,
		AudioEndCond:    endCond,
		NeverDropFrames: out.NeverDropFrames,
	}, nil
}

func mixerConfig(out config.OutputConfig, opts pipeline.OutputOptions) *mixer.Config {
	mapping := make(map[queue.InputID]mixer.InputMapping, len(out.MixerGains))
	for id, gain := range out.MixerGains {
		mapping[queue.InputID(id)] = mixer.InputMapping{Gain: gain, Channels: frame.Stereo}
	}
	return &mixer.Config{
		Mapping:    mapping,
		Channels:   opts.MixerChannels,
		Strategy:   opts.MixerStrategy,
		SampleRate: opts.SampleRate,
	}
}

// defaultScene builds the demo's initial render graph: a single
// full-frame NodeInput if there's exactly one configured input, otherwise
// a NodeTiles arrangement of every input in declaration order. Real
// deployments replace this with their own scene via UpdateOutput; this is
// just enough to make the demo binary produce a non-black frame out of
// the box.
func defaultScene(inputs []config.InputConfig, res frame.Resolution, layout string) *render.Node {
	if len(inputs) == 0 {
		return nil
	}
	if layout == "single" || len(inputs) == 1 {
		return &render.Node{Kind: render.NodeInput, Resolution: res, InputID: queue.InputID(inputs[0].ID)}
	}

	children := make([]*render.Node, 0, len(inputs))
	for _, in := range inputs {
		children = append(children, &render.Node{Kind: render.NodeInput, Resolution: res, InputID: queue.InputID(in.ID)})
	}
	return &render.Node{Kind: render.NodeTiles, Resolution: res, Children: children}
}

func parseOverflowPolicy(s string) (queue.OverflowPolicy, error) {
	switch s {
	case "", "block":
		return queue.BlockOnFull, nil
	case "drop":
		return queue.DropOnFull, nil
	default:
		return 0, fmt.Errorf("invalid overflow_policy %q", s)
	}
}

func parseMixerStrategy(s string) (mixer.SaturationStrategy, error) {
	switch s {
	case "", "sum_clip":
		return mixer.SumClip, nil
	case "sum_scale":
		return mixer.SumScale, nil
	default:
		return 0, fmt.Errorf("invalid mixer_strategy %q", s)
	}
}

func parseChannels(s string) frame.Channels {
	if s == "mono" {
		return frame.Mono
	}
	return frame.Stereo
}

func parseEndCondition(kind string, refs []string) (queue.EndCondition, error) {
	ids := make(map[queue.InputID]struct{}, len(refs))
	for _, ref := range refs {
		ids[queue.InputID(ref)] = struct{}{}
	}

	switch kind {
	case "", "never":
		return queue.EndCondition{Kind: queue.Never}, nil
	case "any_of":
		return queue.EndCondition{Kind: queue.AnyOf, Inputs: ids}, nil
	case "all_of":
		return queue.EndCondition{Kind: queue.AllOf, Inputs: ids}, nil
	case "any_input":
		return queue.EndCondition{Kind: queue.AnyInput}, nil
	case "all_inputs":
		return queue.EndCondition{Kind: queue.AllInputs}, nil
	default:
		return queue.EndCondition{}, fmt.Errorf("invalid end_condition %q", kind)
	}
}
