package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/mixer"
	"github.com/ethanfield/compositor-core/internal/queue"
	"github.com/ethanfield/compositor-core/internal/render"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

func discardLogger() *logger.Logger { return logger.Discard() }

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(discardLogger(), "test-device", false, 48000, 200*time.Millisecond, func(queue.InputID) frame.Frame { return frame.Frame{} })
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestRegisterInputRejectsDuplicateID(t *testing.T) {
	p := newTestPipeline(t)
	_, _, err := p.RegisterInput("cam1", InputOptions{QueueDepth: 4})
	require.NoError(t, err)

	_, _, err = p.RegisterInput("cam1", InputOptions{QueueDepth: 4})
	require.Error(t, err)
}

func TestRegisterOutputRejectsDuplicateID(t *testing.T) {
	p := newTestPipeline(t)
	_, err := p.RegisterOutput("out1", OutputOptions{
		Resolution: frame.Resolution{Width: 640, Height: 360},
		Cadence:    queue.Cadence{FrameDuration: 40 * time.Millisecond},
	})
	require.NoError(t, err)

	_, err = p.RegisterOutput("out1", OutputOptions{
		Resolution: frame.Resolution{Width: 640, Height: 360},
		Cadence:    queue.Cadence{FrameDuration: 40 * time.Millisecond},
	})
	require.Error(t, err)
}

func TestVideoFrameFlowsFromInputToOutputSink(t *testing.T) {
	p := newTestPipeline(t)

	_, inHandle, err := p.RegisterInput("cam1", InputOptions{QueueDepth: 4})
	require.NoError(t, err)

	sinks, err := p.RegisterOutput("out1", OutputOptions{
		Resolution: frame.Resolution{Width: 640, Height: 360},
		Cadence:    queue.Cadence{FrameDuration: 40 * time.Millisecond},
	})
	require.NoError(t, err)

	require.NoError(t, p.UpdateOutput("out1", &render.Scene{
		Resolution: frame.Resolution{Width: 640, Height: 360},
		Root:       &render.Node{Kind: render.NodeInput, InputID: "cam1"},
	}, nil))

	p.Start()

	inHandle.Video.Push(frame.NewData(frame.Frame{PTS: 0, Resolution: frame.Resolution{Width: 640, Height: 360}}))

	// The tick loop free-runs (no RealTime pacing configured). Every
	// rendered frame carries its scene's resolution (640x360 both for the
	// scene RegisterOutput installs and for the one set above), so this
	// checks that a rendered, non-EOS frame reaches the sink; it does not
	// tell the pushed frame apart from a fallback render.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sinks.Video:
			require.False(t, ev.IsEOS())
			if ev.Data.Resolution == (frame.Resolution{Width: 640, Height: 360}) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for rendered frame carrying the pushed resolution")
		}
	}
}

func TestAudioBatchFlowsThroughMixer(t *testing.T) {
	p := newTestPipeline(t)

	_, inHandle, err := p.RegisterInput("a1", InputOptions{
		QueueDepth:      4,
		AudioSampleRate: 48000,
		AudioChannels:   frame.Mono,
	})
	require.NoError(t, err)
	require.NotNil(t, inHandle.Audio)

	sinks, err := p.RegisterOutput("out1", OutputOptions{
		Cadence:       queue.Cadence{FrameDuration: 20 * time.Millisecond},
		SampleRate:    48000,
		MixerChannels: frame.Mono,
		MixerStrategy: mixer.SumClip,
	})
	require.NoError(t, err)

	require.NoError(t, p.UpdateOutput("out1", nil, &mixer.Config{
		Mapping:    map[queue.InputID]mixer.InputMapping{"a1": {Gain: 1, Channels: frame.Mono}},
		Channels:   frame.Mono,
		Strategy:   mixer.SumClip,
		SampleRate: 48000,
	}))

	p.Start()

	n := int(0.02 * 48000)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.5
	}
	inHandle.Audio.Push(frame.NewData(frame.AudioBatch{
		PTSStart:   0,
		PTSEnd:     20 * time.Millisecond,
		SampleRate: 48000,
		Samples:    frame.AudioSamples{Channels: frame.Mono, Mono: samples},
	}))

	select {
	case ev := <-sinks.Audio:
		require.False(t, ev.IsEOS())
		require.Len(t, ev.Data.Samples.Mono, n)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mixed batch")
	}
}

func TestRequestKeyframeIsRateLimited(t *testing.T) {
	p := newTestPipeline(t)
	sinks, err := p.RegisterOutput("out1", OutputOptions{
		Cadence: queue.Cadence{FrameDuration: 40 * time.Millisecond},
	})
	require.NoError(t, err)

	require.NoError(t, p.RequestKeyframe("out1"))
	select {
	case <-sinks.KeyframeRequests:
	default:
		t.Fatal("expected first keyframe request to be delivered")
	}

	// Immediately requesting again should be rate-limited away.
	require.NoError(t, p.RequestKeyframe("out1"))
	select {
	case <-sinks.KeyframeRequests:
		t.Fatal("second immediate keyframe request should have been rate-limited")
	default:
	}
}

func TestRequestKeyframeUnknownOutputErrors(t *testing.T) {
	p := newTestPipeline(t)
	err := p.RequestKeyframe("nope")
	require.Error(t, err)
}

func TestUnregisterOutputClosesSinks(t *testing.T) {
	p := newTestPipeline(t)
	sinks, err := p.RegisterOutput("out1", OutputOptions{
		Cadence: queue.Cadence{FrameDuration: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	p.Start()

	p.UnregisterOutput("out1", nil)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sinks.Video:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("video sink was never closed")
		}
	}
}
