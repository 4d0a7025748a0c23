// Package mixer implements the per-output audio mixer: it sums each
// registered input's resampled, channel-converted samples with a
// configurable per-input gain and saturates the result, once per tick.
package mixer

import (
	"sync"
	"sync/atomic"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/pts"
	"github.com/ethanfield/compositor-core/internal/queue"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

// SaturationStrategy picks how the weighted sum of inputs is brought back
// into the valid sample range.
type SaturationStrategy int

const (
	// SumClip sums then clips to [-1, 1]. The default, matching the
	// majority of paths in the original design.
	SumClip SaturationStrategy = iota
	// SumScale divides by the number of active inputs instead of clipping.
	SumScale
)

// InputMapping is one input's contribution to an output's mix.
type InputMapping struct {
	Gain     float64 // clamped to [0, 2]
	Channels frame.Channels
}

// Config is an output's mixer configuration. Updates are swapped in
// atomically at the next tick boundary — never applied mid-tick.
type Config struct {
	Mapping    map[queue.InputID]InputMapping
	Channels   frame.Channels
	Strategy   SaturationStrategy
	SampleRate uint32
}

func cloneConfig(c Config) Config {
	m := make(map[queue.InputID]InputMapping, len(c.Mapping))
	for k, v := range c.Mapping {
		m[k] = v
	}
	c.Mapping = m
	return c
}

// Mixer holds one output's current mixing configuration and produces one
// mixed AudioBatch per tick from the per-input batches the Queue hands it.
type Mixer struct {
	logger *logger.Logger

	// lastActiveCount is the active-input count of the previous tick,
	// used to resolve the open question of how SumScale should behave
	// when the active count changes mid-tick: this mixer scales by
	// max(lastActiveCount, currentActiveCount) for the tick in which the
	// count changes, so a newly-silent or newly-joining input can never
	// make existing inputs louder or quieter by more than the change it
	// itself represents. See DESIGN.md for the full rationale.
	lastActiveCount atomic.Int64

	cfg atomic.Pointer[Config]
	mu  sync.Mutex // serializes SetConfig against itself only
}

// New creates a Mixer with an initial configuration.
func New(cfg Config, log *logger.Logger) *Mixer {
	m := &Mixer{logger: log.With("component", "mixer")}
	c := cloneConfig(cfg)
	m.cfg.Store(&c)
	return m
}

// SetConfig replaces the mixer's configuration. The new configuration
// takes effect starting with the next call to Mix — never mid-tick,
// because Mix reads the config pointer once per call via an atomic load.
func (m *Mixer) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneConfig(cfg)
	m.cfg.Store(&c)
}

// Mix combines this tick's per-input batches (as produced by
// queue.AudioTick) into one output AudioBatch covering [start, end).
func (m *Mixer) Mix(start, end pts.PTS, inputs map[queue.InputID]frame.PipelineEvent[frame.AudioBatch]) frame.AudioBatch {
	cfg := *m.cfg.Load()

	n := pts.SamplesForRange(start, end, cfg.SampleRate)
	sum := make([]float64, n*channelWidth(cfg.Channels))

	active := 0
	for id, mapping := range cfg.Mapping {
		ev, ok := inputs[id]
		if !ok || ev.IsEOS() {
			continue
		}
		active++
		gain := clampGain(mapping.Gain)
		converted := convertChannels(ev.Data.Samples, mapping.Channels, cfg.Channels)
		accumulate(sum, converted, gain, cfg.Channels)
	}

	prevActive := int(m.lastActiveCount.Swap(int64(active)))
	scaleBy := active
	if cfg.Strategy == SumScale && prevActive > scaleBy {
		scaleBy = prevActive
	}

	samples := saturate(sum, cfg.Strategy, scaleBy, cfg.Channels, n)
	m.logger.DebugMixer("tick mixed", "active_inputs", active, "scaled_by", scaleBy)
	return frame.AudioBatch{PTSStart: start, PTSEnd: end, SampleRate: cfg.SampleRate, Samples: samples}
}

func clampGain(g float64) float64 {
	if g < 0 {
		return 0
	}
	if g > 2 {
		return 2
	}
	return g
}

func channelWidth(c frame.Channels) int {
	if c == frame.Stereo {
		return 2
	}
	return 1
}

// convertChannels up/down-mixes in to the out layout using the standard
// matrix: mono→stereo duplicates to both channels; stereo→mono averages.
func convertChannels(in frame.AudioSamples, from, to frame.Channels) frame.AudioSamples {
	if in.Channels == to {
		return in
	}
	switch to {
	case frame.Stereo:
		out := make([]frame.StereoSample, len(in.Mono))
		for i, v := range in.Mono {
			out[i] = frame.StereoSample{L: v, R: v}
		}
		return frame.AudioSamples{Channels: frame.Stereo, Stereo: out}
	default:
		out := make([]float64, len(in.Stereo))
		for i, v := range in.Stereo {
			out[i] = (v.L + v.R) / 2
		}
		return frame.AudioSamples{Channels: frame.Mono, Mono: out}
	}
}

// accumulate adds gain*converted into sum, interleaved as [L,R,L,R,...] for
// stereo or flat for mono, tolerating a converted batch shorter than sum
// (treated as silence for the remainder).
func accumulate(sum []float64, converted frame.AudioSamples, gain float64, channels frame.Channels) {
	if channels == frame.Stereo {
		for i, v := range converted.Stereo {
			if i*2+1 >= len(sum) {
				break
			}
			sum[i*2] += v.L * gain
			sum[i*2+1] += v.R * gain
		}
		return
	}
	for i, v := range converted.Mono {
		if i >= len(sum) {
			break
		}
		sum[i] += v * gain
	}
}

func saturate(sum []float64, strategy SaturationStrategy, activeCount int, channels frame.Channels, frames int) frame.AudioSamples {
	scale := 1.0
	if strategy == SumScale && activeCount > 1 {
		scale = 1.0 / float64(activeCount)
	}

	if channels == frame.Stereo {
		out := make([]frame.StereoSample, frames)
		for i := 0; i < frames; i++ {
			l := sum[i*2] * scale
			r := sum[i*2+1] * scale
			if strategy == SumClip {
				l, r = clip(l), clip(r)
			}
			out[i] = frame.StereoSample{L: l, R: r}
		}
		return frame.AudioSamples{Channels: frame.Stereo, Stereo: out}
	}

	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		v := sum[i] * scale
		if strategy == SumClip {
			v = clip(v)
		}
		out[i] = v
	}
	return frame.AudioSamples{Channels: frame.Mono, Mono: out}
}

func clip(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
