// Package config loads the YAML-based tunables for the demo compositor
// binary: queue depths, output cadences, mixer settings, and GPU device
// selection. The Pipeline API itself takes typed Go structs
// directly (see internal/pipeline); this package exists only to let
// cmd/compositor be driven from a file instead of hardcoded values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level demo-binary configuration.
type Config struct {
	GPU     GPUConfig     `yaml:"gpu"`
	WHIP    WHIPConfig    `yaml:"whip"`
	Inputs  []InputConfig `yaml:"inputs"`
	Outputs []OutputConfig `yaml:"outputs"`

	// AudioMixingSampleRate is the rate every input's Resampler targets,
	// fixed once for the whole pipeline. Each output's Mixer runs at that
	// output's sample_rate instead. Defaults to 48000 if left unset.
	AudioMixingSampleRate uint32 `yaml:"audio_mixing_sample_rate"`
}

// GPUConfig selects and constrains the GPU context the render graph uses.
type GPUConfig struct {
	DeviceName string `yaml:"device_name"`
	ForceGPU   bool   `yaml:"force_gpu"`
}

// WHIPConfig controls the optional WHIP/WHEP HTTP server that lets
// external encoders publish into an input and external viewers play an
// output. Addr is left empty to run with no transport adapter at all —
// useful when the demo binary is only exercising synthetic inputs.
type WHIPConfig struct {
	Addr string `yaml:"addr"`
}

// InputConfig describes one registered input stream.
type InputConfig struct {
	ID              string        `yaml:"id"`
	SourceURL       string        `yaml:"source_url"`
	Publish         bool          `yaml:"publish"` // true: accept a WHIP publisher; SourceURL is not read either way
	Width           uint32        `yaml:"width"`
	Height          uint32        `yaml:"height"`
	AudioSampleRate uint32        `yaml:"audio_sample_rate"`
	AudioChannels   string        `yaml:"audio_channels"` // "mono" | "stereo"
	PTSOffsetMS     int64         `yaml:"pts_offset_ms"`
	QueueDepth      int           `yaml:"queue_depth"`
	OverflowPolicy  string        `yaml:"overflow_policy"` // "block" | "drop"
	FallbackAfter   time.Duration `yaml:"fallback_after"`
}

// OutputConfig describes one registered output stream.
type OutputConfig struct {
	ID               string             `yaml:"id"`
	Width            uint32             `yaml:"width"`
	Height           uint32             `yaml:"height"`
	FrameRate        int                `yaml:"frame_rate"`
	MaxWait          time.Duration      `yaml:"max_wait"`
	RealTime         bool               `yaml:"real_time"`
	NeverDropFrames  bool               `yaml:"never_drop_output_frames"`
	SampleRate       uint32             `yaml:"sample_rate"`
	MixerStrategy    string             `yaml:"mixer_strategy"` // "sum_clip" | "sum_scale"
	MixerGains       map[string]float64 `yaml:"mixer_gains"`    // input id -> gain; unlisted inputs are not mixed
	EndCondition     string             `yaml:"end_condition"`  // "never" | "any_of" | "all_of" | "any_input" | "all_inputs"
	EndConditionRefs []string           `yaml:"end_condition_inputs"`
	Layout           string             `yaml:"layout"` // "single" | "tiles", default "tiles" for >1 input
	Serve            bool               `yaml:"serve"`  // true: expose over WHEP at /whep/<id>
}

// Load reads and validates a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.AudioMixingSampleRate == 0 {
		cfg.AudioMixingSampleRate = 48000
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-references between inputs,
// outputs, and end-condition references.
func (c *Config) Validate() error {
	if len(c.Outputs) == 0 {
		return fmt.Errorf("config: at least one output is required")
	}

	ids := make(map[string]bool, len(c.Inputs))
	for _, in := range c.Inputs {
		if in.ID == "" {
			return fmt.Errorf("config: input with empty id")
		}
		if ids[in.ID] {
			return fmt.Errorf("config: duplicate input id %q", in.ID)
		}
		ids[in.ID] = true
		if in.OverflowPolicy != "" && in.OverflowPolicy != "block" && in.OverflowPolicy != "drop" {
			return fmt.Errorf("config: input %q has invalid overflow_policy %q", in.ID, in.OverflowPolicy)
		}
	}

	outIDs := make(map[string]bool, len(c.Outputs))
	for _, out := range c.Outputs {
		if out.ID == "" {
			return fmt.Errorf("config: output with empty id")
		}
		if outIDs[out.ID] {
			return fmt.Errorf("config: duplicate output id %q", out.ID)
		}
		outIDs[out.ID] = true
		for _, ref := range out.EndConditionRefs {
			if !ids[ref] {
				return fmt.Errorf("config: output %q end_condition references unknown input %q", out.ID, ref)
			}
		}
	}

	return nil
}
