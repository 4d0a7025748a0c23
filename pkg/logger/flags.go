package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags.
type Flags struct {
	LogLevel        string
	LogFormat       string
	LogFile         string
	DebugQueue      bool
	DebugResampler  bool
	DebugMixer      bool
	DebugRender     bool
	DebugRTPSync    bool
	DebugPipeline   bool
	DebugAll        bool
}

// RegisterFlags registers logging flags with fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info", "Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text", "Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "", "Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "", "Log output file path (shorthand)")

	fs.BoolVar(&f.DebugQueue, "debug-queue", false, "Enable per-input queue backpressure/overflow debugging")
	fs.BoolVar(&f.DebugResampler, "debug-resampler", false, "Enable resampler drift-correction branch debugging")
	fs.BoolVar(&f.DebugMixer, "debug-mixer", false, "Enable per-tick mixer debugging (active count, saturation)")
	fs.BoolVar(&f.DebugRender, "debug-render", false, "Enable render graph tick debugging")
	fs.BoolVar(&f.DebugRTPSync, "debug-rtpsync", false, "Enable RTCP sender-report anchoring debugging")
	fs.BoolVar(&f.DebugPipeline, "debug-pipeline", false, "Enable pipeline registration/lifecycle debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		for _, enabled := range []struct {
			on  bool
			cat DebugCategory
		}{
			{f.DebugQueue, DebugQueue},
			{f.DebugResampler, DebugResampler},
			{f.DebugMixer, DebugMixer},
			{f.DebugRender, DebugRender},
			{f.DebugRTPSync, DebugRTPSync},
			{f.DebugPipeline, DebugPipeline},
		} {
			if enabled.on {
				cfg.EnableCategory(enabled.cat)
				cfg.Level = LevelDebug
			}
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags.
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./compositor

  Enable DEBUG level:
    ./compositor --log-level debug

  Log to file:
    ./compositor --log-file compositor.log

  JSON format for structured logging:
    ./compositor --log-format json -o compositor.json

  Debug the resampler only:
    ./compositor --debug-resampler

  Debug everything:
    ./compositor --debug-all -o debug.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags.
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var categories []string
	if f.DebugAll {
		categories = append(categories, "all")
	} else {
		if f.DebugQueue {
			categories = append(categories, "queue")
		}
		if f.DebugResampler {
			categories = append(categories, "resampler")
		}
		if f.DebugMixer {
			categories = append(categories, "mixer")
		}
		if f.DebugRender {
			categories = append(categories, "render")
		}
		if f.DebugRTPSync {
			categories = append(categories, "rtpsync")
		}
		if f.DebugPipeline {
			categories = append(categories, "pipeline")
		}
	}

	if len(categories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(categories, ",")))
	}

	return strings.Join(parts, " ")
}
