package logger_test

import (
	"fmt"
	"os"

	"github.com/ethanfield/compositor-core/pkg/logger"
)

// Example showing basic logger usage.
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("pipeline started", "inputs", 2, "outputs", 1)
	log.Warn("input stalled past fallback timeout", "input_id", "cam2")
	log.Error("failed to register output", "error", "duplicate output id")
}

// Example showing debug category usage.
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugResampler)
	cfg.EnableCategory(logger.DebugMixer)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.DebugResampler("drift correction branch selected", "branch", "stretch", "skew_ms", 420)
	log.DebugMixer("tick mixed", "active_inputs", 2, "strategy", "sum_scale")
}

// Example showing command-line flags integration.
func ExampleFlags() {
	// In main.go:
	// fs := flag.NewFlagSet("compositor", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/compositor/main.go for complete example")
}

// Example showing JSON format output.
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "pipeline.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("pipeline.json")

	log.Info("output registered",
		"output_id", "out1",
		"resolution", "1920x1080",
		"cadence_ms", 33)
}

// Example showing conditional debug logging.
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugQueue)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Only logs if DebugQueue is enabled; zero cost otherwise.
	log.DebugQueue("video input queue full, blocking producer", "input_id", "cam1", "queue_depth", 16)
}
