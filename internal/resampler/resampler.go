// Package resampler implements the per-input drift-correcting audio
// resampler: it absorbs whatever cadence and sample rate an input decoder
// delivers batches at and produces, on demand, exactly the samples a
// requested output PTS range needs — stretching, squashing, or dropping
// input to correct for clock drift between the input and the pipeline's
// output clock.
package resampler

import (
	"math"
	"time"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/pts"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

const (
	// continuityThreshold bounds how far a new batch's start PTS may drift
	// from the buffer's trailing edge before it is treated as a gap (filled
	// with silence) or a full overlap (dropped).
	continuityThreshold = 80 * time.Millisecond
	// shiftThreshold is the drift below which no stretch/squash correction
	// is applied at all.
	shiftThreshold = 2 * time.Millisecond
	// stretchThreshold is the drift beyond which the buffer is considered
	// too far behind or ahead to correct by stretching alone; input is
	// either zero-filled (behind) or dropped (ahead) instead.
	stretchThreshold = 400 * time.Millisecond

	samplesPerBatch = 256
)

// Resampler owns one input's entire audio path: the raw pre-resample
// buffer, the resampling core, and the ready-to-read output buffer.
type Resampler struct {
	logger *logger.Logger

	inputSampleRate  uint32
	outputSampleRate uint32
	channels         frame.Channels

	resamplerInput  *segmentedBuffer
	resamplerOutput *outputAccumulator
	output          *segmentedBuffer

	core                *sincCore
	originalRatio       float64
	originalOutputDelay pts.PTS

	inputBufferEndPTS   pts.PTS
	beforeFirstResample bool
	eos                 bool
}

// New creates a resampler for one input. firstBatchPTS seeds
// inputBufferEndPTS so the very first write_batch call is judged for
// gap/overlap against a sensible baseline instead of zero.
func New(inputSampleRate, outputSampleRate uint32, channels frame.Channels, firstBatchPTS pts.PTS, log *logger.Logger) *Resampler {
	params := chooseInterpolationParams(inputSampleRate, outputSampleRate)
	ratio := float64(outputSampleRate) / float64(inputSampleRate)
	core := newSincCore(params, ratio, samplesPerBatch)

	outputDelayFrames := core.outputDelayFrames()
	originalOutputDelay := time.Duration(float64(outputDelayFrames) / float64(inputSampleRate) * float64(time.Second))

	resamplerOutput := newOutputAccumulator(channels, samplesPerBatch)
	resamplerOutput.samplesToDrop = outputDelayFrames

	return &Resampler{
		logger:              log.With("component", "resampler"),
		inputSampleRate:     inputSampleRate,
		outputSampleRate:    outputSampleRate,
		channels:            channels,
		resamplerInput:      newSegmentedBuffer(channels),
		resamplerOutput:     resamplerOutput,
		output:              newSegmentedBuffer(channels),
		core:                core,
		originalRatio:       ratio,
		originalOutputDelay: originalOutputDelay,
		inputBufferEndPTS:   firstBatchPTS,
		beforeFirstResample: true,
	}
}

func (r *Resampler) inputBufferStartPTS() pts.PTS {
	bufDuration := time.Duration(float64(r.resamplerInput.Frames()) / float64(r.inputSampleRate) * float64(time.Second))
	if bufDuration > r.inputBufferEndPTS {
		return 0
	}
	return r.inputBufferEndPTS - bufDuration
}

func (r *Resampler) setResampleRatioRelative(rel float64) {
	if rel < 1/1.1 {
		rel = 1 / 1.1
	}
	if rel > 1.1 {
		rel = 1.1
	}
	desired := r.originalRatio * rel
	current := r.core.ratio
	shouldUpdate := (current == r.originalRatio && desired != r.originalRatio) || math.Abs(desired-current) > 0.01*r.originalRatio
	if shouldUpdate {
		r.core.setRatio(desired)
	}
}

// WriteBatch appends a decoded batch to the raw input buffer, filling any
// gap since the last batch with silence, or dropping it outright if it
// fully overlaps what is already buffered. Batches written after MarkEOS
// are ignored.
func (r *Resampler) WriteBatch(batch frame.AudioBatch) {
	if r.eos {
		return
	}
	if batch.PTSStart > r.inputBufferEndPTS+continuityThreshold {
		gap := batch.PTSStart - r.inputBufferEndPTS
		zeroSamples := int(gap.Seconds() * float64(r.inputSampleRate))
		r.logger.DebugResampler("filling input gap with silence", "zero_samples", zeroSamples)
		r.resamplerInput.PushBack(frame.NewSilence(r.channels, zeroSamples))
	}
	if batch.PTSStart+continuityThreshold < r.inputBufferEndPTS {
		r.logger.DebugResampler("dropping overlapping batch")
		return
	}
	r.inputBufferEndPTS = batch.PTSEnd
	r.resamplerInput.PushBack(batch.Samples)
}

// MarkEOS records that no further batches will arrive for this input. The
// resampler keeps serving whatever is already buffered, then silence.
func (r *Resampler) MarkEOS() { r.eos = true }

// GetSamples returns exactly the samples covering [start, end) at the
// output sample rate, running the drift-correction state machine as many
// times as needed to accumulate enough output.
func (r *Resampler) GetSamples(start, end pts.PTS) frame.AudioBatch {
	if zero, ok := r.maybePrepareBeforeResample(start, end); ok {
		return frame.AudioBatch{PTSStart: start, PTSEnd: end, SampleRate: r.outputSampleRate, Samples: zero}
	}

	batchSize := int(math.Round((end - start).Seconds() * float64(r.outputSampleRate)))

	for r.output.Frames() < batchSize {
		requestedStartPTS := start + time.Duration(float64(r.output.Frames())/float64(r.outputSampleRate)*float64(time.Second))
		inputStartPTS := r.inputBufferStartPTS() - r.originalOutputDelay

		switch {
		case inputStartPTS > requestedStartPTS+stretchThreshold:
			gap := inputStartPTS - requestedStartPTS
			zeroSamples := int(gap.Seconds() * float64(r.inputSampleRate))
			r.resamplerInput.PushFront(frame.NewSilence(r.channels, zeroSamples))
			r.setResampleRatioRelative(1.0)
			r.logger.DebugResampler("input buffer behind, writing zero samples", "zero_samples", zeroSamples)

		case inputStartPTS > requestedStartPTS+shiftThreshold:
			drift := inputStartPTS - requestedStartPTS
			ratio := drift.Seconds() / stretchThreshold.Seconds()
			r.setResampleRatioRelative(1.0 + 0.1*ratio)
			r.logger.DebugResampler("input buffer behind, stretching", "ratio", ratio)

		case inputStartPTS+shiftThreshold > requestedStartPTS:
			r.setResampleRatioRelative(1.0)

		case inputStartPTS+stretchThreshold > requestedStartPTS:
			drift := requestedStartPTS - inputStartPTS
			ratio := drift.Seconds() / stretchThreshold.Seconds()
			r.setResampleRatioRelative(1.0 - 0.1*ratio)
			r.logger.DebugResampler("input buffer ahead, squashing", "ratio", ratio)

		default:
			toDrop := requestedStartPTS - inputStartPTS
			samplesToDrop := int(toDrop.Seconds() * float64(r.inputSampleRate))
			r.resamplerInput.DrainSamples(samplesToDrop)
			r.setResampleRatioRelative(1.0)
			r.logger.DebugResampler("input buffer ahead, dropping samples", "samples_to_drop", samplesToDrop)
		}

		r.resample()
	}

	return frame.AudioBatch{PTSStart: start, PTSEnd: end, SampleRate: r.outputSampleRate, Samples: r.output.ReadChunk(batchSize)}
}

// maybePrepareBeforeResample handles the period before the very first
// resample call: while the whole requested range lies before any buffered
// input, it returns silence directly; otherwise it aligns the input buffer
// to the requested start (padding or draining) and lets the caller proceed
// to the normal state machine.
func (r *Resampler) maybePrepareBeforeResample(start, end pts.PTS) (frame.AudioSamples, bool) {
	if !r.beforeFirstResample {
		return frame.AudioSamples{}, false
	}

	inputBufferStartPTS := r.inputBufferStartPTS()

	if end < inputBufferStartPTS {
		duration := end - start
		if duration < 0 {
			duration = 0
		}
		zeroSamples := int(duration.Seconds() * float64(r.outputSampleRate))
		return frame.NewSilence(r.channels, zeroSamples), true
	}

	switch {
	case start < inputBufferStartPTS && inputBufferStartPTS < end:
		duration := inputBufferStartPTS - start
		samples := int(duration.Seconds() * float64(r.inputSampleRate))
		r.logger.DebugResampler("adding zero samples before first resample", "samples", samples)
		r.resamplerInput.PushFront(frame.NewSilence(r.channels, samples))
	case start > inputBufferStartPTS:
		duration := start - inputBufferStartPTS
		samples := int(duration.Seconds() * float64(r.inputSampleRate))
		r.logger.DebugResampler("draining samples before first resample", "samples", samples)
		r.resamplerInput.DrainSamples(samples)
	}

	return frame.AudioSamples{}, false
}

// resample runs the interpolation core once over whatever is currently
// buffered, handling a short buffer as a partial read, and appends the
// result to the ready-to-read output buffer.
func (r *Resampler) resample() {
	r.beforeFirstResample = false

	available := r.resamplerInput.Frames()
	needed := r.core.inputFramesNext()
	isPartialRead := needed > available

	consumed := r.core.process(r.resamplerInput, available, r.resamplerOutput, r.channels)
	r.resamplerInput.DrainSamples(consumed)

	r.output.PushBack(r.resamplerOutput.take())

	if isPartialRead {
		r.resamplerOutput.samplesToDrop = r.core.outputDelayFrames()
	}
}
