// Package pts defines the presentation-timestamp type shared by every
// component downstream of the Clock. A PTS is a non-negative duration
// measured from the pipeline's queue_sync_point, never a wall-clock value.
package pts

import "time"

// PTS is a presentation timestamp: a duration since the pipeline's anchor.
type PTS = time.Duration

// Zero is the first presentation timestamp a pipeline can emit.
const Zero PTS = 0

// VideoTick returns the PTS of video frame n at the given framerate,
// i.e. tick_n = n / framerate.
func VideoTick(n int64, framerateNum, framerateDen uint32) PTS {
	if framerateNum == 0 {
		return Zero
	}
	// n * den / num seconds, kept in nanosecond precision.
	sec := float64(n) * float64(framerateDen) / float64(framerateNum)
	return time.Duration(sec * float64(time.Second))
}

// AudioTick returns the PTS of audio batch n: tick_n = n * audioBatch / sampleRate.
func AudioTick(n int64, batchSamples int, sampleRate uint32) PTS {
	if sampleRate == 0 {
		return Zero
	}
	sec := float64(n) * float64(batchSamples) / float64(sampleRate)
	return time.Duration(sec * float64(time.Second))
}

// SamplesForRange returns the exact sample count for a half-open
// [start, end) interval at the given sample rate: round((end-start)*rate).
func SamplesForRange(start, end PTS, sampleRate uint32) int {
	if end <= start {
		return 0
	}
	return int((end - start).Seconds()*float64(sampleRate) + 0.5)
}
