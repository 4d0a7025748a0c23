package resampler

import "github.com/ethanfield/compositor-core/internal/frame"

// segment is one batch sitting in a deque-of-batches buffer, together with
// how many of its leading samples have already been consumed.
type segment struct {
	samples frame.AudioSamples
	read    int
}

func (s segment) remaining() int { return s.samples.Len() - s.read }

// segmentedBuffer is a FIFO of audio batches, oldest at the front, mirroring
// the VecDeque<(AudioSamples, usize)> buffers in the ported Rust resampler.
// It supports appending at either end and draining an arbitrary sample
// count from the front without copying unconsumed batches.
type segmentedBuffer struct {
	channels frame.Channels
	segs     []segment
}

func newSegmentedBuffer(channels frame.Channels) *segmentedBuffer {
	return &segmentedBuffer{channels: channels}
}

func (b *segmentedBuffer) Frames() int {
	n := 0
	for _, s := range b.segs {
		n += s.remaining()
	}
	return n
}

func (b *segmentedBuffer) PushBack(batch frame.AudioSamples) {
	if batch.Len() == 0 {
		return
	}
	b.segs = append(b.segs, segment{samples: batch})
}

func (b *segmentedBuffer) PushFront(batch frame.AudioSamples) {
	if batch.Len() == 0 {
		return
	}
	b.segs = append([]segment{{samples: batch}}, b.segs...)
}

// DrainSamples discards the first n samples (across however many leading
// segments that spans).
func (b *segmentedBuffer) DrainSamples(n int) {
	for n > 0 && len(b.segs) > 0 {
		front := &b.segs[0]
		if front.remaining() <= n {
			n -= front.remaining()
			b.segs = b.segs[1:]
			continue
		}
		front.read += n
		n = 0
	}
}

// At returns the sample at logical index i (0 is the oldest unconsumed
// sample), as (left, right); for Mono, left == right.
func (b *segmentedBuffer) At(i int) (float64, float64, bool) {
	for _, s := range b.segs {
		rem := s.remaining()
		if i < rem {
			idx := s.read + i
			if s.samples.Channels == frame.Stereo {
				v := s.samples.Stereo[idx]
				return v.L, v.R, true
			}
			v := s.samples.Mono[idx]
			return v, v, true
		}
		i -= rem
	}
	return 0, 0, false
}

// ReadChunk removes and returns exactly n samples from the front, padding
// with silence if fewer than n are buffered.
func (b *segmentedBuffer) ReadChunk(n int) frame.AudioSamples {
	out := frame.NewSilence(b.channels, 0)
	remaining := n
	for remaining > 0 && len(b.segs) > 0 {
		front := &b.segs[0]
		if front.remaining() <= remaining {
			out = frame.Append(out, front.samples.Slice(front.read, front.samples.Len()))
			remaining -= front.remaining()
			b.segs = b.segs[1:]
			continue
		}
		out = frame.Append(out, front.samples.Slice(front.read, front.read+remaining))
		front.read += remaining
		remaining = 0
	}
	if remaining > 0 {
		out = frame.Append(out, frame.NewSilence(b.channels, remaining))
	}
	return out
}

// outputAccumulator holds resampled frames produced so far, plus a one-shot
// "drop leading N samples" count used to strip the resampling core's
// startup delay from the first batch it produces and from the batch that
// follows each partial read.
type outputAccumulator struct {
	buffer        frame.AudioSamples
	samplesToDrop int
}

func newOutputAccumulator(channels frame.Channels, size int) *outputAccumulator {
	return &outputAccumulator{buffer: frame.NewSilence(channels, size)}
}

// take returns the accumulator's contents, applying and clearing any
// pending drop.
func (o *outputAccumulator) take() frame.AudioSamples {
	if o.samplesToDrop == 0 {
		return o.buffer
	}
	start := o.samplesToDrop
	if start > o.buffer.Len() {
		start = o.buffer.Len()
	}
	o.samplesToDrop = 0
	return o.buffer.Slice(start, o.buffer.Len())
}
