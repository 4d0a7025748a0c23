package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/resampler"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

func discardLogger() *logger.Logger {
	return logger.Discard()
}

func TestVideoInputQueuePushAndPeek(t *testing.T) {
	q := NewVideoInputQueue(4, BlockOnFull, 0, discardLogger())

	q.Push(frame.NewData(frame.Frame{PTS: 10 * time.Millisecond}))

	ev, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, ev.Data.PTS)

	// Peek does not consume.
	ev2, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, ev.Data.PTS, ev2.Data.PTS)

	q.Consume()
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestVideoInputQueueAppliesOffset(t *testing.T) {
	q := NewVideoInputQueue(4, BlockOnFull, 5*time.Millisecond, discardLogger())
	q.Push(frame.NewData(frame.Frame{PTS: 10 * time.Millisecond}))

	ev, ok := q.TryNext()
	require.True(t, ok)
	assert.Equal(t, 15*time.Millisecond, ev.Data.PTS)
}

func TestVideoInputQueueDropOnFull(t *testing.T) {
	q := NewVideoInputQueue(1, DropOnFull, 0, discardLogger())
	q.Push(frame.NewData(frame.Frame{PTS: 0}))
	q.Push(frame.NewData(frame.Frame{PTS: 1}))

	_, ok := q.TryNext()
	require.True(t, ok)
	_, ok = q.TryNext()
	assert.False(t, ok, "second push should have been dropped, not queued")
}

func TestAudioInputQueueDrainFeedsResampler(t *testing.T) {
	r := resampler.New(48000, 48000, frame.Mono, 0, discardLogger())
	aq := NewAudioInputQueue(4, BlockOnFull, 0, r, discardLogger())

	n := int(0.1 * 48000)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 1
	}
	aq.Push(frame.NewData(frame.AudioBatch{
		PTSStart: 0, PTSEnd: 100 * time.Millisecond, SampleRate: 48000,
		Samples: frame.AudioSamples{Channels: frame.Mono, Mono: samples},
	}))

	batch := aq.GetSamples(0, 20*time.Millisecond)
	assert.Equal(t, int(0.02*48000), batch.Samples.Len())
}

func TestAudioInputQueueEOS(t *testing.T) {
	r := resampler.New(48000, 48000, frame.Mono, 0, discardLogger())
	aq := NewAudioInputQueue(4, BlockOnFull, 0, r, discardLogger())

	assert.False(t, aq.EOSSeen())
	aq.Push(frame.NewEOS[frame.AudioBatch]())
	aq.Drain()
	assert.True(t, aq.EOSSeen())
}
