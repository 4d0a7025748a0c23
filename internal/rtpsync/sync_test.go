package rtpsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// precRuntime bounds the error introduced by sleep precision and scheduling
// jitter in these wall-clock-driven tests.
const precRuntime = 5 * time.Millisecond

const pow232 = uint64(1) << 32

// referenceNTPTime represents an arbitrary but fixed NTP instant.
const referenceNTPTime = 3966409461 * pow232

func assertDurationEq(t *testing.T, got, want, prec time.Duration) {
	t.Helper()
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqualf(t, diff, prec, "got %v want %v (±%v)", got, want, prec)
}

func TestPTSFromZero(t *testing.T) {
	syncPoint := NewSyncPoint(time.Now())
	stream1 := New(syncPoint, 1000, nil)
	stream2 := New(syncPoint, 1000, nil)

	stream1First := stream1.PTSFromTimestamp(0)
	time.Sleep(100 * time.Millisecond)
	stream2First := stream2.PTSFromTimestamp(0)

	assertDurationEq(t, stream1First, 0, precRuntime)
	assertDurationEq(t, stream2First, 100*time.Millisecond, precRuntime)

	stream1Second := stream1.PTSFromTimestamp(1000)
	stream2Second := stream2.PTSFromTimestamp(1000)

	assert.Equal(t, stream1First+time.Second, stream1Second)
	assert.Equal(t, stream2First+time.Second, stream2Second)

	assert.False(t, syncPoint.Resolved())
	stream1.OnSenderReport(referenceNTPTime, 0)
	assert.True(t, syncPoint.Resolved())
	ntpAnchor, _, _ := syncPoint.anchor()

	stream2.OnSenderReport(referenceNTPTime, 0)
	anchorAfter, _, _ := syncPoint.anchor()
	assert.Equal(t, ntpAnchor, anchorAfter, "first SR must not be overwritten")

	stream1SecondOld := stream1Second
	stream2SecondOld := stream2Second
	stream1Second = stream1.PTSFromTimestamp(1000)
	stream2Second = stream2.PTSFromTimestamp(1000)

	assert.Equal(t, stream1SecondOld, stream1Second, "resolving the session must not move stream1's pts")
	assert.Equal(t, stream1Second, stream2Second, "both streams must agree once synced")
	assertDurationEq(t, stream2Second+100*time.Millisecond, stream2SecondOld, precRuntime)
}

func TestPTSFromNonZero(t *testing.T) {
	syncPoint := NewSyncPoint(time.Now())
	stream1 := New(syncPoint, 1000, nil)
	stream2 := New(syncPoint, 1000, nil)

	stream1First := stream1.PTSFromTimestamp(60_000)
	time.Sleep(100 * time.Millisecond)
	stream2First := stream2.PTSFromTimestamp(90_000)

	assertDurationEq(t, stream1First, 0, precRuntime)
	assertDurationEq(t, stream2First, 100*time.Millisecond, precRuntime)

	stream1Second := stream1.PTSFromTimestamp(61_000)
	stream2Second := stream2.PTSFromTimestamp(91_000)

	assert.Equal(t, stream1First+time.Second, stream1Second)
	assert.Equal(t, stream2First+time.Second, stream2Second)

	assert.False(t, syncPoint.Resolved())
	stream1.OnSenderReport(referenceNTPTime, 0)
	ntpAnchor, _, _ := syncPoint.anchor()

	// stream2's own clock starts 30s ahead of stream1's relative to the
	// same NTP instant.
	stream2.OnSenderReport(referenceNTPTime, 30_000)
	anchorAfter, _, _ := syncPoint.anchor()
	assert.Equal(t, ntpAnchor, anchorAfter)

	stream1SecondOld := stream1Second
	stream2SecondOld := stream2Second
	stream1Second = stream1.PTSFromTimestamp(61_000)
	stream2Second = stream2.PTSFromTimestamp(91_000)

	assert.Equal(t, stream1SecondOld, stream1Second)
	assert.Equal(t, stream1Second, stream2Second)
	assertDurationEq(t, stream2Second+100*time.Millisecond, stream2SecondOld, precRuntime)
}

func TestPTSFromNonZeroDifferentClockRates(t *testing.T) {
	syncPoint := NewSyncPoint(time.Now())
	stream1 := New(syncPoint, 1000, nil)
	stream2 := New(syncPoint, 3000, nil)

	stream1First := stream1.PTSFromTimestamp(60_000)
	time.Sleep(100 * time.Millisecond)
	stream2First := stream2.PTSFromTimestamp(90_000 * 3)

	assertDurationEq(t, stream1First, 0, precRuntime)
	assertDurationEq(t, stream2First, 100*time.Millisecond, precRuntime)

	stream1Second := stream1.PTSFromTimestamp(61_000)
	stream2Second := stream2.PTSFromTimestamp(91_000 * 3)

	assert.Equal(t, stream1First+time.Second, stream1Second)
	assert.Equal(t, stream2First+time.Second, stream2Second)

	stream1.OnSenderReport(referenceNTPTime, 60_000)
	stream2.OnSenderReport(referenceNTPTime, 90_000*3)

	stream1Second = stream1.PTSFromTimestamp(61_000)
	stream2Second = stream2.PTSFromTimestamp(91_000 * 3)
	assertDurationEq(t, stream1Second, stream2Second, precRuntime)
}

func TestWrapAroundProducesNoSpuriousJump(t *testing.T) {
	syncPoint := NewSyncPoint(time.Now())
	const clockRate = 90_000
	stream := New(syncPoint, clockRate, nil)

	start := uint32(1<<32 - 5000)
	first := stream.PTSFromTimestamp(start)

	// Advance in small steps across the wrap boundary; PTS must stay
	// strictly increasing with no ~2^32/clockRate jump at the wrap.
	prev := first
	ts := start
	for i := 0; i < 20; i++ {
		ts += 1000 // wraps partway through this loop
		got := stream.PTSFromTimestamp(ts)
		assert.Greaterf(t, got, prev, "pts must be strictly increasing across wrap at step %d", i)
		assert.Lessf(t, got-prev, 50*time.Millisecond, "unexpected jump at step %d", i)
		prev = got
	}
}

func TestWrapSignedDelta(t *testing.T) {
	assert.Equal(t, int64(1000), wrapSignedDelta(2000, 1000))
	assert.Equal(t, int64(-1000), wrapSignedDelta(1000, 2000))

	// Wrap forward: a just past zero, b just before the wrap.
	a := uint32(500)
	b := uint32(1<<32 - 500)
	assert.Equal(t, int64(1000), wrapSignedDelta(a, b))

	// Wrap backward: same pair, reversed.
	assert.Equal(t, int64(-1000), wrapSignedDelta(b, a))
}

func TestMalformedSenderReportIsIgnored(t *testing.T) {
	syncPoint := NewSyncPoint(time.Now())
	stream := New(syncPoint, 1000, nil)

	_ = stream.PTSFromTimestamp(0)
	stream.OnSenderReport(0, 0) // ntp time of zero is malformed

	assert.False(t, syncPoint.Resolved())

	// The stream keeps extrapolating from its prior mapping.
	got := stream.PTSFromTimestamp(1000)
	assertDurationEq(t, got, time.Second, precRuntime)
}
