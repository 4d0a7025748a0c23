// Package rtpsync maps per-stream RTP timestamps (subject to 32-bit
// wrap-around) onto the single monotonic presentation timeline shared by
// every stream of one ingress session, anchored the first time any member
// stream reports an RTCP Sender Report.
package rtpsync

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethanfield/compositor-core/internal/pts"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

// RtpNtpSyncPoint is shared by every stream of one ingress session. It
// remains unresolved (Resolved() == false) until the first RTCP SR arrives
// on any member stream; that first anchor is then fixed for the session's
// lifetime (see the "first SR wins" design note in spec.md §9).
type RtpNtpSyncPoint struct {
	anchorInstant time.Time

	mu           sync.RWMutex
	resolved     bool
	ntpAnchorSec float64  // session_ntp_anchor, in NTP seconds (float64)
	instantOffset pts.PTS // session_anchor_instant_offset
}

// NewSyncPoint creates a session sync point anchored at the given instant,
// normally the pipeline's queue_sync_point.
func NewSyncPoint(anchorInstant time.Time) *RtpNtpSyncPoint {
	return &RtpNtpSyncPoint{anchorInstant: anchorInstant}
}

// Resolved reports whether the session-wide NTP anchor has been set.
func (s *RtpNtpSyncPoint) Resolved() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolved
}

// now returns the PTS of the current instant relative to the anchor.
func (s *RtpNtpSyncPoint) now() pts.PTS {
	return time.Since(s.anchorInstant)
}

// resolve sets the session anchor the first time it is called; later
// calls are no-ops, per the fixed "first SR wins" rule.
func (s *RtpNtpSyncPoint) resolve(ntpAnchorSec float64, instantOffset pts.PTS) (float64, pts.PTS) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resolved {
		s.resolved = true
		s.ntpAnchorSec = ntpAnchorSec
		s.instantOffset = instantOffset
	}
	return s.ntpAnchorSec, s.instantOffset
}

func (s *RtpNtpSyncPoint) anchor() (float64, pts.PTS, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ntpAnchorSec, s.instantOffset, s.resolved
}

// senderReport is the minimal state RtpTimestampSync needs from an RTCP
// Sender Report: the NTP instant and the RTP timestamp it corresponds to.
type senderReport struct {
	ntpSec    float64
	rtpTSInSR uint32
}

// RtpTimestampSync holds one stream's mapping from its own RTP clock to
// the session's shared presentation timeline.
type RtpTimestampSync struct {
	syncPoint *RtpNtpSyncPoint
	clockRate uint32
	logger    *logger.Logger
	limiter   *rate.Limiter

	mu             sync.Mutex
	firstSeenRTPTS *uint32
	firstSeenPTS   *pts.PTS
	ownSR          *senderReport
}

// New creates a per-stream sync tracker. logger may be nil, in which case
// malformed-SR warnings are dropped.
func New(syncPoint *RtpNtpSyncPoint, clockRate uint32, log *logger.Logger) *RtpTimestampSync {
	if log == nil {
		log = logger.Discard()
	}
	return &RtpTimestampSync{
		syncPoint: syncPoint,
		clockRate: clockRate,
		logger:    log.With("component", "rtpsync"),
		// At most one malformed-SR warning per second per stream —
		// a flapping RTSP source shouldn't flood the log.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// wrapSignedDelta returns a-b as a signed delta over a 32-bit modular
// counter, choosing the sign that makes |delta| < 2^31 (half the modulus).
// This resolves RTP timestamp wrap-around regardless of which side of the
// wrap a or b falls on.
func wrapSignedDelta(a, b uint32) int64 {
	const modulus = int64(1) << 32
	d := int64(a) - int64(b)
	switch {
	case d > modulus/2:
		d -= modulus
	case d < -modulus/2:
		d += modulus
	}
	return d
}

// PTSFromTimestamp converts one stream's RTP timestamp to the shared
// presentation timeline. See spec.md §4.2 for the full state machine.
func (s *RtpTimestampSync) PTSFromTimestamp(rtpTS uint32) pts.PTS {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.firstSeenPTS == nil {
		now := s.syncPoint.now()
		s.firstSeenPTS = &now
		ts := rtpTS
		s.firstSeenRTPTS = &ts
		return now
	}

	if s.ownSR == nil {
		delta := wrapSignedDelta(rtpTS, *s.firstSeenRTPTS)
		return *s.firstSeenPTS + durationFromTicks(delta, s.clockRate)
	}

	ntpAnchorSec, instantOffset, _ := s.syncPoint.anchor()
	delta := wrapSignedDelta(rtpTS, s.ownSR.rtpTSInSR)
	ntpForRTP := s.ownSR.ntpSec + float64(delta)/float64(s.clockRate)
	return instantOffset + durationFromSeconds(ntpForRTP-ntpAnchorSec)
}

// OnSenderReport records an RTCP SR for this stream and, if this is the
// first SR observed anywhere in the session, resolves the session anchor.
// An SR whose NTP time is zero is logged and ignored; the stream continues
// on its prior mapping. No other check is made: the SR carries no clock
// rate to compare, and any nonzero NTP time is accepted.
func (s *RtpTimestampSync) OnSenderReport(ntpTime uint64, rtpTSInSR uint32) {
	ntpSec := ntpTimeToSeconds(ntpTime)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ntpSec <= 0 {
		s.warnMalformed("ntp time is zero or negative", ntpTime, rtpTSInSR)
		return
	}

	if s.firstSeenPTS == nil {
		// An SR arriving before any packet established first_seen is
		// unusual but not fatal: treat this SR's instant as first_seen.
		now := s.syncPoint.now()
		s.firstSeenPTS = &now
		ts := rtpTSInSR
		s.firstSeenRTPTS = &ts
	}

	s.ownSR = &senderReport{ntpSec: ntpSec, rtpTSInSR: rtpTSInSR}

	ownAnchorSec := ntpSec - float64(rtpTSInSR)/float64(s.clockRate)
	delta := wrapSignedDelta(rtpTSInSR, *s.firstSeenRTPTS)
	instantOffset := *s.firstSeenPTS + durationFromTicks(delta, s.clockRate)

	s.syncPoint.resolve(ownAnchorSec, instantOffset)
	s.logger.DebugRTPSync("sender report anchored stream clock", "ntp_sec", ntpSec, "rtp_ts", rtpTSInSR, "instant_offset", instantOffset)
}

func (s *RtpTimestampSync) warnMalformed(reason string, ntpTime uint64, rtpTSInSR uint32) {
	if s.limiter.Allow() {
		s.logger.Warn("ignoring malformed RTCP sender report",
			"reason", reason, "ntp_time", ntpTime, "rtp_ts", rtpTSInSR)
	}
}

func durationFromTicks(ticks int64, clockRate uint32) pts.PTS {
	if clockRate == 0 {
		return 0
	}
	return time.Duration(float64(ticks) / float64(clockRate) * float64(time.Second))
}

func durationFromSeconds(sec float64) pts.PTS {
	return time.Duration(sec * float64(time.Second))
}

// ntpTimeToSeconds converts a 64-bit NTP timestamp (32.32 fixed point,
// seconds since 1900 in the high word) to seconds as a float64.
func ntpTimeToSeconds(ntp uint64) float64 {
	sec := ntp >> 32
	frac := uint32(ntp)
	return float64(sec) + float64(frac)/4294967296.0
}
