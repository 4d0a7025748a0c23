// Package pipeline is the Pipeline arena: the single entry point that
// wires Clock, per-input queues/resamplers, the pull-side Queue, the
// per-output Mixer, and the Render Graph into one running compositor, and
// exposes the registration/update/lifecycle surface described in spec.md
// §6.
package pipeline

import (
	"fmt"
	"time"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/mixer"
	"github.com/ethanfield/compositor-core/internal/queue"
	"github.com/ethanfield/compositor-core/internal/render"
)

// TransportKind tags the external protocol an input or output speaks. It
// is a plain tagged variant rather than an interface hierarchy — per
// spec.md §9's note against "open inheritance" for transport dispatch —
// carried here purely as metadata; actual I/O for each kind lives in
// internal/transport and is outside this package.
type TransportKind int

const (
	TransportRTP TransportKind = iota
	TransportMP4
	TransportWHIP
	TransportWHEP
	TransportHLS
	TransportRTMP
	TransportDeckLink
	TransportRaw
)

func (k TransportKind) String() string {
	switch k {
	case TransportRTP:
		return "rtp"
	case TransportMP4:
		return "mp4"
	case TransportWHIP:
		return "whip"
	case TransportWHEP:
		return "whep"
	case TransportHLS:
		return "hls"
	case TransportRTMP:
		return "rtmp"
	case TransportDeckLink:
		return "decklink"
	default:
		return "raw"
	}
}

// InitInfo is returned from RegisterInput; external collaborators use it
// to learn what the core allocated on their behalf (e.g. a WHIP session's
// negotiated port).
type InitInfo struct {
	Port int
}

// InputOptions configures one input's registration.
type InputOptions struct {
	Kind           TransportKind
	Offset         time.Duration
	QueueDepth     int
	OverflowPolicy queue.OverflowPolicy
	FallbackAfter  time.Duration
	AudioSampleRate uint32
	AudioChannels   frame.Channels
}

// OutputOptions configures one output's registration.
type OutputOptions struct {
	Kind            TransportKind
	Resolution      frame.Resolution
	Cadence         queue.Cadence
	SampleRate      uint32
	MixerStrategy   mixer.SaturationStrategy
	MixerChannels   frame.Channels
	VideoEndCond    queue.EndCondition
	AudioEndCond    queue.EndCondition
	NeverDropFrames bool
}

// EventKind discriminates the variants of the control-plane Event stream
// (spec.md §6's subscribe_events contract).
type EventKind int

const (
	EventInputDeliveredFirstFrame EventKind = iota
	EventInputEOS
	EventOutputDone
	EventInputError
	EventRenderError
	EventFatalError
)

func (k EventKind) String() string {
	switch k {
	case EventInputDeliveredFirstFrame:
		return "input_delivered_first_frame"
	case EventInputEOS:
		return "input_eos"
	case EventOutputDone:
		return "output_done"
	case EventInputError:
		return "input_error"
	case EventRenderError:
		return "render_error"
	default:
		return "fatal_error"
	}
}

// Event is one item on the subscribe_events() channel.
type Event struct {
	Kind     EventKind
	InputID  queue.InputID
	OutputID queue.OutputID
	Err      error
}

// RegistrationError is returned synchronously from registration calls per
// spec.md §7 ("Registration errors ... surface synchronously on the
// calling path").
type RegistrationError struct {
	Op     string
	ID     string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("pipeline: %s %q: %s", e.Op, e.ID, e.Reason)
}
