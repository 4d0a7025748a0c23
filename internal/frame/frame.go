// Package frame defines the data model shared by every input and output:
// frames, audio sample batches, and the PipelineEvent envelope that carries
// them (or an end-of-stream sentinel) between components.
package frame

import (
	"fmt"

	"github.com/ethanfield/compositor-core/internal/pts"
)

// Resolution is a frame's pixel dimensions.
type Resolution struct {
	Width, Height uint32
}

// TextureHandle is an opaque, borrowed GPU texture reference. Its lifetime
// is tied to the owning input uploader; the render graph never takes
// ownership of it, only reads it for the duration of one tick.
type TextureHandle struct {
	ID         uint64
	Resolution Resolution
}

// DataKind discriminates which variant of FrameData a Frame carries.
type DataKind int

const (
	// DataTexture holds a borrowed GPU texture handle.
	DataTexture DataKind = iota
	// DataPlanarYUV holds a planar YUV 4:2:0 byte buffer (e.g. NV12).
	DataPlanarYUV
	// DataExternalImage references an external (non-GPU) image source.
	DataExternalImage
)

// FrameData is one of: a GPU texture handle, a planar-YUV byte buffer, or a
// reference to an external image source. Exactly one of the fields
// matching Kind is populated.
type FrameData struct {
	Kind          DataKind
	Texture       TextureHandle
	PlanarYUV     []byte
	ExternalImage ExternalImageRef
}

// ExternalImageRef names an image resource owned outside the pipeline
// (e.g. a decoded still image registered via register_renderer).
type ExternalImageRef struct {
	SourceID string
}

// Frame is immutable once emitted by a decoder.
type Frame struct {
	PTS        pts.PTS
	Resolution Resolution
	Data       FrameData
}

// Channels enumerates the audio channel layouts the core understands.
type Channels int

const (
	Mono Channels = iota
	Stereo
)

func (c Channels) String() string {
	switch c {
	case Mono:
		return "mono"
	case Stereo:
		return "stereo"
	default:
		return fmt.Sprintf("channels(%d)", int(c))
	}
}

// StereoSample is one (left, right) sample pair.
type StereoSample struct {
	L, R float64
}

// AudioSamples is one of Mono(sequence of f64) or Stereo(sequence of
// (f64,f64)); exactly one slice is populated, selected by Channels.
type AudioSamples struct {
	Channels Channels
	Mono     []float64
	Stereo   []StereoSample
}

// NewSilence returns n zero-valued samples in the given channel layout.
func NewSilence(channels Channels, n int) AudioSamples {
	switch channels {
	case Stereo:
		return AudioSamples{Channels: Stereo, Stereo: make([]StereoSample, n)}
	default:
		return AudioSamples{Channels: Mono, Mono: make([]float64, n)}
	}
}

// Len returns the number of sample frames.
func (a AudioSamples) Len() int {
	if a.Channels == Stereo {
		return len(a.Stereo)
	}
	return len(a.Mono)
}

// Slice returns the [from:to) sub-range, sharing no backing array mutation
// guarantees beyond what Go slicing already provides.
func (a AudioSamples) Slice(from, to int) AudioSamples {
	if a.Channels == Stereo {
		return AudioSamples{Channels: Stereo, Stereo: a.Stereo[from:to]}
	}
	return AudioSamples{Channels: Mono, Mono: a.Mono[from:to]}
}

// Append returns the concatenation of a and b. Both must share a channel
// layout.
func Append(a, b AudioSamples) AudioSamples {
	if a.Channels == Stereo {
		return AudioSamples{Channels: Stereo, Stereo: append(append([]StereoSample{}, a.Stereo...), b.Stereo...)}
	}
	return AudioSamples{Channels: Mono, Mono: append(append([]float64{}, a.Mono...), b.Mono...)}
}

// AudioBatch carries a half-open PTS interval alongside its samples; by
// invariant PTSEnd - PTSStart == Len()/SampleRate exactly.
type AudioBatch struct {
	PTSStart, PTSEnd pts.PTS
	SampleRate       uint32
	Samples          AudioSamples
}

// Kind discriminates PipelineEvent's two variants.
type Kind int

const (
	EventData Kind = iota
	EventEOS
)

// PipelineEvent is the discriminated union Data(T) | EOS. The zero value
// is never valid on its own — use NewData/NewEOS.
type PipelineEvent[T any] struct {
	Kind Kind
	Data T
}

// NewData wraps a payload as a Data event.
func NewData[T any](v T) PipelineEvent[T] {
	return PipelineEvent[T]{Kind: EventData, Data: v}
}

// NewEOS returns the end-of-stream sentinel for T, distinct from "no data
// yet" (which is simply the absence of any PipelineEvent on the channel).
func NewEOS[T any]() PipelineEvent[T] {
	return PipelineEvent[T]{Kind: EventEOS}
}

// IsEOS reports whether e is the end-of-stream sentinel.
func (e PipelineEvent[T]) IsEOS() bool { return e.Kind == EventEOS }
