package whip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/pts"
)

// Egress answers one WHEP play session: it sends one output's rendered
// video and mixed audio to an external viewer over a single
// PeerConnection, and turns RTCP PLI/FIR feedback from that viewer into a
// keyframe request on the upstream output (spec.md §6's
// request_keyframe contract).
//
// Grounded closely on the teacher's pkg/bridge.go: same H264Payloader
// packetization, same per-track RTPSender/RTCP-reader shape, repurposed
// from a Cloudflare Calls session to a WHEP viewer session.
type Egress struct {
	logger          *slog.Logger
	outputID        string
	requestKeyframe func() error

	pc          *webrtc.PeerConnection
	videoTrack  *webrtc.TrackLocalStaticRTP
	audioTrack  *webrtc.TrackLocalStaticRTP
	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender

	h264Payloader *codecs.H264Payloader
	videoSeqNum   uint16
	videoMu       sync.Mutex
	audioSeqNum   uint16
	audioMu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEgress creates the answerer PeerConnection for one WHEP play request.
// requestKeyframe is called whenever the viewer's RTCP feedback asks for
// one; the caller wires it to Pipeline.RequestKeyframe(outputID).
func NewEgress(ctx context.Context, outputID string, requestKeyframe func() error, logger *slog.Logger) (*Egress, error) {
	ctx, cancel := context.WithCancel(ctx)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		cancel()
		return nil, fmt.Errorf("register H264 codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		cancel()
		return nil, fmt.Errorf("register Opus codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		fmt.Sprintf("%s-video", outputID), "compositor-output")
	if err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		fmt.Sprintf("%s-audio", outputID), "compositor-output")
	if err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	audioSender, err := pc.AddTrack(audioTrack)
	if err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	e := &Egress{
		logger:          logger,
		outputID:        outputID,
		requestKeyframe: requestKeyframe,
		pc:              pc,
		videoTrack:      videoTrack,
		audioTrack:      audioTrack,
		videoSender:     videoSender,
		audioSender:     audioSender,
		h264Payloader:   &codecs.H264Payloader{},
		videoSeqNum:     uint16(time.Now().UnixNano() & 0xFFFF),
		ctx:             ctx,
		cancel:          cancel,
	}

	e.startRTCPReaders()

	return e, nil
}

// Answer performs WHEP's one-shot SDP exchange.
func (e *Egress) Answer(offerSDP string) (string, error) {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("ICE gathering timeout")
	}

	return e.pc.LocalDescription().SDP, nil
}

// WriteVideo packetizes and sends one downloaded output frame. data is
// treated as a single NAL unit — a real encoder's NAL boundaries are a
// non-goal here (see DESIGN.md), the same stub boundary render.GPUContext
// draws on the upload side.
func (e *Egress) WriteVideo(data []byte, ts pts.PTS) error {
	if e.videoTrack == nil {
		return fmt.Errorf("video track not initialized")
	}

	e.videoMu.Lock()
	seqNum := e.videoSeqNum
	e.videoMu.Unlock()

	timestamp := uint32(int64(ts) * 90000 / int64(time.Second))
	const mtu = 1200
	payloads := e.h264Payloader.Payload(mtu, data)

	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: seqNum,
				Timestamp:      timestamp,
				Marker:         i == len(payloads)-1,
			},
			Payload: payload,
		}
		if err := e.videoTrack.WriteRTP(pkt); err != nil {
			if err == io.ErrClosedPipe {
				return nil
			}
			return fmt.Errorf("write video RTP: %w", err)
		}
		seqNum++
	}

	e.videoMu.Lock()
	e.videoSeqNum = seqNum
	e.videoMu.Unlock()
	return nil
}

// WriteAudio sends one RTP packet per mixed batch. Opus encoding is out of
// scope (no Go Opus encoder exists in the retrieval pack); the payload is
// a fixed-size placeholder so RTCP timing/jitter stays realistic even
// though the bytes carry no audio.
func (e *Egress) WriteAudio(batch frame.AudioBatch) error {
	if e.audioTrack == nil {
		return fmt.Errorf("audio track not initialized")
	}

	e.audioMu.Lock()
	defer e.audioMu.Unlock()

	ts := uint32(int64(batch.PTSStart) * int64(batch.SampleRate) / int64(time.Second))
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: e.audioSeqNum,
			Timestamp:      ts,
		},
		Payload: make([]byte, 2),
	}
	e.audioSeqNum++

	if err := e.audioTrack.WriteRTP(pkt); err != nil {
		if err == io.ErrClosedPipe {
			return nil
		}
		return fmt.Errorf("write audio RTP: %w", err)
	}
	return nil
}

func (e *Egress) startRTCPReaders() {
	if e.videoSender != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.readRTCP(e.videoSender, "video")
		}()
	}
	if e.audioSender != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.readRTCP(e.audioSender, "audio")
		}()
	}
}

func (e *Egress) readRTCP(sender *webrtc.RTPSender, trackType string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
				if err != io.EOF && err != io.ErrClosedPipe {
					e.logger.Debug("whep egress: rtcp read error", "output_id", e.outputID, "track", trackType, "error", err)
				}
				return
			}
		}

		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication:
				e.logger.Debug("whep egress: PLI received", "output_id", e.outputID, "track", trackType, "media_ssrc", pkt.MediaSSRC)
				e.onKeyframeRequest()
			case *rtcp.FullIntraRequest:
				e.logger.Debug("whep egress: FIR received", "output_id", e.outputID, "track", trackType, "media_ssrc", pkt.MediaSSRC)
				e.onKeyframeRequest()
			}
		}
	}
}

func (e *Egress) onKeyframeRequest() {
	if e.requestKeyframe == nil {
		return
	}
	if err := e.requestKeyframe(); err != nil {
		e.logger.Debug("whep egress: keyframe request failed", "output_id", e.outputID, "error", err)
	}
}

// Close tears down the play session.
func (e *Egress) Close() error {
	e.cancel()
	e.wg.Wait()
	return e.pc.Close()
}
