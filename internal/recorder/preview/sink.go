package preview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const h264Fmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"

// Sink mirrors a recording to a WebRTC peer: video samples go out as
// H.264, one audio stream as 8 kHz PCMU.
type Sink struct {
	logger *slog.Logger

	pc    *webrtc.PeerConnection
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	audioStream core.StreamID
	encoder     *downsampler

	gone      chan struct{}
	goneOnce  sync.Once
	closeOnce sync.Once
}

// New creates a preview peer. audioStream selects which audio stream is
// sent; an empty id sends video only.
func New(audioStream core.StreamID, format core.PCMFormat) (*Sink, error) {
	s := &Sink{
		logger:      util.GetLogger().With("component", "preview"),
		audioStream: audioStream,
		gone:        make(chan struct{}),
	}
	if audioStream != "" {
		if format.BitsPerSample != 16 {
			return nil, fmt.Errorf("preview audio needs 16-bit PCM, got %d-bit", format.BitsPerSample)
		}
		s.encoder = newDownsampler(format.SampleRate, format.Channels)
	}

	pc, err := createPeerConnection()
	if err != nil {
		return nil, err
	}
	s.pc = pc
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger.Info("Preview connection state changed", "state", st.String())
		switch st {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.goneOnce.Do(func() { close(s.gone) })
		}
	})

	s.video, err = addTrack(pc, webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: h264Fmtp,
	}, "video")
	if err != nil {
		pc.Close()
		return nil, err
	}
	if audioStream != "" {
		s.audio, err = addTrack(pc, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: pcmuRate,
			Channels:  1,
		}, "audio")
		if err != nil {
			pc.Close()
			return nil, err
		}
	}
	return s, nil
}

func createPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: h264Fmtp,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: pcmuRate,
			Channels:  1,
		},
		PayloadType: 0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

func addTrack(pc *webrtc.PeerConnection, capability webrtc.RTPCodecCapability, kind string) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(capability, kind, "gbox-recorder")
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", kind, err)
	}
	return track, nil
}

// Answer applies a remote offer and returns the local answer once ICE
// gathering has finished.
func (s *Sink) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *s.pc.LocalDescription(), nil
}

// Done is closed once the peer connection has failed or closed.
func (s *Sink) Done() <-chan struct{} {
	return s.gone
}

// Stream forwards samples until the channel closes, the peer goes away or
// ctx is done.
func (s *Sink) Stream(ctx context.Context, samples <-chan core.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.gone:
			return nil
		case smp, ok := <-samples:
			if !ok {
				return nil
			}
			if err := s.WriteSample(smp); err != nil {
				s.logger.Debug("Preview write failed", "stream", smp.Stream, "error", err)
			}
		}
	}
}

// WriteSample sends one sample to the matching track. Samples of other
// streams are ignored.
func (s *Sink) WriteSample(smp core.Sample) error {
	switch {
	case smp.Stream == core.StreamVideo:
		return s.video.WriteSample(media.Sample{Data: smp.Data, Duration: smp.Duration})
	case s.audio != nil && smp.Stream == s.audioStream:
		payload := s.encoder.encode(smp.Data)
		if len(payload) == 0 {
			return nil
		}
		return s.audio.WriteSample(media.Sample{
			Data:     payload,
			Duration: time.Duration(len(payload)) * time.Second / pcmuRate,
		})
	}
	return nil
}

// Close tears down the peer connection.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pc.Close()
		s.goneOnce.Do(func() { close(s.gone) })
	})
	return err
}
