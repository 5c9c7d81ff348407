// Package media acquires and releases local capture streams. It owns
// device constraints, codec selection, and permission failures; the
// negotiation engine only ever sees the resulting tracks.
package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // register screen-capture adapter
)

// AcquisitionReason classifies why local media could not be acquired.
type AcquisitionReason string

const (
	ReasonPermissionDenied AcquisitionReason = "permission-denied"
	ReasonDeviceNotFound   AcquisitionReason = "device-not-found"
	ReasonDeviceBusy       AcquisitionReason = "device-busy"
	ReasonUnsupported      AcquisitionReason = "unsupported"
)

// MediaAcquisitionError is fatal to the local session until the user
// retries with the problem resolved.
type MediaAcquisitionError struct {
	Reason AcquisitionReason
	Err    error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition failed (%s): %v", e.Reason, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// ScreenShareError reports a failed screen-capture request.
type ScreenShareError struct {
	Reason AcquisitionReason
	Err    error
}

func (e *ScreenShareError) Error() string {
	return fmt.Sprintf("screen share failed (%s): %v", e.Reason, e.Err)
}

func (e *ScreenShareError) Unwrap() error { return e.Err }

// Bootstrap holds the codec selector and track-enable flags for the
// local participant.
type Bootstrap struct {
	codecSelector *mediadevices.CodecSelector
	log           *zap.Logger

	audioEnabled bool
	videoEnabled bool
}

// NewBootstrap builds VP8 and Opus encoder parameters tuned for
// real-time use and the codec selector shared by every acquisition.
func NewBootstrap(log *zap.Logger) (*Bootstrap, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("media")

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms // 20 ms frames for real-time audio

	log.Info("codec parameters configured",
		zap.Int("videoBitRate", vpxParams.BitRate),
		zap.Int("audioBitRate", opusParams.BitRate))

	return &Bootstrap{
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log:          log,
		audioEnabled: true,
		videoEnabled: true,
	}, nil
}

// API returns a webrtc.API whose media engine knows the bootstrap's
// codecs. Every peer connection in the process must come from this API
// or track binding will fail.
func (b *Bootstrap) API() (*webrtc.API, error) {
	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	b.codecSelector.Populate(&mediaEngine)

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		2*time.Second,  // keep-alive interval
	)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// AcquireLocalStream opens the camera and/or microphone. The returned
// stream's tracks satisfy webrtc.TrackLocal and attach directly to
// peer connections.
func (b *Bootstrap) AcquireLocalStream(videoEnabled, audioEnabled bool) (mediadevices.MediaStream, error) {
	if !videoEnabled && !audioEnabled {
		return nil, &MediaAcquisitionError{
			Reason: ReasonUnsupported,
			Err:    fmt.Errorf("neither audio nor video requested"),
		}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: b.codecSelector}
	if videoEnabled {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
			c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
		}
	}
	if audioEnabled {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &MediaAcquisitionError{Reason: ClassifyAcquisitionError(err), Err: err}
	}

	b.videoEnabled = videoEnabled
	b.audioEnabled = audioEnabled
	b.log.Info("local stream acquired",
		zap.Bool("video", videoEnabled),
		zap.Bool("audio", audioEnabled))
	return stream, nil
}

// AcquireScreenStream opens a screen-capture stream suitable for
// swapping into already-connected sessions in place of camera video.
func (b *Bootstrap) AcquireScreenStream() (mediadevices.MediaStream, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: b.codecSelector,
	})
	if err != nil {
		return nil, &ScreenShareError{Reason: ReasonPermissionDenied, Err: err}
	}
	b.log.Info("screen stream acquired")
	return stream, nil
}

// ToggleTrackKind flips the enabled flag for "audio" or "video" and
// returns the new state. The caller applies the change to live
// sessions; the flag here only feeds membership advertisements.
func (b *Bootstrap) ToggleTrackKind(kind string) (bool, error) {
	switch kind {
	case "audio":
		b.audioEnabled = !b.audioEnabled
		return b.audioEnabled, nil
	case "video":
		b.videoEnabled = !b.videoEnabled
		return b.videoEnabled, nil
	default:
		return false, fmt.Errorf("unknown track kind %q", kind)
	}
}

// AudioEnabled reports the current audio toggle.
func (b *Bootstrap) AudioEnabled() bool { return b.audioEnabled }

// VideoEnabled reports the current video toggle.
func (b *Bootstrap) VideoEnabled() bool { return b.videoEnabled }

// ReleaseStream closes every track in the stream.
func (b *Bootstrap) ReleaseStream(stream mediadevices.MediaStream) {
	if stream == nil {
		return
	}
	for _, track := range stream.GetTracks() {
		track.Close()
	}
}

// ClassifyAcquisitionError maps a raw driver error to an acquisition
// reason. Drivers return loosely formatted errors, so this is a
// best-effort substring match with unsupported as the fallback.
func ClassifyAcquisitionError(err error) AcquisitionReason {
	if err == nil {
		return ReasonUnsupported
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") || strings.Contains(msg, "failed to find"):
		return ReasonDeviceNotFound
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return ReasonDeviceBusy
	default:
		return ReasonUnsupported
	}
}
