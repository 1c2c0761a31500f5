//go:build linux && cgo

// Package media acquires local camera/microphone tracks and builds peer
// connections around them. Capture runs through pion/mediadevices (V4L2 +
// malgo on Linux); other platforms get a stub that reports media as
// unavailable.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Engine struct {
	api      *webrtc.API
	cfg      webrtc.Configuration
	selector *mediadevices.CodecSelector
}

// NewEngine prepares a VP8+Opus capture pipeline and a webrtc API sharing
// the same codec set, configured for STUN-only NAT traversal.
func NewEngine(stunURLs []string) (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &Engine{
		api:      api,
		cfg:      webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: stunURLs}}},
		selector: selector,
	}, nil
}

// Acquire opens camera and microphone. GetUserMedia fails as a unit if
// either track can't be opened, so fall back to video-only and then
// audio-only before giving up. A busy microphone shouldn't prevent the
// camera from working and vice versa.
func (e *Engine) Acquire(ctx context.Context) (port.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: e.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("attempt", a.label).Msg("Media capture attempt failed")
			lastErr = err
			continue
		}
		log.Info().Str("attempt", a.label).Int("tracks", len(stream.GetTracks())).Msg("Local media acquired")
		return &localMedia{stream: stream}, nil
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrMediaDenied, lastErr)
}

type localMedia struct {
	stream mediadevices.MediaStream
}

func (l *localMedia) Tracks() []webrtc.TrackLocal {
	tracks := l.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

func (l *localMedia) Release() {
	for _, t := range l.stream.GetTracks() {
		if err := t.Close(); err != nil {
			log.Debug().Err(err).Str("track", t.ID()).Msg("Track close error")
		}
	}
}
