//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

// NewEngine builds a webrtc API with default codecs. Capture drivers are
// only wired on Linux; Acquire always fails here.
func NewEngine(stunURLs []string) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	return &Engine{
		api: api,
		cfg: webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: stunURLs}}},
	}, nil
}

func (e *Engine) Acquire(ctx context.Context) (port.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: media capture not supported on this platform", domain.ErrMediaDenied)
}
