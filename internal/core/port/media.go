package port

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaSource acquires local camera and microphone tracks. Acquire blocks
// until the user grants or refuses permission; there is deliberately no
// timeout on that wait.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// LocalMedia is a scoped handle on acquired capture tracks. Release stops
// every track and must be called on every exit path of a call.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Release()
}
