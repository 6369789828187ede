//go:build !(linux && cgo)

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates a receive-only peer connection on non-Linux
// platforms. Camera/mic capture via pion/mediadevices needs
// platform-specific drivers (V4L2/malgo on Linux); elsewhere the call can
// still receive remote media.
func initMediaPC(callID string, kind MediaKind, cfg MediaConfig) (*webrtc.PeerConnection, *localMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(callID, pc, kind)

	log.Printf("CALL [%s]: peer connection ready (receive-only, no local capture on this platform)", callID)
	return pc, &localMedia{}, nil
}
