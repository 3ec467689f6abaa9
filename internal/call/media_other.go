//go:build !linux || !cgo

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates a receive-only peer connection on non-Linux
// platforms. Camera/mic capture via pion/mediadevices requires
// platform-specific drivers (V4L2/malgo on Linux); elsewhere the
// embedding application supplies media.
func initMediaPC(remoteUserID string, iceServers []string, kind Kind) (*webrtc.PeerConnection, *localMedia, error) {
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

	pc, err := api.NewPeerConnection(iceConfig(iceServers))
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(remoteUserID, pc, kind)

	log.Printf("CALL [%s]: peer connection ready (receive-only, no local media on this platform)", remoteUserID)
	return pc, nil, nil
}
