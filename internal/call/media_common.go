package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// SelfViewSource provides encoded VP8 frames of the local camera for
// self-preview display. Only non-nil on Linux when camera capture
// succeeded. ReadFrame blocks until the next frame is ready. Close must
// be called when the session ends.
type SelfViewSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// localMedia is the captured camera/mic bound to one link: the tracks,
// the senders feeding them into the peer connection, and the release
// func for the devices. nil on receive-only links.
type localMedia struct {
	mu          sync.Mutex
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	selfView    SelfViewSource
	stop        func()
}

// setAudio pauses or resumes the outbound audio sender. A paused sender
// keeps its m-line, so no renegotiation is needed.
func (m *localMedia) setAudio(enabled bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioSender == nil {
		return
	}
	var track webrtc.TrackLocal
	if enabled {
		track = m.audioTrack
	}
	if err := m.audioSender.ReplaceTrack(track); err != nil {
		log.Printf("CALL: audio sender toggle: %v", err)
	}
}

// setVideo pauses or resumes the outbound video sender.
func (m *localMedia) setVideo(enabled bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.videoSender == nil {
		return
	}
	var track webrtc.TrackLocal
	if enabled {
		track = m.videoTrack
	}
	if err := m.videoSender.ReplaceTrack(track); err != nil {
		log.Printf("CALL: video sender toggle: %v", err)
	}
}

// tracks returns the captured local tracks.
func (m *localMedia) tracks() []webrtc.TrackLocal {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []webrtc.TrackLocal
	if m.audioTrack != nil {
		out = append(out, m.audioTrack)
	}
	if m.videoTrack != nil {
		out = append(out, m.videoTrack)
	}
	return out
}

func (m *localMedia) selfViewSource() SelfViewSource {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfView
}

// close releases the self-view reader and the capture devices.
func (m *localMedia) close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	sv := m.selfView
	stop := m.stop
	m.selfView = nil
	m.stop = nil
	m.mu.Unlock()

	if sv != nil {
		sv.Close()
	}
	if stop != nil {
		stop()
	}
}

// iceConfig builds the fixed peer-connection configuration from the
// configured STUN/TURN URLs.
func iceConfig(iceServers []string) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(remoteUserID string, pc *webrtc.PeerConnection, kind Kind) {
	if kind == KindVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(video) error: %v", remoteUserID, err)
		}
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", remoteUserID, err)
	}
}
