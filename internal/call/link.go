package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested from the remote video
// sender while the track is live.
const pliInterval = 3 * time.Second

// Link is the negotiated peer connection to one remote user: media plus
// one generic messaging data channel. Local capture is bound to the
// link at creation, so a link lives exactly as long as its call attempt
// — teardown releases the devices and closes the connection, and a
// redial builds a fresh link.
type Link struct {
	remoteUserID string

	pc    *webrtc.PeerConnection
	data  *webrtc.DataChannel
	media *localMedia // nil on receive-only links

	mu           sync.Mutex
	callID       string
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	remoteTracks []*webrtc.TrackRemote

	// callbacks installed by the owning Manager
	onCandidate    func(webrtc.ICECandidateInit)
	onRemoteTrack  func(*webrtc.TrackRemote)
	onMediaFlowing func()
	onFailure      func()
	onData         func([]byte)

	mediaOnce sync.Once
}

// newLink builds a peer connection for remoteUserID with local media per
// kind, and establishes the generic messaging data channel as the first
// created channel.
func newLink(remoteUserID string, iceServers []string, kind Kind) (*Link, error) {
	pc, media, err := initMediaPC(remoteUserID, iceServers, kind)
	if err != nil {
		return nil, fmt.Errorf("init peer connection: %w", err)
	}

	l := &Link{
		remoteUserID: remoteUserID,
		pc:           pc,
		media:        media,
	}

	data, err := pc.CreateDataChannel("homeswift-messaging", nil)
	if err != nil {
		media.close()
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	l.data = data
	l.installDataHandlers(data)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		l.mu.Lock()
		fn := l.onCandidate
		l.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.handleRemoteTrack(track)
	})

	// The remote side creates its own data channel toward us; expose it
	// through the same raw-message callback.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		l.installDataHandlers(dc)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", remoteUserID, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			// Transport up counts as the call going live even before the
			// first RTP packet lands (receive-only ends may never get one).
			l.mu.Lock()
			fn := l.onMediaFlowing
			l.mu.Unlock()
			if fn != nil {
				l.mediaOnce.Do(fn)
			}
		case webrtc.PeerConnectionStateFailed:
			l.mu.Lock()
			fn := l.onFailure
			l.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})

	return l, nil
}

// bind points the link's callbacks at the current call attempt.
func (l *Link) bind(callID string, onCandidate func(webrtc.ICECandidateInit), onRemoteTrack func(*webrtc.TrackRemote), onMediaFlowing, onFailure func(), onData func([]byte)) {
	l.mu.Lock()
	l.callID = callID
	l.onCandidate = onCandidate
	l.onRemoteTrack = onRemoteTrack
	l.onMediaFlowing = onMediaFlowing
	l.onFailure = onFailure
	l.onData = onData
	l.mediaOnce = sync.Once{}
	l.mu.Unlock()
}

// viable reports whether the link can carry a new call attempt. A link
// whose offer went out but was never answered is stuck in
// have-local-offer — SetLocalDescription(offer) on it would fail with
// InvalidModificationError, so anything off the stable signaling state
// is unusable.
func (l *Link) viable() bool {
	if l == nil || l.pc == nil {
		return false
	}
	if l.pc.SignalingState() != webrtc.SignalingStateStable {
		return false
	}
	switch l.pc.ConnectionState() {
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		return false
	}
	return true
}

// createOffer produces the local SDP offer.
func (l *Link) createOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// acceptOffer installs the remote offer and produces the local answer.
func (l *Link) acceptOffer(sdp string) (string, error) {
	if err := l.setRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// acceptAnswer installs the remote answer on an offering link.
func (l *Link) acceptAnswer(sdp string) error {
	return l.setRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// setRemoteDescription installs the remote SDP and flushes candidates
// that arrived before it — ICE candidates may race the SDP exchange and
// must never be dropped for being early.
func (l *Link) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	buffered := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range buffered {
		if err := l.pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: buffered candidate rejected: %v", l.remoteUserID, err)
		}
	}
	if len(buffered) > 0 {
		log.Printf("CALL [%s]: flushed %d buffered candidates", l.remoteUserID, len(buffered))
	}
	return nil
}

// addCandidate applies a remote ICE candidate, buffering it when the
// remote description is not installed yet.
func (l *Link) addCandidate(cand webrtc.ICECandidateInit) {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(cand); err != nil {
		log.Printf("CALL [%s]: candidate rejected: %v", l.remoteUserID, err)
	}
}

// RemoteTracks returns the inbound media tracks received so far.
func (l *Link) RemoteTracks() []*webrtc.TrackRemote {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(l.remoteTracks))
	copy(out, l.remoteTracks)
	return out
}

// localMedia returns the capture handle, nil on receive-only or torn
// down links. localMedia's own methods tolerate nil.
func (l *Link) localMedia() *localMedia {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.media
}

// LocalTracks returns the captured local tracks being sent on this link.
func (l *Link) LocalTracks() []webrtc.TrackLocal {
	return l.localMedia().tracks()
}

// SelfView returns the local camera preview source, nil without video.
func (l *Link) SelfView() SelfViewSource {
	return l.localMedia().selfViewSource()
}

// setAudio pauses or resumes the outbound audio track.
func (l *Link) setAudio(enabled bool) {
	l.localMedia().setAudio(enabled)
}

// setVideo pauses or resumes the outbound video track.
func (l *Link) setVideo(enabled bool) {
	l.localMedia().setVideo(enabled)
}

// SendData transmits raw bytes on the messaging data channel.
func (l *Link) SendData(data []byte) error {
	if l.data == nil {
		return fmt.Errorf("no data channel")
	}
	return l.data.Send(data)
}

// handleRemoteTrack registers an inbound track and starts its pumps: an
// RTP drain loop whose first packet marks media as flowing, and a PLI
// ticker for video so the remote sends keyframes promptly.
func (l *Link) handleRemoteTrack(track *webrtc.TrackRemote) {
	l.mu.Lock()
	l.remoteTracks = append(l.remoteTracks, track)
	onTrack := l.onRemoteTrack
	l.mu.Unlock()

	log.Printf("CALL [%s]: remote track %s (%s)", l.remoteUserID, track.ID(), track.Kind())
	if onTrack != nil {
		onTrack(track)
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go l.pliLoop(track)
	}
	go l.drainTrack(track)
}

func (l *Link) pliLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		if l.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
		err := l.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

func (l *Link) drainTrack(track *webrtc.TrackRemote) {
	var (
		pkt   *rtp.Packet
		err   error
		first = true
	)
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			return
		}
		if first {
			first = false
			log.Printf("CALL [%s]: media flowing (%s, ssrc=%d seq=%d)",
				l.remoteUserID, track.Kind(), pkt.SSRC, pkt.SequenceNumber)
			l.mu.Lock()
			fn := l.onMediaFlowing
			l.mu.Unlock()
			if fn != nil {
				l.mediaOnce.Do(fn)
			}
		}
	}
}

func (l *Link) installDataHandlers(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		log.Printf("CALL [%s]: data channel %q open", l.remoteUserID, dc.Label())
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.mu.Lock()
		fn := l.onData
		l.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

// teardown releases local capture, clears remote stream references, and
// closes the peer connection. The link is finished after this: its media
// is gone and its kind was fixed at creation, so a redial needs a fresh
// link rather than a stripped husk of this one.
func (l *Link) teardown() {
	l.mu.Lock()
	media := l.media
	l.media = nil
	l.remoteTracks = nil
	l.onRemoteTrack = nil
	l.onMediaFlowing = nil
	l.onData = nil
	l.mu.Unlock()

	media.close()
	l.close()
}

// close releases the peer connection unconditionally.
func (l *Link) close() {
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close: %v", l.remoteUserID, err)
		}
	}
}
