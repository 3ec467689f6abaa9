package call

import (
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Session tracks one call attempt's lifecycle. All transitions go
// through transition(), which enforces the legality table — an illegal
// transition is a no-op, not a crash — and cancels the ring timer on
// exit from a ringing state so a stale timeout can never fire against a
// later state.
type Session struct {
	CallID       string
	Direction    Direction
	Kind         Kind
	RemoteUserID string

	mgr *Manager

	mu           sync.Mutex
	state        State
	errMsg       string
	startedAt    time.Time
	ringTimer    *time.Timer
	audioOn      bool
	videoOn      bool
	pendingOffer string // incoming: remote SDP held until accept

	stateFns []func(State)
}

func newSession(mgr *Manager, callID string, dir Direction, kind Kind, remoteUserID string) *Session {
	return &Session{
		CallID:       callID,
		Direction:    dir,
		Kind:         kind,
		RemoteUserID: remoteUserID,
		mgr:          mgr,
		state:        StateIdle,
		audioOn:      true,
		videoOn:      kind == KindVideo,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Error returns the human-readable error for this attempt, if any.
func (s *Session) Error() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// ClearError clears the surfaced error. The UI calls this explicitly.
func (s *Session) ClearError() {
	s.mu.Lock()
	s.errMsg = ""
	s.mu.Unlock()
}

// Duration returns connected time. Zero until the call reaches Active —
// ringing and setup time do not count.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// OnState registers an observer fired on every successful transition.
func (s *Session) OnState(fn func(State)) {
	s.mu.Lock()
	s.stateFns = append(s.stateFns, fn)
	s.mu.Unlock()
}

// RemoteTracks returns the remote media received on this call's link.
func (s *Session) RemoteTracks() []*webrtc.TrackRemote {
	return s.mgr.remoteTracks(s.RemoteUserID)
}

// LocalTracks returns the captured local tracks being sent on this
// call's link. Empty on receive-only links.
func (s *Session) LocalTracks() []webrtc.TrackLocal {
	if s.mgr == nil {
		return nil
	}
	return s.mgr.localTracks(s.RemoteUserID)
}

// SelfView returns the local camera preview source, nil without a
// captured video track.
func (s *Session) SelfView() SelfViewSource {
	if s.mgr == nil {
		return nil
	}
	return s.mgr.selfView(s.RemoteUserID)
}

// Accept answers an incoming ringing call: sends call-answer, attaches
// local media, and begins track exchange. No-op unless ringing-in.
func (s *Session) Accept() error {
	return s.mgr.accept(s)
}

// Reject declines an incoming ringing call and tears down any partially
// built link. Idempotent.
func (s *Session) Reject() {
	s.mgr.reject(s)
}

// Cancel withdraws an outgoing call that has not been answered.
// Idempotent.
func (s *Session) Cancel() {
	s.mgr.cancel(s)
}

// Hangup ends the call from any non-terminal state, stopping local media
// and releasing the link. Idempotent — on a terminal session it is a
// no-op.
func (s *Session) Hangup() {
	s.mgr.hangup(s)
}

// ToggleAudio mutes or unmutes outbound audio by detaching the track
// from its sender. Returns the new muted state (true = muted). No
// renegotiation — the paused sender keeps its m-line.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	on := s.audioOn
	s.mu.Unlock()
	if s.mgr != nil {
		s.mgr.setAudio(s, on)
	}
	log.Printf("CALL [%s]: audio muted=%v", s.CallID, !on)
	return !on
}

// ToggleVideo pauses or resumes outbound video by detaching the track
// from its sender. Returns the new disabled state (true = disabled).
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	on := s.videoOn
	s.mu.Unlock()
	if s.mgr != nil {
		s.mgr.setVideo(s, on)
	}
	log.Printf("CALL [%s]: video disabled=%v", s.CallID, !on)
	return !on
}

// AudioOn reports the local audio-enabled flag.
func (s *Session) AudioOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

// VideoOn reports the local video-enabled flag.
func (s *Session) VideoOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

// transition attempts a state change. Returns false (and changes
// nothing) when the edge is not in the legality table.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if !transitionLegal(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to

	// Leaving a ringing state invalidates the ring timer.
	if (from == StateRingingOut || from == StateRingingIn) && s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if to == StateActive {
		s.startedAt = time.Now()
	}
	fns := make([]func(State), len(s.stateFns))
	copy(fns, s.stateFns)
	s.mu.Unlock()

	log.Printf("CALL [%s]: %s → %s", s.CallID, from, to)
	for _, fn := range fns {
		fn(to)
	}
	return true
}

// fail moves to Failed from any non-terminal state and records the
// reason for the UI. On a terminal (or never-started) session this is a
// no-op — a late failure must not replace the error already surfaced.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	if !transitionLegal(s.state, StateFailed) {
		s.mu.Unlock()
		return
	}
	s.errMsg = reason
	s.mu.Unlock()

	s.transition(StateFailed)
}

// armRingTimer starts the unanswered-call timeout for a ringing state.
func (s *Session) armRingTimer(d time.Duration, onTimeout func()) {
	s.mu.Lock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.ringTimer = time.AfterFunc(d, onTimeout)
	s.mu.Unlock()
}
