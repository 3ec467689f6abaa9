package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/signaling"
)

// DefaultRingTimeout bounds how long an unanswered call rings.
const DefaultRingTimeout = 30 * time.Second

// Manager owns one link and at most one live session per remote user,
// and bridges signaling envelopes to them.
type Manager struct {
	sig         Signaler
	selfID      string
	iceServers  []string
	ringTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session // remoteUserID → latest attempt
	links    map[string]*Link    // remoteUserID → peer link

	// Candidates that raced ahead of their offer/answer and have no link
	// yet, keyed by callID. Flushed when the link appears.
	earlyMu    sync.Mutex
	earlyCands map[string][]webrtc.ICECandidateInit

	incomingMu sync.RWMutex
	incoming   []func(*Session)

	dataMu sync.RWMutex
	onData []func(fromUserID string, data []byte)

	done chan struct{}
}

// NewManager creates a call manager attached to sig and starts its
// dispatch loop immediately.
func NewManager(sig Signaler, selfID string, iceServers []string, ringTimeout time.Duration) *Manager {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	m := &Manager{
		sig:         sig,
		selfID:      selfID,
		iceServers:  iceServers,
		ringTimeout: ringTimeout,
		sessions:    make(map[string]*Session),
		links:       make(map[string]*Link),
		earlyCands:  make(map[string][]webrtc.ICECandidateInit),
		done:        make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// OnIncoming registers a callback fired for each incoming ringing call.
func (m *Manager) OnIncoming(fn func(*Session)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// OnData registers a callback for raw messages on any peer data channel.
func (m *Manager) OnData(fn func(fromUserID string, data []byte)) {
	m.dataMu.Lock()
	m.onData = append(m.onData, fn)
	m.dataMu.Unlock()
}

// Start places an outgoing call. At most one live session per remote
// user: a second Start against a non-terminal session returns ErrBusy.
func (m *Manager) Start(remoteUserID string, kind Kind) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[remoteUserID]; ok && !existing.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	sess := newSession(m, uuid.NewString(), DirectionOutgoing, kind, remoteUserID)
	m.sessions[remoteUserID] = sess
	m.mu.Unlock()

	m.dropEarlyOnTerminal(sess)
	sess.transition(StateInitiating)

	link, err := m.ensureLink(sess)
	if err != nil {
		sess.fail("could not start call: " + err.Error())
		return nil, err
	}

	offerSDP, err := link.createOffer()
	if err != nil {
		sess.fail("could not start call: " + err.Error())
		m.teardownLink(remoteUserID)
		return nil, err
	}

	// Ring before the offer leaves: an answer can arrive the moment the
	// envelope is out, and it is only accepted from ringing-out.
	sess.transition(StateRingingOut)
	sess.armRingTimer(m.ringTimeout, func() { m.ringTimedOut(sess) })

	m.send(signaling.TypeCallOffer, remoteUserID, sess.CallID,
		signaling.OfferInfo{SDP: offerSDP, Kind: string(kind)})

	log.Printf("CALL: started %s call %s → %s", kind, sess.CallID, remoteUserID)
	return sess, nil
}

// Session returns the current session for a remote user, if any.
func (m *Manager) Session(remoteUserID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[remoteUserID]
	return s, ok
}

// End hangs up the current call with a remote user, if one is live.
func (m *Manager) End(remoteUserID string) error {
	m.mu.RLock()
	sess := m.sessions[remoteUserID]
	m.mu.RUnlock()
	if sess == nil || sess.State().Terminal() {
		return ErrNoSession
	}
	m.hangup(sess)
	return nil
}

// SendData transmits raw bytes over the messaging data channel to a
// connected peer.
func (m *Manager) SendData(remoteUserID string, data []byte) error {
	m.mu.RLock()
	link := m.links[remoteUserID]
	m.mu.RUnlock()
	if link == nil {
		return fmt.Errorf("no link to %s", remoteUserID)
	}
	return link.SendData(data)
}

// Close hangs up all sessions and releases every link.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	sessions := m.sessions
	links := m.links
	m.sessions = make(map[string]*Session)
	m.links = make(map[string]*Link)
	m.mu.Unlock()

	for _, s := range sessions {
		s.transition(StateEnded)
	}
	for _, l := range links {
		l.teardown()
	}
}

// ensureLink builds the link for the session's remote user, binds it to
// this call attempt, and flushes any candidates that arrived early. A
// leftover link is only reused when it is still viable — stable
// signaling state, connection not failed or closed — otherwise it is
// discarded first.
func (m *Manager) ensureLink(sess *Session) (*Link, error) {
	var stale *Link
	m.mu.Lock()
	link := m.links[sess.RemoteUserID]
	if link != nil && !link.viable() {
		stale, link = link, nil
		delete(m.links, sess.RemoteUserID)
	}
	m.mu.Unlock()
	if stale != nil {
		stale.teardown()
	}

	if link == nil {
		var err error
		link, err = newLink(sess.RemoteUserID, m.iceServers, sess.Kind)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.links[sess.RemoteUserID] = link
		m.mu.Unlock()
	}

	remote := sess.RemoteUserID
	link.bind(sess.CallID,
		func(cand webrtc.ICECandidateInit) {
			raw, err := json.Marshal(cand)
			if err != nil {
				return
			}
			m.send(signaling.TypeCallCandidate, remote, sess.CallID,
				signaling.CandidateInfo{Candidate: string(raw)})
		},
		nil,
		func() { sess.transition(StateActive) },
		func() {
			sess.fail("peer connection failed")
			m.teardownLink(remote)
		},
		func(data []byte) { m.fanoutData(remote, data) },
	)

	// Drain candidates that beat the link into existence.
	m.earlyMu.Lock()
	early := m.earlyCands[sess.CallID]
	delete(m.earlyCands, sess.CallID)
	m.earlyMu.Unlock()
	for _, cand := range early {
		link.addCandidate(cand)
	}

	return link, nil
}

// accept answers an incoming ringing call.
func (m *Manager) accept(sess *Session) error {
	if !sess.transition(StateConnecting) {
		return nil // not ringing-in anymore; idempotent
	}

	link, err := m.ensureLink(sess)
	if err != nil {
		sess.fail("could not answer call: " + err.Error())
		m.send(signaling.TypeCallReject, sess.RemoteUserID, sess.CallID, nil)
		return err
	}

	answerSDP, err := link.acceptOffer(sess.pendingOffer)
	if err != nil {
		sess.fail("could not answer call: " + err.Error())
		m.teardownLink(sess.RemoteUserID)
		return err
	}

	m.send(signaling.TypeCallAnswer, sess.RemoteUserID, sess.CallID,
		signaling.OfferInfo{SDP: answerSDP})
	log.Printf("CALL: accepted %s from %s", sess.CallID, sess.RemoteUserID)
	return nil
}

// reject declines an incoming ringing call.
func (m *Manager) reject(sess *Session) {
	if !sess.transition(StateRejected) {
		return
	}
	m.send(signaling.TypeCallReject, sess.RemoteUserID, sess.CallID, nil)
	m.teardownLink(sess.RemoteUserID)
	log.Printf("CALL: rejected %s from %s", sess.CallID, sess.RemoteUserID)
}

// cancel withdraws an unanswered outgoing call.
func (m *Manager) cancel(sess *Session) {
	if !sess.transition(StateCancelled) {
		return
	}
	m.send(signaling.TypeCallCancel, sess.RemoteUserID, sess.CallID, nil)
	m.teardownLink(sess.RemoteUserID)
	log.Printf("CALL: cancelled %s → %s", sess.CallID, sess.RemoteUserID)
}

// hangup ends a call from any non-terminal state. call-cancel doubles as
// the generic terminate signal: the remote maps it to Cancelled while
// still ringing and to Ended once connected.
func (m *Manager) hangup(sess *Session) {
	if !sess.transition(StateEnded) {
		return
	}
	m.send(signaling.TypeCallCancel, sess.RemoteUserID, sess.CallID, nil)
	m.teardownLink(sess.RemoteUserID)
	log.Printf("CALL: hung up %s with %s", sess.CallID, sess.RemoteUserID)
}

// ringTimedOut fires when a ringing call was never answered.
func (m *Manager) ringTimedOut(sess *Session) {
	state := sess.State()
	if state != StateRingingOut && state != StateRingingIn {
		return // timer raced a transition; transition cancelled us first
	}
	if state == StateRingingOut {
		m.send(signaling.TypeCallCancel, sess.RemoteUserID, sess.CallID, nil)
		sess.fail("no answer")
	} else {
		sess.fail("missed call")
	}
	m.teardownLink(sess.RemoteUserID)
	log.Printf("CALL: %s timed out ringing", sess.CallID)
}

// teardownLink discards the user's link: releases its capture devices
// and closes the peer connection. A redial builds a fresh link.
func (m *Manager) teardownLink(remoteUserID string) {
	m.mu.Lock()
	link := m.links[remoteUserID]
	delete(m.links, remoteUserID)
	m.mu.Unlock()
	if link == nil {
		return
	}
	link.teardown()
}

// dropEarlyOnTerminal discards this call's buffered early candidates
// once the session ends. Without it a rejected or timed-out call that
// never built a link would leak its buffered candidates forever.
func (m *Manager) dropEarlyOnTerminal(sess *Session) {
	callID := sess.CallID
	sess.OnState(func(st State) {
		if !st.Terminal() {
			return
		}
		m.earlyMu.Lock()
		delete(m.earlyCands, callID)
		m.earlyMu.Unlock()
	})
}

// link returns the current link for a remote user, nil when absent.
func (m *Manager) link(remoteUserID string) *Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[remoteUserID]
}

// setAudio pauses or resumes outbound audio on the session's link.
func (m *Manager) setAudio(sess *Session, enabled bool) {
	if l := m.link(sess.RemoteUserID); l != nil {
		l.setAudio(enabled)
	}
}

// setVideo pauses or resumes outbound video on the session's link.
func (m *Manager) setVideo(sess *Session, enabled bool) {
	if l := m.link(sess.RemoteUserID); l != nil {
		l.setVideo(enabled)
	}
}

func (m *Manager) localTracks(remoteUserID string) []webrtc.TrackLocal {
	if l := m.link(remoteUserID); l != nil {
		return l.LocalTracks()
	}
	return nil
}

func (m *Manager) selfView(remoteUserID string) SelfViewSource {
	if l := m.link(remoteUserID); l != nil {
		return l.SelfView()
	}
	return nil
}

func (m *Manager) remoteTracks(remoteUserID string) []*webrtc.TrackRemote {
	m.mu.RLock()
	link := m.links[remoteUserID]
	m.mu.RUnlock()
	if link == nil {
		return nil
	}
	return link.RemoteTracks()
}

// dispatchLoop reads signaling envelopes and routes the call variants.
func (m *Manager) dispatchLoop() {
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env *signaling.Envelope) {
	switch env.Type {
	case signaling.TypeCallOffer:
		m.handleOffer(env)
	case signaling.TypeCallAnswer:
		m.handleAnswer(env)
	case signaling.TypeCallCandidate:
		m.handleCandidate(env)
	case signaling.TypeCallReject:
		m.handleReject(env)
	case signaling.TypeCallCancel:
		m.handleCancel(env)
	}
}

// handleOffer surfaces a remote offer as an incoming ringing session.
func (m *Manager) handleOffer(env *signaling.Envelope) {
	var info signaling.OfferInfo
	if err := env.DecodePayload(&info); err != nil {
		log.Printf("CALL: drop offer from %s: %v", env.From, err)
		return
	}

	kind := Kind(info.Kind)
	if kind != KindVoice {
		kind = KindVideo
	}

	m.mu.Lock()
	if existing, ok := m.sessions[env.From]; ok && !existing.State().Terminal() {
		m.mu.Unlock()
		// Glare or duplicate offer — we already have a live attempt with
		// this peer. Logged and dropped, never fatal.
		log.Printf("CALL: drop offer %s from %s (session %s is %s)",
			env.CallID, env.From, existing.CallID, existing.State())
		return
	}
	sess := newSession(m, env.CallID, DirectionIncoming, kind, env.From)
	sess.pendingOffer = info.SDP
	m.sessions[env.From] = sess
	m.mu.Unlock()

	m.dropEarlyOnTerminal(sess)
	sess.transition(StateRingingIn)
	sess.armRingTimer(m.ringTimeout, func() { m.ringTimedOut(sess) })
	log.Printf("CALL: incoming %s call %s from %s", kind, env.CallID, env.From)

	m.incomingMu.RLock()
	handlers := make([]func(*Session), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(sess)
	}
}

// handleAnswer completes the outgoing half of the SDP exchange.
func (m *Manager) handleAnswer(env *signaling.Envelope) {
	sess, link := m.sessionAndLink(env.From, env.CallID)
	if sess == nil || link == nil {
		log.Printf("CALL: drop answer for unknown call %s from %s", env.CallID, env.From)
		return
	}
	var info signaling.OfferInfo
	if err := env.DecodePayload(&info); err != nil {
		log.Printf("CALL: drop answer from %s: %v", env.From, err)
		return
	}
	if !sess.transition(StateConnecting) {
		return // late answer after cancel/timeout; no-op
	}
	if err := link.acceptAnswer(info.SDP); err != nil {
		sess.fail("negotiation failed: " + err.Error())
		m.teardownLink(env.From)
	}
}

// handleCandidate applies a remote ICE candidate, buffering it at the
// manager when it outran the link itself.
func (m *Manager) handleCandidate(env *signaling.Envelope) {
	var info signaling.CandidateInfo
	if err := env.DecodePayload(&info); err != nil {
		log.Printf("CALL: drop candidate from %s: %v", env.From, err)
		return
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(info.Candidate), &cand); err != nil {
		log.Printf("CALL: drop malformed candidate from %s: %v", env.From, err)
		return
	}

	m.mu.RLock()
	link := m.links[env.From]
	m.mu.RUnlock()
	if link == nil {
		m.earlyMu.Lock()
		m.earlyCands[env.CallID] = append(m.earlyCands[env.CallID], cand)
		m.earlyMu.Unlock()
		return
	}
	link.addCandidate(cand)
}

func (m *Manager) handleReject(env *signaling.Envelope) {
	sess, _ := m.sessionAndLink(env.From, env.CallID)
	if sess == nil {
		return
	}
	if sess.transition(StateRejected) {
		m.teardownLink(env.From)
		log.Printf("CALL: %s rejected by %s", env.CallID, env.From)
	}
}

// handleCancel maps the remote terminate signal onto the local state:
// Cancelled while still ringing, Ended once connecting/connected.
func (m *Manager) handleCancel(env *signaling.Envelope) {
	sess, _ := m.sessionAndLink(env.From, env.CallID)
	if sess == nil {
		return
	}
	if !sess.transition(StateCancelled) {
		sess.transition(StateEnded)
	}
	m.teardownLink(env.From)
	log.Printf("CALL: %s terminated by %s", env.CallID, env.From)
}

// sessionAndLink resolves the session (matching callID when set) and
// link for a peer.
func (m *Manager) sessionAndLink(remoteUserID, callID string) (*Session, *Link) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess := m.sessions[remoteUserID]
	if sess != nil && callID != "" && sess.CallID != callID {
		return nil, nil
	}
	return sess, m.links[remoteUserID]
}

func (m *Manager) fanoutData(fromUserID string, data []byte) {
	m.dataMu.RLock()
	fns := make([]func(string, []byte), len(m.onData))
	copy(fns, m.onData)
	m.dataMu.RUnlock()
	for _, fn := range fns {
		fn(fromUserID, data)
	}
}

func (m *Manager) send(t signaling.EnvelopeType, to, callID string, payload any) {
	env, err := signaling.NewEnvelope(t, m.selfID, to, callID, payload)
	if err != nil {
		log.Printf("CALL: encode %s: %v", t, err)
		return
	}
	m.sig.Send(env)
}
