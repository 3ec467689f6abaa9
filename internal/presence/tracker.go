// Package presence maintains the online-user set and per-conversation
// typing flags from signaling events. Single writer: only channel event
// handlers (and the expiry timers they arm) mutate the maps.
package presence

import (
	"log"
	"sync"
	"time"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/signaling"
)

// DefaultTypingTTL is how long a typing flag survives without a refresh.
const DefaultTypingTTL = 3 * time.Second

// Entry is one online user as known to this client.
type Entry struct {
	UserID    string    `json:"userId"`
	FullName  string    `json:"fullName,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Event notifies subscribers of presence/typing changes.
type Event struct {
	Type           string `json:"type"` // online|offline|typing|typing-stop
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
	Entry          *Entry `json:"entry,omitempty"`
}

// Sender is the outbound half the tracker needs from the signaling layer.
type Sender interface {
	Send(*signaling.Envelope)
}

type typingKey struct {
	userID string
	convID string
}

type typingEntry struct {
	expiresAt time.Time
	timer     *time.Timer
}

// Tracker holds presence and typing state for the session.
type Tracker struct {
	selfID string
	sender Sender
	ttl    time.Duration

	mu        sync.Mutex
	online    map[string]Entry
	typing    map[typingKey]*typingEntry
	listeners []chan Event

	// outbound debounce: one auto-stop timer per conversation we type in
	outMu  sync.Mutex
	outbox map[string]*time.Timer // conversationID -> auto-stop timer
}

// NewTracker creates a tracker. ttl <= 0 selects DefaultTypingTTL.
func NewTracker(selfID string, sender Sender, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Tracker{
		selfID: selfID,
		sender: sender,
		ttl:    ttl,
		online: make(map[string]Entry),
		typing: make(map[typingKey]*typingEntry),
		outbox: make(map[string]*time.Timer),
	}
}

// Bind registers the tracker's handlers on the signaling channel.
func (t *Tracker) Bind(ch *signaling.Channel) {
	ch.On(signaling.TypePresenceOnline, func(env *signaling.Envelope) {
		var info signaling.PresenceInfo
		if err := env.DecodePayload(&info); err != nil {
			log.Printf("PRESENCE: drop online event: %v", err)
			return
		}
		if info.UserID == "" {
			info.UserID = env.From
		}
		t.HandleOnline(info)
	})
	ch.On(signaling.TypePresenceOffline, func(env *signaling.Envelope) {
		t.HandleOffline(env.From)
	})
	ch.On(signaling.TypeTypingStart, func(env *signaling.Envelope) {
		var info signaling.TypingInfo
		if err := env.DecodePayload(&info); err != nil {
			log.Printf("PRESENCE: drop typing event: %v", err)
			return
		}
		t.HandleTypingStart(env.From, info.ConversationID)
	})
	ch.On(signaling.TypeTypingStop, func(env *signaling.Envelope) {
		var info signaling.TypingInfo
		if err := env.DecodePayload(&info); err != nil {
			return
		}
		t.HandleTypingStop(env.From, info.ConversationID)
	})
}

// HandleOnline upserts a user into the online set.
func (t *Tracker) HandleOnline(info signaling.PresenceInfo) {
	entry := Entry{
		UserID:    info.UserID,
		FullName:  info.FullName,
		AvatarURL: info.AvatarURL,
		LastSeen:  time.Now(),
	}
	t.mu.Lock()
	t.online[info.UserID] = entry
	t.mu.Unlock()
	t.notify(Event{Type: "online", UserID: info.UserID, Entry: &entry})
}

// HandleOffline removes a user from the online set and clears any typing
// flags they held.
func (t *Tracker) HandleOffline(userID string) {
	t.mu.Lock()
	_, wasOnline := t.online[userID]
	delete(t.online, userID)
	for k, te := range t.typing {
		if k.userID == userID {
			te.timer.Stop()
			delete(t.typing, k)
		}
	}
	t.mu.Unlock()
	if wasOnline {
		t.notify(Event{Type: "offline", UserID: userID})
	}
}

// HandleTypingStart upserts a typing flag with a fresh TTL. A repeated
// start extends the existing timer rather than stacking a second one.
func (t *Tracker) HandleTypingStart(userID, conversationID string) {
	key := typingKey{userID, conversationID}

	t.mu.Lock()
	if te, ok := t.typing[key]; ok {
		te.timer.Stop()
		te.expiresAt = time.Now().Add(t.ttl)
		te.timer = time.AfterFunc(t.ttl, func() { t.expireTyping(key) })
		t.mu.Unlock()
		return
	}
	t.typing[key] = &typingEntry{
		expiresAt: time.Now().Add(t.ttl),
		timer:     time.AfterFunc(t.ttl, func() { t.expireTyping(key) }),
	}
	t.mu.Unlock()

	t.notify(Event{Type: "typing", UserID: userID, ConversationID: conversationID})
}

// HandleTypingStop clears a typing flag and cancels its expiry timer so a
// stale timer can never fire against a re-added entry.
func (t *Tracker) HandleTypingStop(userID, conversationID string) {
	key := typingKey{userID, conversationID}

	t.mu.Lock()
	te, ok := t.typing[key]
	if ok {
		te.timer.Stop()
		delete(t.typing, key)
	}
	t.mu.Unlock()

	if ok {
		t.notify(Event{Type: "typing-stop", UserID: userID, ConversationID: conversationID})
	}
}

func (t *Tracker) expireTyping(key typingKey) {
	t.mu.Lock()
	te, ok := t.typing[key]
	// The timer may race a refresh; only expire if actually due.
	if !ok || time.Now().Before(te.expiresAt) {
		t.mu.Unlock()
		return
	}
	delete(t.typing, key)
	t.mu.Unlock()

	t.notify(Event{Type: "typing-stop", UserID: key.userID, ConversationID: key.convID})
}

// IsOnline reports whether a user is currently online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Get returns the presence entry for a user.
func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.online[userID]
	return e, ok
}

// Online returns a snapshot of the online set.
func (t *Tracker) Online() map[string]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Entry, len(t.online))
	for k, v := range t.online {
		cp[k] = v
	}
	return cp
}

// IsTyping reports whether userID is typing in conversationID.
func (t *Tracker) IsTyping(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[typingKey{userID, conversationID}]
	return ok
}

// StartTyping announces that we are typing to the other participant and
// arms (or extends) a local auto-stop timer. Debounced: repeated calls
// within the window extend the single timer, they do not stack.
func (t *Tracker) StartTyping(toUserID, conversationID string) {
	env, err := signaling.NewEnvelope(signaling.TypeTypingStart, t.selfID, toUserID, "",
		signaling.TypingInfo{ConversationID: conversationID})
	if err != nil {
		return
	}
	t.sender.Send(env)

	t.outMu.Lock()
	if timer, ok := t.outbox[conversationID]; ok {
		timer.Stop()
	}
	t.outbox[conversationID] = time.AfterFunc(t.ttl, func() {
		t.StopTyping(toUserID, conversationID)
	})
	t.outMu.Unlock()
}

// StopTyping announces typing-stop and cancels the auto-stop timer.
// Idempotent — a second stop is a no-op on local state.
func (t *Tracker) StopTyping(toUserID, conversationID string) {
	t.outMu.Lock()
	if timer, ok := t.outbox[conversationID]; ok {
		timer.Stop()
		delete(t.outbox, conversationID)
	}
	t.outMu.Unlock()

	env, err := signaling.NewEnvelope(signaling.TypeTypingStop, t.selfID, toUserID, "",
		signaling.TypingInfo{ConversationID: conversationID})
	if err != nil {
		return
	}
	t.sender.Send(env)
}

// Subscribe returns a channel receiving presence events.
func (t *Tracker) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (t *Tracker) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Close stops all timers and listener channels.
func (t *Tracker) Close() {
	t.mu.Lock()
	for _, te := range t.typing {
		te.timer.Stop()
	}
	t.typing = map[typingKey]*typingEntry{}
	for _, listener := range t.listeners {
		close(listener)
	}
	t.listeners = nil
	t.mu.Unlock()

	t.outMu.Lock()
	for _, timer := range t.outbox {
		timer.Stop()
	}
	t.outbox = map[string]*time.Timer{}
	t.outMu.Unlock()
}

func (t *Tracker) notify(evt Event) {
	t.mu.Lock()
	listeners := make([]chan Event, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
