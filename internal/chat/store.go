// Package chat merges persistence-service snapshots with live signaling
// pushes into one consistent per-conversation view. The same message can
// arrive twice — once from the append confirmation and once from the
// push — so every mutation passes through a single dedup-by-id gate.
package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/backend"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/presence"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/signaling"
)

const previewLimit = 80

// truncatePreview caps the conversation preview at previewLimit bytes,
// backing up to a rune boundary so a multi-byte character is never cut
// in half.
func truncatePreview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Snapshots persists cache state between sessions for warm starts.
// Implemented by storage.DB; may be absent (nil) without loss of
// correctness, only of warm-start speed.
type Snapshots interface {
	SaveConversations([]backend.Conversation) error
	LoadConversations() ([]backend.Conversation, error)
	SaveMessages(conversationID string, msgs []backend.Message) error
	LoadMessages(conversationID string) ([]backend.Message, error)
	UpsertMessage(backend.Message) error
}

// Store is the in-memory conversation/message cache.
type Store struct {
	selfID string
	api    *backend.Client
	pres   *presence.Tracker
	snap   Snapshots // optional

	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      []backend.Message // active conversation only
	messageIDs    map[string]bool   // dedup gate for the active slice
	active        string

	listenerMu sync.Mutex
	listeners  []chan Event
}

// NewStore creates a cache. pres and snap may be nil.
func NewStore(selfID string, api *backend.Client, pres *presence.Tracker, snap Snapshots) *Store {
	s := &Store{
		selfID:        selfID,
		api:           api,
		pres:          pres,
		snap:          snap,
		conversations: make(map[string]*Conversation),
		messageIDs:    make(map[string]bool),
	}
	s.warmStart()
	return s
}

// warmStart seeds the conversation list from the local snapshot so a
// reconnecting client renders immediately; the next LoadConversations
// reconciles against the service.
func (s *Store) warmStart() {
	if s.snap == nil {
		return
	}
	rows, err := s.snap.LoadConversations()
	if err != nil {
		log.Printf("CHAT: warm start skipped: %v", err)
		return
	}
	s.mu.Lock()
	for i := range rows {
		s.conversations[rows[i].ID] = &Conversation{Conversation: rows[i]}
	}
	n := len(rows)
	s.mu.Unlock()
	if n > 0 {
		log.Printf("CHAT: warm start with %d cached conversations", n)
	}
}

// Bind registers the cache's push handler on the signaling channel.
func (s *Store) Bind(ch *signaling.Channel) {
	ch.On(signaling.TypeMessagePush, func(env *signaling.Envelope) {
		var info signaling.MessageInfo
		if err := env.DecodePayload(&info); err != nil {
			log.Printf("CHAT: drop message push: %v", err)
			return
		}
		s.HandlePush(info)
	})
}

// LoadConversations fetches the conversation list and reconciles the
// cache. Conversations are never deleted during a session; entries the
// service no longer returns stay soft-present.
func (s *Store) LoadConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.api.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	for i := range rows {
		row := rows[i]
		if existing, ok := s.conversations[row.ID]; ok {
			existing.Conversation = row
		} else {
			s.conversations[row.ID] = &Conversation{Conversation: row}
		}
		s.enrichLocked(s.conversations[row.ID])
	}
	out := s.sortedLocked()
	s.mu.Unlock()

	s.persistConversations()
	s.notify(Event{Type: "conversations"})
	return out, nil
}

// LoadMessages fetches the ordered message list for a conversation,
// replaces the active slice, and makes that conversation active. The
// conversation is marked read — locally at once, remotely best-effort.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]backend.Message, error) {
	msgs, err := s.api.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	s.mu.Lock()
	s.active = conversationID
	s.messages = make([]backend.Message, 0, len(msgs))
	s.messageIDs = make(map[string]bool, len(msgs))
	for _, m := range msgs {
		s.insertLocked(m)
	}
	if conv, ok := s.conversations[conversationID]; ok {
		conv.UnreadCount = 0
	}
	out := s.messagesLocked()
	s.mu.Unlock()

	if s.snap != nil {
		if err := s.snap.SaveMessages(conversationID, out); err != nil {
			log.Printf("CHAT: snapshot messages: %v", err)
		}
	}
	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		log.Printf("CHAT: mark read %s: %v", conversationID, err)
	}

	s.notify(Event{Type: "active", ConversationID: conversationID})
	return out, nil
}

// CachedMessages returns the locally snapshotted messages for a
// conversation without touching the service (offline reads).
func (s *Store) CachedMessages(conversationID string) []backend.Message {
	if s.snap == nil {
		return nil
	}
	msgs, err := s.snap.LoadMessages(conversationID)
	if err != nil {
		return nil
	}
	return msgs
}

// SendMessage appends via the persistence service, then inserts the
// confirmed message. The local copy is only stored after the append
// succeeds — a failed send leaves no ghost message. No automatic retry.
func (s *Store) SendMessage(ctx context.Context, conversationID, content string) (backend.Message, error) {
	msg, err := s.api.AppendMessage(ctx, conversationID, content)
	if err != nil {
		return backend.Message{}, fmt.Errorf("send message: %w", err)
	}

	s.mu.Lock()
	inserted := false
	if s.active == conversationID {
		inserted = s.insertLocked(msg)
	}
	s.touchConversationLocked(msg, false)
	s.mu.Unlock()

	s.persistMessage(msg)
	if inserted {
		s.notify(Event{Type: "message", ConversationID: conversationID, Message: &msg})
	}
	return msg, nil
}

// HandlePush applies one inbound message push. Applying the same push
// twice never produces two entries, and a push racing the HTTP append
// confirmation resolves to a single copy by id.
func (s *Store) HandlePush(info signaling.MessageInfo) {
	msg := backend.Message{
		ID:             info.ID,
		ConversationID: info.ConversationID,
		SenderID:       info.SenderID,
		Content:        info.Content,
		CreatedAt:      info.CreatedAt,
	}

	s.mu.Lock()
	inserted := false
	if s.active == msg.ConversationID {
		inserted = s.insertLocked(msg)
	}
	incrementUnread := msg.ConversationID != s.active && msg.SenderID != s.selfID
	s.touchConversationLocked(msg, incrementUnread)
	s.mu.Unlock()

	s.persistMessage(msg)
	if inserted {
		s.notify(Event{Type: "message", ConversationID: msg.ConversationID, Message: &msg})
	}
	s.notify(Event{Type: "conversations"})
}

// OpenConversation creates or fetches the conversation with receiverID.
func (s *Store) OpenConversation(ctx context.Context, receiverID string) (*Conversation, error) {
	row, err := s.api.OpenConversation(ctx, receiverID)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}

	s.mu.Lock()
	conv, ok := s.conversations[row.ID]
	if ok {
		conv.Conversation = row
	} else {
		conv = &Conversation{Conversation: row}
		s.conversations[row.ID] = conv
	}
	s.enrichLocked(conv)
	s.mu.Unlock()

	s.persistConversations()
	s.notify(Event{Type: "conversations"})
	return conv, nil
}

// MarkRead zeroes the local unread count and informs the service.
func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.UnreadCount = 0
	}
	s.mu.Unlock()

	s.notify(Event{Type: "conversations"})
	return s.api.MarkRead(ctx, conversationID)
}

// Conversations returns the cached list, most recent activity first.
func (s *Store) Conversations() []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Messages returns a snapshot of the active conversation's messages.
func (s *Store) Messages() []backend.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked()
}

// ActiveConversation returns the id of the active conversation.
func (s *Store) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Subscribe returns a channel receiving cache events.
func (s *Store) Subscribe() chan Event {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	ch := make(chan Event, 16)
	s.listeners = append(s.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (s *Store) Unsubscribe(ch chan Event) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// insertLocked is the single dedup gate: both the send-confirmation path
// and the push path go through it. Returns false for a duplicate id.
// Order is append-only — dedup never reorders.
func (s *Store) insertLocked(msg backend.Message) bool {
	if msg.ID == "" || s.messageIDs[msg.ID] {
		return false
	}
	s.messageIDs[msg.ID] = true
	s.messages = append(s.messages, msg)
	return true
}

// touchConversationLocked updates preview/timestamp for the message's
// conversation, creating a soft entry when the conversation is not yet
// known (first message from a new contact).
func (s *Store) touchConversationLocked(msg backend.Message, incrementUnread bool) {
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		conv = &Conversation{Conversation: backend.Conversation{
			ID:             msg.ConversationID,
			ParticipantIDs: []string{s.selfID, msg.SenderID},
		}}
		s.conversations[msg.ConversationID] = conv
		s.enrichLocked(conv)
	}
	conv.LastMessagePreview = truncatePreview(msg.Content)
	if msg.CreatedAt > conv.LastMessageAt {
		conv.LastMessageAt = msg.CreatedAt
	}
	if incrementUnread {
		conv.UnreadCount++
	}
}

// enrichLocked resolves the other participant from the presence tracker.
// Best-effort — absence is not an error.
func (s *Store) enrichLocked(conv *Conversation) {
	if s.pres == nil {
		return
	}
	otherID := conv.OtherParticipantID(s.selfID)
	if otherID == "" {
		return
	}
	if entry, ok := s.pres.Get(otherID); ok {
		conv.OtherParticipant = &entry
	}
}

func (s *Store) sortedLocked() []*Conversation {
	out := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt > out[j].LastMessageAt
	})
	return out
}

func (s *Store) messagesLocked() []backend.Message {
	out := make([]backend.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) persistConversations() {
	if s.snap == nil {
		return
	}
	s.mu.Lock()
	rows := make([]backend.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		rows = append(rows, conv.Conversation)
	}
	s.mu.Unlock()
	if err := s.snap.SaveConversations(rows); err != nil {
		log.Printf("CHAT: snapshot conversations: %v", err)
	}
}

func (s *Store) persistMessage(msg backend.Message) {
	if s.snap == nil {
		return
	}
	if err := s.snap.UpsertMessage(msg); err != nil {
		log.Printf("CHAT: snapshot message %s: %v", msg.ID, err)
	}
}

func (s *Store) notify(evt Event) {
	s.listenerMu.Lock()
	listeners := make([]chan Event, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
