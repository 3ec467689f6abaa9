package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/backend"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/signaling"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

// fakeService is a minimal in-memory persistence service.
type fakeService struct {
	mu       sync.Mutex
	messages map[string][]backend.Message // conversationID → messages
	convs    []backend.Conversation
	nextID   int
	failNext bool
}

func newFakeService() (*fakeService, *httptest.Server) {
	svc := &fakeService{messages: make(map[string][]backend.Message)}
	srv := httptest.NewServer(http.HandlerFunc(svc.handle))
	return svc, srv
}

func (f *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext {
		f.failNext = false
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/conversations":
		json.NewEncoder(w).Encode(f.convs)
	case r.Method == http.MethodGet && len(r.URL.Path) > len("/conversations/"):
		conv := r.URL.Path[len("/conversations/") : len(r.URL.Path)-len("/messages")]
		json.NewEncoder(w).Encode(f.messages[conv])
	case r.Method == http.MethodPost && r.URL.Path == "/conversations":
		json.NewEncoder(w).Encode(backend.Conversation{ID: "c-new", ParticipantIDs: []string{"me", "peer"}})
	case r.Method == http.MethodPost && r.URL.Path[len(r.URL.Path)-5:] == "/read":
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost:
		conv := r.URL.Path[len("/conversations/") : len(r.URL.Path)-len("/messages")]
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		msg := backend.Message{
			ID:             "m" + strconv.Itoa(f.nextID),
			ConversationID: conv,
			SenderID:       "me",
			Content:        body["content"],
			CreatedAt:      int64(100 + f.nextID),
		}
		f.messages[conv] = append(f.messages[conv], msg)
		json.NewEncoder(w).Encode(msg)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeService) seed(conv string, msgs ...backend.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[conv] = append(f.messages[conv], msgs...)
	f.convs = append(f.convs, backend.Conversation{ID: conv, ParticipantIDs: []string{"me", "peer"}})
}

func newTestStore(t *testing.T) (*Store, *fakeService) {
	t.Helper()
	svc, srv := newFakeService()
	t.Cleanup(srv.Close)
	api := backend.NewClient(srv.URL, staticToken("tok"))
	return NewStore("me", api, nil, nil), svc
}

func pushInfo(id, conv, sender, content string, at int64) signaling.MessageInfo {
	return signaling.MessageInfo{ID: id, ConversationID: conv, SenderID: sender, Content: content, CreatedAt: at}
}

func TestInsertIsIdempotent(t *testing.T) {
	s, svc := newTestStore(t)
	svc.seed("c1")
	if _, err := s.LoadMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	s.HandlePush(pushInfo("m1", "c1", "peer", "Hello", 100))
	s.HandlePush(pushInfo("m1", "c1", "peer", "Hello", 100))
	s.HandlePush(pushInfo("m1", "c1", "peer", "Hello", 100))

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "Hello" {
		t.Fatalf("content = %q", msgs[0].Content)
	}
}

func TestPushRacingAppendConfirmation(t *testing.T) {
	// The sender's append confirmation and the recipient-style push for
	// the same message can arrive in either order; both orders must leave
	// exactly one copy.
	s, svc := newTestStore(t)
	svc.seed("c1")
	ctx := context.Background()
	if _, err := s.LoadMessages(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	t.Run("confirmation first", func(t *testing.T) {
		msg, err := s.SendMessage(ctx, "c1", "Hello")
		if err != nil {
			t.Fatal(err)
		}
		s.HandlePush(pushInfo(msg.ID, "c1", "me", "Hello", msg.CreatedAt))
		if got := countContent(s.Messages(), "Hello"); got != 1 {
			t.Fatalf("%q appears %d times, want 1", "Hello", got)
		}
	})

	t.Run("push first", func(t *testing.T) {
		// A push for a message the service has already persisted, followed
		// by a refetch that includes it.
		svc.seed("c2", backend.Message{ID: "m9", ConversationID: "c2", SenderID: "peer", Content: "Hi", CreatedAt: 50})
		s.HandlePush(pushInfo("m9", "c2", "peer", "Hi", 50))

		if _, err := s.LoadMessages(ctx, "c2"); err != nil {
			t.Fatal(err)
		}
		s.HandlePush(pushInfo("m9", "c2", "peer", "Hi", 50))
		if got := countContent(s.Messages(), "Hi"); got != 1 {
			t.Fatalf("%q appears %d times, want 1", "Hi", got)
		}
	})
}

func TestDedupNeverReorders(t *testing.T) {
	s, svc := newTestStore(t)
	svc.seed("c1")
	if _, err := s.LoadMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	s.HandlePush(pushInfo("m1", "c1", "peer", "first", 100))
	s.HandlePush(pushInfo("m2", "c1", "peer", "second", 200))
	s.HandlePush(pushInfo("m1", "c1", "peer", "first", 100)) // duplicate
	s.HandlePush(pushInfo("m3", "c1", "peer", "third", 300))

	msgs := s.Messages()
	want := []string{"first", "second", "third"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Fatalf("messages[%d] = %q, want %q", i, msgs[i].Content, w)
		}
	}
}

func TestUnreadCounting(t *testing.T) {
	s, svc := newTestStore(t)
	svc.seed("c1")
	svc.seed("c2")
	ctx := context.Background()
	if _, err := s.LoadConversations(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadMessages(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	// Push into the open conversation: visible, not unread.
	s.HandlePush(pushInfo("m1", "c1", "peer", "active", 100))
	// Push into a background conversation: unread.
	s.HandlePush(pushInfo("m2", "c2", "peer", "background", 200))
	// Own message echoed into a background conversation: not unread.
	s.HandlePush(pushInfo("m3", "c2", "me", "mine", 300))

	var c1, c2 *Conversation
	for _, conv := range s.Conversations() {
		switch conv.ID {
		case "c1":
			c1 = conv
		case "c2":
			c2 = conv
		}
	}
	if c1 == nil || c1.UnreadCount != 0 {
		t.Fatalf("c1 = %+v, want 0 unread", c1)
	}
	if c2 == nil || c2.UnreadCount != 1 {
		t.Fatalf("c2 = %+v, want 1 unread", c2)
	}

	// Opening c2 zeroes its unread count.
	if _, err := s.LoadMessages(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	for _, conv := range s.Conversations() {
		if conv.ID == "c2" && conv.UnreadCount != 0 {
			t.Fatalf("c2 unread = %d after open", conv.UnreadCount)
		}
	}
}

func TestFailedSendLeavesNoGhost(t *testing.T) {
	s, svc := newTestStore(t)
	svc.seed("c1")
	ctx := context.Background()
	if _, err := s.LoadMessages(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	svc.mu.Lock()
	svc.failNext = true
	svc.mu.Unlock()

	if _, err := s.SendMessage(ctx, "c1", "lost"); err == nil {
		t.Fatal("expected send error")
	}
	if got := len(s.Messages()); got != 0 {
		t.Fatalf("failed send left %d messages", got)
	}
}

func TestPushCreatesUnknownConversation(t *testing.T) {
	s, _ := newTestStore(t)

	// First contact: a message for a conversation the client has never
	// fetched still shows up in the list.
	s.HandlePush(pushInfo("m1", "c-new", "stranger", "hello from a new contact", 100))

	convs := s.Conversations()
	if len(convs) != 1 || convs[0].ID != "c-new" {
		t.Fatalf("conversations = %+v", convs)
	}
	if convs[0].UnreadCount != 1 {
		t.Fatalf("unread = %d", convs[0].UnreadCount)
	}
	if convs[0].LastMessagePreview == "" {
		t.Fatal("missing preview")
	}
}

// memorySnapshots is an in-memory Snapshots implementation.
type memorySnapshots struct {
	mu    sync.Mutex
	convs []backend.Conversation
	msgs  map[string][]backend.Message
}

func (m *memorySnapshots) SaveConversations(rows []backend.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs = rows
	return nil
}

func (m *memorySnapshots) LoadConversations() ([]backend.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convs, nil
}

func (m *memorySnapshots) SaveMessages(conv string, msgs []backend.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.msgs == nil {
		m.msgs = make(map[string][]backend.Message)
	}
	m.msgs[conv] = msgs
	return nil
}

func (m *memorySnapshots) LoadMessages(conv string) ([]backend.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msgs[conv], nil
}

func (m *memorySnapshots) UpsertMessage(backend.Message) error { return nil }

func TestWarmStartFromSnapshot(t *testing.T) {
	snap := &memorySnapshots{
		convs: []backend.Conversation{
			{ID: "c1", ParticipantIDs: []string{"me", "peer"}, LastMessagePreview: "cached", LastMessageAt: 100},
		},
	}
	svc, srv := newFakeService()
	t.Cleanup(srv.Close)
	_ = svc
	api := backend.NewClient(srv.URL, staticToken("tok"))

	s := NewStore("me", api, nil, snap)
	convs := s.Conversations()
	if len(convs) != 1 || convs[0].LastMessagePreview != "cached" {
		t.Fatalf("warm start conversations = %+v", convs)
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	// 90 bytes of 3-byte runes: the byte limit lands mid-rune and must
	// back up to the previous boundary.
	long := strings.Repeat("日", 30)
	if got, want := truncatePreview(long), strings.Repeat("日", 26); got != want {
		t.Fatalf("preview = %q (%d bytes), want %q", got, len(got), want)
	}

	mixed := strings.Repeat("a", 79) + "日"
	if got, want := truncatePreview(mixed), strings.Repeat("a", 79); got != want {
		t.Fatalf("mixed preview = %q", got)
	}

	short := "short message"
	if got := truncatePreview(short); got != short {
		t.Fatalf("short preview changed: %q", got)
	}
	exact := strings.Repeat("b", previewLimit)
	if got := truncatePreview(exact); got != exact {
		t.Fatalf("exact-limit preview changed: %q", got)
	}
}

func countContent(msgs []backend.Message, content string) int {
	n := 0
	for _, m := range msgs {
		if m.Content == content {
			n++
		}
	}
	return n
}
