package storage

import (
	"testing"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/backend"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConversationRoundTrip(t *testing.T) {
	db := openTestDB(t)

	in := []backend.Conversation{
		{ID: "c1", ParticipantIDs: []string{"me", "u1"}, LastMessagePreview: "hi", LastMessageAt: 200, UnreadCount: 2},
		{ID: "c2", ParticipantIDs: []string{"me", "u2"}, LastMessageAt: 100},
	}
	if err := db.SaveConversations(in); err != nil {
		t.Fatal(err)
	}

	out, err := db.LoadConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d conversations", len(out))
	}
	// Most recent first.
	if out[0].ID != "c1" || out[1].ID != "c2" {
		t.Fatalf("order = %s, %s", out[0].ID, out[1].ID)
	}
	if out[0].UnreadCount != 2 || out[0].LastMessagePreview != "hi" {
		t.Fatalf("c1 = %+v", out[0])
	}
	if len(out[0].ParticipantIDs) != 2 || out[0].ParticipantIDs[1] != "u1" {
		t.Fatalf("participants = %v", out[0].ParticipantIDs)
	}

	// Re-save updates in place, never duplicates.
	in[0].LastMessagePreview = "bye"
	if err := db.SaveConversations(in[:1]); err != nil {
		t.Fatal(err)
	}
	out, err = db.LoadConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].LastMessagePreview != "bye" {
		t.Fatalf("after update: %+v", out)
	}
}

func TestMessageRoundTripAndOrder(t *testing.T) {
	db := openTestDB(t)

	readAt := int64(500)
	msgs := []backend.Message{
		{ID: "m2", ConversationID: "c1", SenderID: "u1", Content: "second", CreatedAt: 200},
		{ID: "m1", ConversationID: "c1", SenderID: "me", Content: "first", CreatedAt: 100, ReadAt: &readAt},
	}
	if err := db.SaveMessages("c1", msgs); err != nil {
		t.Fatal(err)
	}

	out, err := db.LoadMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d messages", len(out))
	}
	if out[0].ID != "m1" || out[1].ID != "m2" {
		t.Fatalf("order = %s, %s (want created_at order)", out[0].ID, out[1].ID)
	}
	if out[0].ReadAt == nil || *out[0].ReadAt != 500 {
		t.Fatalf("read_at = %v", out[0].ReadAt)
	}
	if out[1].ReadAt != nil {
		t.Fatalf("m2 read_at = %v, want nil", out[1].ReadAt)
	}

	if other, _ := db.LoadMessages("c-other"); len(other) != 0 {
		t.Fatalf("wrong conversation returned %d messages", len(other))
	}
}

func TestDuplicateMessageIDKeepsOneRow(t *testing.T) {
	db := openTestDB(t)

	msg := backend.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hello", CreatedAt: 100}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Content = "hello edited"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	out, err := db.LoadMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("duplicate id produced %d rows", len(out))
	}
	if out[0].Content != "hello edited" {
		t.Fatalf("content = %q", out[0].Content)
	}
}

func TestReopenSeesPersistedData(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveConversations([]backend.Conversation{
		{ID: "c1", ParticipantIDs: []string{"me", "u1"}},
	}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	out, err := db2.LoadConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "c1" {
		t.Fatalf("after reopen: %+v", out)
	}
}
