package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/signaling"
)

// captureSender records outbound envelopes for assertions.
type captureSender struct {
	mu   sync.Mutex
	sent []*signaling.Envelope
}

func (c *captureSender) Send(env *signaling.Envelope) {
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
}

func (c *captureSender) byType(t signaling.EnvelopeType) []*signaling.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*signaling.Envelope
	for _, env := range c.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func TestOnlineOffline(t *testing.T) {
	tr := NewTracker("self", &captureSender{}, 0)
	defer tr.Close()

	tr.HandleOnline(signaling.PresenceInfo{UserID: "u1", FullName: "Ada"})
	if !tr.IsOnline("u1") {
		t.Fatal("u1 should be online")
	}
	entry, ok := tr.Get("u1")
	if !ok || entry.FullName != "Ada" {
		t.Fatalf("entry = %+v", entry)
	}

	tr.HandleOffline("u1")
	if tr.IsOnline("u1") {
		t.Fatal("u1 should be offline")
	}
	// Offline for an unknown user is a no-op.
	tr.HandleOffline("ghost")
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	ttl := 200 * time.Millisecond
	tr := NewTracker("self", &captureSender{}, ttl)
	defer tr.Close()

	tr.HandleTypingStart("u1", "conv1")
	if !tr.IsTyping("u1", "conv1") {
		t.Fatal("typing flag missing right after start")
	}

	// Just inside the TTL the flag must still be there.
	time.Sleep(ttl - 60*time.Millisecond)
	if !tr.IsTyping("u1", "conv1") {
		t.Fatal("typing flag expired early")
	}

	// Just past it, gone.
	time.Sleep(120 * time.Millisecond)
	if tr.IsTyping("u1", "conv1") {
		t.Fatal("typing flag survived past TTL")
	}
}

func TestTypingRefreshExtendsTTL(t *testing.T) {
	ttl := 200 * time.Millisecond
	tr := NewTracker("self", &captureSender{}, ttl)
	defer tr.Close()

	tr.HandleTypingStart("u1", "conv1")
	time.Sleep(150 * time.Millisecond)
	tr.HandleTypingStart("u1", "conv1") // refresh

	// 150ms after the refresh the original TTL has long passed, but the
	// refreshed one has not.
	time.Sleep(150 * time.Millisecond)
	if !tr.IsTyping("u1", "conv1") {
		t.Fatal("refresh did not extend the typing flag")
	}

	time.Sleep(120 * time.Millisecond)
	if tr.IsTyping("u1", "conv1") {
		t.Fatal("refreshed flag never expired")
	}
}

func TestTypingStopClearsImmediately(t *testing.T) {
	tr := NewTracker("self", &captureSender{}, time.Minute)
	defer tr.Close()

	tr.HandleTypingStart("u1", "conv1")
	tr.HandleTypingStop("u1", "conv1")
	if tr.IsTyping("u1", "conv1") {
		t.Fatal("stop did not clear the flag")
	}
	// Second stop is a no-op.
	tr.HandleTypingStop("u1", "conv1")
}

func TestOfflineClearsTypingFlags(t *testing.T) {
	tr := NewTracker("self", &captureSender{}, time.Minute)
	defer tr.Close()

	tr.HandleOnline(signaling.PresenceInfo{UserID: "u1"})
	tr.HandleTypingStart("u1", "conv1")
	tr.HandleTypingStart("u1", "conv2")

	tr.HandleOffline("u1")
	if tr.IsTyping("u1", "conv1") || tr.IsTyping("u1", "conv2") {
		t.Fatal("offline left typing flags behind")
	}
}

func TestStartTypingDebouncedAutoStop(t *testing.T) {
	sender := &captureSender{}
	tr := NewTracker("self", sender, 150*time.Millisecond)
	defer tr.Close()

	// Rapid keystrokes: several starts inside the window.
	tr.StartTyping("u2", "conv1")
	tr.StartTyping("u2", "conv1")
	tr.StartTyping("u2", "conv1")

	// Auto-stop fires once after the (extended) window.
	deadline := time.Now().Add(2 * time.Second)
	for len(sender.byType(signaling.TypeTypingStop)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("auto-stop never sent")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := len(sender.byType(signaling.TypeTypingStart)); got != 3 {
		t.Fatalf("typing-start sent %d times, want 3", got)
	}
	if got := len(sender.byType(signaling.TypeTypingStop)); got != 1 {
		t.Fatalf("typing-stop sent %d times, want 1", got)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	tr := NewTracker("self", &captureSender{}, time.Minute)
	defer tr.Close()

	ch := tr.Subscribe()
	tr.HandleOnline(signaling.PresenceInfo{UserID: "u1"})

	select {
	case evt := <-ch:
		if evt.Type != "online" || evt.UserID != "u1" {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	tr.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("unsubscribed channel not closed")
	}
}
