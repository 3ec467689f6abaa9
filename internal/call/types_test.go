package call

import "testing"

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateIdle, StateInitiating},
		{StateIdle, StateRingingIn},
		{StateInitiating, StateRingingOut},
		{StateRingingOut, StateConnecting},
		{StateRingingOut, StateCancelled},
		{StateRingingIn, StateConnecting},
		{StateRingingIn, StateRejected},
		{StateConnecting, StateActive},
		{StateActive, StateEnded},
		{StateActive, StateFailed},
	}
	for _, tc := range legal {
		if !transitionLegal(tc.from, tc.to) {
			t.Errorf("%s → %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateActive, StateRingingOut},
		{StateActive, StateRingingIn},
		{StateEnded, StateActive},
		{StateEnded, StateInitiating},
		{StateCancelled, StateConnecting},
		{StateRejected, StateActive},
		{StateFailed, StateConnecting},
		{StateIdle, StateActive},
		{StateIdle, StateConnecting},
	}
	for _, tc := range illegal {
		if transitionLegal(tc.from, tc.to) {
			t.Errorf("%s → %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateEnded, StateRejected, StateCancelled, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StateInitiating, StateRingingOut, StateRingingIn, StateConnecting, StateActive} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSessionIllegalTransitionIsNoOp(t *testing.T) {
	s := newSession(nil, "c1", DirectionOutgoing, KindVideo, "peer")

	if !s.transition(StateInitiating) {
		t.Fatal("Idle → Initiating refused")
	}
	if s.transition(StateActive) {
		t.Fatal("Initiating → Active accepted")
	}
	if got := s.State(); got != StateInitiating {
		t.Fatalf("state moved on illegal transition: %s", got)
	}

	// Drive to a terminal state; nothing leaves it.
	s.transition(StateRingingOut)
	s.transition(StateCancelled)
	for _, to := range []State{StateConnecting, StateActive, StateEnded, StateInitiating} {
		if s.transition(to) {
			t.Fatalf("Cancelled → %s accepted", to)
		}
	}
}

func TestSessionFailRecordsReason(t *testing.T) {
	s := newSession(nil, "c2", DirectionOutgoing, KindVoice, "peer")
	s.transition(StateInitiating)

	s.fail("no answer")
	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if got := s.Error(); got != "no answer" {
		t.Fatalf("error = %q", got)
	}

	s.ClearError()
	if s.Error() != "" {
		t.Fatal("error not cleared")
	}

	// fail on an already-terminal session keeps the terminal state.
	s.fail("again")
	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %s after second fail", got)
	}
}

func TestSessionFailKeepsTerminalError(t *testing.T) {
	// A straggling failure after the call already ended must not replace
	// the outcome the UI is showing.
	s := newSession(nil, "c6", DirectionOutgoing, KindVoice, "peer")
	s.transition(StateInitiating)
	s.transition(StateRingingOut)
	s.transition(StateCancelled)

	s.fail("ice disconnected")
	if got := s.State(); got != StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}
	if got := s.Error(); got != "" {
		t.Fatalf("error = %q, want empty", got)
	}

	// And a second failure must not replace the first one's reason.
	f := newSession(nil, "c7", DirectionOutgoing, KindVoice, "peer")
	f.transition(StateInitiating)
	f.fail("no answer")
	f.fail("ice disconnected")
	if got := f.Error(); got != "no answer" {
		t.Fatalf("error = %q, want first reason kept", got)
	}
}

func TestSessionDurationZeroUntilActive(t *testing.T) {
	s := newSession(nil, "c3", DirectionIncoming, KindVideo, "peer")
	s.transition(StateRingingIn)
	if d := s.Duration(); d != 0 {
		t.Fatalf("duration %s before active", d)
	}
	s.transition(StateConnecting)
	s.transition(StateActive)
	if s.Duration() < 0 {
		t.Fatal("negative duration")
	}
}

func TestSessionMediaToggles(t *testing.T) {
	s := newSession(nil, "c4", DirectionOutgoing, KindVideo, "peer")
	if !s.AudioOn() || !s.VideoOn() {
		t.Fatal("video call should start with audio and video on")
	}
	if muted := s.ToggleAudio(); !muted {
		t.Fatal("first audio toggle should mute")
	}
	if disabled := s.ToggleVideo(); !disabled {
		t.Fatal("first video toggle should disable")
	}

	voice := newSession(nil, "c5", DirectionOutgoing, KindVoice, "peer")
	if voice.VideoOn() {
		t.Fatal("voice call should start with video off")
	}
}
