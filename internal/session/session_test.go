package session

import (
	"errors"
	"testing"
)

func TestValidateID(t *testing.T) {
	cases := []struct {
		id      string
		wantErr bool
	}{
		{"session-1", false},
		{"session_1", false},
		{"SessionABC123", false},
		{"", true},
		{"has spaces", true},
		{"has/slash", true},
		{"has.dot", true},
	}

	for _, tc := range cases {
		err := ValidateID(tc.id)
		if tc.wantErr && err == nil {
			t.Errorf("ValidateID(%q): expected an error, got nil", tc.id)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("ValidateID(%q): unexpected error: %v", tc.id, err)
		}
		if tc.wantErr && KindOf(err) != ErrKindInvalidInput {
			t.Errorf("ValidateID(%q): expected ErrKindInvalidInput, got %v", tc.id, KindOf(err))
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateInitializing: "initializing",
		StateReady:        "ready",
		StateStreaming:    "streaming",
		StateClosing:      "closing",
		StateClosed:       "closed",
		StateFailed:       "failed",
		State(99):         "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestKindOfDefaultsToSubscriberErrorForForeignErrors(t *testing.T) {
	foreign := errors.New("not a session error")
	if got := KindOf(foreign); got != ErrKindSubscriberError {
		t.Errorf("KindOf(foreign error) = %v, want %v", got, ErrKindSubscriberError)
	}
}
