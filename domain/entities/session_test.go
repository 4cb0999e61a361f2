package entities

import (
	"testing"
	"time"
)

func TestSessionCreation(t *testing.T) {
	clientID := "desk-123"
	session := NewSession(clientID, "conn-1", nil)

	if session.ID != "live2d_session_desk-123" {
		t.Errorf("Expected session ID live2d_session_desk-123, got %s", session.ID)
	}

	if session.UserID != "live2d_user_desk-123" {
		t.Errorf("Expected user ID live2d_user_desk-123, got %s", session.UserID)
	}

	if session.ClientID != clientID {
		t.Errorf("Expected client ID %s, got %s", clientID, session.ClientID)
	}

	if session.LastSeenAt().IsZero() {
		t.Error("Expected LastSeenAt to be set")
	}
}

func TestSessionIDsAreStableAcrossReconnects(t *testing.T) {
	first := NewSession("desk-1", "conn-1", nil)
	second := NewSession("desk-1", "conn-2", nil)

	if first.ID != second.ID {
		t.Errorf("Expected stable session ID, got %s and %s", first.ID, second.ID)
	}

	if first.UserID != second.UserID {
		t.Errorf("Expected stable user ID, got %s and %s", first.UserID, second.UserID)
	}
}

func TestSessionIdle(t *testing.T) {
	session := NewSession("desk-1", "conn-1", nil)
	start := time.Now()
	session.Touch(start)

	if session.IsIdle(start.Add(5*time.Second), 10*time.Second) {
		t.Error("Session should not be idle within the timeout")
	}

	if !session.IsIdle(start.Add(11*time.Second), 10*time.Second) {
		t.Error("Session should be idle after the timeout")
	}

	session.Touch(start.Add(11 * time.Second))
	if session.IsIdle(start.Add(12*time.Second), 10*time.Second) {
		t.Error("Touch should reset the idle timer")
	}
}

func TestSessionCapabilities(t *testing.T) {
	open := NewSession("a", "c", nil)
	if !open.HasCapability("desktop.window.list") {
		t.Error("Session without announced capabilities should accept any op")
	}

	limited := NewSession("b", "c", []string{"perform.show"})
	if !limited.HasCapability("perform.show") {
		t.Error("Expected perform.show capability")
	}
	if limited.HasCapability("desktop.window.list") {
		t.Error("Did not expect desktop.window.list capability")
	}
}

func TestSessionClientState(t *testing.T) {
	session := NewSession("desk-1", "conn-1", nil)
	session.SetClientState("playing", true)

	v, ok := session.ClientState("playing")
	if !ok || v != true {
		t.Errorf("Expected playing=true, got %v (%v)", v, ok)
	}

	info := session.Info()
	info.State["playing"] = false
	v, _ = session.ClientState("playing")
	if v != true {
		t.Error("Info should return a copy of the client state")
	}
}

func TestConnectionStateString(t *testing.T) {
	states := map[ConnectionState]string{
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateActive:         "active",
		StateClosing:        "closing",
		StateClosed:         "closed",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("Expected %s, got %s", want, state.String())
		}
	}
}
