package entities

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState tracks a transport connection through its lifecycle.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	sessionIDPrefix = "live2d_session_"
	userIDPrefix    = "live2d_user_"
)

// SessionIDFor derives the session id for a client. Reconnects of the same
// client land on the same id.
func SessionIDFor(clientID string) string {
	return sessionIDPrefix + clientID
}

// UserIDFor derives the user id for a client.
func UserIDFor(clientID string) string {
	return userIDPrefix + clientID
}

// Session represents an authenticated desktop client.
type Session struct {
	ID           string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	ClientID     string    `json:"clientId"`
	ConnectionID string    `json:"connectionId"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	lastSeen atomic.Int64

	mu          sync.RWMutex
	clientState map[string]interface{}
}

// NewSession creates a session for a client that just completed its handshake.
func NewSession(clientID, connectionID string, capabilities []string) *Session {
	now := time.Now()
	s := &Session{
		ID:           SessionIDFor(clientID),
		UserID:       UserIDFor(clientID),
		ClientID:     clientID,
		ConnectionID: connectionID,
		Capabilities: capabilities,
		CreatedAt:    now,
		clientState:  make(map[string]interface{}),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

// Touch records traffic from the client.
func (s *Session) Touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) LastSeenAt() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// IsIdle reports whether the client has been silent for longer than timeout.
func (s *Session) IsIdle(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastSeenAt()) > timeout
}

// HasCapability reports whether the client announced support for op. Clients
// that announce nothing are assumed to support everything.
func (s *Session) HasCapability(op string) bool {
	if len(s.Capabilities) == 0 {
		return true
	}
	for _, c := range s.Capabilities {
		if c == op {
			return true
		}
	}
	return false
}

// SetClientState stores the latest value the client reported for key
// (playing, config, model).
func (s *Session) SetClientState(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientState[key] = value
}

func (s *Session) ClientState(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.clientState[key]
	return v, ok
}

// SessionInfo is a point-in-time copy of a session for reporting.
type SessionInfo struct {
	SessionID    string                 `json:"sessionId"`
	UserID       string                 `json:"userId"`
	ClientID     string                 `json:"clientId"`
	ConnectionID string                 `json:"connectionId"`
	CreatedAt    time.Time              `json:"createdAt"`
	LastSeenAt   time.Time              `json:"lastSeenAt"`
	State        map[string]interface{} `json:"state,omitempty"`
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	state := make(map[string]interface{}, len(s.clientState))
	for k, v := range s.clientState {
		state[k] = v
	}
	s.mu.RUnlock()

	return SessionInfo{
		SessionID:    s.ID,
		UserID:       s.UserID,
		ClientID:     s.ClientID,
		ConnectionID: s.ConnectionID,
		CreatedAt:    s.CreatedAt,
		LastSeenAt:   s.LastSeenAt(),
		State:        state,
	}
}
