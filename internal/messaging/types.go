// Package messaging defines the client-side contract of the chat SDK: users,
// chats, messages and the operations a screen can perform against the service.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultListLimit is the number of messages fetched when listing history.
const DefaultListLimit = 20

// Meta is a free-form attribute map attached to users and chats.
type Meta map[string]interface{}

// Clone returns a shallow copy of m.
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// User is an identity inside the messaging service.
type User struct {
	Serial string `json:"serial"`
	Meta   Meta   `json:"meta,omitempty"`
}

// DisplayName returns the "name" metadata value. The second result reports
// whether the key was present.
func (u *User) DisplayName() (string, bool) {
	if u == nil || u.Meta == nil {
		return "", false
	}
	v, ok := u.Meta["name"]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Chat is a conversation room.
type Chat struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	Meta      Meta      `json:"meta,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single chat message. Sender is nil for system messages.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Sender    *User     `json:"sender,omitempty"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// IsSystem reports whether the message has no sender.
func (m *Message) IsSystem() bool {
	return m.Sender == nil
}

// Client is the set of SDK calls available to a chat screen. Every call
// blocks until the service answers, the context ends or the connection fails.
type Client interface {
	// Authenticate presents a session token and returns the current user.
	Authenticate(ctx context.Context, token string) (*User, error)
	// UpdateCurrentUserMeta merges meta into the current user's metadata.
	UpdateCurrentUserMeta(ctx context.Context, meta Meta) (*User, error)
	// CreateDirectChat creates or reopens the two-party chat with peer.
	CreateDirectChat(ctx context.Context, peer string, meta Meta) (*Chat, error)
	// ListMessages returns up to limit recent messages of a chat.
	ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
	// SendDirectText sends text to peer. beforeSend, when non-nil, sees the
	// outgoing message before it is written.
	SendDirectText(ctx context.Context, peer, text string, beforeSend func(*Message)) (*Message, error)
}

// Session holds the authenticated user of one client. It is shared by the SDK
// client, which fills it, and the screen, which reads it.
type Session struct {
	mu   sync.RWMutex
	user *User
}

// NewSession returns an unauthenticated session.
func NewSession() *Session {
	return &Session{}
}

// CurrentUser returns the authenticated user, or nil before authentication.
func (s *Session) CurrentUser() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	return &User{Serial: s.user.Serial, Meta: s.user.Meta.Clone()}
}

// SetCurrentUser replaces the authenticated user.
func (s *Session) SetCurrentUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.user = nil
		return
	}
	s.user = &User{Serial: u.Serial, Meta: u.Meta.Clone()}
}

// Clear drops the authenticated user.
func (s *Session) Clear() {
	s.SetCurrentUser(nil)
}
