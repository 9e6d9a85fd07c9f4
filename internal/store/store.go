// Package store persists users, direct chats and messages for the development messaging service.
package store

import (
	"context"

	"github.com/xiaot623/firstchat/internal/messaging"
)

// Store defines the persistence interface used by the service.
type Store interface {
	// User operations
	EnsureUser(ctx context.Context, serial string) (*messaging.User, error)
	GetUser(ctx context.Context, serial string) (*messaging.User, error)
	UpdateUserMeta(ctx context.Context, serial string, patch messaging.Meta) (*messaging.User, error)

	// Chat operations
	GetOrCreateDirectChat(ctx context.Context, a, b string, meta messaging.Meta) (*messaging.Chat, bool, error)
	GetChat(ctx context.Context, chatID string) (*messaging.Chat, error)
	IsMember(ctx context.Context, chatID, serial string) (bool, error)

	// Message operations
	CreateMessage(ctx context.Context, msg *messaging.Message) error
	ListRecentMessages(ctx context.Context, chatID string, limit int) ([]*messaging.Message, error)

	Close() error
}
