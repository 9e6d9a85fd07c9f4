// Package protocol defines the WebSocket message protocol between chat clients and the messaging service.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/xiaot623/firstchat/internal/messaging"
)

// Message types from client to service
const (
	TypeAuth             = "auth"
	TypeUpdateMeta       = "update_meta"
	TypeCreateDirectChat = "create_direct_chat"
	TypeListMessages     = "list_messages"
	TypeSendDirectText   = "send_direct_text"
)

// Message types from service to client
const (
	TypeAuthAck         = "auth_ack"
	TypeUser            = "user"
	TypeChat            = "chat"
	TypeMessages        = "messages"
	TypeMessage         = "message"
	TypeMessageReceived = "message_received"
	TypeError           = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// NewBase stamps a base envelope with the current time.
func NewBase(msgType, requestID string) BaseMessage {
	return BaseMessage{
		Type:      msgType,
		Ts:        time.Now().UnixMilli(),
		RequestID: requestID,
	}
}

// AuthMessage is sent by the client to authenticate the connection.
type AuthMessage struct {
	BaseMessage
	Token string `json:"token"`
}

// AuthAckMessage is sent by the service after successful authentication.
type AuthAckMessage struct {
	BaseMessage
	User *messaging.User `json:"user"`
}

// UpdateMetaMessage merges metadata into the current user.
type UpdateMetaMessage struct {
	BaseMessage
	Meta messaging.Meta `json:"meta"`
}

// UserMessage carries a user record.
type UserMessage struct {
	BaseMessage
	User *messaging.User `json:"user"`
}

// CreateDirectChatMessage creates or reopens a direct chat with Peer.
type CreateDirectChatMessage struct {
	BaseMessage
	Peer string         `json:"peer"`
	Meta messaging.Meta `json:"meta,omitempty"`
}

// ChatMessage carries a chat record.
type ChatMessage struct {
	BaseMessage
	Chat *messaging.Chat `json:"chat"`
}

// ListMessagesMessage asks for the most recent messages of a chat.
type ListMessagesMessage struct {
	BaseMessage
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit,omitempty"`
}

// MessagesMessage answers ListMessagesMessage, newest first.
type MessagesMessage struct {
	BaseMessage
	Messages []*messaging.Message `json:"messages"`
}

// SendDirectTextMessage sends a text message to Peer.
type SendDirectTextMessage struct {
	BaseMessage
	Peer            string `json:"peer"`
	Text            string `json:"text"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// MessageMessage carries one stored message. The service uses it both for the
// send echo and, with TypeMessageReceived, for pushes.
type MessageMessage struct {
	BaseMessage
	Message *messaging.Message `json:"message"`
}

// ErrorMessage is sent by the service when an error occurs.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeSessionRequired = "session_required"
	ErrorCodeForbidden       = "forbidden"
	ErrorCodeNotFound        = "not_found"
	ErrorCodeInternalError   = "internal_error"
)

// ToError converts an error envelope into a *messaging.Error matching the
// sentinel for its code.
func (m *ErrorMessage) ToError() error {
	var kind error
	switch m.Code {
	case ErrorCodeUnauthorized:
		kind = messaging.ErrUnauthorized
	case ErrorCodeSessionRequired:
		kind = messaging.ErrNotAuthenticated
	case ErrorCodeForbidden:
		kind = messaging.ErrForbidden
	case ErrorCodeNotFound:
		kind = messaging.ErrNotFound
	case ErrorCodeInvalidMessage:
		kind = messaging.ErrInvalidRequest
	}
	return &messaging.Error{Code: m.Code, Message: m.Message, Kind: kind}
}

// Decode reads the envelope fields of a raw frame.
func Decode(data []byte) (BaseMessage, error) {
	var base BaseMessage
	err := json.Unmarshal(data, &base)
	return base, err
}
