// Package ws provides WebSocket server functionality for chat client connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/firstchat/internal/config"
	"github.com/xiaot623/firstchat/internal/hub"
	"github.com/xiaot623/firstchat/internal/messaging"
	"github.com/xiaot623/firstchat/internal/policy"
	"github.com/xiaot623/firstchat/internal/protocol"
	"github.com/xiaot623/firstchat/internal/store"
)

// ChatCreatedText is the system message stored when a direct chat is first opened.
const ChatCreatedText = "chat created"

// requestTimeout bounds the store and policy work for one client request.
const requestTimeout = 10 * time.Second

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Server
	hub      *hub.Hub
	store    store.Store
	policy   *policy.Engine
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Server, h *hub.Hub, st store.Store, pe *policy.Engine) *Server {
	return &Server{
		cfg:    cfg,
		hub:    h,
		store:  st,
		policy: pe,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Development service: any origin.
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout()))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout()))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout()))

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval())
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout()))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	baseMsg, err := protocol.Decode(data)
	if err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	if baseMsg.Type != protocol.TypeAuth && conn.UserSerial == "" {
		s.sendError(conn, baseMsg.RequestID, protocol.ErrorCodeSessionRequired, "must send auth first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch baseMsg.Type {
	case protocol.TypeAuth:
		s.handleAuth(ctx, conn, baseMsg, data)
	case protocol.TypeUpdateMeta:
		s.handleUpdateMeta(ctx, conn, baseMsg, data)
	case protocol.TypeCreateDirectChat:
		s.handleCreateDirectChat(ctx, conn, baseMsg, data)
	case protocol.TypeListMessages:
		s.handleListMessages(ctx, conn, baseMsg, data)
	case protocol.TypeSendDirectText:
		s.handleSendDirectText(ctx, conn, baseMsg, data)
	default:
		s.sendError(conn, baseMsg.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
	}
}

// handleAuth validates the session token and binds the connection to its user.
func (s *Server) handleAuth(ctx context.Context, conn *hub.Connection, baseMsg protocol.BaseMessage, data []byte) {
	var msg protocol.AuthMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, baseMsg.RequestID, protocol.ErrorCodeInvalidMessage, "invalid auth message")
		return
	}

	serial, ok := s.cfg.Tokens[msg.Token]
	if !ok {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeUnauthorized, "invalid session token")
		return
	}

	user, err := s.store.EnsureUser(ctx, serial)
	if err != nil {
		s.sendInternalError(conn, msg.RequestID, "auth", err)
		return
	}

	sessionID := "sess_" + uuid.New().String()[:8]
	s.hub.BindUser(conn, serial, sessionID)

	ack := protocol.AuthAckMessage{
		BaseMessage: protocol.NewBase(protocol.TypeAuthAck, msg.RequestID),
		User:        user,
	}
	ack.SessionID = sessionID
	s.hub.SendJSONToConnection(conn, ack)

	log.Printf("Auth completed: user=%s session=%s", serial, sessionID)
}

// handleUpdateMeta merges metadata into the connection's user.
func (s *Server) handleUpdateMeta(ctx context.Context, conn *hub.Connection, baseMsg protocol.BaseMessage, data []byte) {
	var msg protocol.UpdateMetaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, baseMsg.RequestID, protocol.ErrorCodeInvalidMessage, "invalid update_meta message")
		return
	}

	user, err := s.store.UpdateUserMeta(ctx, conn.UserSerial, msg.Meta)
	if err != nil {
		s.sendInternalError(conn, msg.RequestID, "update meta", err)
		return
	}

	s.reply(conn, protocol.UserMessage{
		BaseMessage: protocol.NewBase(protocol.TypeUser, msg.RequestID),
		User:        user,
	})
}

// handleCreateDirectChat creates or reopens the chat with a peer.
func (s *Server) handleCreateDirectChat(ctx context.Context, conn *hub.Connection, baseMsg protocol.BaseMessage, data []byte) {
	var msg protocol.CreateDirectChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, baseMsg.RequestID, protocol.ErrorCodeInvalidMessage, "invalid create_direct_chat message")
		return
	}

	if !s.allowed(ctx, conn, msg.RequestID, policy.Input{
		Action: policy.ActionCreateDirectChat,
		Sender: conn.UserSerial,
		Peer:   msg.Peer,
	}) {
		return
	}

	chat, err := s.openDirectChat(ctx, conn.UserSerial, msg.Peer, msg.Meta)
	if err != nil {
		s.sendInternalError(conn, msg.RequestID, "create direct chat", err)
		return
	}

	s.reply(conn, protocol.ChatMessage{
		BaseMessage: protocol.NewBase(protocol.TypeChat, msg.RequestID),
		Chat:        chat,
	})
}

// handleListMessages returns the newest messages of a chat the user belongs to.
func (s *Server) handleListMessages(ctx context.Context, conn *hub.Connection, baseMsg protocol.BaseMessage, data []byte) {
	var msg protocol.ListMessagesMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, baseMsg.RequestID, protocol.ErrorCodeInvalidMessage, "invalid list_messages message")
		return
	}

	member, err := s.store.IsMember(ctx, msg.ChatID, conn.UserSerial)
	if err != nil {
		s.sendInternalError(conn, msg.RequestID, "list messages", err)
		return
	}
	if !member {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeNotFound, "chat not found: "+msg.ChatID)
		return
	}

	limit := msg.Limit
	if limit <= 0 {
		limit = messaging.DefaultListLimit
	}
	if s.cfg.MaxListLimit > 0 && limit > s.cfg.MaxListLimit {
		limit = s.cfg.MaxListLimit
	}

	messages, err := s.store.ListRecentMessages(ctx, msg.ChatID, limit)
	if err != nil {
		s.sendInternalError(conn, msg.RequestID, "list messages", err)
		return
	}

	s.reply(conn, protocol.MessagesMessage{
		BaseMessage: protocol.NewBase(protocol.TypeMessages, msg.RequestID),
		Messages:    messages,
	})
}

// handleSendDirectText stores a text message, echoes it to the sender and
// pushes it to the other connections of both members.
func (s *Server) handleSendDirectText(ctx context.Context, conn *hub.Connection, baseMsg protocol.BaseMessage, data []byte) {
	var msg protocol.SendDirectTextMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, baseMsg.RequestID, protocol.ErrorCodeInvalidMessage, "invalid send_direct_text message")
		return
	}

	if !s.allowed(ctx, conn, msg.RequestID, policy.Input{
		Action:        policy.ActionSendDirectText,
		Sender:        conn.UserSerial,
		Peer:          msg.Peer,
		TextLength:    len([]rune(msg.Text)),
		MaxTextLength: s.cfg.MaxTextLength,
	}) {
		return
	}

	chat, err := s.openDirectChat(ctx, conn.UserSerial, msg.Peer, nil)
	if err != nil {
		s.sendInternalError(conn, msg.RequestID, "send direct text", err)
		return
	}

	sender, err := s.store.GetUser(ctx, conn.UserSerial)
	if err != nil || sender == nil {
		s.sendInternalError(conn, msg.RequestID, "send direct text", errors.Join(err, messaging.ErrNotFound))
		return
	}

	stored := &messaging.Message{
		ID:        "msg_" + uuid.New().String(),
		ChatID:    chat.ID,
		Sender:    sender,
		Data:      msg.Text,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateMessage(ctx, stored); err != nil {
		s.sendInternalError(conn, msg.RequestID, "send direct text", err)
		return
	}

	s.reply(conn, protocol.MessageMessage{
		BaseMessage: protocol.NewBase(protocol.TypeMessage, msg.RequestID),
		Message:     stored,
	})
	s.push(chat.Members, conn.ID, stored)
}

// Announce stores a system message in a chat and pushes it to every member.
// It returns the stored message and the number of live member connections.
func (s *Server) Announce(ctx context.Context, chatID, text string) (*messaging.Message, int, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, 0, err
	}
	if chat == nil {
		return nil, 0, messaging.ErrNotFound
	}

	msg := &messaging.Message{
		ID:        "msg_" + uuid.New().String(),
		ChatID:    chat.ID,
		Data:      text,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, 0, err
	}

	delivered := 0
	for _, serial := range chat.Members {
		delivered += s.hub.UserConnectionCount(serial)
	}
	s.push(chat.Members, "", msg)
	return msg, delivered, nil
}

func (s *Server) openDirectChat(ctx context.Context, serial, peer string, meta messaging.Meta) (*messaging.Chat, error) {
	chat, created, err := s.store.GetOrCreateDirectChat(ctx, serial, peer, meta)
	if err != nil {
		return nil, err
	}
	if created {
		sys := &messaging.Message{
			ID:        "msg_" + uuid.New().String(),
			ChatID:    chat.ID,
			Data:      ChatCreatedText,
			CreatedAt: time.Now(),
		}
		if err := s.store.CreateMessage(ctx, sys); err != nil {
			return nil, err
		}
		log.Printf("Direct chat created: chat_id=%s members=%v", chat.ID, chat.Members)
	}
	return chat, nil
}

func (s *Server) allowed(ctx context.Context, conn *hub.Connection, requestID string, in policy.Input) bool {
	decision, err := s.policy.Evaluate(ctx, in)
	if err != nil {
		s.sendInternalError(conn, requestID, in.Action, err)
		return false
	}
	if !decision.Allowed() {
		reason := "blocked by policy"
		if len(decision.Reasons) > 0 {
			reason = decision.Reasons[0]
		}
		s.sendError(conn, requestID, protocol.ErrorCodeForbidden, reason)
		return false
	}
	return true
}

func (s *Server) push(serials []string, exceptConnID string, msg *messaging.Message) {
	push := protocol.MessageMessage{
		BaseMessage: protocol.NewBase(protocol.TypeMessageReceived, ""),
		Message:     msg,
	}
	if err := s.hub.SendJSONToUsers(serials, exceptConnID, push); err != nil {
		log.Printf("Failed to push message %s: %v", msg.ID, err)
	}
}

func (s *Server) reply(conn *hub.Connection, v interface{}) {
	if err := s.hub.SendJSONToConnection(conn, v); err != nil {
		log.Printf("Failed to reply on %s: %v", conn.ID, err)
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.NewBase(protocol.TypeError, requestID),
		Code:        code,
		Message:     message,
	}
	errMsg.SessionID = conn.SessionID
	s.hub.SendJSONToConnection(conn, errMsg)
}

func (s *Server) sendInternalError(conn *hub.Connection, requestID, op string, err error) {
	log.Printf("%s failed for %s: %v", op, conn.UserSerial, err)
	if errors.Is(err, messaging.ErrNotFound) {
		s.sendError(conn, requestID, protocol.ErrorCodeNotFound, op+": not found")
		return
	}
	s.sendError(conn, requestID, protocol.ErrorCodeInternalError, op+" failed")
}
