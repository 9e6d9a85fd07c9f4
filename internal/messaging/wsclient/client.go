// Package wsclient implements messaging.Client over a WebSocket connection to
// the messaging service.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/firstchat/internal/event"
	"github.com/xiaot623/firstchat/internal/messaging"
	"github.com/xiaot623/firstchat/internal/protocol"
)

// Options tunes the connection.
type Options struct {
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func (o *Options) withDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 65536
	}
}

// frame is a raw response routed to a waiting caller.
type frame struct {
	typ  string
	data []byte
}

// Client is a WebSocket messaging client.
type Client struct {
	conn    *websocket.Conn
	opts    Options
	session *messaging.Session
	bus     *event.Bus

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan frame
	sessionID string

	done      chan struct{}
	closeOnce sync.Once
}

var _ messaging.Client = (*Client)(nil)

// Dial connects to addr. Pushed messages are published on bus; the
// authenticated user is kept in session.
func Dial(ctx context.Context, addr string, opts Options, session *messaging.Session, bus *event.Bus) (*Client, error) {
	opts.withDefaults()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(opts.MaxMessageSize)

	c := &Client{
		conn:    conn,
		opts:    opts,
		session: session,
		bus:     bus,
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}

	go c.readPump()
	go c.pingLoop()

	return c, nil
}

// Close closes the connection. Calls still waiting fail with messaging.ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SessionID returns the service session bound on authentication.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Authenticate implements messaging.Client.
func (c *Client) Authenticate(ctx context.Context, token string) (*messaging.User, error) {
	id := newRequestID()
	req := protocol.AuthMessage{
		BaseMessage: protocol.NewBase(protocol.TypeAuth, id),
		Token:       token,
	}

	var ack protocol.AuthAckMessage
	if err := c.roundTrip(ctx, id, req, protocol.TypeAuthAck, &ack); err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if ack.User == nil {
		return nil, fmt.Errorf("authenticate: empty user in auth_ack")
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.mu.Unlock()
	c.session.SetCurrentUser(ack.User)
	return ack.User, nil
}

// UpdateCurrentUserMeta implements messaging.Client.
func (c *Client) UpdateCurrentUserMeta(ctx context.Context, meta messaging.Meta) (*messaging.User, error) {
	if c.session.CurrentUser() == nil {
		return nil, fmt.Errorf("update meta: %w", messaging.ErrNotAuthenticated)
	}

	id := newRequestID()
	req := protocol.UpdateMetaMessage{
		BaseMessage: protocol.NewBase(protocol.TypeUpdateMeta, id),
		Meta:        meta,
	}

	var resp protocol.UserMessage
	if err := c.roundTrip(ctx, id, req, protocol.TypeUser, &resp); err != nil {
		return nil, fmt.Errorf("update meta: %w", err)
	}
	if resp.User == nil {
		return nil, fmt.Errorf("update meta: empty user in reply")
	}
	c.session.SetCurrentUser(resp.User)
	return resp.User, nil
}

// CreateDirectChat implements messaging.Client.
func (c *Client) CreateDirectChat(ctx context.Context, peer string, meta messaging.Meta) (*messaging.Chat, error) {
	id := newRequestID()
	req := protocol.CreateDirectChatMessage{
		BaseMessage: protocol.NewBase(protocol.TypeCreateDirectChat, id),
		Peer:        peer,
		Meta:        meta,
	}

	var resp protocol.ChatMessage
	if err := c.roundTrip(ctx, id, req, protocol.TypeChat, &resp); err != nil {
		return nil, fmt.Errorf("create direct chat: %w", err)
	}
	return resp.Chat, nil
}

// ListMessages implements messaging.Client.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit int) ([]*messaging.Message, error) {
	if limit <= 0 {
		limit = messaging.DefaultListLimit
	}

	id := newRequestID()
	req := protocol.ListMessagesMessage{
		BaseMessage: protocol.NewBase(protocol.TypeListMessages, id),
		ChatID:      chatID,
		Limit:       limit,
	}

	var resp protocol.MessagesMessage
	if err := c.roundTrip(ctx, id, req, protocol.TypeMessages, &resp); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return resp.Messages, nil
}

// SendDirectText implements messaging.Client.
func (c *Client) SendDirectText(ctx context.Context, peer, text string, beforeSend func(*messaging.Message)) (*messaging.Message, error) {
	clientMsgID := uuid.New().String()
	if beforeSend != nil {
		beforeSend(&messaging.Message{
			ID:        clientMsgID,
			Sender:    c.session.CurrentUser(),
			Data:      text,
			CreatedAt: time.Now(),
		})
	}

	id := newRequestID()
	req := protocol.SendDirectTextMessage{
		BaseMessage:     protocol.NewBase(protocol.TypeSendDirectText, id),
		Peer:            peer,
		Text:            text,
		ClientMessageID: clientMsgID,
	}

	var resp protocol.MessageMessage
	if err := c.roundTrip(ctx, id, req, protocol.TypeMessage, &resp); err != nil {
		return nil, fmt.Errorf("send direct text: %w", err)
	}
	return resp.Message, nil
}

// roundTrip writes req and waits for the response carrying requestID.
func (c *Client) roundTrip(ctx context.Context, requestID string, req interface{}, want string, out interface{}) error {
	ch := make(chan frame, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return messaging.ErrClosed
	default:
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(req); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		if f.typ == protocol.TypeError {
			var errMsg protocol.ErrorMessage
			if err := json.Unmarshal(f.data, &errMsg); err != nil {
				return fmt.Errorf("unmarshal error: %w", err)
			}
			return errMsg.ToError()
		}
		if f.typ != want {
			return fmt.Errorf("expected %s, got: %s", want, f.typ)
		}
		if err := json.Unmarshal(f.data, out); err != nil {
			return fmt.Errorf("unmarshal %s: %w", want, err)
		}
		return nil
	case <-timer.C:
		return messaging.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return messaging.ErrClosed
	}
}

// writeJSON writes a message to the connection with proper locking.
func (c *Client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return messaging.ErrClosed
	default:
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readPump reads frames until the connection fails, routing responses to
// their callers and publishing pushes on the bus.
func (c *Client) readPump() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("wsclient: read error: %v", err)
				}
			}
			return
		}

		base, err := protocol.Decode(data)
		if err != nil {
			log.Printf("wsclient: unmarshal error: %v", err)
			continue
		}

		if base.RequestID != "" {
			c.deliver(base.RequestID, frame{typ: base.Type, data: data})
			continue
		}

		switch base.Type {
		case protocol.TypeMessageReceived:
			var push protocol.MessageMessage
			if err := json.Unmarshal(data, &push); err != nil || push.Message == nil {
				log.Printf("wsclient: invalid message_received push: %v", err)
				continue
			}
			c.bus.Publish(event.Event{Name: event.MessageReceived, Message: push.Message})
		case protocol.TypeError:
			var errMsg protocol.ErrorMessage
			_ = json.Unmarshal(data, &errMsg)
			log.Printf("wsclient: service error: %s - %s", errMsg.Code, errMsg.Message)
		default:
			log.Printf("wsclient: ignoring unsolicited %s", base.Type)
		}
	}
}

func (c *Client) deliver(requestID string, f frame) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		log.Printf("wsclient: no caller waiting for %s (%s)", requestID, f.typ)
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("wsclient: ping failed: %v", err)
				return
			}
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func newRequestID() string {
	return "req_" + uuid.New().String()
}
