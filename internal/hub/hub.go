// Package hub provides connection management for WebSocket clients of the messaging service.
package hub

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID         string
	SessionID  string
	UserSerial string
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *Hub
	mu         sync.Mutex

	// closed is set under hub.mu once Send has been closed.
	closed bool
}

// Hub manages all WebSocket connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Users maps user serial to set of connection IDs
	users map[string]map[string]bool

	// Channels for registration/unregistration
	register   chan *Connection
	unregister chan *Connection

	// Broadcast channel for sending to specific users
	broadcast chan *UserMessage

	stop chan struct{}

	mu sync.RWMutex
}

// UserMessage is used to send a message to every connection of some users.
type UserMessage struct {
	Serials []string
	// ExceptConnID, when set, is skipped.
	ExceptConnID string
	Data         []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		users:       make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *UserMessage, 256),
		stop:        make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			log.Printf("Connection registered: %s", conn.ID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				h.unbindLocked(conn)
				conn.closed = true
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Printf("Connection unregistered: %s", conn.ID)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Stop ends the main loop.
func (h *Hub) Stop() {
	close(h.stop)
}

func (h *Hub) deliver(msg *UserMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, serial := range msg.Serials {
		for connID := range h.users[serial] {
			if connID == msg.ExceptConnID {
				continue
			}
			conn, exists := h.connections[connID]
			if !exists {
				continue
			}
			select {
			case conn.Send <- msg.Data:
			default:
				// Buffer full, close the connection
				log.Printf("Connection %s buffer full, closing", connID)
				go h.Unregister(conn)
			}
		}
	}
}

// NewConnection creates a new connection for the hub.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, 256),
		hub:  h,
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.stop:
	}
}

// BindUser binds an authenticated connection to a user serial.
func (h *Hub) BindUser(conn *Connection, serial, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unbindLocked(conn)

	conn.UserSerial = serial
	conn.SessionID = sessionID
	if h.users[serial] == nil {
		h.users[serial] = make(map[string]bool)
	}
	h.users[serial][conn.ID] = true
}

func (h *Hub) unbindLocked(conn *Connection) {
	if conn.UserSerial == "" || h.users[conn.UserSerial] == nil {
		return
	}
	delete(h.users[conn.UserSerial], conn.ID)
	if len(h.users[conn.UserSerial]) == 0 {
		delete(h.users, conn.UserSerial)
	}
}

// SendToUsers queues data for every connection of serials except exceptConnID.
func (h *Hub) SendToUsers(serials []string, exceptConnID string, data []byte) {
	h.broadcast <- &UserMessage{
		Serials:      serials,
		ExceptConnID: exceptConnID,
		Data:         data,
	}
}

// SendJSONToUsers sends a JSON message to every connection of serials.
func (h *Hub) SendJSONToUsers(serials []string, exceptConnID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.SendToUsers(serials, exceptConnID, data)
	return nil
}

// SendToConnection sends a message to a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn.closed {
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetUserCount returns the number of users with at least one connection.
func (h *Hub) GetUserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// UserConnectionCount returns the number of live connections of serial.
func (h *Hub) UserConnectionCount(serial string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[serial])
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrConnectionClosed is returned when sending to an unregistered connection.
var ErrConnectionClosed = errors.New("connection closed")

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
