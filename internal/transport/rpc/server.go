// Package rpc exposes the internal JSON-RPC admin endpoint of the messaging service.
package rpc

import (
	"context"
	"errors"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/xiaot623/firstchat/internal/messaging"
)

// Announcer posts system messages into chats.
type Announcer interface {
	Announce(ctx context.Context, chatID, text string) (*messaging.Message, int, error)
}

// Server exposes RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server.
func NewServer(a Announcer) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{announcer: a, timeout: 10 * time.Second}
	if err := rpcServer.RegisterName("Chat", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Listen binds addr. It is separate from Serve so callers learn the bound
// address before serving.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("rpc: Listen must be called before Serve")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("RPC accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements RPC methods.
type Handler struct {
	announcer Announcer
	timeout   time.Duration
}

// AnnounceRequest posts Text as a system message into ChatID.
type AnnounceRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// AnnounceResponse reports the stored message.
type AnnounceResponse struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id"`
	Delivered int    `json:"delivered"`
}

// Announce stores a system message and pushes it to the chat members.
func (h *Handler) Announce(req *AnnounceRequest, resp *AnnounceResponse) error {
	if req == nil {
		return errors.New("announce request is required")
	}
	if req.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if req.Text == "" {
		return errors.New("text is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	msg, delivered, err := h.announcer.Announce(ctx, req.ChatID, req.Text)
	if err != nil {
		return err
	}

	log.Printf("Announcement posted to chat %s: message_id=%s, delivered=%d", req.ChatID, msg.ID, delivered)

	if resp != nil {
		resp.OK = true
		resp.MessageID = msg.ID
		resp.Delivered = delivered
	}
	return nil
}
