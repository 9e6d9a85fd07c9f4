// Package config provides configuration for the chat client and the development messaging service.
//
// Values come from built-in defaults, then an optional TOML file, then
// environment variables, with later sources winning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Client holds the chat client configuration.
type Client struct {
	// Service endpoint
	Addr string `toml:"addr"`

	// Session settings
	Token       string `toml:"token"`
	Peer        string `toml:"peer"`
	DisplayName string `toml:"display_name"`
	RoomName    string `toml:"room_name"`

	HistoryLimit int `toml:"history_limit"`

	// WebSocket settings
	RequestTimeoutMS int   `toml:"request_timeout_ms"`
	WriteTimeoutMS   int   `toml:"write_timeout_ms"`
	PingIntervalMS   int   `toml:"ping_interval_ms"`
	MaxMessageSize   int64 `toml:"max_message_size"`

	// Logging
	LogFile string `toml:"log_file"`
}

// RequestTimeout bounds a single SDK round trip.
func (c *Client) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// WriteTimeout bounds a single frame write.
func (c *Client) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

// PingInterval is the keepalive period.
func (c *Client) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}

// DefaultClient returns the client defaults.
func DefaultClient() *Client {
	return &Client{
		Addr:             "ws://localhost:8090/ws",
		Token:            "SESSION_A",
		Peer:             "USER_B",
		DisplayName:      "MobileUser",
		RoomName:         "My First Chat",
		HistoryLimit:     20,
		RequestTimeoutMS: 15000,
		WriteTimeoutMS:   10000,
		PingIntervalMS:   30000,
		MaxMessageSize:   65536,
		LogFile:          "firstchat.log",
	}
}

// LoadClient loads the client configuration. path may be empty.
func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.Addr = getEnv("CHAT_ADDR", cfg.Addr)
	cfg.Token = getEnv("CHAT_TOKEN", cfg.Token)
	cfg.Peer = getEnv("CHAT_PEER", cfg.Peer)
	cfg.DisplayName = getEnv("CHAT_DISPLAY_NAME", cfg.DisplayName)
	cfg.RoomName = getEnv("CHAT_ROOM_NAME", cfg.RoomName)
	cfg.HistoryLimit = getEnvInt("CHAT_HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.RequestTimeoutMS = getEnvInt("CHAT_REQUEST_TIMEOUT_MS", cfg.RequestTimeoutMS)
	cfg.WriteTimeoutMS = getEnvInt("WS_WRITE_TIMEOUT_MS", cfg.WriteTimeoutMS)
	cfg.PingIntervalMS = getEnvInt("WS_PING_INTERVAL_MS", cfg.PingIntervalMS)
	cfg.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))
	cfg.LogFile = getEnv("CHAT_LOG_FILE", cfg.LogFile)

	if cfg.Addr == "" {
		return nil, errors.New("config: addr is required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return cfg, nil
}

// Server holds the development messaging service configuration.
type Server struct {
	// Server settings
	WSPort  int `toml:"ws_port"`  // External WebSocket and /health port
	RPCPort int `toml:"rpc_port"` // Internal JSON-RPC port for announcements

	// Database
	DatabaseURL string `toml:"database_url"`

	// Auth settings: session token -> user serial
	Tokens map[string]string `toml:"tokens"`

	// Limits
	MaxTextLength int `toml:"max_text_length"`
	MaxListLimit  int `toml:"max_list_limit"`

	// WebSocket settings
	PingIntervalMS int   `toml:"ping_interval_ms"`
	WriteTimeoutMS int   `toml:"write_timeout_ms"`
	ReadTimeoutMS  int   `toml:"read_timeout_ms"`
	MaxMessageSize int64 `toml:"max_message_size"`

	// Logging
	LogLevel string `toml:"log_level"`
}

// PingInterval is the server keepalive period.
func (s *Server) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalMS) * time.Millisecond
}

// WriteTimeout bounds a single frame write.
func (s *Server) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// ReadTimeout is how long a connection may stay silent before it is dropped.
func (s *Server) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// DefaultServer returns the service defaults.
func DefaultServer() *Server {
	return &Server{
		WSPort:      8090,
		RPCPort:     8091,
		DatabaseURL: "file:chatd.db?cache=shared&mode=rwc",
		Tokens: map[string]string{
			"SESSION_A": "USER_A",
			"SESSION_B": "USER_B",
		},
		MaxTextLength:  4000,
		MaxListLimit:   100,
		PingIntervalMS: 30000,
		WriteTimeoutMS: 10000,
		ReadTimeoutMS:  60000,
		MaxMessageSize: 65536,
		LogLevel:       "info",
	}
}

// LoadServer loads the service configuration. path may be empty.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.WSPort = getEnvInt("WS_PORT", cfg.WSPort)
	cfg.RPCPort = getEnvInt("RPC_PORT", cfg.RPCPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	if raw := os.Getenv("CHAT_TOKENS"); raw != "" {
		tokens, err := ParseTokens(raw)
		if err != nil {
			return nil, err
		}
		cfg.Tokens = tokens
	}
	cfg.MaxTextLength = getEnvInt("MAX_TEXT_LENGTH", cfg.MaxTextLength)
	cfg.MaxListLimit = getEnvInt("MAX_LIST_LIMIT", cfg.MaxListLimit)
	cfg.PingIntervalMS = getEnvInt("WS_PING_INTERVAL_MS", cfg.PingIntervalMS)
	cfg.WriteTimeoutMS = getEnvInt("WS_WRITE_TIMEOUT_MS", cfg.WriteTimeoutMS)
	cfg.ReadTimeoutMS = getEnvInt("WS_READ_TIMEOUT_MS", cfg.ReadTimeoutMS)
	cfg.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if len(cfg.Tokens) == 0 {
		return nil, errors.New("config: at least one session token is required")
	}
	return cfg, nil
}

// ParseTokens parses "TOKEN:SERIAL,TOKEN:SERIAL".
func ParseTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, serial, ok := strings.Cut(pair, ":")
		if !ok || token == "" || serial == "" {
			return nil, fmt.Errorf("config: invalid token pair %q", pair)
		}
		tokens[token] = serial
	}
	return tokens, nil
}

func decodeFile(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	if _, err := toml.DecodeFile(path, v); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
