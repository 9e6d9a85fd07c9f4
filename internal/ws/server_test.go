package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/firstchat/internal/config"
	"github.com/xiaot623/firstchat/internal/hub"
	"github.com/xiaot623/firstchat/internal/messaging"
	"github.com/xiaot623/firstchat/internal/policy"
	"github.com/xiaot623/firstchat/internal/protocol"
	"github.com/xiaot623/firstchat/internal/store"
)

type testEnv struct {
	server *Server
	hub    *hub.Hub
	store  store.Store
	url    string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.DefaultServer()
	cfg.DatabaseURL = ":memory:"
	cfg.Tokens["SESSION_C"] = "USER_C"

	st, err := store.NewSQLiteStore(cfg.DatabaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	h := hub.NewHub()
	go h.Run()
	t.Cleanup(h.Stop)

	s := NewServer(cfg, h, st, engine)
	e := echo.New()
	e.GET("/ws", s.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &testEnv{
		server: s,
		hub:    h,
		store:  st,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (env *testEnv) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func receive(t *testing.T, conn *websocket.Conn) (protocol.BaseMessage, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	base, err := protocol.Decode(data)
	require.NoError(t, err)
	return base, data
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) protocol.AuthAckMessage {
	t.Helper()
	send(t, conn, protocol.AuthMessage{BaseMessage: protocol.NewBase(protocol.TypeAuth, "req_auth"), Token: token})
	base, data := receive(t, conn)
	require.Equal(t, protocol.TypeAuthAck, base.Type)
	var ack protocol.AuthAckMessage
	require.NoError(t, json.Unmarshal(data, &ack))
	return ack
}

func expectError(t *testing.T, conn *websocket.Conn, code string) protocol.ErrorMessage {
	t.Helper()
	base, data := receive(t, conn)
	require.Equal(t, protocol.TypeError, base.Type)
	var errMsg protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(data, &errMsg))
	assert.Equal(t, code, errMsg.Code)
	return errMsg
}

func TestRequestsBeforeAuthAreRejected(t *testing.T) {
	env := setupTestEnv(t)
	conn := env.connect(t)

	send(t, conn, protocol.ListMessagesMessage{
		BaseMessage: protocol.NewBase(protocol.TypeListMessages, "req_1"),
		ChatID:      "chat_1",
	})
	errMsg := expectError(t, conn, protocol.ErrorCodeSessionRequired)
	assert.Equal(t, "req_1", errMsg.RequestID)
}

func TestInvalidFrames(t *testing.T) {
	env := setupTestEnv(t)
	conn := env.connect(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	expectError(t, conn, protocol.ErrorCodeInvalidMessage)

	authenticate(t, conn, "SESSION_A")
	send(t, conn, protocol.NewBase("bogus", "req_2"))
	errMsg := expectError(t, conn, protocol.ErrorCodeInvalidMessage)
	assert.Equal(t, "req_2", errMsg.RequestID)
}

func TestAuthBindsConnection(t *testing.T) {
	env := setupTestEnv(t)
	conn := env.connect(t)

	ack := authenticate(t, conn, "SESSION_B")
	require.NotNil(t, ack.User)
	assert.Equal(t, "USER_B", ack.User.Serial)
	assert.NotEmpty(t, ack.SessionID)
	assert.Equal(t, 1, env.hub.UserConnectionCount("USER_B"))

	user, err := env.store.GetUser(context.Background(), "USER_B")
	require.NoError(t, err)
	assert.NotNil(t, user)
}

func TestListClampsLimitAndChecksMembership(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	for _, serial := range []string{"USER_A", "USER_B", "USER_C"} {
		_, err := env.store.EnsureUser(ctx, serial)
		require.NoError(t, err)
	}
	chat, err := env.server.openDirectChat(ctx, "USER_A", "USER_B", nil)
	require.NoError(t, err)
	for i := 0; i < 120; i++ {
		_, _, err := env.server.Announce(ctx, chat.ID, "notice")
		require.NoError(t, err)
	}

	conn := env.connect(t)
	authenticate(t, conn, "SESSION_A")
	send(t, conn, protocol.ListMessagesMessage{
		BaseMessage: protocol.NewBase(protocol.TypeListMessages, "req_list"),
		ChatID:      chat.ID,
		Limit:       500,
	})
	base, data := receive(t, conn)
	require.Equal(t, protocol.TypeMessages, base.Type)
	var resp protocol.MessagesMessage
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Len(t, resp.Messages, config.DefaultServer().MaxListLimit)

	// USER_C is not a member.
	other := env.connect(t)
	authenticate(t, other, "SESSION_C")
	send(t, other, protocol.ListMessagesMessage{
		BaseMessage: protocol.NewBase(protocol.TypeListMessages, "req_list"),
		ChatID:      chat.ID,
	})
	expectError(t, other, protocol.ErrorCodeNotFound)
}

func TestAnnouncePushesToEveryMember(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	a := env.connect(t)
	authenticate(t, a, "SESSION_A")
	b := env.connect(t)
	authenticate(t, b, "SESSION_B")

	chat, err := env.server.openDirectChat(ctx, "USER_A", "USER_B", messaging.Meta{"name": "room"})
	require.NoError(t, err)

	msg, delivered, err := env.server.Announce(ctx, chat.ID, "maintenance at noon")
	require.NoError(t, err)
	assert.True(t, msg.IsSystem())
	assert.Equal(t, 2, delivered)

	for _, conn := range []*websocket.Conn{a, b} {
		base, data := receive(t, conn)
		require.Equal(t, protocol.TypeMessageReceived, base.Type)
		assert.Empty(t, base.RequestID)
		var push protocol.MessageMessage
		require.NoError(t, json.Unmarshal(data, &push))
		assert.Equal(t, msg.ID, push.Message.ID)
		assert.Nil(t, push.Message.Sender)
	}
}

func TestAnnounceUnknownChat(t *testing.T) {
	env := setupTestEnv(t)

	_, _, err := env.server.Announce(context.Background(), "chat_missing", "hi")
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestMalformedRequestKeepsRequestID(t *testing.T) {
	env := setupTestEnv(t)
	conn := env.connect(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"auth","request_id":"req_bad_auth","token":123}`)))
	errMsg := expectError(t, conn, protocol.ErrorCodeInvalidMessage)
	assert.Equal(t, "req_bad_auth", errMsg.RequestID)

	authenticate(t, conn, "SESSION_A")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"list_messages","request_id":"req_bad_list","limit":"many"}`)))
	errMsg = expectError(t, conn, protocol.ErrorCodeInvalidMessage)
	assert.Equal(t, "req_bad_list", errMsg.RequestID)
}
