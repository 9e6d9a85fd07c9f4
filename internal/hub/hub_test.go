package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func recv(t *testing.T, conn *Connection) []byte {
	t.Helper()
	select {
	case data := <-conn.Send:
		return data
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for data on %s", conn.ID)
		return nil
	}
}

func TestHubSendToUsersSkipsExcludedConnection(t *testing.T) {
	h := startHub(t)

	a1 := h.NewConnection(nil)
	a2 := h.NewConnection(nil)
	b1 := h.NewConnection(nil)
	for _, c := range []*Connection{a1, a2, b1} {
		h.Register(c)
	}
	h.BindUser(a1, "USER_A", "s1")
	h.BindUser(a2, "USER_A", "s2")
	h.BindUser(b1, "USER_B", "s3")

	assert.Equal(t, 2, h.UserConnectionCount("USER_A"))
	assert.Equal(t, 2, h.GetUserCount())

	h.SendToUsers([]string{"USER_A", "USER_B"}, a1.ID, []byte("hi"))

	assert.Equal(t, "hi", string(recv(t, a2)))
	assert.Equal(t, "hi", string(recv(t, b1)))
	select {
	case <-a1.Send:
		t.Fatalf("excluded connection received data")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnregisterDropsUserBinding(t *testing.T) {
	h := startHub(t)

	c := h.NewConnection(nil)
	h.Register(c)
	h.BindUser(c, "USER_A", "s1")
	h.Unregister(c)

	require.Eventually(t, func() bool {
		return h.GetConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.UserConnectionCount("USER_A"))

	_, open := <-c.Send
	assert.False(t, open)
}

func TestSendToConnectionBufferFull(t *testing.T) {
	h := NewHub()
	c := h.NewConnection(nil)
	for i := 0; i < cap(c.Send); i++ {
		require.NoError(t, h.SendToConnection(c, []byte("x")))
	}
	assert.ErrorIs(t, h.SendToConnection(c, []byte("x")), ErrBufferFull)
}

func TestSendToConnectionAfterEviction(t *testing.T) {
	h := startHub(t)

	c := h.NewConnection(nil)
	h.Register(c)
	h.BindUser(c, "USER_A", "s1")
	for i := 0; i < cap(c.Send); i++ {
		require.NoError(t, h.SendToConnection(c, []byte("x")))
	}

	// A push to a full buffer evicts the connection.
	h.SendToUsers([]string{"USER_A"}, "", []byte("overflow"))
	require.Eventually(t, func() bool {
		return h.GetConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)

	// The read side may still answer a request; that must not panic.
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, h.SendToConnection(c, []byte("reply")), ErrConnectionClosed)
	})
	assert.NoError(t, h.SendJSONToUsers([]string{"USER_A"}, "", map[string]string{"k": "v"}))
}
