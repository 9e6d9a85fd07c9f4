package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/firstchat/internal/event"
	"github.com/xiaot623/firstchat/internal/messaging"
)

// fakeClient is an in-memory messaging.Client recording every call.
type fakeClient struct {
	session *messaging.Session

	authErr, metaErr, chatErr, listErr, sendErr error
	history                                     []*messaging.Message

	mu    sync.Mutex
	calls []string
	sent  []string
	limit int
}

func newFakeClient(session *messaging.Session) *fakeClient {
	return &fakeClient{session: session}
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Authenticate(ctx context.Context, token string) (*messaging.User, error) {
	f.record("auth:" + token)
	if f.authErr != nil {
		return nil, f.authErr
	}
	f.session.SetCurrentUser(me)
	return me, nil
}

func (f *fakeClient) UpdateCurrentUserMeta(ctx context.Context, meta messaging.Meta) (*messaging.User, error) {
	f.record("meta")
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return me, nil
}

func (f *fakeClient) CreateDirectChat(ctx context.Context, peer string, meta messaging.Meta) (*messaging.Chat, error) {
	f.record("chat:" + peer)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return &messaging.Chat{ID: "chat_1", Members: []string{me.Serial, peer}, Meta: meta}, nil
}

func (f *fakeClient) ListMessages(ctx context.Context, chatID string, limit int) ([]*messaging.Message, error) {
	f.record("list:" + chatID)
	f.mu.Lock()
	f.limit = limit
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.history, nil
}

func (f *fakeClient) SendDirectText(ctx context.Context, peer, text string, beforeSend func(*messaging.Message)) (*messaging.Message, error) {
	f.record("send:" + peer)
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &messaging.Message{ID: "echo", ChatID: "chat_1", Sender: me, Data: text}, nil
}

func newTestModel(t *testing.T) (*Model, *fakeClient, *event.Bus) {
	t.Helper()
	session := messaging.NewSession()
	client := newFakeClient(session)
	bus := event.NewBus()
	m := New(client, session, bus, Options{
		Token:       "SESSION_A",
		Peer:        "USER_B",
		DisplayName: "MobileUser",
		RoomMeta:    messaging.Meta{"name": "My First Chat"},
	})
	t.Cleanup(m.Close)
	return m, client, bus
}

// settle runs cmd and feeds every resulting message back into the model until
// no command is left. It must not be used with commands that wait on the bus.
func settle(m *Model, cmd tea.Cmd) {
	queue := []tea.Cmd{cmd}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next == nil {
			continue
		}
		msg := next()
		if batch, ok := msg.(tea.BatchMsg); ok {
			queue = append(queue, batch...)
			continue
		}
		_, follow := m.Update(msg)
		queue = append(queue, follow)
	}
}

func peerMessage(data string) *messaging.Message {
	return &messaging.Message{Sender: peer, Data: data}
}

func TestInitClearsTranscriptAndSubscribes(t *testing.T) {
	m, _, bus := newTestModel(t)
	m.transcript.Append("stale\n")

	cmd := m.Init()
	require.NotNil(t, cmd)
	assert.Equal(t, "", m.Transcript())
	assert.Equal(t, 1, bus.SubscriberCount(event.MessageReceived))

	// Re-running Init does not stack subscriptions.
	m.Init()
	assert.Equal(t, 1, bus.SubscriberCount(event.MessageReceived))
}

func TestSignInChainLoadsHistoryInReverseFetchOrder(t *testing.T) {
	m, client, _ := newTestModel(t)
	client.history = []*messaging.Message{
		peerMessage("A"),
		{Data: "chat created"},
		{Sender: me, Data: "B"},
		peerMessage("C"),
	}
	m.Init()

	settle(m, authenticateCmd(client, "SESSION_A"))

	assert.Equal(t, []string{"auth:SESSION_A", "meta", "chat:USER_B", "list:chat_1"}, client.Calls())
	assert.Equal(t, messaging.DefaultListLimit, client.limit)
	assert.Equal(t, "[Bob] : C\n[Me] : B\n[Bob] : A\n", m.Transcript())
	assert.Equal(t, "chatting with USER_B", m.Status())

	// A live message lands after everything already shown.
	m.Update(incomingMsg{sub: m.sub, message: peerMessage("D")})
	assert.Equal(t, "[Bob] : C\n[Me] : B\n[Bob] : A\n[Bob] : D\n", m.Transcript())
}

func TestAuthenticateFailureStopsChain(t *testing.T) {
	m, client, _ := newTestModel(t)
	client.authErr = messaging.ErrUnauthorized
	m.Init()

	settle(m, authenticateCmd(client, "SESSION_A"))

	assert.Equal(t, []string{"auth:SESSION_A"}, client.Calls())
	assert.Equal(t, "", m.Transcript())
	assert.Contains(t, m.Status(), "sign-in failed")
}

func TestMetaUpdateFailureDoesNotBlockChat(t *testing.T) {
	m, client, _ := newTestModel(t)
	client.metaErr = errors.New("meta boom")
	client.history = []*messaging.Message{peerMessage("hello")}
	m.Init()

	settle(m, authenticateCmd(client, "SESSION_A"))

	assert.Contains(t, client.Calls(), "list:chat_1")
	assert.Equal(t, "[Bob] : hello\n", m.Transcript())
}

func TestChatFailureLoadsNoHistory(t *testing.T) {
	m, client, _ := newTestModel(t)
	client.chatErr = messaging.ErrForbidden
	m.Init()

	settle(m, authenticateCmd(client, "SESSION_A"))

	assert.NotContains(t, client.Calls(), "list:chat_1")
	assert.Equal(t, "", m.Transcript())
	assert.Contains(t, m.Status(), "could not open chat")
}

func TestHistoryFailureLeavesTranscriptUntouched(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.transcript.Append("[Bob] : early\n")

	m.Update(historyLoadedMsg{err: errors.New("list boom")})
	assert.Equal(t, "[Bob] : early\n", m.Transcript())
}

func TestHistoryPrependsBeforeEarlierLiveMessages(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.Init()

	m.Update(incomingMsg{sub: m.sub, message: peerMessage("live")})
	m.Update(historyLoadedMsg{messages: []*messaging.Message{peerMessage("old1"), peerMessage("old2")}})

	assert.Equal(t, "[Bob] : old2\n[Bob] : old1\n[Bob] : live\n", m.Transcript())
}

func TestSendEmptyInputDoesNothing(t *testing.T) {
	m, client, _ := newTestModel(t)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	settle(m, cmd)

	assert.Empty(t, client.Calls())
	assert.Equal(t, "", m.InputValue())
}

func TestSendClearsInputAndSendsOnce(t *testing.T) {
	for _, text := range []string{" ", "hello", "  spaced  "} {
		m, client, _ := newTestModel(t)
		m.session.SetCurrentUser(me)
		m.SetInputValue(text)

		_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		require.NotNil(t, cmd)
		assert.Equal(t, "", m.InputValue(), "input cleared before the send completes")
		assert.Empty(t, client.Calls(), "send not issued until the command runs")
		assert.Equal(t, "", m.Transcript(), "no local echo before the service answers")

		settle(m, cmd)

		assert.Equal(t, []string{"send:USER_B"}, client.Calls())
		assert.Equal(t, []string{text}, client.sent)
		assert.Equal(t, "[Me] : "+text+"\n", m.Transcript())
	}
}

func TestSendFailureRendersNothing(t *testing.T) {
	m, client, _ := newTestModel(t)
	client.sendErr = errors.New("send boom")
	m.SetInputValue("lost")

	settle(m, m.Send())

	assert.Equal(t, "", m.InputValue())
	assert.Equal(t, "", m.Transcript())
}

func TestIncomingMessagesFromBus(t *testing.T) {
	m, _, bus := newTestModel(t)
	m.Init()

	bus.Publish(event.Event{Name: event.MessageReceived, Message: peerMessage("first")})
	bus.Publish(event.Event{Name: event.MessageReceived, Message: &messaging.Message{Data: "system"}})

	_, next := m.Update(waitForEvent(m.sub)())
	assert.NotNil(t, next, "listener re-arms after a delivery")
	m.Update(waitForEvent(m.sub)())

	assert.Equal(t, "[Bob] : first\n", m.Transcript())
}

func TestCloseStopsIncomingOutput(t *testing.T) {
	m, _, bus := newTestModel(t)
	m.Init()
	sub := m.sub

	m.Close()
	m.Close()
	assert.Equal(t, 0, bus.SubscriberCount(event.MessageReceived))

	bus.Publish(event.Event{Name: event.MessageReceived, Message: peerMessage("after close")})
	assert.IsType(t, subscriptionClosedMsg{}, waitForEvent(sub)())

	// A delivery already in flight for the old subscription is ignored.
	_, cmd := m.Update(incomingMsg{sub: sub, message: peerMessage("in flight")})
	assert.Nil(t, cmd)
	assert.Equal(t, "", m.Transcript())
}

func TestQuitKeyTearsDown(t *testing.T) {
	m, _, bus := newTestModel(t)
	m.Init()

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, 0, bus.SubscriberCount(event.MessageReceived))
}

func TestViewShowsTranscriptAndStatus(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.Update(tea.WindowSizeMsg{Width: 60, Height: 20})
	m.transcript.Append("[Bob] : hi\n")
	m.refresh()

	view := m.View()
	assert.Contains(t, view, "direct chat with USER_B")
	assert.Contains(t, view, "[Bob] : hi")
	assert.Contains(t, view, "connecting...")
}
