// Package chat implements the single chat screen: it signs in, opens a direct
// chat with one peer, shows recent history and live messages, and sends what
// the user types.
//
// The screen is a Bubble Tea model. Every SDK call runs as a tea.Cmd and its
// result comes back to Update on the UI loop, so the transcript and the input
// field are only touched from one goroutine. Pushed messages from the event
// bus are bridged into the same loop and may interleave with history loading.
package chat

import (
	"fmt"
	"log"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/xiaot623/firstchat/internal/event"
	"github.com/xiaot623/firstchat/internal/messaging"
)

// Options configures a chat screen.
type Options struct {
	Token        string
	Peer         string
	DisplayName  string
	RoomMeta     messaging.Meta
	HistoryLimit int
}

// Model is the chat screen.
type Model struct {
	client  messaging.Client
	session *messaging.Session
	bus     *event.Bus
	opts    Options

	sub  *event.Subscription
	chat *messaging.Chat

	transcript Transcript
	input      textinput.Model
	viewport   viewport.Model
	status     string

	width  int
	height int
}

var _ tea.Model = (*Model)(nil)

// New creates a chat screen bound to client, session and bus.
func New(client messaging.Client, session *messaging.Session, bus *event.Bus, opts Options) *Model {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = messaging.DefaultListLimit
	}

	input := textinput.New()
	input.Placeholder = "Type a message"
	input.Prompt = "> "
	input.Focus()

	m := &Model{
		client:   client,
		session:  session,
		bus:      bus,
		opts:     opts,
		input:    input,
		viewport: viewport.New(80, 20),
		status:   "connecting...",
	}
	return m
}

// Init clears the transcript, subscribes to pushed messages and starts the
// sign-in chain.
func (m *Model) Init() tea.Cmd {
	m.transcript.Reset()
	m.refresh()

	if m.sub == nil {
		m.sub = m.bus.Subscribe(event.MessageReceived)
	}

	return tea.Batch(
		textinput.Blink,
		waitForEvent(m.sub),
		authenticateCmd(m.client, m.opts.Token),
	)
}

// Close drops the event subscription. It is safe to call more than once.
func (m *Model) Close() {
	if m.sub == nil {
		return
	}
	m.bus.Unsubscribe(m.sub)
	m.sub = nil
}

// Transcript returns the current transcript text.
func (m *Model) Transcript() string {
	return m.transcript.String()
}

// InputValue returns the pending input text.
func (m *Model) InputValue() string {
	return m.input.Value()
}

// SetInputValue replaces the pending input text.
func (m *Model) SetInputValue(s string) {
	m.input.SetValue(s)
}

// Status returns the status line.
func (m *Model) Status() string {
	return m.status
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			return m, m.Send()
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case authenticatedMsg:
		if msg.err != nil {
			log.Printf("chat: authenticate failed: %v", msg.err)
			m.status = fmt.Sprintf("sign-in failed: %v", msg.err)
			return m, nil
		}
		m.status = "signed in as " + msg.user.Serial
		// Chat creation does not wait for the metadata update.
		return m, tea.Batch(
			updateMetaCmd(m.client, messaging.Meta{"name": m.opts.DisplayName}),
			createChatCmd(m.client, m.opts.Peer, m.opts.RoomMeta),
		)

	case metaUpdatedMsg:
		if msg.err != nil {
			log.Printf("chat: update meta failed: %v", msg.err)
			m.status = fmt.Sprintf("profile update failed: %v", msg.err)
		}
		return m, nil

	case chatOpenedMsg:
		if msg.err != nil {
			log.Printf("chat: create direct chat failed: %v", msg.err)
			m.status = fmt.Sprintf("could not open chat: %v", msg.err)
			return m, nil
		}
		m.chat = msg.chat
		log.Printf("chat: successfully created chat #%s", msg.chat.ID)
		m.status = fmt.Sprintf("chatting with %s", m.opts.Peer)
		return m, listMessagesCmd(m.client, msg.chat.ID, m.opts.HistoryLimit)

	case historyLoadedMsg:
		if msg.err != nil {
			log.Printf("chat: list messages failed: %v", msg.err)
			return m, nil
		}
		me := m.session.CurrentUser()
		for _, message := range msg.messages {
			if text, ok := FormatMessage(message, me); ok {
				m.transcript.Prepend(text)
			}
		}
		m.refresh()
		return m, nil

	case sentMsg:
		if msg.err != nil {
			log.Printf("chat: send failed: %v", msg.err)
			return m, nil
		}
		m.appendMessage(msg.message)
		return m, nil

	case incomingMsg:
		if m.sub == nil || msg.sub != m.sub {
			return m, nil
		}
		m.appendMessage(msg.message)
		return m, waitForEvent(m.sub)

	case subscriptionClosedMsg:
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// Send submits the pending input. An exactly empty input does nothing; any
// other text is cleared from the input right away and sent once.
func (m *Model) Send() tea.Cmd {
	if m.input.Value() == "" {
		return nil
	}
	text := m.input.Value()
	m.input.SetValue("")
	return sendTextCmd(m.client, m.opts.Peer, text)
}

func (m *Model) appendMessage(message *messaging.Message) {
	if text, ok := FormatMessage(message, m.session.CurrentUser()); ok {
		m.transcript.Append(text)
		m.refresh()
	}
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.transcript.String())
	m.viewport.GotoBottom()
}
