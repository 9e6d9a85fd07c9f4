package chat

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xiaot623/firstchat/internal/event"
	"github.com/xiaot623/firstchat/internal/messaging"
)

// Results of SDK calls, delivered back to Update on the UI loop.
type (
	authenticatedMsg struct {
		user *messaging.User
		err  error
	}
	metaUpdatedMsg struct {
		user *messaging.User
		err  error
	}
	chatOpenedMsg struct {
		chat *messaging.Chat
		err  error
	}
	historyLoadedMsg struct {
		messages []*messaging.Message
		err      error
	}
	sentMsg struct {
		message *messaging.Message
		err     error
	}
	// incomingMsg carries a pushed message together with the subscription it
	// arrived on, so deliveries to a dropped subscription can be ignored.
	incomingMsg struct {
		sub     *event.Subscription
		message *messaging.Message
	}
	subscriptionClosedMsg struct{}
)

func authenticateCmd(client messaging.Client, token string) tea.Cmd {
	return func() tea.Msg {
		user, err := client.Authenticate(context.Background(), token)
		return authenticatedMsg{user: user, err: err}
	}
}

func updateMetaCmd(client messaging.Client, meta messaging.Meta) tea.Cmd {
	return func() tea.Msg {
		user, err := client.UpdateCurrentUserMeta(context.Background(), meta)
		return metaUpdatedMsg{user: user, err: err}
	}
}

func createChatCmd(client messaging.Client, peer string, meta messaging.Meta) tea.Cmd {
	return func() tea.Msg {
		chat, err := client.CreateDirectChat(context.Background(), peer, meta)
		return chatOpenedMsg{chat: chat, err: err}
	}
}

func listMessagesCmd(client messaging.Client, chatID string, limit int) tea.Cmd {
	return func() tea.Msg {
		messages, err := client.ListMessages(context.Background(), chatID, limit)
		return historyLoadedMsg{messages: messages, err: err}
	}
}

func sendTextCmd(client messaging.Client, peer, text string) tea.Cmd {
	return func() tea.Msg {
		message, err := client.SendDirectText(context.Background(), peer, text, nil)
		return sentMsg{message: message, err: err}
	}
}

// waitForEvent blocks until the next event on sub.
func waitForEvent(sub *event.Subscription) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-sub.C()
		if !ok {
			return subscriptionClosedMsg{}
		}
		return incomingMsg{sub: sub, message: ev.Message}
	}
}
