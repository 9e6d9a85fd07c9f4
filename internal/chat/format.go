package chat

import "github.com/xiaot623/firstchat/internal/messaging"

// MeLabel prefixes messages sent by the current user.
const MeLabel = "[Me] : "

// FormatMessage renders msg as one transcript line. System messages (no
// sender) render to nothing and report false. me may be nil before
// authentication, in which case no message counts as our own.
func FormatMessage(msg *messaging.Message, me *messaging.User) (string, bool) {
	if msg == nil || msg.Sender == nil {
		return "", false
	}
	return senderLabel(msg.Sender, me) + msg.Data + "\n", true
}

func senderLabel(sender, me *messaging.User) string {
	if me != nil && sender.Serial == me.Serial {
		return MeLabel
	}
	name, ok := sender.DisplayName()
	if !ok {
		name = sender.Serial
	}
	return "[" + name + "] : "
}
