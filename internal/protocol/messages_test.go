package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/firstchat/internal/messaging"
)

func TestErrorMessageToError(t *testing.T) {
	cases := map[string]error{
		ErrorCodeUnauthorized:    messaging.ErrUnauthorized,
		ErrorCodeSessionRequired: messaging.ErrNotAuthenticated,
		ErrorCodeForbidden:       messaging.ErrForbidden,
		ErrorCodeNotFound:        messaging.ErrNotFound,
		ErrorCodeInvalidMessage:  messaging.ErrInvalidRequest,
	}
	for code, want := range cases {
		msg := &ErrorMessage{Code: code, Message: "boom"}
		err := msg.ToError()
		assert.True(t, errors.Is(err, want), "code %s", code)
		assert.Equal(t, code+": boom", err.Error())
	}

	err := (&ErrorMessage{Code: ErrorCodeInternalError}).ToError()
	var merr *messaging.Error
	require.True(t, errors.As(err, &merr))
	assert.Nil(t, merr.Kind)
}

func TestSystemMessageOmitsSender(t *testing.T) {
	push := MessageMessage{
		BaseMessage: NewBase(TypeMessageReceived, ""),
		Message:     &messaging.Message{ID: "m1", ChatID: "c1", Data: "chat created"},
	}
	data, err := json.Marshal(push)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"sender"`)
	assert.NotContains(t, string(data), `"request_id"`)

	base, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeMessageReceived, base.Type)

	var back MessageMessage
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Message.IsSystem())
}
