package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qi-realtime/pkg/errors"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"type":"chat","action":"say","data":{"text":"hi"}}`, false},
		{"no data", `{"type":"system","action":"ping"}`, false},
		{"not json", `not-json`, true},
		{"missing action", `{"type":"chat"}`, true},
		{"missing type", `{"action":"say"}`, true},
		{"array", `[1,2,3]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrDecode))
				assert.Nil(t, env)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, env.RouteKey())
		})
	}
}

func TestEnvelopeBind(t *testing.T) {
	env, err := NewEnvelope("chat", "say", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "chat:say", env.RouteKey())

	var data struct {
		Text string `json:"text"`
	}
	require.NoError(t, env.Bind(&data))
	assert.Equal(t, "hi", data.Text)

	empty, err := NewEnvelope("system", "ping", nil)
	require.NoError(t, err)
	assert.True(t, errors.Is(empty.Bind(&data), ErrDecode))

	bad := &Envelope{Type: "chat", Action: "say", Data: json.RawMessage(`"text"`)}
	assert.True(t, errors.Is(bad.Bind(&data), ErrDecode))
}

func TestNewEnvelopeKeepsRawMessage(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	env, err := NewEnvelope("t", "a", raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(env.Data))
}

func TestFrameDropsBusFields(t *testing.T) {
	env := &Envelope{
		Type:               "chat",
		Action:             "say",
		Data:               json.RawMessage(`{}`),
		OriginWorkerID:     "w1",
		ForceLocalDelivery: true,
	}
	frame, err := Encode(env.Frame())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat","action":"say","data":{}}`, string(frame))

	busFrame, err := Encode(env)
	require.NoError(t, err)
	decoded, err := Decode(busFrame)
	require.NoError(t, err)
	assert.Equal(t, "w1", decoded.OriginWorkerID)
	assert.True(t, decoded.ForceLocalDelivery)
}

func TestErrorFrame(t *testing.T) {
	env, err := Decode(errorFrame(errorAction(ErrDecode.Code), ErrorPayload{
		Code:    ErrDecode.Code,
		Message: ErrDecode.Message,
	}))
	require.NoError(t, err)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "decode", env.Action)

	var payload ErrorPayload
	require.NoError(t, env.Bind(&payload))
	assert.Equal(t, 4000, payload.Code)
	assert.Empty(t, payload.Route)
}

func TestErrorAction(t *testing.T) {
	assert.Equal(t, "route", errorAction(ErrRouteNotFound.Code))
	assert.Equal(t, "auth", errorAction(ErrAuth.Code))
	assert.Equal(t, "room", errorAction(ErrRoomFull.Code))
	assert.Equal(t, "handler", errorAction(0))

	coded := asCoded(assert.AnError)
	assert.Equal(t, ErrHandler.Code, coded.Code)
	assert.True(t, errors.Is(coded, assert.AnError))
}
