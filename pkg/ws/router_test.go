package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qi-realtime/pkg/errors"
)

func noop(*Context) (any, error) { return nil, nil }

func TestRouterHandleAndLookup(t *testing.T) {
	r := NewRouter(RoleServer, nil)
	require.NoError(t, r.Handle("chat", "say", noop))

	h, err := r.Lookup("chat", "say")
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.Lookup("chat", "shout")
	assert.True(t, errors.Is(err, ErrRouteNotFound))
}

func TestRouterRejectsDuplicates(t *testing.T) {
	r := NewRouter(RoleServer, nil)
	require.NoError(t, r.Handle("chat", "say", noop))

	err := r.Handle("chat", "say", noop)
	assert.True(t, errors.Is(err, ErrDuplicateRoute))

	// 同一 type:action 在客户端路由表中互不影响
	client := NewRouter(RoleClient, nil)
	assert.NoError(t, client.Handle("chat", "say", noop))
}

func TestRouterValidation(t *testing.T) {
	r := NewRouter(RoleServer, nil)
	assert.True(t, errors.Is(r.Handle("", "say", noop), ErrInvalidConfig))
	assert.True(t, errors.Is(r.Handle("chat", "", noop), ErrInvalidConfig))
	assert.True(t, errors.Is(r.Handle("chat", "say", nil), ErrInvalidConfig))
}

func TestRouterFreeze(t *testing.T) {
	r := NewRouter(RoleServer, nil)
	require.NoError(t, RouteTable{
		{Type: "b", Action: "x", Handler: noop},
		{Type: "a", Action: "y", Handler: noop},
	}.Apply(r))
	r.Freeze()

	assert.True(t, errors.Is(r.Handle("c", "z", noop), ErrRouterFrozen))
	assert.Equal(t, []string{"a:y", "b:x"}, r.Routes())
}

func TestRouteTableStopsAtDuplicate(t *testing.T) {
	r := NewRouter(RoleServer, nil)
	err := RouteTable{
		{Type: "a", Action: "x", Handler: noop},
		{Type: "a", Action: "x", Handler: noop},
		{Type: "b", Action: "x", Handler: noop},
	}.Apply(r)
	assert.True(t, errors.Is(err, ErrDuplicateRoute))
	assert.Equal(t, []string{"a:x"}, r.Routes())
}

func TestTypedHandler(t *testing.T) {
	type say struct {
		Text string `json:"text"`
	}
	h := Typed(func(_ *Context, req *say) (any, error) {
		return req.Text + "!", nil
	})

	env, err := NewEnvelope("chat", "say", say{Text: "hi"})
	require.NoError(t, err)
	result, err := h(NewContext(context.Background(), "c", env, nil))
	require.NoError(t, err)
	assert.Equal(t, "hi!", result)

	env, _ = NewEnvelope("chat", "say", nil)
	_, err = h(NewContext(context.Background(), "c", env, nil))
	assert.True(t, errors.Is(err, ErrDecode))
}
