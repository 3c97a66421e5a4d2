package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qi-realtime/pkg/errors"
	"github.com/tokmz/qi-realtime/pkg/pubsub"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// countFrames 统计匹配 type/action 的帧数量
func countFrames(t *testing.T, conn *fakeConn, typ, action string) int {
	t.Helper()
	n := 0
	for _, env := range conn.envelopes(t) {
		if env.Type == typ && env.Action == action {
			n++
		}
	}
	return n
}

func attach(t *testing.T, m *Manager, id string, opts ...RecordOption) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	require.NoError(t, m.Attach(context.Background(), id, conn, opts...))
	return conn
}

func frame(t *testing.T, typ, action string, data any) []byte {
	t.Helper()
	raw, err := EncodeFrame(typ, action, data)
	require.NoError(t, err)
	return raw
}

// twoWorkers 在同一个 hub 上启动两个 worker
func twoWorkers(t *testing.T, opts ...Option) (*Manager, *Manager) {
	t.Helper()
	hub := pubsub.NewHub()
	w1 := newTestManager(t, hub, "w1", opts...)
	w2 := newTestManager(t, hub, "w2", opts...)
	startManager(t, w1)
	startManager(t, w2)
	return w1, w2
}

func TestNewManagerValidatesConfig(t *testing.T) {
	_, err := NewManager(nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewManager(pubsub.NewMemory(nil), WithMaxConnections(0))
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	m, err := NewManager(pubsub.NewMemory(nil))
	require.NoError(t, err)
	assert.NotEmpty(t, m.WorkerID())
}

func TestRoutesFrozenAfterStart(t *testing.T) {
	m := newTestManager(t, nil, "w1")
	require.NoError(t, m.Handle("chat", "say", noop))
	assert.True(t, errors.Is(m.Handle(TypeSystem, "ping", noop), ErrDuplicateRoute))

	startManager(t, m)
	assert.True(t, errors.Is(m.Handle("chat", "other", noop), ErrRouterFrozen))
}

func TestLoopSuppression(t *testing.T) {
	hub := pubsub.NewHub()
	m := newTestManager(t, hub, "w1")
	startManager(t, m)

	raw := pubsub.NewMemory(hub)
	topic := m.Bus().Topic(ChannelClientConnected)
	publish := func(origin, clientID string) {
		env, err := NewEnvelope(TypeBus, string(ChannelClientConnected), ClientConnectedEvent{
			ClientID: clientID,
			WorkerID: origin,
		})
		require.NoError(t, err)
		env.OriginWorkerID = origin
		payload, err := Encode(env)
		require.NoError(t, err)
		require.NoError(t, raw.Publish(context.Background(), topic, payload))
	}

	publish("w1", "ghost")
	publish("w2", "remote")

	// 同一订阅内按顺序投递，remote 出现时 ghost 已被处理
	assert.Eventually(t, func() bool {
		_, ok := m.Registry().Get("remote", false)
		return ok
	}, waitFor, tick)

	_, ok := m.Registry().Get("ghost", false)
	assert.False(t, ok, "own-origin event must not change state")
	assert.Equal(t, 0, m.Registry().LocalCount())
	assert.Equal(t, 1, m.Registry().ShadowCount())
}

func TestShadowLifecycleAcrossWorkers(t *testing.T) {
	w1, w2 := twoWorkers(t)

	attach(t, w1, "a", WithUser(&AuthUser{UserID: "u1", Type: "agent"}))
	require.NoError(t, w1.Rooms().Join(context.Background(), "a", "lobby"))

	assert.Eventually(t, func() bool {
		_, ok := w2.Registry().Get("a", false)
		return ok && assert.ObjectsAreEqual([]string{"a"}, w2.Rooms().MembersOf("lobby"))
	}, waitFor, tick)

	rec, ok := w2.Registry().Get("a", false)
	require.True(t, ok)
	assert.False(t, rec.IsLocal())
	assert.Equal(t, "w1", rec.WorkerID)
	assert.Equal(t, "u1", rec.UserID())
	assert.Equal(t, []string{"lobby"}, rec.Rooms)

	_, ok = w2.Registry().Get("a", true)
	assert.False(t, ok)

	assert.True(t, w1.disconnect(context.Background(), "a", "bye"))
	assert.Eventually(t, func() bool {
		_, ok := w2.Registry().Get("a", false)
		return !ok && w2.Rooms().Count() == 0
	}, waitFor, tick)
}

func TestRoomFanoutAcrossWorkers(t *testing.T) {
	w1, w2 := twoWorkers(t)
	ctx := context.Background()

	a := attach(t, w1, "a")
	b := attach(t, w2, "b")
	c := attach(t, w2, "c")
	require.NoError(t, w1.Rooms().Join(ctx, "a", "lobby"))
	require.NoError(t, w2.Rooms().Join(ctx, "b", "lobby"))

	assert.Eventually(t, func() bool {
		return len(w1.Rooms().MembersOf("lobby")) == 2 && len(w2.Rooms().MembersOf("lobby")) == 2
	}, waitFor, tick)

	msg, err := Message("chat", "say", map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, w1.Service().SendToRooms(ctx, []string{"lobby"}, msg))

	assert.Eventually(t, func() bool {
		return countFrames(t, b, "chat", "say") == 1
	}, waitFor, tick)

	// 发起方自己的总线副本被抑制，本地成员只收到一次
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, countFrames(t, a, "chat", "say"))
	assert.Equal(t, 1, countFrames(t, b, "chat", "say"))
	assert.Equal(t, 0, countFrames(t, c, "chat", "say"))

	got := b.find(t, "chat", "say")
	assert.Empty(t, got.OriginWorkerID)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Data))
}

func TestBroadcastExclude(t *testing.T) {
	w1, w2 := twoWorkers(t)
	ctx := context.Background()

	a := attach(t, w1, "a")
	b := attach(t, w2, "b")
	c := attach(t, w2, "c")

	msg, err := Message("notice", "update", map[string]int{"v": 2})
	require.NoError(t, err)
	require.NoError(t, w1.Service().Broadcast(ctx, msg, "c"))

	assert.Eventually(t, func() bool {
		return countFrames(t, b, "notice", "update") == 1
	}, waitFor, tick)
	assert.Equal(t, 1, countFrames(t, a, "notice", "update"))
	assert.Equal(t, 0, countFrames(t, c, "notice", "update"))

	require.NoError(t, w2.Service().SendSystemMessage(ctx, "maintenance", nil))
	assert.Eventually(t, func() bool {
		return a.find(t, TypeSystem, "message") != nil && c.find(t, TypeSystem, "message") != nil
	}, waitFor, tick)
}

func TestSendToClientsAndUser(t *testing.T) {
	w1, w2 := twoWorkers(t)
	ctx := context.Background()

	a := attach(t, w1, "a", WithUser(&AuthUser{UserID: "u1"}))
	b := attach(t, w2, "b", WithUser(&AuthUser{UserID: "u1"}))
	c := attach(t, w2, "c", WithUser(&AuthUser{UserID: "u2"}))

	msg, err := Message("chat", "direct", nil)
	require.NoError(t, err)
	require.NoError(t, w1.Service().SendToClients(ctx, []string{"a", "c"}, msg))

	assert.Eventually(t, func() bool {
		return countFrames(t, c, "chat", "direct") == 1
	}, waitFor, tick)
	assert.Equal(t, 1, countFrames(t, a, "chat", "direct"))
	assert.Equal(t, 0, countFrames(t, b, "chat", "direct"))

	msg, err = Message("chat", "user", nil)
	require.NoError(t, err)
	require.NoError(t, w1.Service().SendUserMessage(ctx, "u1", msg))

	assert.Eventually(t, func() bool {
		return countFrames(t, b, "chat", "user") == 1
	}, waitFor, tick)
	assert.Equal(t, 1, countFrames(t, a, "chat", "user"))
	assert.Equal(t, 0, countFrames(t, c, "chat", "user"))
}

func TestDisconnectClientAcrossWorkers(t *testing.T) {
	w1, w2 := twoWorkers(t)
	ctx := context.Background()

	a := attach(t, w1, "a")
	assert.Eventually(t, func() bool { return w2.Service().Online("a") }, waitFor, tick)

	require.NoError(t, w2.Service().DisconnectClient(ctx, "a", "kicked"))

	assert.Eventually(t, a.isClosed, waitFor, tick)
	got := a.find(t, TypeSystem, "disconnected")
	require.NotNil(t, got)
	assert.JSONEq(t, `{"reason":"kicked"}`, string(got.Data))

	assert.False(t, w1.Service().Online("a"))
	assert.Eventually(t, func() bool { return !w2.Service().Online("a") }, waitFor, tick)
}

func TestDisconnectOwnClientThroughBus(t *testing.T) {
	w1, _ := twoWorkers(t)

	a := attach(t, w1, "a")
	require.NoError(t, w1.Service().DisconnectClient(context.Background(), "a", "admin"))

	// 强制本地投递：发起方自己的订阅者执行断开
	assert.Eventually(t, a.isClosed, waitFor, tick)
	assert.Equal(t, 0, w1.Registry().LocalCount())
}

func TestDisconnectFallsBackWhenTransportClosed(t *testing.T) {
	m := newTestManager(t, nil, "w1")
	a := attach(t, m, "a")
	require.NoError(t, m.Bus().Close())

	err := m.Service().DisconnectClient(context.Background(), "a", "admin")
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, a.isClosed())
}

func TestSendErrorMessageRemote(t *testing.T) {
	w1, w2 := twoWorkers(t)

	b := attach(t, w2, "b")
	require.NoError(t, w1.Service().SendErrorMessage(context.Background(), "b", ErrValidation.Code, "bad input"))

	assert.Eventually(t, func() bool { return b.find(t, TypeError, "validation") != nil }, waitFor, tick)
	var payload ErrorPayload
	require.NoError(t, b.find(t, TypeError, "validation").Bind(&payload))
	assert.Equal(t, "bad input", payload.Message)
}

func TestCustomEventsReachEveryWorker(t *testing.T) {
	hub := pubsub.NewHub()
	w1 := newTestManager(t, hub, "w1")
	w2 := newTestManager(t, hub, "w2")

	var hits atomic.Int32
	handler := func(_ context.Context, ev CustomEvent) {
		if ev.Name == "reload" && string(ev.Data) == `{"v":1}` {
			hits.Add(1)
		}
	}
	w1.OnCustom("reload", handler)
	w2.OnCustom("reload", handler)
	w2.OnCustom("reload", func(context.Context, CustomEvent) { panic("boom") })
	startManager(t, w1)
	startManager(t, w2)

	require.NoError(t, w1.Service().PublishCustom(context.Background(), "reload", map[string]int{"v": 1}))
	assert.Eventually(t, func() bool { return hits.Load() == 2 }, waitFor, tick)
}

func TestHandleFrameErrorsKeepConnection(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	m := newTestManager(t, nil, "w1", WithErrorHandler(func(_ context.Context, _ string, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))
	require.NoError(t, m.Handle("chat", "fail", func(*Context) (any, error) {
		return nil, ErrValidation.WithMessage("text is required")
	}))
	startManager(t, m)

	ctx := context.Background()
	conn := attach(t, m, "a")

	m.HandleFrame(ctx, "a", []byte("not-json"))
	m.HandleFrame(ctx, "a", frame(t, "chat", "unknown", nil))
	m.HandleFrame(ctx, "a", frame(t, "chat", "fail", nil))
	m.HandleFrame(ctx, "a", frame(t, TypeSystem, "ping", nil))

	var payload ErrorPayload
	require.NotNil(t, conn.find(t, TypeError, "decode"))
	require.NoError(t, conn.find(t, TypeError, "decode").Bind(&payload))
	assert.Equal(t, 4000, payload.Code)

	require.NoError(t, conn.find(t, TypeError, "route").Bind(&payload))
	assert.Equal(t, 4004, payload.Code)
	assert.Equal(t, "chat:unknown", payload.Route)

	require.NoError(t, conn.find(t, TypeError, "validation").Bind(&payload))
	assert.Equal(t, "text is required", payload.Message)

	assert.NotNil(t, conn.find(t, TypeSystem, "ping"))
	assert.False(t, conn.isClosed())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 3)
	assert.True(t, errors.Is(errs[0], ErrDecode))
	assert.True(t, errors.Is(errs[1], ErrRouteNotFound))
	assert.True(t, errors.Is(errs[2], ErrValidation))
}

func TestMiddlewareAbortSendsNothing(t *testing.T) {
	m := newTestManager(t, nil, "w1")
	called := false
	require.NoError(t, m.Handle("chat", "say", func(*Context) (any, error) {
		called = true
		return "ok", nil
	}))
	m.Use(Middleware{Name: "block", OnBefore: func(*Context) bool { return false }})
	startManager(t, m)

	conn := attach(t, m, "a")
	m.HandleFrame(context.Background(), "a", frame(t, "chat", "say", nil))

	assert.False(t, called)
	assert.Nil(t, conn.find(t, "chat", "say"))
	assert.Nil(t, conn.find(t, TypeError, "handler"))
}

func TestBuiltinRoomHandlers(t *testing.T) {
	lookup := UserLookupFunc(func(_ context.Context, id string) (*UserRecord, error) {
		return &UserRecord{ID: id, Name: "Alice"}, nil
	})
	m := newTestManager(t, nil, "w1", WithUserLookup(lookup), WithMultiRoom(true))
	startManager(t, m)
	ctx := context.Background()

	conn := attach(t, m, "a", WithUser(&AuthUser{UserID: "u1", Type: "agent"}))
	attach(t, m, "b")

	m.HandleFrame(ctx, "a", frame(t, TypeRoom, "join", RoomRequest{Room: "lobby"}))
	m.HandleFrame(ctx, "b", frame(t, TypeRoom, "join", RoomRequest{Room: "lobby"}))
	m.HandleFrame(ctx, "a", frame(t, TypeRoom, "join", RoomRequest{Room: "vip"}))

	var joined RoomJoinResult
	require.NoError(t, conn.find(t, TypeRoom, "join").Bind(&joined))
	assert.Equal(t, "lobby", joined.Room)
	require.Len(t, joined.Members, 1)
	require.NotNil(t, joined.Members[0].Profile)
	assert.Equal(t, "Alice", joined.Members[0].Profile.Name)

	m.HandleFrame(ctx, "a", frame(t, TypeClient, "list", ClientListRequest{Room: "lobby"}))
	var list []ClientSummary
	require.NoError(t, conn.find(t, TypeClient, "list").Bind(&list))
	assert.Len(t, list, 2)

	m.HandleFrame(ctx, "a", frame(t, TypeRoom, "leave", nil))
	assert.Empty(t, m.Rooms().RoomsOf("a"))
	assert.Equal(t, []string{"b"}, m.Rooms().MembersOf("lobby"))

	m.HandleFrame(ctx, "a", frame(t, TypeRoom, "join", RoomRequest{}))
	assert.NotNil(t, conn.find(t, TypeError, "room"))
}

func TestSweeperDisconnectsInactive(t *testing.T) {
	m := newTestManager(t, nil, "w1", WithInactivityTimeout(time.Minute, time.Hour))
	startManager(t, m)

	idle := attach(t, m, "idle")
	busy := attach(t, m, "busy")

	now := time.Now().Add(2 * time.Minute)
	m.Registry().Touch("busy", now)
	m.Sweeper().now = func() time.Time { return now }

	assert.Equal(t, []string{"idle"}, m.Sweeper().SweepOnce(context.Background()))
	assert.True(t, idle.isClosed())
	assert.False(t, busy.isClosed())

	got := idle.find(t, TypeSystem, "disconnected")
	require.NotNil(t, got)
	assert.JSONEq(t, `{"reason":"inactive"}`, string(got.Data))
}

func TestWebSocketEndToEnd(t *testing.T) {
	w1, w2 := twoWorkers(t)
	url1, url2 := serve(t, w1), serve(t, w2)

	a := dial(t, url1)
	b := dial(t, url2)

	b.send(TypeRoom, "join", RoomRequest{Room: "lobby"})
	b.readUntil(TypeRoom, "join")
	a.send(TypeRoom, "join", RoomRequest{Room: "lobby"})
	a.readUntil(TypeRoom, "join")

	assert.Eventually(t, func() bool {
		return len(w1.Rooms().MembersOf("lobby")) == 2
	}, waitFor, tick)

	msg, err := Message("chat", "say", map[string]string{"text": "hello"})
	require.NoError(t, err)
	require.NoError(t, w1.Service().SendToRooms(context.Background(), []string{"lobby"}, msg))

	got := b.readUntil("chat", "say")
	assert.JSONEq(t, `{"text":"hello"}`, string(got.Data))
	a.readUntil("chat", "say")

	// 非法帧只得到错误帧，连接继续可用
	a.sendRaw("not-json")
	errFrame := a.readUntil(TypeError, "decode")
	var payload ErrorPayload
	require.NoError(t, errFrame.Bind(&payload))
	assert.Equal(t, 4000, payload.Code)

	a.send(TypeSystem, "ping", nil)
	a.readUntil(TypeSystem, "ping")
}

func TestHandleUpgradeRejectsOverLimit(t *testing.T) {
	m := newTestManager(t, nil, "w1", WithMaxConnections(1))
	startManager(t, m)
	url := serve(t, m)

	dial(t, url)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleUpgradeAuth(t *testing.T) {
	secret := []byte("test-secret")
	validator, err := NewJWTValidator(JWTConfig{Secret: secret})
	require.NoError(t, err)

	m := newTestManager(t, nil, "w1", WithAuthValidator(validator))
	startManager(t, m)
	url := serve(t, m)

	token, err := SignToken(secret, "u1", time.Minute, map[string]any{"type": "agent"})
	require.NoError(t, err)
	good := dial(t, url+"?token="+token)
	rec, ok := m.Registry().Get(good.clientID, true)
	require.True(t, ok)
	assert.Equal(t, "u1", rec.UserID())
	assert.Equal(t, "agent", rec.User.Type)

	// 无效令牌：以匿名身份接入并收到 auth 错误帧
	bad := dial(t, url+"?token=garbage")
	bad.readUntil(TypeError, "auth")
	rec, ok = m.Registry().Get(bad.clientID, true)
	require.True(t, ok)
	assert.Nil(t, rec.User)
}

func TestRateLimitBucketsReleased(t *testing.T) {
	limiter := NewRateLimiter(100, 100, 300*time.Millisecond)
	m := newTestManager(t, nil, "w1")
	m.Use(RateLimit(RateLimitConfig{}, limiter))
	startManager(t, m)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("c%d", i)
		attach(t, m, id)
		m.HandleFrame(ctx, id, frame(t, TypeSystem, "ping", nil))
	}
	assert.Equal(t, 50, limiter.Size())

	// 断开的连接立即释放
	for i := 0; i < 10; i++ {
		require.True(t, m.disconnect(ctx, fmt.Sprintf("c%d", i), ""))
	}
	assert.Equal(t, 40, limiter.Size())

	// 其余的由后台清理在过期后回收
	assert.Eventually(t, func() bool {
		return limiter.Size() == 0
	}, waitFor, tick)
}

// remoteEvent 构造来自 origin worker 的总线信封
func remoteEvent(t *testing.T, origin string, channel Channel, payload any) *Envelope {
	t.Helper()
	env, err := NewEnvelope(TypeBus, string(channel), payload)
	require.NoError(t, err)
	env.OriginWorkerID = origin
	return env
}

func TestLateJoinAfterDisconnectLeavesNoGhost(t *testing.T) {
	m := newTestManager(t, nil, "w2")
	ctx := context.Background()
	connectedAt := time.Now().Add(-time.Second)
	disconnectedAt := time.Now()

	m.onClientConnected(ctx, remoteEvent(t, "w1", ChannelClientConnected, ClientConnectedEvent{
		ClientID: "a", WorkerID: "w1", LastActivityAt: connectedAt,
	}))
	m.onClientDisconnected(ctx, remoteEvent(t, "w1", ChannelClientDisconnected, ClientDisconnectedEvent{
		ClientID: "a", WorkerID: "w1", DisconnectedAt: disconnectedAt,
	}))
	// 入房事件发生在断开之前，但在其后才被处理
	m.onClientJoinedRoom(ctx, remoteEvent(t, "w1", ChannelClientJoinedRoom, RoomEvent{
		ClientID: "a", WorkerID: "w1", Rooms: []string{"lobby"}, At: connectedAt.Add(time.Millisecond),
	}))

	_, ok := m.Registry().Get("a", false)
	assert.False(t, ok)
	assert.Nil(t, m.Rooms().MembersOf("lobby"))
	assert.Equal(t, 0, m.Rooms().Count())

	// 迟到的上线事件同样被丢弃
	m.onClientConnected(ctx, remoteEvent(t, "w1", ChannelClientConnected, ClientConnectedEvent{
		ClientID: "a", WorkerID: "w1", LastActivityAt: connectedAt,
	}))
	assert.Equal(t, 0, m.Registry().ShadowCount())
}

func TestReconnectAfterDepartureIsAccepted(t *testing.T) {
	m := newTestManager(t, nil, "w2")
	ctx := context.Background()
	disconnectedAt := time.Now().Add(-time.Second)

	m.onClientDisconnected(ctx, remoteEvent(t, "w1", ChannelClientDisconnected, ClientDisconnectedEvent{
		ClientID: "a", WorkerID: "w1", DisconnectedAt: disconnectedAt,
	}))
	m.onClientConnected(ctx, remoteEvent(t, "w1", ChannelClientConnected, ClientConnectedEvent{
		ClientID: "a", WorkerID: "w1", LastActivityAt: time.Now(),
	}))
	m.onClientJoinedRoom(ctx, remoteEvent(t, "w1", ChannelClientJoinedRoom, RoomEvent{
		ClientID: "a", WorkerID: "w1", Rooms: []string{"lobby"}, At: time.Now(),
	}))

	_, ok := m.Registry().Get("a", false)
	assert.True(t, ok)
	assert.Equal(t, []string{"a"}, m.Rooms().MembersOf("lobby"))
}

func TestRoomJoinProfileReachesOtherWorkers(t *testing.T) {
	lookup := UserLookupFunc(func(_ context.Context, id string) (*UserRecord, error) {
		return &UserRecord{ID: id, Name: "Alice"}, nil
	})
	hub := pubsub.NewHub()
	w1 := newTestManager(t, hub, "w1", WithUserLookup(lookup))
	w2 := newTestManager(t, hub, "w2")
	startManager(t, w1)
	startManager(t, w2)
	ctx := context.Background()

	attach(t, w1, "a", WithUser(&AuthUser{UserID: "u1", Type: "agent"}))
	b := attach(t, w2, "b")
	assert.Eventually(t, func() bool {
		_, ok := w2.Registry().Get("a", false)
		return ok
	}, waitFor, tick)

	w1.HandleFrame(ctx, "a", frame(t, TypeRoom, "join", RoomRequest{Room: "lobby"}))
	assert.Eventually(t, func() bool {
		return w2.Rooms().IsMember("a", "lobby")
	}, waitFor, tick)

	w2.HandleFrame(ctx, "b", frame(t, TypeRoom, "join", RoomRequest{Room: "lobby"}))
	reply := b.find(t, TypeRoom, "join")
	require.NotNil(t, reply)

	var joined RoomJoinResult
	require.NoError(t, reply.Bind(&joined))
	require.Len(t, joined.Members, 2)
	assert.Equal(t, "a", joined.Members[0].ClientID)
	require.NotNil(t, joined.Members[0].Profile)
	assert.Equal(t, "Alice", joined.Members[0].Profile.Name)
	assert.Equal(t, "u1", joined.Members[0].Profile.ID)
	assert.Nil(t, joined.Members[1].Profile)
}

func TestSummarizeDecodedProfile(t *testing.T) {
	s := summarize(ClientRecord{
		ID: "a",
		Metadata: map[string]any{
			profileKey: map[string]any{"id": "u1", "name": "Alice"},
		},
	})
	require.NotNil(t, s.Profile)
	assert.Equal(t, "Alice", s.Profile.Name)

	assert.Nil(t, summarize(ClientRecord{ID: "b", Metadata: map[string]any{profileKey: "junk"}}).Profile)
}
