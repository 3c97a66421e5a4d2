package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qi-realtime/pkg/pubsub"
)

// fakeConn 记录发送帧的内存连接
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	full   bool
}

func (f *fakeConn) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnectionClosed
	}
	if f.full {
		return ErrChannelFull
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "127.0.0.1:0" }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// envelopes 已发送帧解码结果
func (f *fakeConn) envelopes(t *testing.T) []*Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		env, err := Decode(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// find 第一个匹配 type/action 的帧
func (f *fakeConn) find(t *testing.T, typ, action string) *Envelope {
	t.Helper()
	for _, env := range f.envelopes(t) {
		if env.Type == typ && env.Action == action {
			return env
		}
	}
	return nil
}

type published struct {
	channel Channel
	env     *Envelope
}

// recordingPublisher 记录发布内容
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, channel Channel, env *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{channel: channel, env: env})
	return nil
}

func (p *recordingPublisher) count(channel Channel) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.channel == channel {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last(channel Channel) *Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].channel == channel {
			return p.events[i].env
		}
	}
	return nil
}

// newTestManager 在共享 hub 上创建并启动一个 worker
func newTestManager(t *testing.T, hub *pubsub.Hub, workerID string, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithWorkerID(workerID), WithAllowAllOrigins()}, opts...)
	m, err := NewManager(pubsub.NewMemory(hub), opts...)
	require.NoError(t, err)
	return m
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
}

// serve 为 manager 启动 httptest 服务并返回 ws 地址
func serve(t *testing.T, m *Manager) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = m.HandleUpgrade(w, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// testSocket 测试用客户端连接
type testSocket struct {
	t        *testing.T
	conn     *websocket.Conn
	clientID string
}

func dial(t *testing.T, url string) *testSocket {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	s := &testSocket{t: t, conn: conn}
	welcome := s.readUntil(TypeSystem, "connected")
	var data struct {
		ClientID string `json:"clientId"`
	}
	require.NoError(t, welcome.Bind(&data))
	require.NotEmpty(t, data.ClientID)
	s.clientID = data.ClientID
	return s
}

func (s *testSocket) send(typ, action string, data any) {
	s.t.Helper()
	frame, err := EncodeFrame(typ, action, data)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.WriteMessage(websocket.TextMessage, frame))
}

func (s *testSocket) sendRaw(raw string) {
	s.t.Helper()
	require.NoError(s.t, s.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// readUntil 读取直到出现匹配的帧
func (s *testSocket) readUntil(typ, action string) *Envelope {
	s.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(s.t, s.conn.SetReadDeadline(deadline))
	for {
		_, data, err := s.conn.ReadMessage()
		require.NoError(s.t, err, "waiting for %s:%s", typ, action)
		env, err := Decode(data)
		require.NoError(s.t, err)
		if env.Type == typ && env.Action == action {
			return env
		}
	}
}
