package wsclient

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/errors"
	"github.com/tokmz/qi-realtime/pkg/logger"
	"github.com/tokmz/qi-realtime/pkg/ws"
)

// Client 自动重连的 WebSocket 客户端
//
// 状态流转：
//
//	Disconnected -> Connecting -> Connected
//	Connected --(连接断开)--> Reconnecting --(定时器到期)--> Connecting
//	Reconnecting --(attempts >= MaxAttempts)--> ReconnectExhausted
//	任意状态 --Disconnect()--> Disconnected
type Client struct {
	config *Config
	router *ws.Router
	log    logger.Logger

	// 测试替换
	after func(time.Duration) <-chan time.Time
	newID func() string

	mu       sync.Mutex
	state    State
	clientID string
	attempts int
	conn     Conn
	bo       backoff.BackOff
	cancel   context.CancelFunc
	done     chan struct{}
}

// New 创建客户端
func New(rawURL string, opts ...Option) *Client {
	config := DefaultConfig()
	config.URL = rawURL
	for _, opt := range opts {
		opt(config)
	}
	if config.Dialer == nil {
		config.Dialer = NewGorillaDialer()
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	log := config.Logger.Named("wsclient")

	closed := make(chan struct{})
	close(closed)

	return &Client{
		config: config,
		router: ws.NewRouter(ws.RoleClient, log),
		log:    log,
		after:  time.After,
		newID:  uuid.NewString,
		done:   closed,
	}
}

// Handle 注册入站消息处理器，与服务端路由表相互独立
func (c *Client) Handle(typ, action string, handler ws.HandlerFunc) error {
	return c.router.Handle(typ, action, handler)
}

// State 当前状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID 当前连接的客户端 ID；收到服务端欢迎帧后替换为服务端分配的 ID
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Attempts 当前连续重连次数，连接成功后归零
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Done 后台连接循环退出时关闭
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connect 建立连接；首次连接失败直接返回错误，不进入重连
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected && c.state != ReconnectExhausted {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.attempts = 0
	c.bo = c.newBackOff()
	c.done = make(chan struct{})
	done := c.done
	c.setState(Connecting)
	c.mu.Unlock()

	conn, err := c.dial(runCtx)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.setState(Disconnected)
		c.mu.Unlock()
		close(done)
		return err
	}
	if !c.opened(runCtx, conn) {
		close(done)
		return ErrNotConnected
	}

	go c.run(runCtx, conn, done)
	return nil
}

// Disconnect 主动断开，取消任何待执行的重连
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	c.setState(Disconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Send 发送 {type, action, data} 帧
func (c *Client) Send(typ, action string, data any) error {
	frame, err := ws.EncodeFrame(typ, action, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(frame)
}

func (c *Client) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.config.BaseDelay),
		backoff.WithMultiplier(c.config.Multiplier),
		backoff.WithMaxInterval(c.config.MaxDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(exp, uint64(max(c.config.MaxAttempts, 0)))
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	target, err := c.target()
	if err != nil {
		return nil, ErrDial.WithError(err)
	}
	conn, err := c.config.Dialer.Dial(ctx, target)
	if err != nil {
		return nil, ErrDial.WithError(err)
	}
	return conn, nil
}

// target 拼接 token 查询参数
func (c *Client) target() (string, error) {
	if c.config.Token == "" {
		return c.config.URL, nil
	}
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", c.config.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// opened 连接建立；已被 Disconnect 取消时关闭连接并返回 false
func (c *Client) opened(ctx context.Context, conn Conn) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.clientID = c.newID()
	c.attempts = 0
	c.bo.Reset()
	c.setState(Connected)
	id := c.clientID
	c.mu.Unlock()

	c.log.Info("connected", zap.String("client_id", id))
	return true
}

// run 读循环与重连循环，整个生命周期只有这一个 goroutine
func (c *Client) run(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		c.read(ctx, conn)
		_ = conn.Close()

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		if !c.config.AutoReconnect {
			c.setState(Disconnected)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		next, ok := c.reconnect(ctx)
		if !ok {
			return
		}
		conn = next
	}
}

// reconnect 按退避策略重试直到成功、耗尽或被取消
func (c *Client) reconnect(ctx context.Context) (Conn, bool) {
	for {
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return nil, false
		}
		delay := c.bo.NextBackOff()
		if delay == backoff.Stop {
			attempts := c.attempts
			c.setState(ReconnectExhausted)
			c.mu.Unlock()

			c.log.Warn("reconnect attempts exhausted", zap.Int("attempts", attempts))
			if c.config.OnExhausted != nil {
				c.config.OnExhausted(attempts)
			}
			return nil, false
		}
		c.attempts++
		attempt := c.attempts
		c.setState(Reconnecting)
		c.mu.Unlock()

		c.log.Info("reconnect scheduled",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return nil, false
		case <-c.after(delay):
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return nil, false
		}
		c.setState(Connecting)
		c.mu.Unlock()

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !c.opened(ctx, conn) {
			return nil, false
		}
		return conn, true
	}
}

// read 读取并分发入站帧，连接断开时返回
func (c *Client) read(ctx context.Context, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Info("connection lost", zap.Error(err))
			}
			return
		}
		c.dispatch(ctx, conn, raw)
	}
}

func (c *Client) dispatch(ctx context.Context, conn Conn, raw []byte) {
	env, err := ws.Decode(raw)
	if err != nil {
		c.fail(err)
		return
	}

	if env.Type == ws.TypeSystem && env.Action == "connected" {
		c.welcome(env)
	}

	handler, err := c.router.Lookup(env.Type, env.Action)
	if err != nil {
		switch {
		case env.Type == ws.TypeError:
			c.fail(serverError(env))
		case env.Type == ws.TypeSystem:
			// 未处理的系统帧忽略
		default:
			c.fail(err)
		}
		return
	}

	sender := connSender{conn: conn}
	wsCtx := ws.NewContext(ctx, c.ClientID(), env, sender)
	wsCtx.Logger = c.log

	result, err := c.invoke(handler, wsCtx)
	if err != nil {
		c.fail(err)
		return
	}
	if result != nil {
		if err := wsCtx.Reply(env.Type, env.Action, result); err != nil {
			c.log.Warn("reply failed", zap.String("route", env.RouteKey()), zap.Error(err))
		}
	}
}

func (c *Client) invoke(handler ws.HandlerFunc, wsCtx *ws.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic",
				zap.String("route", wsCtx.RouteKey()),
				zap.Any("panic", r),
			)
			err = ws.ErrHandler
		}
	}()
	return handler(wsCtx)
}

// welcome 采用服务端分配的客户端 ID
func (c *Client) welcome(env *ws.Envelope) {
	var data struct {
		ClientID string `json:"clientId"`
	}
	if err := env.Bind(&data); err != nil || data.ClientID == "" {
		return
	}
	c.mu.Lock()
	c.clientID = data.ClientID
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.log.Debug("inbound frame error", zap.Error(err))
	if c.config.OnError != nil {
		c.config.OnError(err)
	}
}

// setState 调用方持有 c.mu
func (c *Client) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(from, to)
	}
}

// serverError 将错误帧还原为带错误码的错误
func serverError(env *ws.Envelope) error {
	var payload ws.ErrorPayload
	if err := env.Bind(&payload); err != nil {
		return err
	}
	return errors.New(payload.Code, payload.Message)
}

type connSender struct {
	conn Conn
}

func (s connSender) Send(frame []byte) error {
	return s.conn.WriteMessage(frame)
}
