package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client gorilla/websocket 连接的 Conn 实现
//
// 读协程按到达顺序逐帧回调；所有写操作由唯一的写协程串行执行，
// Send 只入队不阻塞，队列满时返回 ErrChannelFull。
type Client struct {
	ID   string
	conn *websocket.Conn

	// 发送队列
	send chan []byte

	// 心跳
	lastPong atomic.Int64 // Unix timestamp

	// 生命周期
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	writeDone chan struct{} // 标记 writePump 已退出

	config ClientConfig
}

// ClientConfig 客户端配置
type ClientConfig struct {
	SendQueueSize     int
	WriteWait         time.Duration
	PongWait          time.Duration
	HeartbeatInterval time.Duration
	MaxMessageSize    int64
}

// clientConfigFrom 从 Manager 配置派生
func clientConfigFrom(c *Config) ClientConfig {
	return ClientConfig{
		SendQueueSize:     c.MessageQueueSize,
		WriteWait:         c.WriteWait,
		PongWait:          c.HeartbeatTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		MaxMessageSize:    c.MaxMessageSize,
	}
}

// NewClient 创建客户端
func NewClient(ctx context.Context, id string, conn *websocket.Conn, config ClientConfig) *Client {
	ctx, cancel := context.WithCancel(ctx)
	client := &Client{
		ID:        id,
		conn:      conn,
		send:      make(chan []byte, config.SendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		config:    config,
		writeDone: make(chan struct{}),
	}
	client.lastPong.Store(time.Now().Unix())
	return client
}

// Run 启动写协程并在当前协程读取，连接结束后返回
func (c *Client) Run(onFrame func(data []byte)) {
	go c.writePump()
	c.readPump(onFrame)
	_ = c.Close()
	<-c.writeDone
}

// readPump 读取消息
func (c *Client) readPump(onFrame func(data []byte)) {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().Unix())
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// 任意入站帧都视为活跃
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		onFrame(data)

		if c.ctx.Err() != nil {
			return
		}
	}
}

// writePump 写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case <-c.ctx.Done():
			// 尽量把已入队的消息写完（例如断开原因）再关闭
			for {
				select {
				case message := <-c.send:
					if err := c.writeMessage(message); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			if err := c.writeMessage(message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage 写入消息
func (c *Client) writeMessage(message []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// Send 发送帧（非阻塞）
func (c *Client) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrChannelFull
	}
}

// Close 关闭客户端，可重复调用
// 写协程会先写完队列中的消息再关闭底层连接
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		// 写协程未运行或卡住时兜底关闭底层连接
		go func() {
			select {
			case <-c.writeDone:
			case <-time.After(c.config.WriteWait):
				_ = c.conn.Close()
			}
		}()
	})
	return nil
}

// IsClosed 检查是否已关闭
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// LastPong 最后一次收到 pong 的时间
func (c *Client) LastPong() time.Time {
	return time.Unix(c.lastPong.Load(), 0)
}

// RemoteAddr 获取远程地址
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
