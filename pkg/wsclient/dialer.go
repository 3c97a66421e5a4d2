package wsclient

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 客户端连接
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer 建立连接
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc 函数适配
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial 实现 Dialer
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// GorillaDialer 基于 gorilla/websocket 的拨号器
type GorillaDialer struct {
	Dialer    *websocket.Dialer
	WriteWait time.Duration
}

// NewGorillaDialer 创建默认拨号器
func NewGorillaDialer() *GorillaDialer {
	return &GorillaDialer{
		Dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		},
		WriteWait: 10 * time.Second,
	}
}

// Dial 实现 Dialer
func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn, writeWait: d.WriteWait}, nil
}

// gorillaConn 写操作串行化；ping 由 gorilla 默认处理器回复 pong
type gorillaConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeWait > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}
