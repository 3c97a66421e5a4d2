package wsclient

import "github.com/tokmz/qi-realtime/pkg/errors"

var (
	// ErrNotConnected 当前没有可用连接
	ErrNotConnected = errors.New(6001, "wsclient: not connected")
	// ErrAlreadyConnected 重复调用 Connect
	ErrAlreadyConnected = errors.New(6002, "wsclient: already connected")
	// ErrDial 建立连接失败
	ErrDial = errors.New(6003, "wsclient: dial failed")
)
