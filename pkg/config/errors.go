package config

import "github.com/tokmz/qi-realtime/pkg/errors"

var (
	ErrNotFound = errors.New(3001, "config: file not found")
	ErrRead     = errors.New(3002, "config: read failed")
	ErrDecode   = errors.New(3003, "config: decode failed")
	// ErrNoFile 未指定配置文件时无法监控
	ErrNoFile = errors.New(3004, "config: no file to watch")
)
