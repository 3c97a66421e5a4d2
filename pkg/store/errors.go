package store

import "github.com/tokmz/qi-realtime/pkg/errors"

var (
	ErrInvalidConfig = errors.New(5040, "store: invalid config")
	ErrConnect       = errors.New(5041, "store: connect failed")
	ErrQuery         = errors.New(5042, "store: query failed")
)
