package ws

import "context"

// UserRecord 持久层中的用户信息，仅用于补充入房元数据
type UserRecord struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Type   string         `json:"type,omitempty"`
	Avatar string         `json:"avatar,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// UserLookup 用户查询接口，找不到时返回 (nil, nil)
type UserLookup interface {
	FindUserByID(ctx context.Context, userID string) (*UserRecord, error)
}

// UserLookupFunc 函数适配器
type UserLookupFunc func(ctx context.Context, userID string) (*UserRecord, error)

// FindUserByID 实现 UserLookup
func (f UserLookupFunc) FindUserByID(ctx context.Context, userID string) (*UserRecord, error) {
	return f(ctx, userID)
}
