package store

import (
	"context"
	"errors"
	"maps"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokmz/qi-realtime/pkg/logger"
	"github.com/tokmz/qi-realtime/pkg/ws"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// User 用户表
type User struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:128"`
	Type      string `gorm:"size:32;index"`
	Avatar    string `gorm:"size:255"`
	Extra     string `gorm:"type:text"` // JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserStore 用户查询，实现 ws.UserLookup
//
// 同一用户的并发查询合并为一次数据库访问。
type UserStore struct {
	db    *gorm.DB
	log   logger.Logger
	group singleflight.Group
}

var _ ws.UserLookup = (*UserStore)(nil)

// NewUserStore 创建用户查询
func NewUserStore(db *gorm.DB, log logger.Logger) *UserStore {
	if log == nil {
		log = logger.NewNop()
	}
	return &UserStore{db: db, log: log.Named("users")}
}

// Migrate 创建或更新用户表
func (s *UserStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&User{}); err != nil {
		return ErrQuery.WithError(err)
	}
	return nil
}

// Save 写入或覆盖用户
func (s *UserStore) Save(ctx context.Context, rec *ws.UserRecord) error {
	row, err := fromRecord(rec)
	if err != nil {
		return ErrQuery.WithError(err)
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "type", "avatar", "extra", "updated_at"}),
		}).
		Create(row).Error
	if err != nil {
		return ErrQuery.WithError(err)
	}
	return nil
}

// FindUserByID 按 ID 查询用户，不存在时返回 (nil, nil)
func (s *UserStore) FindUserByID(ctx context.Context, userID string) (*ws.UserRecord, error) {
	if userID == "" {
		return nil, nil
	}

	v, err, shared := s.group.Do(userID, func() (any, error) {
		var row User
		err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return (*ws.UserRecord)(nil), nil
		case err != nil:
			return nil, err
		}
		return toRecord(&row, s.log), nil
	})
	if err != nil {
		s.log.WarnContext(ctx, "find user failed", zap.String("user_id", userID), zap.Error(err))
		return nil, ErrQuery.WithError(err)
	}

	rec, _ := v.(*ws.UserRecord)
	if rec == nil {
		return nil, nil
	}
	if shared {
		// 共享结果需要复制，调用方可能修改
		clone := *rec
		clone.Extra = maps.Clone(rec.Extra)
		return &clone, nil
	}
	return rec, nil
}

func fromRecord(rec *ws.UserRecord) (*User, error) {
	row := &User{ID: rec.ID, Name: rec.Name, Type: rec.Type, Avatar: rec.Avatar}
	if len(rec.Extra) > 0 {
		raw, err := codec.Marshal(rec.Extra)
		if err != nil {
			return nil, err
		}
		row.Extra = string(raw)
	}
	return row, nil
}

func toRecord(row *User, log logger.Logger) *ws.UserRecord {
	rec := &ws.UserRecord{ID: row.ID, Name: row.Name, Type: row.Type, Avatar: row.Avatar}
	if row.Extra != "" {
		if err := codec.UnmarshalFromString(row.Extra, &rec.Extra); err != nil {
			log.Warn("invalid user extra", zap.String("user_id", row.ID), zap.Error(err))
		}
	}
	return rec
}
