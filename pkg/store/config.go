package store

import (
	"fmt"
	"time"
)

// DBType 数据库类型
type DBType string

const (
	MySQL      DBType = "mysql"
	PostgreSQL DBType = "postgres"
	SQLite     DBType = "sqlite"
	SQLServer  DBType = "sqlserver"
)

// Config 数据库配置
type Config struct {
	Type DBType `mapstructure:"type"` // mysql, postgres, sqlite, sqlserver
	DSN  string `mapstructure:"dsn"`

	// 连接池
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	SkipDefaultTransaction bool `mapstructure:"skip_default_transaction"`
	PrepareStmt            bool `mapstructure:"prepare_stmt"`

	// 日志
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
	LogLevel      string        `mapstructure:"log_level"` // silent, error, warn, info

	TablePrefix   string `mapstructure:"table_prefix"`
	SingularTable bool   `mapstructure:"singular_table"`

	// 链路追踪，SQLTrace 记录完整 SQL
	Tracing  bool `mapstructure:"tracing"`
	SQLTrace bool `mapstructure:"sql_trace"`

	// 读写分离（可选）
	ReadWriteSplit *ReadWriteSplitConfig `mapstructure:"read_write_split"`
}

// ReadWriteSplitConfig 读写分离配置
type ReadWriteSplitConfig struct {
	Sources []string `mapstructure:"sources"` // 从库 DSN 列表
	Policy  string   `mapstructure:"policy"`  // random, round_robin

	// 从库连接池，不设置则沿用 sql.DB 默认值
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Type:            MySQL,
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		SlowThreshold:   200 * time.Millisecond,
		LogLevel:        "warn",
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrInvalidConfig.WithError(fmt.Errorf("dsn is required"))
	}
	switch c.Type {
	case MySQL, PostgreSQL, SQLite, SQLServer:
	default:
		return ErrInvalidConfig.WithError(fmt.Errorf("unsupported database type %q", c.Type))
	}
	if rw := c.ReadWriteSplit; rw != nil && len(rw.Sources) == 0 {
		return ErrInvalidConfig.WithError(fmt.Errorf("read-write split enabled but no sources provided"))
	}
	return nil
}
