package store

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Open 打开数据库
func Open(cfg *Config, log logger.Logger) (*gorm.DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}

	dialector, err := dialectorFor(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: cfg.SkipDefaultTransaction,
		PrepareStmt:            cfg.PrepareStmt,
		Logger:                 NewGormLogger(log.Named("store"), cfg.SlowThreshold, ParseLogLevel(cfg.LogLevel)),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   cfg.TablePrefix,
			SingularTable: cfg.SingularTable,
		},
	})
	if err != nil {
		return nil, ErrConnect.WithError(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, ErrConnect.WithError(err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if cfg.ReadWriteSplit != nil {
		if err := useReplicas(db, cfg); err != nil {
			_ = sqlDB.Close()
			return nil, ErrConnect.WithError(fmt.Errorf("read-write split: %w", err))
		}
	}

	if cfg.Tracing {
		if err := db.Use(NewTracingPlugin(WithSQLTrace(cfg.SQLTrace))); err != nil {
			_ = sqlDB.Close()
			return nil, ErrConnect.WithError(err)
		}
	}

	return db, nil
}

// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(dbType DBType, dsn string) (gorm.Dialector, error) {
	switch dbType {
	case MySQL:
		return mysql.Open(dsn), nil
	case PostgreSQL:
		return postgres.Open(dsn), nil
	case SQLite:
		return sqlite.Open(dsn), nil
	case SQLServer:
		return sqlserver.Open(dsn), nil
	default:
		return nil, ErrInvalidConfig.WithError(fmt.Errorf("unsupported database type %q", dbType))
	}
}

func useReplicas(db *gorm.DB, cfg *Config) error {
	rw := cfg.ReadWriteSplit
	replicas := make([]gorm.Dialector, 0, len(rw.Sources))
	for _, dsn := range rw.Sources {
		d, err := dialectorFor(cfg.Type, dsn)
		if err != nil {
			return err
		}
		replicas = append(replicas, d)
	}

	resolver := dbresolver.Register(dbresolver.Config{
		Replicas: replicas,
		Policy:   policyFor(rw.Policy),
	})
	if err := db.Use(resolver); err != nil {
		return err
	}

	// 从库连接在插件初始化时创建，之后才能设置连接池
	if rw.MaxIdleConns > 0 {
		resolver.SetMaxIdleConns(rw.MaxIdleConns)
	}
	if rw.MaxOpenConns > 0 {
		resolver.SetMaxOpenConns(rw.MaxOpenConns)
	}
	return nil
}

func policyFor(policy string) dbresolver.Policy {
	if policy == "round_robin" {
		return dbresolver.RoundRobinPolicy()
	}
	return dbresolver.RandomPolicy{}
}
