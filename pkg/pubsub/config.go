package pubsub

import (
	"fmt"
	"time"
)

// Driver 传输驱动
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
	DriverNATS   Driver = "nats"
	DriverAMQP   Driver = "amqp"
	DriverKafka  Driver = "kafka"
)

// RedisMode Redis 模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// Config 传输层配置
type Config struct {
	Driver Driver `mapstructure:"driver"`

	Redis *RedisConfig `mapstructure:"redis"`
	NATS  *NATSConfig  `mapstructure:"nats"`
	AMQP  *AMQPConfig  `mapstructure:"amqp"`
	Kafka *KafkaConfig `mapstructure:"kafka"`

	// Breaker 非空时为发布加熔断
	Breaker *BreakerConfig `mapstructure:"breaker"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`           // 地址（单机）
	Addrs        []string      `mapstructure:"addrs"`          // 地址列表（集群/哨兵）
	Mode         RedisMode     `mapstructure:"mode"`           // standalone, cluster, sentinel
	Username     string        `mapstructure:"username"`       // 用户名（Redis 6.0+）
	Password     string        `mapstructure:"password"`       // 密码
	DB           int           `mapstructure:"db"`             // 数据库编号
	PoolSize     int           `mapstructure:"pool_size"`      // 连接池大小
	MinIdleConns int           `mapstructure:"min_idle_conns"` // 最小空闲连接
	MaxRetries   int           `mapstructure:"max_retries"`    // 最大重试次数
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`   // 连接超时
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`   // 读超时
	WriteTimeout time.Duration `mapstructure:"write_timeout"`  // 写超时

	// 哨兵模式配置
	MasterName string `mapstructure:"master_name"`
}

// NATSConfig NATS 配置
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`           // 连接名，便于在服务端区分 worker
	MaxReconnects int           `mapstructure:"max_reconnects"` // -1 表示无限重连
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// AMQPConfig RabbitMQ 配置
type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
	Version  string   `mapstructure:"version"` // 为空使用 sarama 默认版本
}

// BreakerConfig 发布熔断配置
type BreakerConfig struct {
	Name             string        `mapstructure:"name"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"` // 连续失败次数达到后打开（默认 5）
	MaxRequests      uint32        `mapstructure:"max_requests"`      // 半开状态放行的请求数（默认 1）
	Interval         time.Duration `mapstructure:"interval"`          // 关闭状态下计数清零周期（0 表示不清零）
	Timeout          time.Duration `mapstructure:"timeout"`           // 打开到半开的等待时间（默认 30s）
}

// DefaultConfig 默认配置（进程内传输）
func DefaultConfig() *Config {
	return &Config{Driver: DriverMemory}
}

// DefaultRedisConfig 默认 Redis 配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		Mode:         RedisStandalone,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// DefaultNATSConfig 默认 NATS 配置
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:           "nats://127.0.0.1:4222",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis == nil {
			return fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
		}
		switch c.Redis.Mode {
		case RedisStandalone, "":
			if c.Redis.Addr == "" {
				return fmt.Errorf("%w: redis addr is required for standalone mode", ErrInvalidConfig)
			}
		case RedisCluster:
			if len(c.Redis.Addrs) == 0 {
				return fmt.Errorf("%w: redis cluster requires addrs", ErrInvalidConfig)
			}
		case RedisSentinel:
			if len(c.Redis.Addrs) == 0 || c.Redis.MasterName == "" {
				return fmt.Errorf("%w: redis sentinel requires addrs and master name", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: invalid redis mode %q", ErrInvalidConfig, c.Redis.Mode)
		}
	case DriverNATS:
		if c.NATS == nil || c.NATS.URL == "" {
			return fmt.Errorf("%w: nats url is required", ErrInvalidConfig)
		}
	case DriverAMQP:
		if c.AMQP == nil || c.AMQP.URL == "" {
			return fmt.Errorf("%w: amqp url is required", ErrInvalidConfig)
		}
	case DriverKafka:
		if c.Kafka == nil || len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka brokers are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, c.Driver)
	}
	return nil
}
