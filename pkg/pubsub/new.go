package pubsub

// New 按配置创建传输层
// hub 只用于 memory 驱动，为 nil 时创建独立 Hub
func New(cfg *Config, hub *Hub, opts ...Option) (Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		t   Transport
		err error
	)
	switch cfg.Driver {
	case DriverMemory:
		t = NewMemory(hub, opts...)
	case DriverRedis:
		client, cerr := NewRedisClient(cfg.Redis)
		if cerr != nil {
			return nil, cerr
		}
		t = NewRedis(client, opts...)
	case DriverNATS:
		conn, cerr := DialNATS(cfg.NATS)
		if cerr != nil {
			return nil, cerr
		}
		t = NewNATS(conn, opts...)
	case DriverAMQP:
		t, err = DialAMQP(cfg.AMQP.URL, opts...)
	case DriverKafka:
		t, err = NewKafka(cfg.Kafka, opts...)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Breaker != nil {
		t = WithBreaker(t, *cfg.Breaker, opts...)
	}
	return t, nil
}
