package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// NewSaramaConfig 总线使用的 sarama 配置
// 同步生产者等待 leader 确认；消费者从最新位点开始，不提交位点
func NewSaramaConfig(cfg *KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "qi-realtime"
	if cfg != nil && cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg != nil && cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: kafka version: %w", ErrInvalidConfig, err)
		}
		sc.Version = version
	}
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	return sc, nil
}

// Kafka 基于 Kafka topic 的传输
//
// 每个 worker 直接消费 topic 的全部分区（不加入消费组），
// 因此每条消息都会到达每个 worker，包括发布者自己。
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	log      logger.Logger
	closed   atomic.Bool

	mu   sync.Mutex
	subs map[sarama.PartitionConsumer]struct{}
	wg   sync.WaitGroup
}

// NewKafka 连接 broker 并创建传输
func NewKafka(cfg *KafkaConfig, opts ...Option) (*Kafka, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", ErrInvalidConfig)
	}
	sc, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("pubsub: kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumer(cfg.Brokers, sc)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("pubsub: kafka consumer: %w", err)
	}
	return NewKafkaWith(producer, consumer, opts...), nil
}

// NewKafkaWith 使用已有的生产者与消费者创建传输，Close 时一并关闭
func NewKafkaWith(producer sarama.SyncProducer, consumer sarama.Consumer, opts ...Option) *Kafka {
	o := applyOptions("kafka", opts)
	return &Kafka{
		producer: producer,
		consumer: consumer,
		log:      o.log,
		subs:     make(map[sarama.PartitionConsumer]struct{}),
	}
}

// Publish 同步发布，等待 broker 确认
func (k *Kafka) Publish(_ context.Context, channel string, payload []byte) error {
	if k.closed.Load() {
		return ErrClosed
	}
	_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: channel,
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

// Subscribe 从最新位点消费 topic 的全部分区
// 同一分区内按顺序回调，分区之间没有顺序保证
func (k *Kafka) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if k.closed.Load() {
		return ErrClosed
	}

	partitions, err := k.consumer.Partitions(channel)
	if err != nil {
		return fmt.Errorf("pubsub: kafka partitions %s: %w", channel, err)
	}

	started := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := k.consumer.ConsumePartition(channel, p, sarama.OffsetNewest)
		if err != nil {
			for _, s := range started {
				k.stop(s)
			}
			return fmt.Errorf("pubsub: kafka consume %s/%d: %w", channel, p, err)
		}
		k.mu.Lock()
		k.subs[pc] = struct{}{}
		k.mu.Unlock()
		started = append(started, pc)

		k.wg.Add(1)
		go k.consume(ctx, channel, pc, handler)
	}
	return nil
}

func (k *Kafka) consume(ctx context.Context, channel string, pc sarama.PartitionConsumer, handler func([]byte)) {
	defer k.wg.Done()
	defer k.stop(pc)

	messages, errs := pc.Messages(), pc.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			deliver(k.log, channel, handler, msg.Value)
		case err, ok := <-errs:
			if !ok {
				return
			}
			k.log.Warn("kafka consume error",
				zap.String("channel", channel),
				zap.Error(err),
			)
		}
	}
}

// stop 每个分区消费者只关闭一次
func (k *Kafka) stop(pc sarama.PartitionConsumer) {
	k.mu.Lock()
	_, ok := k.subs[pc]
	delete(k.subs, pc)
	k.mu.Unlock()
	if ok {
		pc.AsyncClose()
	}
}

// Close 停止全部分区消费并关闭生产者与消费者
func (k *Kafka) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	k.mu.Lock()
	pcs := make([]sarama.PartitionConsumer, 0, len(k.subs))
	for pc := range k.subs {
		pcs = append(pcs, pc)
	}
	k.mu.Unlock()

	for _, pc := range pcs {
		k.stop(pc)
	}
	k.wg.Wait()

	perr := k.producer.Close()
	cerr := k.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
