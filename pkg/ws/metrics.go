package ws

import "time"

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(local, shadow int)

	// 消息指标
	IncrementMessageCount(route string)
	RecordMessageLatency(route string, d time.Duration)
	IncrementMessageErrors(route string, code int)

	// 房间指标
	SetRoomCount(count int)

	// 总线指标
	IncrementBusPublished(channel string)
	IncrementBusReceived(channel string)
	IncrementBusSuppressed(channel string)
	IncrementBusErrors(channel string)

	// 其他
	IncrementDroppedMessages()
	IncrementInvalidMessages()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) IncrementConnections()                         {}
func (NoopMetrics) DecrementConnections()                         {}
func (NoopMetrics) SetConnectionCount(local, shadow int)          {}
func (NoopMetrics) IncrementMessageCount(route string)            {}
func (NoopMetrics) RecordMessageLatency(string, time.Duration)    {}
func (NoopMetrics) IncrementMessageErrors(route string, code int) {}
func (NoopMetrics) SetRoomCount(count int)                        {}
func (NoopMetrics) IncrementBusPublished(channel string)          {}
func (NoopMetrics) IncrementBusReceived(channel string)           {}
func (NoopMetrics) IncrementBusSuppressed(channel string)         {}
func (NoopMetrics) IncrementBusErrors(channel string)             {}
func (NoopMetrics) IncrementDroppedMessages()                     {}
func (NoopMetrics) IncrementInvalidMessages()                     {}
