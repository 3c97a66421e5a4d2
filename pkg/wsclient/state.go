package wsclient

// State 连接状态
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// ReconnectExhausted 重连次数耗尽，终止状态，不再安排重试
	ReconnectExhausted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case ReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "unknown"
	}
}
