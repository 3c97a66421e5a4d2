package logger

import "context"

type ctxKey int

const (
	traceIDKey ctxKey = iota
	workerIDKey
	clientIDKey
)

// WithTraceID 写入 TraceID，HTTP 升级请求进入时设置
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithWorkerID 写入当前 worker 标识
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// WithClientID 写入连接标识，每条入站帧的处理上下文都带有它
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func TraceIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

func WorkerIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(workerIDKey).(string)
	return v
}

func ClientIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(clientIDKey).(string)
	return v
}
