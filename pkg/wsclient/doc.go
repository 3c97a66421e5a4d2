// Package wsclient 自动重连的 WebSocket 客户端。
//
// 连接断开后按指数退避重试，重试次数耗尽进入 ReconnectExhausted 并停止；
// 主动调用 Disconnect 会取消所有待执行的重连。入站帧通过独立的客户端路由表分发。
package wsclient
