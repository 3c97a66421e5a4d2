// Package ws provides the realtime connection-coordination core shared by a
// fleet of independent workers.
//
// # Features
//
//   - Connection registry with local records and shadow records for clients
//     held by other workers
//   - Room directory kept consistent across workers through bus events
//   - Compile-time route table keyed by "type:action"
//   - Middleware pipeline with ordered before/after/error hooks
//   - Broadcast bus over a pluggable pub/sub transport with loop suppression
//   - Inactivity sweep that reuses the normal disconnect path
//
// # Basic Usage
//
//	transport, _ := pubsub.NewRedis(redisClient)
//	manager, err := ws.NewManager(transport,
//	    ws.WithWorkerID("worker-1"),
//	    ws.WithLogger(log),
//	    ws.WithCheckOriginWhitelist([]string{"https://example.com"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	manager.Use(ws.Logging(log), ws.RateLimit(ws.RateLimitConfig{MessagesPerSecond: 20}, nil))
//	_ = manager.Routes(ws.RouteTable{
//	    {Type: "chat", Action: "say", Handler: ws.Typed(say)},
//	})
//
//	if err := manager.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer manager.Shutdown(context.Background())
//
//	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//	    _ = manager.HandleUpgrade(w, r)
//	})
//
// # Wire Format
//
// Client frames are JSON objects {"type", "action", "data"}. Malformed frames,
// unknown routes and unsuppressed handler errors are answered with
// {"type":"error","action":<category>,"data":{"code","message","route"}} and
// the socket stays open.
//
// # Pushing From Outer Layers
//
// HTTP handlers and background jobs push through the Service facade:
//
//	msg, _ := ws.Message("chat", "say", map[string]string{"text": "hi"})
//	err := manager.Service().SendToRooms(ctx, []string{"lobby"}, msg)
//
// Sockets held by the calling worker are written directly; every other worker
// receives the bus event and writes only to the member sockets it holds.
package ws
