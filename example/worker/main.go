package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/app"
	"github.com/tokmz/qi-realtime/pkg/ws"
)

type sayRequest struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

type chatMessage struct {
	From string `json:"from"`
	Room string `json:"room"`
	Text string `json:"text"`
}

func main() {
	path := flag.String("config", "", "配置文件路径（为空时只使用默认值与 REALTIME_ 环境变量）")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := app.NewLoader(path)
	defer loader.Close()

	settings, err := loader.Load()
	if err != nil {
		return err
	}

	worker, err := app.NewWorker(ctx, settings)
	if err != nil {
		return err
	}
	log := worker.Logger()

	// chat:say 广播到发送方所在房间，跨 worker 生效
	err = worker.Handle("chat", "say", ws.Typed(func(c *ws.Context, req *sayRequest) (any, error) {
		if req.Room == "" || req.Text == "" {
			return nil, ws.ErrDecode.WithMessage("chat: room and text are required")
		}
		if !c.Manager().Rooms().IsMember(c.ClientID, req.Room) {
			return nil, ws.ErrAuth.WithMessage("chat: join the room first")
		}
		msg, err := ws.NewEnvelope("chat", "message", chatMessage{From: c.ClientID, Room: req.Room, Text: req.Text})
		if err != nil {
			return nil, err
		}
		return map[string]bool{"sent": true}, c.Service().SendToRooms(c, []string{req.Room}, msg)
	}))
	if err != nil {
		return err
	}

	worker.Manager().OnCustom("announce", func(ctx context.Context, event ws.CustomEvent) {
		log.InfoContext(ctx, "announcement", zap.ByteString("data", event.Data))
	})

	if path != "" {
		if err := worker.Watch(loader); err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		}
	}

	return worker.Run(ctx)
}
