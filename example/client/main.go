package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tokmz/qi-realtime/pkg/logger"
	"github.com/tokmz/qi-realtime/pkg/ws"
	"github.com/tokmz/qi-realtime/pkg/wsclient"
)

type chatMessage struct {
	From string `json:"from"`
	Room string `json:"room"`
	Text string `json:"text"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "worker 地址")
	token := flag.String("token", "", "JWT 令牌")
	room := flag.String("room", "lobby", "加入的房间")
	flag.Parse()

	log, err := logger.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := wsclient.New(*url,
		wsclient.WithToken(*token),
		wsclient.WithLogger(log),
		wsclient.WithReconnect(10, time.Second, 2, 30*time.Second),
		wsclient.WithStateHandler(func(from, to wsclient.State) {
			fmt.Printf("* %s -> %s\n", from, to)
		}),
		wsclient.WithOnExhausted(func(attempts int) {
			fmt.Printf("* gave up after %d attempts\n", attempts)
			stop()
		}),
		wsclient.WithErrorHandler(func(err error) {
			fmt.Printf("! %v\n", err)
		}),
	)

	// 重连后自动重新加入房间
	_ = client.Handle(ws.TypeSystem, "connected", func(*ws.Context) (any, error) {
		return nil, client.Send(ws.TypeRoom, "join", ws.RoomRequest{Room: *room})
	})
	_ = client.Handle(ws.TypeRoom, "join", func(c *ws.Context) (any, error) {
		fmt.Printf("* joined %s as %s\n", *room, client.ClientID())
		return nil, nil
	})
	_ = client.Handle("chat", "message", ws.Typed(func(_ *ws.Context, msg *chatMessage) (any, error) {
		fmt.Printf("[%s] %s: %s\n", msg.Room, msg.From, msg.Text)
		return nil, nil
	}))
	_ = client.Handle("chat", "say", func(*ws.Context) (any, error) { return nil, nil })

	if err := client.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Disconnect()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := client.Send("chat", "say", map[string]string{"room": *room, "text": line}); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}
