package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"stockwire.com/pkg/notifyclient"
)

// notify-tail 订阅若干频道，把收到的信封逐行打到 stdout
func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "gateway websocket url")
	token := flag.String("token", os.Getenv("NOTIFY_TOKEN"), "bearer token (default $NOTIFY_TOKEN)")
	channels := flag.String("channels", "alerts", "comma separated channels to subscribe")
	products := flag.String("products", "", "comma separated product ids to follow")
	verbose := flag.Bool("v", false, "log reconnects to stderr")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := notifyclient.New(*url, *token)
	if *verbose {
		l, _ := zap.NewDevelopment()
		c.Log = l
	}
	c.OnEnvelope = func(e notifyclient.Envelope) {
		fmt.Printf("%s %-8s %-24s %s\n", e.Timestamp.Format("15:04:05.000"), e.Channel, e.Type, e.Payload)
	}
	for _, ch := range split(*channels) {
		_ = c.Subscribe(ctx, ch) // 未连接时只记录，连上后补发
	}
	for _, id := range split(*products) {
		_ = c.SubscribeProduct(ctx, id)
	}

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("notify-tail: %v", err)
	}
}

func split(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
