package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"stockwire.com/internal/notify/app"
)

func main() {
	configPath := flag.String("config", "", "config file (default ./config/notify-gateway.yaml)")
	flag.Parse()

	// 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := app.New(*configPath)
	if err != nil {
		log.Fatalf("init notify-gateway error: %v", err)
	}
	if err := gw.Run(ctx); err != nil {
		log.Fatalf("notify-gateway exit with error: %v", err)
	}
}
