package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/irisfeng/vapi-cn/internal/config"
	"github.com/irisfeng/vapi-cn/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	bridge := telephony.NewBridge(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Printf("shutdown signal received")
		cancel()
	}()

	log.Printf("bridging freeswitch %s to relay %s", cfg.ESLAddr, cfg.RelayWSBaseURL)
	bridge.Run(ctx)
	log.Printf("shutdown complete")
}
