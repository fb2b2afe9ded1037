package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irisfeng/vapi-cn/internal/config"
	"github.com/irisfeng/vapi-cn/internal/httpapi"
	"github.com/irisfeng/vapi-cn/internal/observability"
	"github.com/irisfeng/vapi-cn/internal/relay"
	"github.com/irisfeng/vapi-cn/internal/stepfun"
	"github.com/irisfeng/vapi-cn/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.UpstreamReady(); err != nil {
		log.Printf("warning: %v; websocket sessions will be refused", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	recordStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer recordStore.Close()

	err = store.EnsureDefaultAssistant(ctx, recordStore, cfg.StepFunSystemPrompt, cfg.StepFunVoice, cfg.StepFunModel)
	if err != nil {
		log.Fatalf("default assistant init failed: %v", err)
	}

	registry := relay.NewRegistry(cfg.SessionInactivityTimeout, metrics)

	upstreamFactory := func(assistant store.Assistant, handler stepfun.Handler) relay.Upstream {
		return stepfun.NewClient(stepfun.Config{
			APIKey:            cfg.StepFunAPIKey,
			WSBaseURL:         cfg.StepFunWSBaseURL,
			Model:             assistant.Model,
			Voice:             assistant.Voice,
			SystemPrompt:      assistant.SystemPrompt,
			ConnectTimeout:    cfg.ConnectTimeout,
			ConnectAttempts:   cfg.ConnectAttempts,
			ConnectRetryDelay: cfg.ConnectRetryDelay,
		}, handler)
	}

	api := httpapi.New(cfg, recordStore, registry, metrics, upstreamFactory)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go registry.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("relay listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
