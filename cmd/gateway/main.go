package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cmdforge/internal/gateway/app"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config.yaml (default: $CMDFORGE_CONFIG or ./config.yaml)")
	flag.Parse()

	a, err := app.New(context.Background(), *configPath)
	if err != nil {
		log.Printf("cmdforge gateway: %v", err)
		return 1
	}
	if err := a.Listen(); err != nil {
		log.Printf("cmdforge gateway: %v", err)
		_ = a.Shutdown(context.Background())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- a.Start() }()

	code := 0
	select {
	case err := <-served:
		if err != nil {
			log.Printf("cmdforge gateway: serve: %v", err)
			code = 1
		}
	case <-ctx.Done():
		log.Printf("cmdforge gateway: signal received, draining for up to %s", a.ShutdownTimeout())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Printf("cmdforge gateway: shutdown: %v", err)
		return 1
	}
	return code
}
