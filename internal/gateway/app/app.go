package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"cmdforge/internal/gateway/config"
	"cmdforge/internal/gateway/handler"
	"cmdforge/internal/gateway/handler/rpc"
	"cmdforge/internal/gateway/runtime"
	"cmdforge/internal/gateway/server"
)

type App struct {
	runtime *runtime.App
	server  *server.Server
	grace   time.Duration
}

// New loads the configuration at configPath (may be empty) and wires the
// gateway around a fresh runtime.
func New(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(ctx, cfg, nil)
}

// NewWithConfig wires the gateway for an already loaded configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}

	rpcHandler := rpc.NewHandler(rt.Service)
	debugHandler := handler.NewDebugHandler(rt.History, rt.Events, rt.Sources)

	mux := server.NewMux(rpcHandler, debugHandler, cfg.Server.AllowedOrigins)
	return &App{
		runtime: rt,
		server:  server.New(cfg.Port, mux, logger),
		grace:   time.Duration(cfg.Server.ShutdownTimeoutS) * time.Second,
	}, nil
}

func (a *App) Start() error {
	return a.server.Start()
}

// Listen binds the port ahead of Start so startup errors surface early.
func (a *App) Listen() error { return a.server.Listen() }

func (a *App) Addr() string { return a.server.Addr() }

// ShutdownTimeout is the configured grace period for in-flight requests.
func (a *App) ShutdownTimeout() time.Duration { return a.grace }

// Shutdown stops accepting requests, then cancels queued submissions and
// closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if cerr := a.runtime.Close(); err == nil {
		err = cerr
	}
	return err
}
