package cli

import (
	"context"
	"errors"
	"io"
	"log"

	"cmdforge/internal/gateway/config"
	"cmdforge/internal/gateway/handler/rpc"
	"cmdforge/internal/gateway/runtime"
	"cmdforge/internal/history"
	"cmdforge/internal/registry"
	"cmdforge/internal/service"
	"cmdforge/internal/types"
)

// backend is what the commands need; it is served either by an in-process
// runtime or by a gateway over RPC.
type backend interface {
	Submit(ctx context.Context, req service.SubmitRequest) (rpc.SubmitResponse, error)
	Generate(ctx context.Context, req service.GenerateRequest) (rpc.SubmitResponse, error)
	Active(ctx context.Context, name string) (types.RegisteredCommand, error)
	Rollback(ctx context.Context, name string, version int) (types.RegisteredCommand, error)
	Retire(ctx context.Context, name string) (types.RegisteredCommand, error)
	Versions(ctx context.Context, name string) ([]types.RegisteredCommand, error)
	Commands(ctx context.Context) ([]types.RegisteredCommand, error)
	History(ctx context.Context, req rpc.HistoryRequest) ([]types.HistoryEntry, error)
	Run(ctx context.Context, name string) (types.ExecutionResult, error)
	Close() error
}

func openBackend(ctx context.Context, g globals, stderr io.Writer) (backend, error) {
	if g.remote != "" {
		return remoteBackend{Client: rpc.NewClient(nil, g.remote)}, nil
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(io.Discard, "", 0)
	if g.verbose {
		logger = log.New(stderr, "cmdforge: ", log.LstdFlags)
	}
	app, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return &localBackend{app: app}, nil
}

type localBackend struct {
	app *runtime.App
}

func (b *localBackend) Submit(ctx context.Context, req service.SubmitRequest) (rpc.SubmitResponse, error) {
	return wrapSubmit(b.app.Service.Submit(ctx, req))
}

func (b *localBackend) Generate(ctx context.Context, req service.GenerateRequest) (rpc.SubmitResponse, error) {
	return wrapSubmit(b.app.Service.Generate(ctx, req))
}

func wrapSubmit(out service.SubmitResponse, err error) (rpc.SubmitResponse, error) {
	resp := rpc.SubmitResponse{
		ArtifactID: out.ArtifactID,
		Name:       out.Name,
		Verdict:    out.Verdict,
		Result:     out.Result,
		Execution:  out.Execution,
		Command:    out.Command,
	}
	if errors.Is(err, registry.ErrAlreadyRegistered) {
		resp.AlreadyRegistered = true
		err = nil
	}
	return resp, err
}

func (b *localBackend) Active(ctx context.Context, name string) (types.RegisteredCommand, error) {
	return b.app.Service.Active(ctx, name)
}

func (b *localBackend) Rollback(ctx context.Context, name string, version int) (types.RegisteredCommand, error) {
	return b.app.Service.Rollback(ctx, name, version)
}

func (b *localBackend) Retire(ctx context.Context, name string) (types.RegisteredCommand, error) {
	return b.app.Service.Retire(ctx, name)
}

func (b *localBackend) Versions(ctx context.Context, name string) ([]types.RegisteredCommand, error) {
	return b.app.Service.Versions(ctx, name)
}

func (b *localBackend) Commands(ctx context.Context) ([]types.RegisteredCommand, error) {
	return b.app.Service.Commands(ctx)
}

func (b *localBackend) History(_ context.Context, req rpc.HistoryRequest) ([]types.HistoryEntry, error) {
	return b.app.Service.History(history.Filter{Name: req.Name, ArtifactID: req.ArtifactID, Limit: req.Limit})
}

func (b *localBackend) Run(ctx context.Context, name string) (types.ExecutionResult, error) {
	return b.app.Service.Run(ctx, name)
}

func (b *localBackend) Close() error { return b.app.Close() }

type remoteBackend struct {
	*rpc.Client
}

func (b remoteBackend) Submit(ctx context.Context, req service.SubmitRequest) (rpc.SubmitResponse, error) {
	resp, err := b.Client.Submit(ctx, req)
	if err != nil {
		return rpc.SubmitResponse{}, err
	}
	return *resp, nil
}

func (b remoteBackend) Generate(ctx context.Context, req service.GenerateRequest) (rpc.SubmitResponse, error) {
	resp, err := b.Client.Generate(ctx, req)
	if err != nil {
		return rpc.SubmitResponse{}, err
	}
	return *resp, nil
}

func (remoteBackend) Close() error { return nil }
