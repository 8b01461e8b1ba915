package rpc

import (
	"context"

	"connectrpc.com/connect"

	"cmdforge/internal/history"
)

func (h *Handler) GetActive(ctx context.Context, req *connect.Request[NameRequest]) (*connect.Response[CommandResponse], error) {
	cmd, err := h.svc.Active(ctx, req.Msg.Name)
	if err != nil {
		return nil, toRPCError(err)
	}
	return connect.NewResponse(&CommandResponse{Command: cmd}), nil
}

func (h *Handler) Rollback(ctx context.Context, req *connect.Request[RollbackRequest]) (*connect.Response[CommandResponse], error) {
	cmd, err := h.svc.Rollback(ctx, req.Msg.Name, req.Msg.Version)
	if err != nil {
		return nil, toRPCError(err)
	}
	return connect.NewResponse(&CommandResponse{Command: cmd}), nil
}

func (h *Handler) Retire(ctx context.Context, req *connect.Request[NameRequest]) (*connect.Response[CommandResponse], error) {
	cmd, err := h.svc.Retire(ctx, req.Msg.Name)
	if err != nil {
		return nil, toRPCError(err)
	}
	return connect.NewResponse(&CommandResponse{Command: cmd}), nil
}

func (h *Handler) Versions(ctx context.Context, req *connect.Request[NameRequest]) (*connect.Response[CommandsResponse], error) {
	cmds, err := h.svc.Versions(ctx, req.Msg.Name)
	if err != nil {
		return nil, toRPCError(err)
	}
	return connect.NewResponse(&CommandsResponse{Commands: cmds}), nil
}

func (h *Handler) ListCommands(ctx context.Context, _ *connect.Request[ListCommandsRequest]) (*connect.Response[CommandsResponse], error) {
	cmds, err := h.svc.Commands(ctx)
	if err != nil {
		return nil, toRPCError(err)
	}
	return connect.NewResponse(&CommandsResponse{Commands: cmds}), nil
}

func (h *Handler) History(_ context.Context, req *connect.Request[HistoryRequest]) (*connect.Response[HistoryResponse], error) {
	entries, err := h.svc.History(history.Filter{
		Name:       req.Msg.Name,
		ArtifactID: req.Msg.ArtifactID,
		Limit:      req.Msg.Limit,
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	return connect.NewResponse(&HistoryResponse{Entries: entries}), nil
}

func (h *Handler) Run(ctx context.Context, req *connect.Request[NameRequest]) (*connect.Response[RunResponse], error) {
	res, err := h.svc.Run(ctx, req.Msg.Name)
	if err != nil {
		return nil, toRPCError(err)
	}
	return connect.NewResponse(&RunResponse{Execution: res}), nil
}
