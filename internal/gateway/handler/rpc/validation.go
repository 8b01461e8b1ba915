package rpc

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"cmdforge/internal/registry"
	"cmdforge/internal/service"
)

// Handler serves the cmdforge RPC services on top of one service.Service.
type Handler struct {
	svc *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Mount registers every procedure and the submission websocket on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	opts := []connect.HandlerOption{connect.WithCodec(jsonCodec{})}

	mux.Handle(SubmitProcedure, connect.NewUnaryHandler(SubmitProcedure, h.Submit, opts...))
	mux.Handle(CancelProcedure, connect.NewUnaryHandler(CancelProcedure, h.Cancel, opts...))
	mux.Handle(GenerateProcedure, connect.NewUnaryHandler(GenerateProcedure, h.Generate, opts...))

	mux.Handle(GetActiveProcedure, connect.NewUnaryHandler(GetActiveProcedure, h.GetActive, opts...))
	mux.Handle(RollbackProcedure, connect.NewUnaryHandler(RollbackProcedure, h.Rollback, opts...))
	mux.Handle(HistoryProcedure, connect.NewUnaryHandler(HistoryProcedure, h.History, opts...))
	mux.Handle(ListCommandsProcedure, connect.NewUnaryHandler(ListCommandsProcedure, h.ListCommands, opts...))
	mux.Handle(VersionsProcedure, connect.NewUnaryHandler(VersionsProcedure, h.Versions, opts...))
	mux.Handle(RetireProcedure, connect.NewUnaryHandler(RetireProcedure, h.Retire, opts...))
	mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, h.Run, opts...))

	mux.Handle(HealthCheckProcedure, connect.NewUnaryHandler(HealthCheckProcedure, h.Check, opts...))

	mux.HandleFunc("/ws/submissions", h.HandleSubmissionsWS)
}

func (h *Handler) Submit(ctx context.Context, req *connect.Request[SubmitRequest]) (*connect.Response[SubmitResponse], error) {
	out, err := h.svc.Submit(ctx, *req.Msg)
	return submitResponse(out, err)
}

func (h *Handler) Generate(ctx context.Context, req *connect.Request[GenerateRequest]) (*connect.Response[SubmitResponse], error) {
	out, err := h.svc.Generate(ctx, *req.Msg)
	return submitResponse(out, err)
}

func submitResponse(out service.SubmitResponse, err error) (*connect.Response[SubmitResponse], error) {
	if err != nil && out.ArtifactID == "" {
		return nil, toRPCError(err)
	}
	resp := &SubmitResponse{
		ArtifactID: out.ArtifactID,
		Name:       out.Name,
		Verdict:    out.Verdict,
		Result:     out.Result,
		Execution:  out.Execution,
		Command:    out.Command,
	}
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrAlreadyRegistered):
		resp.AlreadyRegistered = true
	default:
		return nil, toRPCError(err)
	}
	return connect.NewResponse(resp), nil
}

func (h *Handler) Cancel(_ context.Context, req *connect.Request[CancelRequest]) (*connect.Response[CancelResponse], error) {
	if req.Msg.ArtifactID == "" {
		return nil, toRPCError(errors.New("artifactId is required"))
	}
	return connect.NewResponse(&CancelResponse{Cancelled: h.svc.Cancel(req.Msg.ArtifactID)}), nil
}
