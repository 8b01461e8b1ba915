package rpc

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"cmdforge/internal/types"
)

// Client talks to a running gateway. Errors that carry a registry kind are
// mapped back onto the registry sentinels.
type Client struct {
	submit    *connect.Client[SubmitRequest, SubmitResponse]
	cancel    *connect.Client[CancelRequest, CancelResponse]
	generate  *connect.Client[GenerateRequest, SubmitResponse]
	getActive *connect.Client[NameRequest, CommandResponse]
	rollback  *connect.Client[RollbackRequest, CommandResponse]
	history   *connect.Client[HistoryRequest, HistoryResponse]
	list      *connect.Client[ListCommandsRequest, CommandsResponse]
	versions  *connect.Client[NameRequest, CommandsResponse]
	retire    *connect.Client[NameRequest, CommandResponse]
	run       *connect.Client[NameRequest, RunResponse]
	health    *connect.Client[emptypb.Empty, wrapperspb.StringValue]
}

func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	opts := []connect.ClientOption{connect.WithCodec(jsonCodec{})}
	return &Client{
		submit:    connect.NewClient[SubmitRequest, SubmitResponse](httpClient, baseURL+SubmitProcedure, opts...),
		cancel:    connect.NewClient[CancelRequest, CancelResponse](httpClient, baseURL+CancelProcedure, opts...),
		generate:  connect.NewClient[GenerateRequest, SubmitResponse](httpClient, baseURL+GenerateProcedure, opts...),
		getActive: connect.NewClient[NameRequest, CommandResponse](httpClient, baseURL+GetActiveProcedure, opts...),
		rollback:  connect.NewClient[RollbackRequest, CommandResponse](httpClient, baseURL+RollbackProcedure, opts...),
		history:   connect.NewClient[HistoryRequest, HistoryResponse](httpClient, baseURL+HistoryProcedure, opts...),
		list:      connect.NewClient[ListCommandsRequest, CommandsResponse](httpClient, baseURL+ListCommandsProcedure, opts...),
		versions:  connect.NewClient[NameRequest, CommandsResponse](httpClient, baseURL+VersionsProcedure, opts...),
		retire:    connect.NewClient[NameRequest, CommandResponse](httpClient, baseURL+RetireProcedure, opts...),
		run:       connect.NewClient[NameRequest, RunResponse](httpClient, baseURL+RunProcedure, opts...),
		health:    connect.NewClient[emptypb.Empty, wrapperspb.StringValue](httpClient, baseURL+HealthCheckProcedure, opts...),
	}
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	res, err := c.submit.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return nil, FromRPCError(err)
	}
	return res.Msg, nil
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*SubmitResponse, error) {
	res, err := c.generate.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return nil, FromRPCError(err)
	}
	return res.Msg, nil
}

func (c *Client) Cancel(ctx context.Context, artifactID string) (bool, error) {
	res, err := c.cancel.CallUnary(ctx, connect.NewRequest(&CancelRequest{ArtifactID: artifactID}))
	if err != nil {
		return false, FromRPCError(err)
	}
	return res.Msg.Cancelled, nil
}

func (c *Client) Active(ctx context.Context, name string) (types.RegisteredCommand, error) {
	return commandCall(ctx, c.getActive, &NameRequest{Name: name})
}

func (c *Client) Rollback(ctx context.Context, name string, version int) (types.RegisteredCommand, error) {
	return commandCall(ctx, c.rollback, &RollbackRequest{Name: name, Version: version})
}

func (c *Client) Retire(ctx context.Context, name string) (types.RegisteredCommand, error) {
	return commandCall(ctx, c.retire, &NameRequest{Name: name})
}

func commandCall[Req any](ctx context.Context, cl *connect.Client[Req, CommandResponse], req *Req) (types.RegisteredCommand, error) {
	res, err := cl.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return types.RegisteredCommand{}, FromRPCError(err)
	}
	return res.Msg.Command, nil
}

func (c *Client) Versions(ctx context.Context, name string) ([]types.RegisteredCommand, error) {
	res, err := c.versions.CallUnary(ctx, connect.NewRequest(&NameRequest{Name: name}))
	if err != nil {
		return nil, FromRPCError(err)
	}
	return res.Msg.Commands, nil
}

func (c *Client) Commands(ctx context.Context) ([]types.RegisteredCommand, error) {
	res, err := c.list.CallUnary(ctx, connect.NewRequest(&ListCommandsRequest{}))
	if err != nil {
		return nil, FromRPCError(err)
	}
	return res.Msg.Commands, nil
}

func (c *Client) History(ctx context.Context, req HistoryRequest) ([]types.HistoryEntry, error) {
	res, err := c.history.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return nil, FromRPCError(err)
	}
	return res.Msg.Entries, nil
}

func (c *Client) Run(ctx context.Context, name string) (types.ExecutionResult, error) {
	res, err := c.run.CallUnary(ctx, connect.NewRequest(&NameRequest{Name: name}))
	if err != nil {
		return types.ExecutionResult{}, FromRPCError(err)
	}
	return res.Msg.Execution, nil
}

func (c *Client) Health(ctx context.Context) (string, error) {
	res, err := c.health.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return "", err
	}
	return res.Msg.GetValue(), nil
}
