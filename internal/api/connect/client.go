package connect

import (
	"context"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlClient is a client for the control service.
type ControlClient struct {
	getState  *connect.Client[structpb.Struct, structpb.Struct]
	play      *connect.Client[structpb.Struct, structpb.Struct]
	skip      *connect.Client[structpb.Struct, structpb.Struct]
	stop      *connect.Client[structpb.Struct, structpb.Struct]
	subscribe *connect.Client[structpb.Struct, structpb.Struct]
}

// NewControlClient constructs a client for the control service at baseURL.
func NewControlClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *ControlClient {
	return &ControlClient{
		getState:  connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+GetStateProcedure, opts...),
		play:      connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+PlayProcedure, opts...),
		skip:      connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+SkipProcedure, opts...),
		stop:      connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+StopProcedure, opts...),
		subscribe: connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+SubscribeProcedure, opts...),
	}
}

// GetState calls discobox.v1.ControlService.GetState.
func (c *ControlClient) GetState(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.getState.CallUnary(ctx, req)
}

// Play calls discobox.v1.ControlService.Play.
func (c *ControlClient) Play(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.play.CallUnary(ctx, req)
}

// Skip calls discobox.v1.ControlService.Skip.
func (c *ControlClient) Skip(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.skip.CallUnary(ctx, req)
}

// Stop calls discobox.v1.ControlService.Stop.
func (c *ControlClient) Stop(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.stop.CallUnary(ctx, req)
}

// Subscribe calls discobox.v1.ControlService.Subscribe.
func (c *ControlClient) Subscribe(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.ServerStreamForClient[structpb.Struct], error) {
	return c.subscribe.CallServerStream(ctx, req)
}

// NewRequest wraps fields into a control request.
func NewRequest(fields map[string]any) (*connect.Request[structpb.Struct], error) {
	msg, err := toStruct(fields)
	if err != nil {
		return nil, err
	}
	return connect.NewRequest(msg), nil
}
