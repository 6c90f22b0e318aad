// Package client is the typed gRPC client for courierd's control API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/courier/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Resp any](ctx context.Context, c *Client, service, method string, req any) (*Resp, error) {
	in, err := api.Encode(req)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, api.FullMethod(service, method), in, out); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := api.Decode(out, resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, api.StatusServiceName, "GetStatus", api.Empty{})
}

func (c *Client) Quarantine(ctx context.Context) (*api.QuarantineResponse, error) {
	return call[api.QuarantineResponse](ctx, c, api.StatusServiceName, "ListQuarantine", api.Empty{})
}

// WatchEvents streams events until ctx ends or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(api.Event) error) error {
	desc := &grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.StatusServiceName, "WatchEvents"))
	if err != nil {
		return err
	}
	in, err := api.Encode(api.WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := &structpb.Struct{}
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt api.Event
		if err := api.Decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) Send(ctx context.Context, req api.SendRequest) (*api.EnqueueResponse, error) {
	return call[api.EnqueueResponse](ctx, c, api.OutboxServiceName, "Send", req)
}

func (c *Client) AckRead(ctx context.Context, req api.ReadRequest) (*api.EnqueueResponse, error) {
	return call[api.EnqueueResponse](ctx, c, api.OutboxServiceName, "AckRead", req)
}

func (c *Client) Edit(ctx context.Context, req api.EditRequest) (*api.EnqueueResponse, error) {
	return call[api.EnqueueResponse](ctx, c, api.OutboxServiceName, "Edit", req)
}

func (c *Client) Delete(ctx context.Context, req api.DeleteRequest) (*api.EnqueueResponse, error) {
	return call[api.EnqueueResponse](ctx, c, api.OutboxServiceName, "Delete", req)
}

func (c *Client) OutboxStats(ctx context.Context) (*api.OutboxStats, error) {
	return call[api.OutboxStats](ctx, c, api.OutboxServiceName, "Stats", api.Empty{})
}

func (c *Client) Dead(ctx context.Context) (*api.DeadResponse, error) {
	return call[api.DeadResponse](ctx, c, api.OutboxServiceName, "Dead", api.Empty{})
}

func (c *Client) Retry(ctx context.Context, opID string) error {
	_, err := call[api.Empty](ctx, c, api.OutboxServiceName, "Retry", api.OpRequest{OpID: opID})
	return err
}

func (c *Client) Discard(ctx context.Context, opID string) error {
	_, err := call[api.Empty](ctx, c, api.OutboxServiceName, "Discard", api.OpRequest{OpID: opID})
	return err
}

func (c *Client) Drain(ctx context.Context) (*api.DrainResponse, error) {
	return call[api.DrainResponse](ctx, c, api.OutboxServiceName, "Drain", api.Empty{})
}

func (c *Client) Schedule(ctx context.Context, req api.ScheduleRequest) (*api.ScheduleResponse, error) {
	return call[api.ScheduleResponse](ctx, c, api.ScheduleServiceName, "Add", req)
}

func (c *Client) CancelSchedule(ctx context.Context, id string) error {
	_, err := call[api.Empty](ctx, c, api.ScheduleServiceName, "Cancel", api.ScheduleIDRequest{ScheduleID: id})
	return err
}

func (c *Client) GetSchedule(ctx context.Context, id string) (*api.ScheduledMessage, error) {
	return call[api.ScheduledMessage](ctx, c, api.ScheduleServiceName, "Get", api.ScheduleIDRequest{ScheduleID: id})
}

func (c *Client) ListSchedules(ctx context.Context, req api.ListSchedulesRequest) (*api.ListSchedulesResponse, error) {
	return call[api.ListSchedulesResponse](ctx, c, api.ScheduleServiceName, "List", req)
}

func (c *Client) CreateTemplate(ctx context.Context, req api.CreateTemplateRequest) (*api.Template, error) {
	return call[api.Template](ctx, c, api.TemplateServiceName, "Create", req)
}

func (c *Client) ListTemplates(ctx context.Context, ownerID string) (*api.ListTemplatesResponse, error) {
	return call[api.ListTemplatesResponse](ctx, c, api.TemplateServiceName, "List", api.ListTemplatesRequest{OwnerID: ownerID})
}

func (c *Client) UpdateTemplate(ctx context.Context, req api.UpdateTemplateRequest) error {
	_, err := call[api.Empty](ctx, c, api.TemplateServiceName, "Update", req)
	return err
}

func (c *Client) DeleteTemplate(ctx context.Context, id string) error {
	_, err := call[api.Empty](ctx, c, api.TemplateServiceName, "Delete", api.TemplateIDRequest{TemplateID: id})
	return err
}

func (c *Client) Sweep(ctx context.Context) (*api.SweepResponse, error) {
	return call[api.SweepResponse](ctx, c, api.ReaperServiceName, "Sweep", api.Empty{})
}

func (c *Client) ListChats(ctx context.Context) (*api.ListChatsResponse, error) {
	return call[api.ListChatsResponse](ctx, c, api.CacheServiceName, "ListChats", api.Empty{})
}

func (c *Client) ListMessages(ctx context.Context, chatID string, limit int) (*api.ListMessagesResponse, error) {
	return call[api.ListMessagesResponse](ctx, c, api.CacheServiceName, "ListMessages", api.ListMessagesRequest{ChatID: chatID, Limit: limit})
}

func (c *Client) Reconcile(ctx context.Context) (*api.ReconcileResponse, error) {
	return call[api.ReconcileResponse](ctx, c, api.CacheServiceName, "Reconcile", api.Empty{})
}
