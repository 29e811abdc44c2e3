package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a daemon's control socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's unix domain socket.
func Dial(socketPath string) (*Client, error) {
	return DialTarget("unix://" + socketPath)
}

// DialTarget connects to any gRPC target.
func DialTarget(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	resp := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return call[StatusResponse](ctx, c, "Status", &Empty{})
}

func (c *Client) Start(ctx context.Context) error {
	_, err := call[Empty](ctx, c, "Start", &Empty{})
	return err
}

func (c *Client) Stop(ctx context.Context) error {
	_, err := call[Empty](ctx, c, "Stop", &Empty{})
	return err
}

func (c *Client) Interrupt(ctx context.Context) error {
	_, err := call[Empty](ctx, c, "Interrupt", &Empty{})
	return err
}

func (c *Client) Snapshot(ctx context.Context, path string) error {
	_, err := call[Empty](ctx, c, "Snapshot", &SnapshotRequest{Path: path})
	return err
}

func (c *Client) Configure(ctx context.Context, addr, password string) error {
	_, err := call[Empty](ctx, c, "Configure", &ConfigureRequest{Addr: addr, Password: password})
	return err
}

func (c *Client) Chats(ctx context.Context, req *ChatsRequest) (*ChatsResponse, error) {
	return call[ChatsResponse](ctx, c, "Chats", req)
}

func (c *Client) Messages(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	return call[MessagesResponse](ctx, c, "Messages", req)
}

func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	return call[SendResponse](ctx, c, "Send", req)
}

func (c *Client) Accept(ctx context.Context, chatID int64) error {
	_, err := call[Empty](ctx, c, "Accept", &ChatRequest{ChatID: chatID})
	return err
}

func (c *Client) Block(ctx context.Context, chatID int64) error {
	_, err := call[Empty](ctx, c, "Block", &ChatRequest{ChatID: chatID})
	return err
}

func (c *Client) MarkSeen(ctx context.Context, ids []int64) error {
	_, err := call[Empty](ctx, c, "MarkSeen", &MarkSeenRequest{MsgIDs: ids})
	return err
}

func (c *Client) MarkNoticed(ctx context.Context, chatID int64) error {
	_, err := call[Empty](ctx, c, "MarkNoticed", &ChatRequest{ChatID: chatID})
	return err
}

func (c *Client) Invite(ctx context.Context, chatID int64) (*InviteResponse, error) {
	return call[InviteResponse](ctx, c, "Invite", &InviteRequest{ChatID: chatID})
}

func (c *Client) Join(ctx context.Context, text string) (*JoinResponse, error) {
	return call[JoinResponse](ctx, c, "Join", &JoinRequest{Text: text})
}

func (c *Client) Contacts(ctx context.Context, req *ContactsRequest) (*ContactsResponse, error) {
	return call[ContactsResponse](ctx, c, "Contacts", req)
}

func (c *Client) Peerstate(ctx context.Context, addr string) (*PeerstateResponse, error) {
	return call[PeerstateResponse](ctx, c, "Peerstate", &PeerstateRequest{Addr: addr})
}

func (c *Client) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	return call[SearchResponse](ctx, c, "Search", req)
}

func (c *Client) Housekeeping(ctx context.Context) (*HousekeepingResponse, error) {
	return call[HousekeepingResponse](ctx, c, "Housekeeping", &Empty{})
}

func (c *Client) GetConfig(ctx context.Context, key string) (string, error) {
	resp, err := call[ConfigResponse](ctx, c, "GetConfig", &ConfigRequest{Key: key})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (c *Client) SetConfig(ctx context.Context, key, value string) error {
	_, err := call[Empty](ctx, c, "SetConfig", &ConfigRequest{Key: key, Value: value})
	return err
}

// EventStream receives events pushed by the daemon.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*Event, error) {
	evt := new(Event)
	if err := s.stream.RecvMsg(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Events subscribes to events whose kind starts with prefix. Cancel ctx to
// end the stream.
func (c *Client) Events(ctx context.Context, prefix string) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("Events"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&EventsRequest{Prefix: prefix}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
