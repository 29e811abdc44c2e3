// Package api is the control service a daemon serves on its unix socket.
// Requests and responses are plain Go types carried by a JSON codec.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/engine"
	"github.com/matheus3301/postbox/internal/housekeeping"
	"github.com/matheus3301/postbox/internal/securejoin"
	"github.com/matheus3301/postbox/internal/store"
)

// ServiceName is the full gRPC service name.
const ServiceName = "postbox.v1.Control"

// Backend is the account engine behind the service.
type Backend interface {
	Status(ctx context.Context) (*engine.Status, error)
	Start(ctx context.Context) error
	Stop() error
	Snapshot(ctx context.Context, path string) error
	Configure(ctx context.Context, addr, password string) error
	Chats(ctx context.Context, opts store.ListChatsOptions) ([]store.ChatSummary, error)
	Messages(ctx context.Context, chatID, beforeTs int64, limit int) ([]store.Message, error)
	SendText(ctx context.Context, chatID int64, text string) (*store.Message, error)
	SendFile(ctx context.Context, chatID int64, a engine.Attachment, caption string) (*store.Message, error)
	AcceptChat(ctx context.Context, chatID int64) error
	BlockChat(ctx context.Context, chatID int64) error
	MarkSeen(ctx context.Context, ids []int64) error
	MarkNoticed(ctx context.Context, chatID int64) error
	Invite(ctx context.Context, chatID int64) (*securejoin.Invite, error)
	Join(ctx context.Context, text string) (int64, error)
	Contacts(ctx context.Context, query string, includeBlocked bool) ([]store.Contact, error)
	Peerstate(ctx context.Context, addr string) (*engine.PeerInfo, error)
	Search(ctx context.Context, query string, chatID int64, limit int) ([]store.SearchResult, error)
	RunHousekeeping(ctx context.Context) (*housekeeping.Report, error)
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	Subscribe(prefix string, buf int) (<-chan bus.Event, func())
	Interrupt()
}

// ControlServer is what the service descriptor registers.
type ControlServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
}

// Service implements the control service for one account.
type Service struct {
	backend   Backend
	logger    *zap.Logger
	startedAt time.Time
}

func NewService(b Backend, logger *zap.Logger) *Service {
	return &Service{backend: b, logger: logger.Named("api"), startedAt: time.Now()}
}

// Register adds the control service to srv.
func Register(srv *grpc.Server, s *Service) {
	srv.RegisterService(&serviceDesc, s)
}

const defaultLimit = 50

func (s *Service) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{
		State:      string(st.State),
		Since:      st.Since.UnixMilli(),
		LastError:  st.LastError,
		Addr:       st.Addr,
		Configured: st.Configured,
		Running:    st.Running,
		Messages:   st.Messages,
		Jobs:       st.Jobs,
		Handshakes: st.Handshakes,
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
	}, nil
}

func (s *Service) Start(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.backend.Start(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) Stop(_ context.Context, _ *Empty) (*Empty, error) {
	if err := s.backend.Stop(); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// Interrupt makes the IO loops look for work now.
func (s *Service) Interrupt(_ context.Context, _ *Empty) (*Empty, error) {
	s.backend.Interrupt()
	return &Empty{}, nil
}

func (s *Service) Snapshot(ctx context.Context, req *SnapshotRequest) (*Empty, error) {
	if req.Path == "" {
		return nil, invalid("path is required")
	}
	if err := s.backend.Snapshot(ctx, req.Path); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) Configure(ctx context.Context, req *ConfigureRequest) (*Empty, error) {
	if req.Addr == "" || req.Password == "" {
		return nil, invalid("addr and password are required")
	}
	if err := s.backend.Configure(ctx, req.Addr, req.Password); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) Chats(ctx context.Context, req *ChatsRequest) (*ChatsResponse, error) {
	chats, err := s.backend.Chats(ctx, store.ListChatsOptions{
		Archived: req.Archived,
		Requests: req.Requests,
		Query:    req.Query,
		Limit:    req.Limit,
		Offset:   req.Offset,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]Chat, 0, len(chats))
	for i := range chats {
		out = append(out, chatToWire(&chats[i]))
	}
	return &ChatsResponse{Chats: out}, nil
}

func (s *Service) Messages(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	msgs, err := s.backend.Messages(ctx, req.ChatID, req.Before, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageToWire(&msgs[i]))
	}
	return &MessagesResponse{Messages: out, HasMore: len(msgs) == limit}, nil
}

func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	var (
		m   *store.Message
		err error
	)
	if req.FileName != "" {
		m, err = s.backend.SendFile(ctx, req.ChatID, engine.Attachment{
			Name:     req.FileName,
			MimeType: req.MimeType,
			Data:     req.Data,
		}, req.Text)
	} else {
		m, err = s.backend.SendText(ctx, req.ChatID, req.Text)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendResponse{MsgID: m.ID}, nil
}

func (s *Service) Accept(ctx context.Context, req *ChatRequest) (*Empty, error) {
	if err := s.backend.AcceptChat(ctx, req.ChatID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) Block(ctx context.Context, req *ChatRequest) (*Empty, error) {
	if err := s.backend.BlockChat(ctx, req.ChatID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) MarkSeen(ctx context.Context, req *MarkSeenRequest) (*Empty, error) {
	if err := s.backend.MarkSeen(ctx, req.MsgIDs); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) MarkNoticed(ctx context.Context, req *ChatRequest) (*Empty, error) {
	if err := s.backend.MarkNoticed(ctx, req.ChatID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) Invite(ctx context.Context, req *InviteRequest) (*InviteResponse, error) {
	inv, err := s.backend.Invite(ctx, req.ChatID)
	if err != nil {
		return nil, toStatus(err)
	}
	qr, err := inv.Terminal()
	if err != nil {
		s.logger.Warn("render invite qr", zap.Error(err))
	}
	return &InviteResponse{Text: inv.String(), QR: qr}, nil
}

func (s *Service) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	chatID, err := s.backend.Join(ctx, req.Text)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JoinResponse{ChatID: chatID}, nil
}

func (s *Service) Contacts(ctx context.Context, req *ContactsRequest) (*ContactsResponse, error) {
	contacts, err := s.backend.Contacts(ctx, req.Query, req.IncludeBlocked)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]Contact, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, Contact{
			ID:      c.ID,
			Addr:    c.Addr,
			Name:    c.DisplayName(),
			Blocked: c.Blocked == store.BlockedYes,
		})
	}
	return &ContactsResponse{Contacts: out}, nil
}

func (s *Service) Peerstate(ctx context.Context, req *PeerstateRequest) (*PeerstateResponse, error) {
	p, err := s.backend.Peerstate(ctx, req.Addr)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PeerstateResponse{
		Addr:                p.Addr,
		Fingerprint:         p.Fingerprint,
		GossipFingerprint:   p.GossipFingerprint,
		VerifiedFingerprint: p.VerifiedFingerprint,
		Level:               p.Level.String(),
		PreferEncrypt:       p.PreferEncrypt,
		LastSeenAutocrypt:   p.LastSeenAutocrypt,
		Color:               p.Color,
	}, nil
}

func (s *Service) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	results, err := s.backend.Search(ctx, req.Query, req.ChatID, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]SearchHit, 0, len(results))
	for i := range results {
		out = append(out, SearchHit{Message: messageToWire(&results[i].Message), Snippet: results[i].Snippet})
	}
	return &SearchResponse{Results: out}, nil
}

func (s *Service) Housekeeping(ctx context.Context, _ *Empty) (*HousekeepingResponse, error) {
	rep, err := s.backend.RunHousekeeping(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HousekeepingResponse{
		Expired:       rep.Expired,
		DeviceDeleted: rep.DeviceDeleted,
		ServerDeleted: rep.ServerDeleted,
		Tombstones:    rep.Tombstones,
		Blobs:         rep.Blobs,
		Reminder:      rep.Reminder,
	}, nil
}

func (s *Service) GetConfig(ctx context.Context, req *ConfigRequest) (*ConfigResponse, error) {
	v, err := s.backend.GetConfig(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ConfigResponse{Value: v}, nil
}

func (s *Service) SetConfig(ctx context.Context, req *ConfigRequest) (*Empty, error) {
	if req.Key == "" {
		return nil, invalid("key is required")
	}
	if err := s.backend.SetConfig(ctx, req.Key, req.Value); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// Events streams bus events until the client goes away.
func (s *Service) Events(req *EventsRequest, stream grpc.ServerStream) error {
	ch, unsub := s.backend.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			var payload json.RawMessage
			if evt.Payload != nil {
				raw, err := json.Marshal(evt.Payload)
				if err != nil {
					s.logger.Warn("marshal event payload", zap.String("kind", evt.Kind), zap.Error(err))
				} else {
					payload = raw
				}
			}
			if err := stream.SendMsg(&Event{
				ID:        uuid.New().String(),
				Kind:      evt.Kind,
				Account:   evt.Account,
				Timestamp: evt.Timestamp.UnixMilli(),
				Payload:   payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func chatToWire(c *store.ChatSummary) Chat {
	return Chat{
		ID:             c.ID,
		Type:           chatType(c.Type),
		Name:           c.Name,
		Blocked:        blocked(c.Blocked),
		Visibility:     visibility(c.Visibility),
		Protected:      c.Protected,
		MutedUntil:     c.MutedUntil,
		EphemeralTimer: c.EphemeralTimer,
		Fresh:          c.FreshCount,
		LastTimestamp:  c.LastTimestamp,
	}
}

func messageToWire(m *store.Message) Message {
	return Message{
		ID:                 m.ID,
		ChatID:             m.ChatID,
		FromID:             m.FromID,
		Timestamp:          m.Timestamp,
		State:              m.State.String(),
		Text:               m.Text,
		File:               m.File,
		MimeType:           m.MimeType,
		Encrypted:          m.Encryption == store.EncEncrypted,
		Info:               m.InfoType != store.InfoNone,
		EphemeralTimestamp: m.EphemeralTimestamp,
		Error:              m.Error,
	}
}

func chatType(t store.ChatType) string {
	switch t {
	case store.ChatTypeSingle:
		return "single"
	case store.ChatTypeGroup:
		return "group"
	case store.ChatTypeMailinglist:
		return "mailinglist"
	case store.ChatTypeBroadcast:
		return "broadcast"
	default:
		return "special"
	}
}

func blocked(b store.Blocked) string {
	switch b {
	case store.BlockedYes:
		return "blocked"
	case store.BlockedRequest:
		return "request"
	default:
		return "accepted"
	}
}

func visibility(v store.Visibility) string {
	switch v {
	case store.VisibilityArchived:
		return "archived"
	case store.VisibilityPinned:
		return "pinned"
	default:
		return "normal"
	}
}
