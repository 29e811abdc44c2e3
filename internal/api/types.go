package api

import "encoding/json"

type Empty struct{}

type StatusResponse struct {
	State      string `json:"state"`
	Since      int64  `json:"since"`
	LastError  string `json:"last_error,omitempty"`
	Addr       string `json:"addr"`
	Configured bool   `json:"configured"`
	Running    bool   `json:"running"`
	Messages   int64  `json:"messages"`
	Jobs       int64  `json:"jobs"`
	Handshakes int    `json:"handshakes"`
	UptimeMs   int64  `json:"uptime_ms"`
}

type ConfigureRequest struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
}

type SnapshotRequest struct {
	Path string `json:"path"`
}

type ChatsRequest struct {
	Archived bool   `json:"archived,omitempty"`
	Requests bool   `json:"requests,omitempty"`
	Query    string `json:"query,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

type Chat struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"`
	Name           string `json:"name"`
	Blocked        string `json:"blocked"`
	Visibility     string `json:"visibility"`
	Protected      bool   `json:"protected"`
	MutedUntil     int64  `json:"muted_until,omitempty"`
	EphemeralTimer int64  `json:"ephemeral_timer,omitempty"`
	Fresh          int    `json:"fresh"`
	LastTimestamp  int64  `json:"last_timestamp"`
}

type ChatsResponse struct {
	Chats []Chat `json:"chats"`
}

type MessagesRequest struct {
	ChatID int64 `json:"chat_id"`
	Before int64 `json:"before,omitempty"`
	Limit  int   `json:"limit,omitempty"`
}

type Message struct {
	ID                 int64  `json:"id"`
	ChatID             int64  `json:"chat_id"`
	FromID             int64  `json:"from_id"`
	Timestamp          int64  `json:"timestamp"`
	State              string `json:"state"`
	Text               string `json:"text"`
	File               string `json:"file,omitempty"`
	MimeType           string `json:"mime_type,omitempty"`
	Encrypted          bool   `json:"encrypted"`
	Info               bool   `json:"info,omitempty"`
	EphemeralTimestamp int64  `json:"ephemeral_timestamp,omitempty"`
	Error              string `json:"error,omitempty"`
}

type MessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// SendRequest carries a text, or a file with an optional caption when
// FileName is set.
type SendRequest struct {
	ChatID   int64  `json:"chat_id"`
	Text     string `json:"text"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

type SendResponse struct {
	MsgID int64 `json:"msg_id"`
}

type ChatRequest struct {
	ChatID int64 `json:"chat_id"`
}

type MarkSeenRequest struct {
	MsgIDs []int64 `json:"msg_ids"`
}

type InviteRequest struct {
	ChatID int64 `json:"chat_id,omitempty"`
}

type InviteResponse struct {
	Text string `json:"text"`
	QR   string `json:"qr"`
}

type JoinRequest struct {
	Text string `json:"text"`
}

type JoinResponse struct {
	ChatID int64 `json:"chat_id"`
}

type ContactsRequest struct {
	Query          string `json:"query,omitempty"`
	IncludeBlocked bool   `json:"include_blocked,omitempty"`
}

type Contact struct {
	ID      int64  `json:"id"`
	Addr    string `json:"addr"`
	Name    string `json:"name"`
	Blocked bool   `json:"blocked"`
}

type ContactsResponse struct {
	Contacts []Contact `json:"contacts"`
}

type PeerstateRequest struct {
	Addr string `json:"addr"`
}

type PeerstateResponse struct {
	Addr                string `json:"addr"`
	Fingerprint         string `json:"fingerprint"`
	GossipFingerprint   string `json:"gossip_fingerprint,omitempty"`
	VerifiedFingerprint string `json:"verified_fingerprint,omitempty"`
	Level               string `json:"level"`
	PreferEncrypt       bool   `json:"prefer_encrypt"`
	LastSeenAutocrypt   int64  `json:"last_seen_autocrypt"`
	Color               string `json:"color"`
}

type SearchRequest struct {
	Query  string `json:"query"`
	ChatID int64  `json:"chat_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type SearchHit struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

type SearchResponse struct {
	Results []SearchHit `json:"results"`
}

type HousekeepingResponse struct {
	Expired       int   `json:"expired"`
	DeviceDeleted int   `json:"device_deleted"`
	ServerDeleted int   `json:"server_deleted"`
	Tombstones    int64 `json:"tombstones"`
	Blobs         int   `json:"blobs"`
	Reminder      bool  `json:"reminder"`
}

type ConfigRequest struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type ConfigResponse struct {
	Value string `json:"value"`
}

type EventsRequest struct {
	// Prefix filters event kinds, e.g. "msg." for message events only.
	Prefix string `json:"prefix,omitempty"`
}

type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Account   int             `json:"account"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
