package store

import "strings"

// Reserved contact ids. Rows 1..ContactIDLastSpecial are placeholders
// created by the initial migration.
const (
	ContactIDUndefined   int64 = 0
	ContactIDSelf        int64 = 1
	ContactIDInfo        int64 = 2
	ContactIDDevice      int64 = 5
	ContactIDLastSpecial int64 = 9
)

// Reserved chat ids.
const (
	ChatIDUndefined   int64 = 0
	ChatIDTrash       int64 = 3
	ChatIDLastSpecial int64 = 9
)

// ChatType distinguishes one-to-one, group and list-like chats.
type ChatType int

const (
	ChatTypeUndefined   ChatType = 0
	ChatTypeSingle      ChatType = 100
	ChatTypeGroup       ChatType = 120
	ChatTypeMailinglist ChatType = 140
	ChatTypeBroadcast   ChatType = 160
)

func (t ChatType) String() string {
	switch t {
	case ChatTypeSingle:
		return "single"
	case ChatTypeGroup:
		return "group"
	case ChatTypeMailinglist:
		return "mailinglist"
	case ChatTypeBroadcast:
		return "broadcast"
	default:
		return "undefined"
	}
}

// Blocked is the accept/block state of a chat or contact.
type Blocked int

const (
	BlockedNot     Blocked = 0
	BlockedYes     Blocked = 1
	BlockedRequest Blocked = 2
)

// Visibility of a chat in the list.
type Visibility int

const (
	VisibilityNormal   Visibility = 0
	VisibilityArchived Visibility = 1
	VisibilityPinned   Visibility = 2
)

// MsgState is the delivery or processing state of a message.
type MsgState int

const (
	StateUndefined    MsgState = 0
	StateInFresh      MsgState = 10
	StateInNoticed    MsgState = 13
	StateInSeen       MsgState = 16
	StateOutPreparing MsgState = 18
	StateOutPending   MsgState = 20
	StateOutFailed    MsgState = 24
	StateOutDelivered MsgState = 26
	StateOutMdnRcvd   MsgState = 28
)

func (s MsgState) String() string {
	switch s {
	case StateInFresh:
		return "fresh"
	case StateInNoticed:
		return "noticed"
	case StateInSeen:
		return "seen"
	case StateOutPreparing:
		return "preparing"
	case StateOutPending:
		return "pending"
	case StateOutFailed:
		return "failed"
	case StateOutDelivered:
		return "delivered"
	case StateOutMdnRcvd:
		return "read"
	default:
		return "undefined"
	}
}

// Outgoing reports whether s belongs to a message sent by this account.
func (s MsgState) Outgoing() bool { return s >= StateOutPreparing }

// MsgType is the viewtype of a message.
type MsgType int

const (
	MsgText  MsgType = 10
	MsgImage MsgType = 20
	MsgFile  MsgType = 60
)

// InfoType marks device-generated system messages inside a chat.
type InfoType int

const (
	InfoNone                  InfoType = 0
	InfoGroupNameChanged      InfoType = 2
	InfoMemberAdded           InfoType = 4
	InfoMemberRemoved         InfoType = 5
	InfoEphemeralTimerChanged InfoType = 10
	InfoProtectionEnabled     InfoType = 11
	InfoProtectionDisabled    InfoType = 12
	InfoSecureJoin            InfoType = 20
	InfoDevice                InfoType = 30
)

// Encryption records how a message travelled.
type Encryption int

const (
	EncPlain         Encryption = 0
	EncEncrypted     Encryption = 1
	EncUndecryptable Encryption = 2
)

// PreferEncrypt values from the Autocrypt header.
const (
	PreferNoPreference = 0
	PreferMutual       = 1
	PreferReset        = 20
)

// Origin ranks how a contact became known; higher wins.
type Origin int

const (
	OriginUnknown             Origin = 0
	OriginIncomingUnknownCc   Origin = 0x10
	OriginIncomingUnknownFrom Origin = 0x20
	OriginIncomingReplyTo     Origin = 0x100
	OriginIncomingCc          Origin = 0x200
	OriginIncomingTo          Origin = 0x400
	OriginSecureJoinJoined    Origin = 0x1000
	OriginOutgoingTo          Origin = 0x4000
	OriginSecureJoinInvited   Origin = 0x1000000
	OriginManuallyCreated     Origin = 0x4000000
)

// Contact is a correspondent identified by address.
type Contact struct {
	ID               int64   `db:"id"`
	Addr             string  `db:"addr"`
	Name             string  `db:"name"`
	AuthName         string  `db:"authname"`
	AuthNameVerified bool    `db:"authname_verified"`
	Origin           Origin  `db:"origin"`
	Blocked          Blocked `db:"blocked"`
	LastSeen         int64   `db:"last_seen"`
	CreatedAt        int64   `db:"created_at"`
}

// DisplayName prefers the locally set name, then the sender's own name.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.AuthName != "" {
		return c.AuthName
	}
	return c.Addr
}

// Peerstate is the per-address encryption state.
type Peerstate struct {
	Addr                   string `db:"addr"`
	LastSeen               int64  `db:"last_seen"`
	LastSeenAutocrypt      int64  `db:"last_seen_autocrypt"`
	PreferEncrypt          int    `db:"prefer_encrypt"`
	PublicKey              []byte `db:"public_key"`
	PublicKeyFingerprint   string `db:"public_key_fingerprint"`
	PrevPublicKey          []byte `db:"prev_public_key"`
	PrevFingerprint        string `db:"prev_fingerprint"`
	GossipTimestamp        int64  `db:"gossip_timestamp"`
	GossipKey              []byte `db:"gossip_key"`
	GossipKeyFingerprint   string `db:"gossip_key_fingerprint"`
	VerifiedKey            []byte `db:"verified_key"`
	VerifiedKeyFingerprint string `db:"verified_key_fingerprint"`
	VerifiedAt             int64  `db:"verified_at"`
}

// Keypair is one of this account's own keys. PrivateKey is stored wrapped.
type Keypair struct {
	Addr       string `db:"addr"`
	IsDefault  bool   `db:"is_default"`
	PublicKey  []byte `db:"public_key"`
	PrivateKey []byte `db:"private_key"`
	Created    int64  `db:"created"`
}

// Chat is a conversation.
type Chat struct {
	ID                int64      `db:"id"`
	Type              ChatType   `db:"type"`
	Name              string     `db:"name"`
	GrpID             string     `db:"grpid"`
	Blocked           Blocked    `db:"blocked"`
	Visibility        Visibility `db:"visibility"`
	Protected         bool       `db:"protected"`
	MutedUntil        int64      `db:"muted_until"`
	EphemeralTimer    int64      `db:"ephemeral_timer"`
	EphemeralTimerTS  int64      `db:"ephemeral_timer_ts"`
	GossipedTimestamp int64      `db:"gossiped_timestamp"`
	CreatedAt         int64      `db:"created_at"`
}

// Special reports whether the chat is one of the reserved rows.
func (c *Chat) Special() bool { return c.ID <= ChatIDLastSpecial }

// Muted reports whether the chat is muted at time now (unix ms). A
// MutedUntil of -1 mutes forever.
func (c *Chat) Muted(now int64) bool {
	return c.MutedUntil == -1 || c.MutedUntil > now
}

// ChatSummary is a chat list row.
type ChatSummary struct {
	Chat
	FreshCount    int   `db:"fresh_count"`
	LastTimestamp int64 `db:"last_timestamp"`
}

// Message is a stored chat message or tombstone.
type Message struct {
	ID                 int64      `db:"id"`
	RFC724MID          string     `db:"rfc724_mid"`
	ChatID             int64      `db:"chat_id"`
	FromID             int64      `db:"from_id"`
	Timestamp          int64      `db:"timestamp"`
	TimestampSent      int64      `db:"timestamp_sent"`
	TimestampRcvd      int64      `db:"timestamp_rcvd"`
	Type               MsgType    `db:"type"`
	State              MsgState   `db:"state"`
	Text               string     `db:"text"`
	Subject            string     `db:"subject"`
	File               string     `db:"file"`
	MimeType           string     `db:"mime_type"`
	ServerFolder       string     `db:"server_folder"`
	ServerUID          int64      `db:"server_uid"`
	Hidden             bool       `db:"hidden"`
	InReplyTo          string     `db:"mime_in_reply_to"`
	References         string     `db:"mime_references"`
	Quote              string     `db:"quote"`
	Encryption         Encryption `db:"encryption"`
	SecurityDegraded   bool       `db:"security_degraded"`
	Error              string     `db:"error"`
	EphemeralTimer     int64      `db:"ephemeral_timer"`
	EphemeralTimestamp int64      `db:"ephemeral_timestamp"`
	WantMDN            bool       `db:"want_mdn"`
	SendBatch          string     `db:"send_batch"`
	InfoType           InfoType   `db:"info_type"`
	Param              string     `db:"param"`
}

// ReferenceIDs returns In-Reply-To followed by the References list,
// without duplicates.
func (m *Message) ReferenceIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append([]string{m.InReplyTo}, strings.Fields(m.References)...) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// JobAction is the closed set of delivery queue job kinds.
type JobAction int

const (
	ActionSend     JobAction = 5901
	ActionSendMDN  JobAction = 5011
	ActionMarkSeen JobAction = 130
	ActionRetract  JobAction = 110
)

func (a JobAction) String() string {
	switch a {
	case ActionSend:
		return "send"
	case ActionSendMDN:
		return "send_mdn"
	case ActionMarkSeen:
		return "mark_seen"
	case ActionRetract:
		return "retract"
	default:
		return "unknown"
	}
}

// Thread is the scheduler loop that drains a job.
type Thread int

const (
	ThreadIMAP Thread = 100
	ThreadSMTP Thread = 5000
)

// Thread returns the loop responsible for a.
func (a JobAction) Thread() Thread {
	switch a {
	case ActionSend, ActionSendMDN:
		return ThreadSMTP
	default:
		return ThreadIMAP
	}
}

// Job is a durable delivery queue entry.
type Job struct {
	ID           int64     `db:"id"`
	Action       JobAction `db:"action"`
	Thread       Thread    `db:"thread"`
	ForeignID    int64     `db:"foreign_id"`
	ChatID       int64     `db:"chat_id"`
	Param        string    `db:"param"`
	AddedAt      int64     `db:"added_at"`
	DesiredAt    int64     `db:"desired_at"`
	Tries        int       `db:"tries"`
	BadAddrTries int       `db:"bad_addr_tries"`
	DedupKey     string    `db:"dedup_key"`
	LastError    string    `db:"last_error"`
}

// Token namespaces for secure-join secrets.
type TokenNamespace string

const (
	TokenInviteNumber TokenNamespace = "invitenumber"
	TokenAuth         TokenNamespace = "auth"
)

// Token is a stored secure-join secret bound to a chat (0 for contact setup).
type Token struct {
	Namespace TokenNamespace `db:"namespace"`
	ForeignID int64          `db:"foreign_id"`
	Token     string         `db:"token"`
	CreatedAt int64          `db:"created_at"`
}

// TimerClamp is a reply whose ephemeral timer exceeds its parent's.
type TimerClamp struct {
	ID    int64 `db:"id"`
	Timer int64 `db:"timer"`
}

// ServerRef locates a message on the server.
type ServerRef struct {
	ID     int64  `db:"id"`
	Folder string `db:"server_folder"`
	UID    int64  `db:"server_uid"`
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message
	Snippet string `db:"snippet"`
}
