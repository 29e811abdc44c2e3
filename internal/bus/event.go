package bus

import "time"

// Event is a notification emitted by the engine.
type Event struct {
	Kind      string
	Account   int
	Timestamp time.Time
	Payload   any
}

// Event kinds. Namespaces end with a dot so subscribers can filter by prefix.
const (
	MsgIncoming         = "msg.incoming"
	MsgsChanged         = "msg.changed"
	MsgDelivered        = "msg.delivered"
	MsgFailed           = "msg.failed"
	MsgRead             = "msg.read"
	MsgSecurityDegraded = "msg.security_degraded"

	ChatModified       = "chat.modified"
	ChatEphemeralTimer = "chat.ephemeral_timer"

	ContactsChanged = "contacts.changed"

	ErrorNetwork = "error.network"
	ErrorOther   = "error.other"

	ConnectivityChanged = "connectivity.changed"

	SecureJoinJoinerProgress  = "securejoin.joiner_progress"
	SecureJoinInviterProgress = "securejoin.inviter_progress"
	SecureJoinFailed          = "securejoin.failed"

	JobFailed = "job.failed"

	ConfigStale      = "config.stale"
	HousekeepingDone = "housekeeping.done"

	EngineStarted = "engine.started"
	EngineStopped = "engine.stopped"
)

// MsgEvent identifies a message within a chat.
type MsgEvent struct {
	ChatID int64
	MsgID  int64
}

// MsgFailedEvent reports a message whose delivery failed for good.
type MsgFailedEvent struct {
	ChatID int64
	MsgID  int64
	Error  string
}

// SecurityEvent flags a message received with weaker protection than expected.
type SecurityEvent struct {
	ChatID    int64
	MsgID     int64
	ContactID int64
	Reason    string
}

// ChatEvent identifies a chat.
type ChatEvent struct {
	ChatID int64
}

// TimerEvent reports a changed chat ephemeral timer in seconds.
type TimerEvent struct {
	ChatID int64
	Timer  int64
}

// ContactEvent identifies a contact; zero means "many".
type ContactEvent struct {
	ContactID int64
}

// ErrorEvent carries a failure from a background task.
type ErrorEvent struct {
	Task string
	Err  string
}

// HandshakeEvent reports secure-join progress. Progress runs from 0 to 1000.
type HandshakeEvent struct {
	ContactID int64
	ChatID    int64
	Step      string
	Progress  int
}

// HandshakeFailedEvent reports a terminal secure-join failure.
type HandshakeFailedEvent struct {
	ContactID int64
	Reason    string
}

// JobEvent reports a job removed from the queue without success.
type JobEvent struct {
	JobID  int64
	Action string
	Error  string
}
