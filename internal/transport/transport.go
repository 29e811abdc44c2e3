// Package transport is the mailbox and submission side of the engine: an
// IMAP adapter, an SMTP adapter and the interfaces the scheduler and the
// delivery queue program against.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrIdleUnsupported is returned by Mailbox.Idle when the server has no push
// support; callers fall back to polling.
var ErrIdleUnsupported = errors.New("idle not supported")

// Role is the special-use purpose of a folder.
type Role int

const (
	RoleNone Role = iota
	RoleInbox
	RoleSent
	RoleTrash
	RoleJunk
	RoleArchive
	RoleDrafts
	RoleChats
)

func (r Role) String() string {
	switch r {
	case RoleInbox:
		return "inbox"
	case RoleSent:
		return "sent"
	case RoleTrash:
		return "trash"
	case RoleJunk:
		return "junk"
	case RoleArchive:
		return "archive"
	case RoleDrafts:
		return "drafts"
	case RoleChats:
		return "chats"
	default:
		return "none"
	}
}

// Folder is a selectable mailbox on the server.
type Folder struct {
	Name string
	Role Role
}

// Message is one fetched message.
type Message struct {
	UID  uint32
	Raw  []byte
	Seen bool
}

// FolderState identifies the UID space of a folder. A changed UIDValidity
// invalidates every stored UID for that folder.
type FolderState struct {
	UIDValidity uint32
	UIDNext     uint32
}

// Mailbox is one stateful session with the IMAP side.
type Mailbox interface {
	ListFolders(ctx context.Context) ([]Folder, error)
	// Fetch returns messages with UID >= since in ascending UID order, at
	// most limit of them.
	Fetch(ctx context.Context, folder string, since uint32, limit int) (FolderState, []Message, error)
	// UIDs lists every UID currently in folder.
	UIDs(ctx context.Context, folder string) ([]uint32, error)
	// Idle blocks until folder changes, timeout passes, wake fires or ctx
	// ends.
	Idle(ctx context.Context, folder string, timeout time.Duration, wake <-chan struct{}) error
	SetSeen(ctx context.Context, folder string, uids []uint32) error
	Delete(ctx context.Context, folder string, uids []uint32) error
	Move(ctx context.Context, folder string, uids []uint32, dest string) error
	Append(ctx context.Context, folder string, raw []byte, seen bool) error
	EnsureFolder(ctx context.Context, name string) error
	Close() error
}

// Submitter sends a rendered message to a list of recipients.
type Submitter interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
}

// Transport opens mailbox sessions and hands out the submitter.
type Transport interface {
	Mailbox(ctx context.Context) (Mailbox, error)
	Submitter() Submitter
}
