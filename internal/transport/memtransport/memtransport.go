// Package memtransport is an in-memory Transport: folders with UIDs, a
// submission log, scripted failures and optional loopback delivery between
// servers on one Network.
package memtransport

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/postbox/internal/transport"
)

// Sent is one recorded submission.
type Sent struct {
	From string
	To   []string
	Raw  []byte
}

type stored struct {
	uid  uint32
	raw  []byte
	seen bool
}

type folder struct {
	role        transport.Role
	uidValidity uint32
	uidNext     uint32
	msgs        []*stored
}

// Server is one account's mailbox and submission endpoint.
type Server struct {
	mu        sync.Mutex
	addr      string
	folders   map[string]*folder
	changed   chan struct{}
	idle      bool
	sent      []Sent
	sendErrs  []error
	rcptErrs  map[string]error
	fetchErrs []error
	network   *Network
}

// New creates a server with the usual special folders.
func New(addr string) *Server {
	s := &Server{
		addr:     strings.ToLower(addr),
		folders:  map[string]*folder{},
		changed:  make(chan struct{}),
		idle:     true,
		rcptErrs: map[string]error{},
	}
	for name, role := range map[string]transport.Role{
		"INBOX":  transport.RoleInbox,
		"Sent":   transport.RoleSent,
		"Trash":  transport.RoleTrash,
		"Junk":   transport.RoleJunk,
		"Drafts": transport.RoleDrafts,
	} {
		s.folders[name] = &folder{role: role, uidValidity: 1, uidNext: 1}
	}
	return s
}

// Addr returns the account address the server belongs to.
func (s *Server) Addr() string { return s.addr }

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) folderLocked(name string) (*folder, error) {
	f, ok := s.folders[name]
	if !ok {
		return nil, fmt.Errorf("no such folder %q", name)
	}
	return f, nil
}

// Deliver appends raw to folder and returns its UID. Missing folders are
// created.
func (s *Server) Deliver(name string, raw []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliverLocked(name, raw, false)
}

func (s *Server) deliverLocked(name string, raw []byte, seen bool) uint32 {
	f, ok := s.folders[name]
	if !ok {
		f = &folder{uidValidity: 1, uidNext: 1}
		s.folders[name] = f
	}
	uid := f.uidNext
	f.uidNext++
	f.msgs = append(f.msgs, &stored{uid: uid, raw: slices.Clone(raw), seen: seen})
	s.notifyLocked()
	return uid
}

// Messages returns a copy of folder's content.
func (s *Server) Messages(name string) []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	if !ok {
		return nil
	}
	out := make([]transport.Message, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, transport.Message{UID: m.uid, Raw: m.raw, Seen: m.seen})
	}
	return out
}

// SentMessages returns the submission log.
func (s *Server) SentMessages() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// FailSend makes the next len(errs) submissions fail with errs in order.
func (s *Server) FailSend(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErrs = append(s.sendErrs, errs...)
}

// FailRecipient makes every submission to addr fail with err until cleared
// with a nil err.
func (s *Server) FailRecipient(addr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.rcptErrs, strings.ToLower(addr))
		return
	}
	s.rcptErrs[strings.ToLower(addr)] = err
}

// FailFetch makes the next len(errs) fetches fail.
func (s *Server) FailFetch(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErrs = append(s.fetchErrs, errs...)
}

// SetIdle toggles push support.
func (s *Server) SetIdle(supported bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = supported
}

// Expunge removes a message as another client would.
func (s *Server) Expunge(name string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[name]; ok {
		f.msgs = slices.DeleteFunc(f.msgs, func(m *stored) bool { return m.uid == uid })
		s.notifyLocked()
	}
}

// ResetUIDValidity renumbers folder as a server rebuild would.
func (s *Server) ResetUIDValidity(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	if !ok {
		return
	}
	f.uidValidity++
	f.uidNext = 1
	for _, m := range f.msgs {
		m.uid = f.uidNext
		f.uidNext++
	}
	s.notifyLocked()
}

func (s *Server) Mailbox(ctx context.Context) (transport.Mailbox, error) {
	return &session{s: s}, nil
}

func (s *Server) Submitter() transport.Submitter { return s }

// Send records the submission and, on a Network, delivers raw to the INBOX
// of every recipient server.
func (s *Server) Send(ctx context.Context, from string, to []string, raw []byte) error {
	s.mu.Lock()
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		s.mu.Unlock()
		return err
	}
	for _, rcpt := range to {
		if err, ok := s.rcptErrs[strings.ToLower(rcpt)]; ok {
			s.mu.Unlock()
			return err
		}
	}
	s.sent = append(s.sent, Sent{From: from, To: slices.Clone(to), Raw: slices.Clone(raw)})
	network := s.network
	s.mu.Unlock()

	if network != nil {
		for _, rcpt := range to {
			if dst := network.lookup(rcpt); dst != nil {
				dst.Deliver("INBOX", raw)
			}
		}
	}
	return nil
}

type session struct {
	s *Server
}

func (m *session) ListFolders(ctx context.Context) ([]transport.Folder, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]transport.Folder, 0, len(m.s.folders))
	for name, f := range m.s.folders {
		out = append(out, transport.Folder{Name: name, Role: f.role})
	}
	slices.SortFunc(out, func(a, b transport.Folder) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *session) Fetch(ctx context.Context, name string, since uint32, limit int) (transport.FolderState, []transport.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if len(m.s.fetchErrs) > 0 {
		err := m.s.fetchErrs[0]
		m.s.fetchErrs = m.s.fetchErrs[1:]
		return transport.FolderState{}, nil, err
	}
	f, err := m.s.folderLocked(name)
	if err != nil {
		return transport.FolderState{}, nil, err
	}
	state := transport.FolderState{UIDValidity: f.uidValidity, UIDNext: f.uidNext}
	var out []transport.Message
	for _, msg := range f.msgs {
		if msg.uid < since {
			continue
		}
		out = append(out, transport.Message{UID: msg.uid, Raw: slices.Clone(msg.raw), Seen: msg.seen})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return state, out, nil
}

func (m *session) UIDs(ctx context.Context, name string) ([]uint32, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	f, err := m.s.folderLocked(name)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(f.msgs))
	for _, msg := range f.msgs {
		out = append(out, msg.uid)
	}
	return out, nil
}

func (m *session) Idle(ctx context.Context, name string, timeout time.Duration, wake <-chan struct{}) error {
	m.s.mu.Lock()
	if !m.s.idle {
		m.s.mu.Unlock()
		return transport.ErrIdleUnsupported
	}
	changed := m.s.changed
	m.s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-changed:
	case <-wake:
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *session) SetSeen(ctx context.Context, name string, uids []uint32) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	f, err := m.s.folderLocked(name)
	if err != nil {
		return err
	}
	for _, msg := range f.msgs {
		if slices.Contains(uids, msg.uid) {
			msg.seen = true
		}
	}
	return nil
}

func (m *session) Delete(ctx context.Context, name string, uids []uint32) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	f, err := m.s.folderLocked(name)
	if err != nil {
		return err
	}
	f.msgs = slices.DeleteFunc(f.msgs, func(msg *stored) bool { return slices.Contains(uids, msg.uid) })
	m.s.notifyLocked()
	return nil
}

func (m *session) Move(ctx context.Context, name string, uids []uint32, dest string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	f, err := m.s.folderLocked(name)
	if err != nil {
		return err
	}
	var moved []*stored
	f.msgs = slices.DeleteFunc(f.msgs, func(msg *stored) bool {
		if slices.Contains(uids, msg.uid) {
			moved = append(moved, msg)
			return true
		}
		return false
	})
	for _, msg := range moved {
		m.s.deliverLocked(dest, msg.raw, msg.seen)
	}
	m.s.notifyLocked()
	return nil
}

func (m *session) Append(ctx context.Context, name string, raw []byte, seen bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.deliverLocked(name, raw, seen)
	return nil
}

func (m *session) EnsureFolder(ctx context.Context, name string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.folders[name]; !ok {
		m.s.folders[name] = &folder{role: transport.RoleChats, uidValidity: 1, uidNext: 1}
	}
	return nil
}

func (m *session) Close() error { return nil }

// Network connects servers so a Send reaches the recipients' INBOXes.
type Network struct {
	mu      sync.Mutex
	servers map[string]*Server
}

func NewNetwork() *Network {
	return &Network{servers: map[string]*Server{}}
}

// Server returns the server for addr, creating it on first use.
func (n *Network) Server(addr string) *Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := strings.ToLower(addr)
	if s, ok := n.servers[key]; ok {
		return s
	}
	s := New(key)
	s.network = n
	n.servers[key] = s
	return s
}

func (n *Network) lookup(addr string) *Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.servers[strings.ToLower(addr)]
}
