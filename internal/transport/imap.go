package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/config"
	"github.com/matheus3301/postbox/internal/errs"
)

// Credentials are the login details shared by the IMAP and SMTP adapters.
type Credentials struct {
	Addr     string
	Password string
}

// Remote is the network Transport.
type Remote struct {
	imap  config.Server
	smtp  *SMTP
	creds Credentials
	log   *zap.Logger
}

// NewRemote builds a transport for the configured servers.
func NewRemote(s *config.Settings, password string, log *zap.Logger) *Remote {
	creds := Credentials{Addr: s.Addr, Password: password}
	return &Remote{
		imap:  s.IMAP,
		smtp:  NewSMTP(s.SMTP, creds),
		creds: creds,
		log:   log.Named("imap"),
	}
}

// Mailbox dials and logs in a new IMAP session.
func (r *Remote) Mailbox(ctx context.Context) (Mailbox, error) {
	return DialIMAP(ctx, r.imap, r.creds, r.log)
}

func (r *Remote) Submitter() Submitter { return r.smtp }

// IMAP is a Mailbox backed by one go-imap connection.
type IMAP struct {
	c        *imapclient.Client
	log      *zap.Logger
	selected string

	mu      sync.Mutex
	changed chan struct{}
}

// DialIMAP connects according to srv.Security and authenticates.
func DialIMAP(ctx context.Context, srv config.Server, creds Credentials, log *zap.Logger) (*IMAP, error) {
	m := &IMAP{log: log, changed: make(chan struct{}, 1)}
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: srv.Host},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(uint32) { m.signal() },
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					m.signal()
				}
			},
		},
	}

	addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
	var (
		c   *imapclient.Client
		err error
	)
	switch srv.Security {
	case "starttls":
		c, err = imapclient.DialStartTLS(addr, opts)
	case "plain":
		c, err = imapclient.DialInsecure(addr, opts)
	default:
		c, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return nil, errs.Wrap("imap dial", errs.Transient, fmt.Errorf("connecting to %s: %w", addr, err))
	}

	user := srv.User
	if user == "" {
		user = creds.Addr
	}
	if err := c.Login(user, creds.Password).Wait(); err != nil {
		_ = c.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &errs.AuthError{Addr: user, Cause: err}
		}
		return nil, errs.Wrap("imap login", errs.Transient, err)
	}
	m.c = c
	return m, nil
}

func (m *IMAP) signal() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *IMAP) ListFolders(ctx context.Context) ([]Folder, error) {
	list, err := m.c.List("", "*", nil).Collect()
	if err != nil {
		return nil, errs.Wrap("imap list", errs.Transient, err)
	}
	var out []Folder
	for _, l := range list {
		if slices.Contains(l.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		out = append(out, Folder{Name: l.Mailbox, Role: roleOf(l)})
	}
	return out, nil
}

func roleOf(l *imap.ListData) Role {
	if l.Mailbox == "INBOX" {
		return RoleInbox
	}
	for _, a := range l.Attrs {
		switch a {
		case imap.MailboxAttrSent:
			return RoleSent
		case imap.MailboxAttrTrash:
			return RoleTrash
		case imap.MailboxAttrJunk:
			return RoleJunk
		case imap.MailboxAttrArchive:
			return RoleArchive
		case imap.MailboxAttrDrafts:
			return RoleDrafts
		}
	}
	return RoleNone
}

func (m *IMAP) selectFolder(folder string) (*imap.SelectData, error) {
	data, err := m.c.Select(folder, nil).Wait()
	if err != nil {
		return nil, errs.Wrap("imap select "+folder, errs.Transient, err)
	}
	m.selected = folder
	return data, nil
}

func (m *IMAP) Fetch(ctx context.Context, folder string, since uint32, limit int) (FolderState, []Message, error) {
	data, err := m.selectFolder(folder)
	if err != nil {
		return FolderState{}, nil, err
	}
	state := FolderState{UIDValidity: data.UIDValidity, UIDNext: uint32(data.UIDNext)}
	if since == 0 {
		since = 1
	}
	if data.NumMessages == 0 || (state.UIDNext != 0 && since >= state.UIDNext) {
		return state, nil, nil
	}

	search, err := m.c.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(since), Stop: 0}}},
	}, nil).Wait()
	if err != nil {
		return state, nil, errs.Wrap("imap search", errs.Transient, err)
	}
	var uids []imap.UID
	for _, uid := range search.AllUIDs() {
		// "n:*" always matches the highest UID even when it is below n.
		if uint32(uid) >= since {
			uids = append(uids, uid)
		}
	}
	slices.Sort(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	if len(uids) == 0 {
		return state, nil, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	bufs, err := m.c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return state, nil, errs.Wrap("imap fetch", errs.Transient, err)
	}
	msgs := make([]Message, 0, len(bufs))
	for _, b := range bufs {
		msgs = append(msgs, Message{
			UID:  uint32(b.UID),
			Raw:  b.FindBodySection(section),
			Seen: slices.Contains(b.Flags, imap.FlagSeen),
		})
	}
	slices.SortFunc(msgs, func(a, b Message) int { return int(a.UID) - int(b.UID) })
	return state, msgs, nil
}

func (m *IMAP) UIDs(ctx context.Context, folder string) ([]uint32, error) {
	if _, err := m.selectFolder(folder); err != nil {
		return nil, err
	}
	search, err := m.c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, errs.Wrap("imap search", errs.Transient, err)
	}
	var out []uint32
	for _, uid := range search.AllUIDs() {
		out = append(out, uint32(uid))
	}
	return out, nil
}

func (m *IMAP) Idle(ctx context.Context, folder string, timeout time.Duration, wake <-chan struct{}) error {
	if !m.c.Caps().Has(imap.CapIdle) {
		return ErrIdleUnsupported
	}
	if m.selected != folder {
		if _, err := m.selectFolder(folder); err != nil {
			return err
		}
	}
	// drop notifications that arrived before the wait
	select {
	case <-m.changed:
	default:
	}

	cmd, err := m.c.Idle()
	if err != nil {
		return errs.Wrap("imap idle", errs.Transient, err)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.changed:
	case <-wake:
	case <-t.C:
	case <-ctx.Done():
	}
	if err := cmd.Close(); err != nil {
		return errs.Wrap("imap idle", errs.Transient, err)
	}
	if err := cmd.Wait(); err != nil {
		return errs.Wrap("imap idle", errs.Transient, err)
	}
	return ctx.Err()
}

func uidSet(uids []uint32) imap.UIDSet {
	conv := make([]imap.UID, len(uids))
	for i, u := range uids {
		conv[i] = imap.UID(u)
	}
	return imap.UIDSetNum(conv...)
}

func (m *IMAP) store(folder string, uids []uint32, flag imap.Flag) error {
	if _, err := m.selectFolder(folder); err != nil {
		return err
	}
	err := m.c.Store(uidSet(uids), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil).Close()
	if err != nil {
		return errs.Wrap("imap store", errs.Transient, err)
	}
	return nil
}

func (m *IMAP) SetSeen(ctx context.Context, folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	return m.store(folder, uids, imap.FlagSeen)
}

func (m *IMAP) Delete(ctx context.Context, folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := m.store(folder, uids, imap.FlagDeleted); err != nil {
		return err
	}
	var err error
	if m.c.Caps().Has(imap.CapUIDPlus) {
		err = m.c.UIDExpunge(uidSet(uids)).Close()
	} else {
		err = m.c.Expunge().Close()
	}
	if err != nil {
		return errs.Wrap("imap expunge", errs.Transient, err)
	}
	return nil
}

func (m *IMAP) Move(ctx context.Context, folder string, uids []uint32, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	if _, err := m.selectFolder(folder); err != nil {
		return err
	}
	if _, err := m.c.Move(uidSet(uids), dest).Wait(); err != nil {
		return errs.Wrap("imap move", errs.Transient, err)
	}
	return nil
}

func (m *IMAP) Append(ctx context.Context, folder string, raw []byte, seen bool) error {
	var flags []imap.Flag
	if seen {
		flags = append(flags, imap.FlagSeen)
	}
	cmd := m.c.Append(folder, int64(len(raw)), &imap.AppendOptions{Flags: flags})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return errs.Wrap("imap append", errs.Transient, err)
	}
	if err := cmd.Close(); err != nil {
		return errs.Wrap("imap append", errs.Transient, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return errs.Wrap("imap append", errs.Transient, err)
	}
	return nil
}

func (m *IMAP) EnsureFolder(ctx context.Context, name string) error {
	folders, err := m.ListFolders(ctx)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.Name == name {
			return nil
		}
	}
	if err := m.c.Create(name, nil).Wait(); err != nil {
		return errs.Wrap("imap create "+name, errs.Transient, err)
	}
	m.log.Info("created folder", zap.String("folder", name))
	return nil
}

func (m *IMAP) Close() error {
	if err := m.c.Logout().Wait(); err != nil {
		_ = m.c.Close()
		return err
	}
	return m.c.Close()
}
