package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/matheus3301/postbox/internal/config"
	"github.com/matheus3301/postbox/internal/errs"
)

const smtpTimeout = 60 * time.Second

// SMTP submits messages with one connection per Send.
type SMTP struct {
	srv   config.Server
	creds Credentials
}

func NewSMTP(srv config.Server, creds Credentials) *SMTP {
	return &SMTP{srv: srv, creds: creds}
}

// Send delivers raw to every recipient in one transaction. Errors are
// classified by reply code.
func (s *SMTP) Send(ctx context.Context, from string, to []string, raw []byte) error {
	addr := net.JoinHostPort(s.srv.Host, strconv.Itoa(s.srv.Port))
	tlsConf := &tls.Config{ServerName: s.srv.Host}

	d := net.Dialer{Timeout: smtpTimeout}
	var (
		conn net.Conn
		err  error
	)
	if s.srv.Security == "tls" || s.srv.Security == "" {
		conn, err = tls.DialWithDialer(&d, "tcp", addr, tlsConf)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return errs.Wrap("smtp dial", errs.Transient, err)
	}
	deadline := time.Now().Add(smtpTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.srv.Host)
	if err != nil {
		_ = conn.Close()
		return Classify("smtp greeting", err)
	}
	defer func() { _ = c.Close() }()

	if s.srv.Security == "starttls" {
		if err := c.StartTLS(tlsConf); err != nil {
			return Classify("smtp starttls", err)
		}
	}
	user := s.srv.User
	if user == "" {
		user = s.creds.Addr
	}
	if ok, _ := c.Extension("AUTH"); ok {
		if err := c.Auth(smtp.PlainAuth("", user, s.creds.Password, s.srv.Host)); err != nil {
			return &errs.AuthError{Addr: user, Cause: err}
		}
	}
	if err := c.Mail(from); err != nil {
		return Classify("smtp mail", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return Classify("smtp rcpt "+rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return Classify("smtp data", err)
	}
	if _, err := bytes.NewReader(raw).WriteTo(w); err != nil {
		_ = w.Close()
		return Classify("smtp data", err)
	}
	if err := w.Close(); err != nil {
		return Classify("smtp data", err)
	}
	// the message is accepted once DATA is closed
	_ = c.Quit()
	return nil
}

// Classify maps an SMTP reply to the failure taxonomy: 550, 551 and 553
// name a bad address, other 5xx replies are permanent and everything else,
// network errors included, is transient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *errs.TransportError
	if errors.As(err, &te) {
		return err
	}
	var pe *textproto.Error
	if !errors.As(err, &pe) {
		return errs.Wrap(op, errs.Transient, err)
	}
	class := errs.Transient
	switch {
	case pe.Code == 550 || pe.Code == 551 || pe.Code == 553:
		class = errs.BadAddress
	case pe.Code >= 500:
		class = errs.Permanent
	}
	return &errs.TransportError{Op: op, Class: class, Code: pe.Code, Cause: fmt.Errorf("%s", pe.Msg)}
}
