package wire

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Outgoing is a message to render. Headers are protocol headers; when
// Encrypt is set they travel inside the sealed part together with Subject
// and Gossip.
type Outgoing struct {
	From        *Address
	To          []*Address
	Date        time.Time
	MessageID   string
	InReplyTo   string
	References  []string
	Subject     string
	Text        string
	Attachments []Attachment
	Headers     map[string]string
	Autocrypt   *Autocrypt
	Gossip      []Autocrypt

	// Encrypt seals the rendered inner entity. Nil sends plaintext.
	Encrypt func(inner []byte) ([]byte, error)
}

// placeholderSubject replaces the real subject on sealed messages.
const placeholderSubject = "[...]"

// Render produces the RFC 5322 bytes for o.
func Render(o *Outgoing) ([]byte, error) {
	var h mail.Header
	h.SetAddressList("From", []*Address{o.From})
	h.SetAddressList("To", o.To)
	h.SetDate(o.Date)
	h.SetMessageID(o.MessageID)
	if o.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{o.InReplyTo})
	}
	if len(o.References) > 0 {
		h.SetMsgIDList("References", o.References)
	}
	h.Set(HdrChatVersion, ChatVersion)
	if o.Autocrypt != nil {
		h.Set(HdrAutocrypt, o.Autocrypt.String())
	}

	var buf bytes.Buffer
	if o.Encrypt == nil {
		h.SetSubject(o.Subject)
		setProtected(&h.Header, o)
		if err := writeContent(&buf, h.Header, o.Text, o.Attachments); err != nil {
			return nil, fmt.Errorf("render message: %w", err)
		}
		return buf.Bytes(), nil
	}

	var inner bytes.Buffer
	var ih mail.Header
	ih.SetSubject(o.Subject)
	setProtected(&ih.Header, o)
	if err := writeContent(&inner, ih.Header, o.Text, o.Attachments); err != nil {
		return nil, fmt.Errorf("render inner entity: %w", err)
	}
	sealed, err := o.Encrypt(inner.Bytes())
	if err != nil {
		return nil, fmt.Errorf("seal message: %w", err)
	}

	h.SetSubject(placeholderSubject)
	h.SetContentType("multipart/encrypted", map[string]string{"protocol": SealedProtocol})
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("render envelope: %w", err)
	}
	var vh message.Header
	vh.SetContentType(SealedProtocol, nil)
	if err := writePart(mw, vh, []byte("Version: 1\r\n")); err != nil {
		return nil, err
	}
	var sh message.Header
	sh.SetContentType("application/octet-stream", nil)
	sh.SetContentDisposition("inline", map[string]string{"filename": "sealed.json"})
	sh.Set("Content-Transfer-Encoding", "base64")
	if err := writePart(mw, sh, sealed); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("render envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func setProtected(h *message.Header, o *Outgoing) {
	for k, v := range o.Headers {
		if k == HdrChatGroupName {
			h.SetText(k, v)
			continue
		}
		h.Set(k, v)
	}
	for _, g := range o.Gossip {
		h.Add(HdrAutocryptGossip, g.String())
	}
}

func writeContent(dst io.Writer, h message.Header, text string, atts []Attachment) error {
	if len(atts) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := message.CreateWriter(dst, h)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, text); err != nil {
			return err
		}
		return w.Close()
	}

	h.SetContentType("multipart/mixed", nil)
	mw, err := message.CreateWriter(dst, h)
	if err != nil {
		return err
	}
	var th message.Header
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(mw, th, []byte(text)); err != nil {
		return err
	}
	for _, a := range atts {
		mt := a.MimeType
		if mt == "" {
			mt = "application/octet-stream"
		}
		var ah message.Header
		ah.SetContentType(mt, map[string]string{"name": a.Name})
		ah.SetContentDisposition("attachment", map[string]string{"filename": a.Name})
		ah.Set("Content-Transfer-Encoding", "base64")
		if err := writePart(mw, ah, a.Data); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writePart(mw *message.Writer, h message.Header, body []byte) error {
	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	if _, err := pw.Write(body); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	return pw.Close()
}

// MDN is a read receipt for OriginalMessageID.
type MDN struct {
	From              *Address
	To                *Address
	Date              time.Time
	MessageID         string
	OriginalMessageID string
}

// RenderMDN produces a multipart/report disposition notification.
func RenderMDN(m *MDN) ([]byte, error) {
	var h mail.Header
	h.SetAddressList("From", []*Address{m.From})
	h.SetAddressList("To", []*Address{m.To})
	h.SetDate(m.Date)
	h.SetMessageID(m.MessageID)
	h.SetSubject("Receipt Notification")
	h.Set(HdrChatVersion, ChatVersion)
	h.SetContentType("multipart/report", map[string]string{"report-type": "disposition-notification"})

	body := fmt.Sprintf("Reporting-UA: postbox\r\nFinal-Recipient: rfc822;%s\r\nOriginal-Message-ID: <%s>\r\nDisposition: manual-action/MDN-sent-automatically; displayed\r\n",
		m.From.Address, m.OriginalMessageID)
	return renderReport(h, "This is a receipt notification.", reportPart{"message/disposition-notification", body})
}

// DSN is a delivery failure report as produced by a submission server.
type DSN struct {
	ReportingMTA      string
	To                *Address
	Date              time.Time
	MessageID         string
	OriginalMessageID string
	Recipient         string
	Status            string
	Diagnostic        string
}

// RenderDSN produces a multipart/report delivery status notification.
func RenderDSN(d *DSN) ([]byte, error) {
	var h mail.Header
	h.SetAddressList("From", []*Address{{Name: "Mail Delivery System", Address: "mailer-daemon@" + d.ReportingMTA}})
	h.SetAddressList("To", []*Address{d.To})
	h.SetDate(d.Date)
	h.SetMessageID(d.MessageID)
	h.SetSubject("Undelivered Mail Returned to Sender")
	h.SetContentType("multipart/report", map[string]string{"report-type": "delivery-status"})

	status := d.Status
	if status == "" {
		status = "5.1.1"
	}
	body := fmt.Sprintf("Reporting-MTA: dns; %s\r\n\r\nFinal-Recipient: rfc822; %s\r\nAction: failed\r\nStatus: %s\r\nDiagnostic-Code: smtp; %s\r\n",
		d.ReportingMTA, d.Recipient, status, d.Diagnostic)

	return renderReport(h, "Delivery to the following recipient failed permanently: "+d.Recipient,
		reportPart{"message/delivery-status", body},
		reportPart{"text/rfc822-headers", "Message-ID: <" + d.OriginalMessageID + ">\r\n"})
}

type reportPart struct {
	contentType string
	body        string
}

func renderReport(h mail.Header, human string, parts ...reportPart) ([]byte, error) {
	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	var th message.Header
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(mw, th, []byte(human)); err != nil {
		return nil, err
	}
	for _, rp := range parts {
		var rh message.Header
		rh.SetContentType(rp.contentType, nil)
		if err := writePart(mw, rh, []byte(rp.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}
