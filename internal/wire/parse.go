package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

const (
	maxPartSize     = 64 << 20
	maxFallbackText = 64 << 10
)

// Address is a mailbox with an optional display name.
type Address = mail.Address

// Attachment is a non-text body part.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// ReportKind distinguishes read receipts from delivery status reports.
type ReportKind int

const (
	ReportMDN ReportKind = iota + 1
	ReportDSN
)

// Report is the machine-readable part of a multipart/report message.
type Report struct {
	Kind              ReportKind
	OriginalMessageID string
	Failed            bool
	FailedRecipients  []string
	Diagnostic        string
}

// Parsed is an inbound message reduced to what the resolver needs. Parse
// never fails; problems set Malformed and leave best-effort fields.
type Parsed struct {
	MessageID   string
	From        *Address
	To          []*Address
	Date        time.Time
	Subject     string
	InReplyTo   string
	References  []string
	Text        string
	Attachments []Attachment
	ListID      string
	Autocrypt   *Autocrypt
	Gossip      []Autocrypt
	Encrypted   bool
	Decrypted   bool
	Sealed      []byte
	Report      *Report
	Malformed   bool

	header    message.Header
	protected *message.Header
	html      string
}

// Parse reads raw. Malformed input degrades to text extraction.
func Parse(raw []byte) *Parsed {
	p := &Parsed{}
	ent, err := message.Read(bytes.NewReader(raw))
	if ent == nil {
		p.Malformed = true
		p.fallback(raw)
		p.finish(raw)
		return p
	}
	if err != nil {
		p.Malformed = true
	}
	p.header = ent.Header
	p.readEnvelope()
	if err := p.walk(ent); err != nil {
		p.Malformed = true
		if p.Text == "" {
			p.Text = fallbackBody(raw)
		}
	}
	p.finish(raw)
	return p
}

// OpenSealed replaces the body with the decrypted inner entity and reads the
// protected headers from it.
func (p *Parsed) OpenSealed(inner []byte) error {
	ent, err := message.Read(bytes.NewReader(inner))
	if ent == nil {
		return fmt.Errorf("read sealed entity: %w", err)
	}
	h := ent.Header
	p.protected = &h
	p.Decrypted = true
	p.Text, p.html, p.Attachments = "", "", nil

	mh := mail.Header{Header: h}
	p.Subject, _ = mh.Subject()
	p.Gossip = nil
	for _, v := range h.Values(HdrAutocryptGossip) {
		if g, err := ParseAutocrypt(v); err == nil {
			p.Gossip = append(p.Gossip, *g)
		}
	}
	if err := p.walk(ent); err != nil {
		p.Malformed = true
	}
	if p.Text == "" && p.html != "" {
		p.Text = stripHTML(p.html)
	}
	return nil
}

// Get returns a header value. Protected headers of an opened sealed message
// come from the inner entity only.
func (p *Parsed) Get(name string) string {
	if protected(name) {
		if p.protected != nil {
			return p.protected.Get(name)
		}
		if p.Encrypted {
			return ""
		}
	}
	return p.header.Get(name)
}

// IsChat reports whether the sender speaks the chat protocol.
func (p *Parsed) IsChat() bool { return p.header.Get(HdrChatVersion) != "" }

func (p *Parsed) GroupID() string { return strings.TrimSpace(p.Get(HdrChatGroupID)) }

func (p *Parsed) GroupName() string { return p.getText(HdrChatGroupName) }

func (p *Parsed) MemberAdded() string {
	return strings.ToLower(strings.TrimSpace(p.Get(HdrChatMemberAdded)))
}

func (p *Parsed) MemberRemoved() string {
	return strings.ToLower(strings.TrimSpace(p.Get(HdrChatMemberRemoved)))
}

func (p *Parsed) Verified() bool { return p.Get(HdrChatVerified) != "" }

func (p *Parsed) ChatContent() string { return strings.TrimSpace(p.Get(HdrChatContent)) }

func (p *Parsed) SecureJoin() string { return strings.TrimSpace(p.Get(HdrSecureJoin)) }

// WantsMDN reports whether the sender asked for a read receipt.
func (p *Parsed) WantsMDN() bool { return p.Get(HdrChatDispositionTo) != "" }

// EphemeralTimer returns the timer in seconds, 0 when absent or invalid.
func (p *Parsed) EphemeralTimer() int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(p.Get(HdrEphemeralTimer)), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// Recipients returns the To and Cc addresses.
func (p *Parsed) Recipients() []*Address { return p.To }

func (p *Parsed) getText(name string) string {
	h := p.header
	if protected(name) && p.protected != nil {
		h = *p.protected
	} else if protected(name) && p.Encrypted {
		return ""
	}
	s, err := h.Text(name)
	if err != nil {
		return h.Get(name)
	}
	return s
}

func (p *Parsed) readEnvelope() {
	h := mail.Header{Header: p.header}

	if id, err := h.MessageID(); err == nil && id != "" {
		p.MessageID = id
	} else {
		p.MessageID = NormalizeMessageID(h.Get("Message-Id"))
	}
	if from := addressList(h, "From"); len(from) > 0 {
		p.From = from[0]
	}
	p.To = append(addressList(h, "To"), addressList(h, "Cc")...)
	if d, err := h.Date(); err == nil {
		p.Date = d
	}
	if s, err := h.Subject(); err == nil {
		p.Subject = s
	} else {
		p.Subject = h.Get("Subject")
	}
	if ids := msgIDs(h, "In-Reply-To"); len(ids) > 0 {
		p.InReplyTo = ids[0]
	}
	p.References = msgIDs(h, "References")
	if v := h.Get(HdrListID); v != "" {
		p.ListID = listID(v)
	}
	if v := h.Get(HdrAutocrypt); v != "" && p.From != nil {
		if a, err := ParseAutocrypt(v); err == nil && strings.EqualFold(a.Addr, p.From.Address) {
			p.Autocrypt = a
		}
	}
}

func (p *Parsed) walk(ent *message.Entity) error {
	encrypted := false
	return ent.Walk(func(path []int, part *message.Entity, err error) error {
		if part == nil {
			return nil
		}
		mt, params, _ := part.Header.ContentType()
		switch {
		case mt == "multipart/encrypted":
			if params["protocol"] == SealedProtocol {
				encrypted = true
				p.Encrypted = true
			}
			return nil
		case mt == "multipart/report":
			switch strings.ToLower(params["report-type"]) {
			case "disposition-notification":
				p.Report = &Report{Kind: ReportMDN}
			case "delivery-status":
				p.Report = &Report{Kind: ReportDSN}
			}
			return nil
		case strings.HasPrefix(mt, "multipart/"):
			return nil
		}

		body, rerr := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if rerr != nil {
			p.Malformed = true
			return nil
		}

		switch {
		case encrypted && mt == SealedProtocol:
		case encrypted && mt == "application/octet-stream" && p.Sealed == nil:
			p.Sealed = body
		case p.Report != nil && mt == "message/disposition-notification":
			p.readMDN(body)
		case p.Report != nil && (mt == "message/delivery-status" || mt == "message/global-delivery-status"):
			p.readDSN(body)
		case p.Report != nil && (mt == "text/rfc822-headers" || mt == "message/rfc822"):
			if p.Report.OriginalMessageID == "" {
				h, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
				p.Report.OriginalMessageID = NormalizeMessageID(h.Get("Message-Id"))
			}
		case attachment(part.Header, mt):
			p.Attachments = append(p.Attachments, Attachment{
				Name:     filename(part.Header),
				MimeType: mt,
				Data:     body,
			})
		case mt == "text/plain" || mt == "":
			if p.Text == "" {
				p.Text = strings.TrimRight(strings.ToValidUTF8(string(body), ""), " \r\n\t")
			}
		case mt == "text/html":
			if p.html == "" {
				p.html = string(body)
			}
		default:
			p.Attachments = append(p.Attachments, Attachment{
				Name:     filename(part.Header),
				MimeType: mt,
				Data:     body,
			})
		}
		return nil
	})
}

func (p *Parsed) readMDN(body []byte) {
	h, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
	if id := NormalizeMessageID(h.Get("Original-Message-Id")); id != "" {
		p.Report.OriginalMessageID = id
	}
}

func (p *Parsed) readDSN(body []byte) {
	br := bufio.NewReader(bytes.NewReader(body))
	for range 64 {
		h, err := textproto.ReadHeader(br)
		if h.Len() > 0 {
			action := strings.ToLower(strings.TrimSpace(h.Get("Action")))
			status := strings.TrimSpace(h.Get("Status"))
			if action == "failed" || strings.HasPrefix(status, "5") {
				p.Report.Failed = true
				if rcpt := h.Get("Final-Recipient"); rcpt != "" {
					_, addr, _ := strings.Cut(rcpt, ";")
					p.Report.FailedRecipients = append(p.Report.FailedRecipients, strings.ToLower(strings.TrimSpace(addr)))
				}
				if d := h.Get("Diagnostic-Code"); d != "" && p.Report.Diagnostic == "" {
					p.Report.Diagnostic = d
				}
			}
		}
		if err != nil {
			return
		}
		if _, err := br.Peek(1); err != nil {
			return
		}
	}
}

func (p *Parsed) finish(raw []byte) {
	if p.Text == "" && p.html != "" {
		p.Text = stripHTML(p.html)
	}
	if p.MessageID == "" {
		p.MessageID = SyntheticMessageID(raw)
	}
}

// fallback recovers what it can from a message whose header block does not
// parse: every field before the bad line, and the body as text.
func (p *Parsed) fallback(raw []byte) {
	head := raw
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		head = raw[:i+2]
	} else if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		head = raw[:i+1]
	}
	h, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(head)))
	p.header = message.Header{Header: h}
	p.readEnvelope()
	p.Text = fallbackBody(raw)
}

func fallbackBody(raw []byte) string {
	body := raw
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		body = raw[i+4:]
	} else if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		body = raw[i+2:]
	}
	if len(body) > maxFallbackText {
		body = body[:maxFallbackText]
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(body), ""))
}

func addressList(h mail.Header, key string) []*Address {
	list, err := h.AddressList(key)
	if err == nil {
		return list
	}
	var out []*Address
	for _, piece := range strings.Split(h.Get(key), ",") {
		piece = strings.TrimSpace(piece)
		name, addr := "", piece
		if i := strings.LastIndexByte(piece, '<'); i >= 0 {
			if j := strings.IndexByte(piece[i:], '>'); j > 0 {
				name = strings.Trim(strings.TrimSpace(piece[:i]), `"`)
				addr = piece[i+1 : i+j]
			}
		}
		if strings.Contains(addr, "@") {
			out = append(out, &Address{Name: name, Address: strings.TrimSpace(addr)})
		}
	}
	return out
}

var msgIDPattern = regexp.MustCompile(`<([^<>\s]+)>`)

func msgIDs(h mail.Header, key string) []string {
	ids, err := h.MsgIDList(key)
	if err == nil {
		return ids
	}
	var out []string
	for _, m := range msgIDPattern.FindAllStringSubmatch(h.Get(key), -1) {
		out = append(out, m[1])
	}
	return out
}

func listID(v string) string {
	if m := msgIDPattern.FindStringSubmatch(v); m != nil {
		return strings.ToLower(m[1])
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func attachment(h message.Header, mt string) bool {
	disp, params, err := h.ContentDisposition()
	if err == nil && disp == "attachment" {
		return true
	}
	if params["filename"] != "" {
		return true
	}
	return !strings.HasPrefix(mt, "text/") && mt != ""
}

func filename(h message.Header) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := h.ContentType(); err == nil && params["name"] != "" {
		return params["name"]
	}
	return "attachment"
}

var tagPattern = regexp.MustCompile(`(?s)<[^>]*>`)

func stripHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(s, " ")))
}
