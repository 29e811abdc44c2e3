package wire

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/postbox/internal/e2e"
)

var (
	alice = &Address{Name: "Alice", Address: "alice@example.org"}
	bob   = &Address{Name: "Bob", Address: "bob@example.net"}
)

func TestRenderParsePlain(t *testing.T) {
	key, err := e2e.Generate()
	require.NoError(t, err)

	mid := NewMessageID("example.org", "")
	raw, err := Render(&Outgoing{
		From:       alice,
		To:         []*Address{bob},
		Date:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		MessageID:  mid,
		InReplyTo:  "parent@example.net",
		References: []string{"root@example.net", "parent@example.net"},
		Subject:    "Grüße",
		Text:       "hello there",
		Headers: map[string]string{
			HdrEphemeralTimer:    "60",
			HdrChatDispositionTo: alice.Address,
		},
		Autocrypt: &Autocrypt{Addr: alice.Address, PreferEncrypt: true, Key: key.Public[:]},
	})
	require.NoError(t, err)

	p := Parse(raw)
	assert.False(t, p.Malformed)
	assert.Equal(t, mid, p.MessageID)
	require.NotNil(t, p.From)
	assert.Equal(t, "alice@example.org", p.From.Address)
	require.Len(t, p.To, 1)
	assert.Equal(t, "bob@example.net", p.To[0].Address)
	assert.Equal(t, "Grüße", p.Subject)
	assert.Equal(t, "hello there", p.Text)
	assert.Equal(t, "parent@example.net", p.InReplyTo)
	assert.Equal(t, []string{"root@example.net", "parent@example.net"}, p.References)
	assert.True(t, p.IsChat())
	assert.True(t, p.WantsMDN())
	assert.Equal(t, int64(60), p.EphemeralTimer())
	require.NotNil(t, p.Autocrypt)
	assert.True(t, p.Autocrypt.PreferEncrypt)
	assert.Equal(t, key.Public[:], p.Autocrypt.Key)
	assert.False(t, p.Encrypted)
}

func TestRenderParseSealed(t *testing.T) {
	sender, err := e2e.Generate()
	require.NoError(t, err)
	rcpt, err := e2e.Generate()
	require.NoError(t, err)

	grpid := NewGroupID()
	raw, err := Render(&Outgoing{
		From:      alice,
		To:        []*Address{bob},
		Date:      time.Now(),
		MessageID: NewMessageID("example.org", grpid),
		Subject:   "secret subject",
		Text:      "secret body",
		Headers: map[string]string{
			HdrChatGroupID:   grpid,
			HdrChatGroupName: "Hiking ⛰",
		},
		Gossip:    []Autocrypt{{Addr: bob.Address, Key: rcpt.Public[:]}},
		Autocrypt: &Autocrypt{Addr: alice.Address, Key: sender.Public[:]},
		Encrypt: func(inner []byte) ([]byte, error) {
			return e2e.Seal(inner, sender, [][]byte{rcpt.Public[:]})
		},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret body")
	assert.NotContains(t, string(raw), grpid+"\r\n")

	p := Parse(raw)
	assert.True(t, p.Encrypted)
	require.NotEmpty(t, p.Sealed)
	assert.Empty(t, p.GroupID(), "protected headers are hidden until opened")
	assert.Equal(t, grpid, GroupIDFromMessageID(p.MessageID))
	require.NotNil(t, p.Autocrypt, "Autocrypt stays in the outer header")

	inner, senderKey, err := e2e.Open(p.Sealed, rcpt)
	require.NoError(t, err)
	assert.Equal(t, sender.Public[:], senderKey)
	require.NoError(t, p.OpenSealed(inner))

	assert.True(t, p.Decrypted)
	assert.Equal(t, grpid, p.GroupID())
	assert.Equal(t, "Hiking ⛰", p.GroupName())
	assert.Equal(t, "secret subject", p.Subject)
	assert.Equal(t, "secret body", p.Text)
	require.Len(t, p.Gossip, 1)
	assert.Equal(t, bob.Address, p.Gossip[0].Addr)
}

func TestRenderParseAttachment(t *testing.T) {
	data := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	raw, err := Render(&Outgoing{
		From:        alice,
		To:          []*Address{bob},
		Date:        time.Now(),
		MessageID:   NewMessageID("example.org", ""),
		Text:        "see attached",
		Attachments: []Attachment{{Name: "pic.png", MimeType: "image/png", Data: data}},
	})
	require.NoError(t, err)

	p := Parse(raw)
	assert.Equal(t, "see attached", p.Text)
	require.Len(t, p.Attachments, 1)
	assert.Equal(t, "pic.png", p.Attachments[0].Name)
	assert.Equal(t, "image/png", p.Attachments[0].MimeType)
	assert.Equal(t, data, p.Attachments[0].Data)
}

func TestMDNRoundTrip(t *testing.T) {
	raw, err := RenderMDN(&MDN{
		From:              bob,
		To:                alice,
		Date:              time.Now(),
		MessageID:         NewMessageID("example.net", ""),
		OriginalMessageID: "Mr.orig@example.org",
	})
	require.NoError(t, err)

	p := Parse(raw)
	require.NotNil(t, p.Report)
	assert.Equal(t, ReportMDN, p.Report.Kind)
	assert.Equal(t, "Mr.orig@example.org", p.Report.OriginalMessageID)
}

func TestDSNRoundTrip(t *testing.T) {
	raw, err := RenderDSN(&DSN{
		ReportingMTA:      "mx.example.org",
		To:                alice,
		Date:              time.Now(),
		MessageID:         "bounce1@mx.example.org",
		OriginalMessageID: "Mr.sent@example.org",
		Recipient:         "nobody@example.net",
		Diagnostic:        "550 5.1.1 user unknown",
	})
	require.NoError(t, err)

	p := Parse(raw)
	require.NotNil(t, p.Report)
	assert.Equal(t, ReportDSN, p.Report.Kind)
	assert.True(t, p.Report.Failed)
	assert.Equal(t, []string{"nobody@example.net"}, p.Report.FailedRecipients)
	assert.Equal(t, "Mr.sent@example.org", p.Report.OriginalMessageID)
	assert.Contains(t, p.Report.Diagnostic, "user unknown")
}

func TestParseMalformedHeader(t *testing.T) {
	raw := []byte("From: alice@example.org\r\nBad Header Line\r\n\r\nbody text\r\n")

	p := Parse(raw)
	assert.True(t, p.Malformed)
	require.NotNil(t, p.From)
	assert.Equal(t, "alice@example.org", p.From.Address)
	assert.Equal(t, "body text", p.Text)
	assert.True(t, strings.HasPrefix(p.MessageID, "Mr."))
	assert.Equal(t, p.MessageID, Parse(raw).MessageID, "synthetic ids are stable")
}

func TestParseUnknownCharsetKeepsText(t *testing.T) {
	raw := []byte("From: bob@example.net\r\nMessage-ID: <x1@example.net>\r\n" +
		"Content-Type: text/plain; charset=x-nonexistent\r\n\r\nplain words\r\n")

	p := Parse(raw)
	assert.True(t, p.Malformed)
	assert.Equal(t, "x1@example.net", p.MessageID)
	assert.Equal(t, "plain words", p.Text)
}

func TestParseLenientHeaders(t *testing.T) {
	raw := []byte("From: Bob Example <bob@example.net>\r\n" +
		"To: alice@example.org, \"broken <carol@example.com>\r\n" +
		"Message-ID: <m2@example.net>\r\n" +
		"References: junk <a@x> more <b@y>\r\n" +
		"List-Id: Announcements <announce.example.net>\r\n" +
		"Content-Type: text/html\r\n\r\n<p>Hi &amp; bye</p>\r\n")

	p := Parse(raw)
	assert.Equal(t, "bob@example.net", p.From.Address)
	assert.NotEmpty(t, p.To)
	assert.Equal(t, []string{"a@x", "b@y"}, p.References)
	assert.Equal(t, "announce.example.net", p.ListID)
	assert.Equal(t, "Hi & bye", p.Text)
}

func TestGroupIDFromMessageID(t *testing.T) {
	grpid := NewGroupID()
	assert.True(t, ValidGroupID(grpid))
	assert.Equal(t, grpid, GroupIDFromMessageID("<"+NewMessageID("example.org", grpid)+">"))
	assert.Empty(t, GroupIDFromMessageID(NewMessageID("example.org", "")))
	assert.Empty(t, GroupIDFromMessageID("Gr.bad!.x@example.org"))
}

func TestParseAutocrypt(t *testing.T) {
	key, err := e2e.Generate()
	require.NoError(t, err)
	enc := e2e.EncodeKey(key.Public[:])

	a, err := ParseAutocrypt("addr=Alice@Example.org; _extra=1; keydata=" + enc)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", a.Addr)
	assert.False(t, a.PreferEncrypt)

	_, err = ParseAutocrypt("addr=alice@example.org; critical=1; keydata=" + enc)
	assert.Error(t, err)
	_, err = ParseAutocrypt("addr=alice@example.org")
	assert.Error(t, err)

	again, err := ParseAutocrypt(Autocrypt{Addr: "a@b.c", PreferEncrypt: true, Key: key.Public[:]}.String())
	require.NoError(t, err)
	assert.True(t, again.PreferEncrypt)
}
