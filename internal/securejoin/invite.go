package securejoin

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/matheus3301/postbox/internal/e2e"
	"github.com/matheus3301/postbox/internal/errs"
)

const invitePrefix = "OPENPGP4FPR:"

// Invite is the out-of-band part of a handshake: the inviter's identity
// and the two one-time secrets.
type Invite struct {
	Fingerprint  string
	Addr         string
	Name         string
	InviteNumber string
	Auth         string
	// GroupID and GroupName are set for group invites.
	GroupID   string
	GroupName string
}

// Group reports whether the invite joins a group.
func (i *Invite) Group() bool { return i.GroupID != "" }

// String renders the invite text encoded in the QR code.
func (i *Invite) String() string {
	var b strings.Builder
	b.WriteString(invitePrefix)
	b.WriteString(i.Fingerprint)
	b.WriteString("#a=" + url.QueryEscape(i.Addr))
	b.WriteString("&n=" + url.QueryEscape(i.Name))
	b.WriteString("&i=" + url.QueryEscape(i.InviteNumber))
	b.WriteString("&s=" + url.QueryEscape(i.Auth))
	if i.Group() {
		b.WriteString("&x=" + url.QueryEscape(i.GroupID))
		b.WriteString("&g=" + url.QueryEscape(i.GroupName))
	}
	return b.String()
}

// ParseInvite reads an invite text.
func ParseInvite(s string) (*Invite, error) {
	s = strings.TrimSpace(s)
	if len(s) < len(invitePrefix) || !strings.EqualFold(s[:len(invitePrefix)], invitePrefix) {
		return nil, fmt.Errorf("%w: not an invite", errs.ErrInvalidInvite)
	}
	fp, fragment, ok := strings.Cut(s[len(invitePrefix):], "#")
	if !ok {
		return nil, fmt.Errorf("%w: missing parameters", errs.ErrInvalidInvite)
	}
	fp = e2e.NormalizeFingerprint(fp)
	if !validFingerprint(fp) {
		return nil, fmt.Errorf("%w: bad fingerprint", errs.ErrInvalidInvite)
	}
	v, err := url.ParseQuery(fragment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInvite, err)
	}
	inv := &Invite{
		Fingerprint:  fp,
		Addr:         strings.ToLower(strings.TrimSpace(v.Get("a"))),
		Name:         v.Get("n"),
		InviteNumber: v.Get("i"),
		Auth:         v.Get("s"),
		GroupID:      v.Get("x"),
		GroupName:    v.Get("g"),
	}
	switch {
	case !strings.Contains(inv.Addr, "@"):
		return nil, fmt.Errorf("%w: bad address", errs.ErrInvalidInvite)
	case inv.InviteNumber == "" || inv.Auth == "":
		return nil, fmt.Errorf("%w: missing secrets", errs.ErrInvalidInvite)
	case inv.GroupID != "" && inv.GroupName == "":
		inv.GroupName = inv.GroupID
	}
	return inv, nil
}

func validFingerprint(fp string) bool {
	if len(fp) != 40 {
		return false
	}
	for _, c := range fp {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// PNG encodes the invite as a QR code image of size pixels.
func (i *Invite) PNG(size int) ([]byte, error) {
	return qrcode.Encode(i.String(), qrcode.Medium, size)
}

// Terminal renders the invite as a QR code made of half-block characters;
// two module rows become one line of text.
func (i *Invite) Terminal() (string, error) {
	qr, err := qrcode.New(i.String(), qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}
