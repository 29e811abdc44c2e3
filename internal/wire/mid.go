package wire

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewGroupID returns a fresh 12 character group identifier.
func NewGroupID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:9])
}

// ValidGroupID reports whether id looks like a group id this or a compatible
// client would generate.
func ValidGroupID(id string) bool {
	if len(id) < 11 || len(id) > 32 {
		return false
	}
	for _, r := range id {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_'
		if !ok {
			return false
		}
	}
	return true
}

// NewMessageID returns a Message-ID (without angle brackets). Group messages
// embed the group id so replies from plain mail clients can still be routed.
func NewMessageID(domain, grpid string) string {
	local := strings.ReplaceAll(uuid.NewString(), "-", "")
	if grpid != "" {
		return "Gr." + grpid + "." + local[:16] + "@" + domain
	}
	return "Mr." + local + "@" + domain
}

// GroupIDFromMessageID extracts the group id from a "Gr." Message-ID, or
// returns "".
func GroupIDFromMessageID(mid string) string {
	rest, ok := strings.CutPrefix(NormalizeMessageID(mid), "Gr.")
	if !ok {
		return ""
	}
	local, _, _ := strings.Cut(rest, "@")
	i := strings.LastIndexByte(local, '.')
	if i < 0 {
		return ""
	}
	if id := local[:i]; ValidGroupID(id) {
		return id
	}
	return ""
}

// NormalizeMessageID strips angle brackets and surrounding space.
func NormalizeMessageID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return strings.TrimSpace(s)
}

// SyntheticMessageID derives a stable id for a message that carries none, so
// re-delivery still deduplicates.
func SyntheticMessageID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "Mr." + hex.EncodeToString(sum[:16]) + "@stub"
}
