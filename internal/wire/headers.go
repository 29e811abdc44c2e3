// Package wire turns raw RFC 5322 messages into Parsed values and renders
// outgoing chat messages, receipts and encrypted envelopes.
package wire

import "strings"

// Protocol header names.
const (
	HdrAutocrypt              = "Autocrypt"
	HdrAutocryptGossip        = "Autocrypt-Gossip"
	HdrChatVersion            = "Chat-Version"
	HdrChatGroupID            = "Chat-Group-ID"
	HdrChatGroupName          = "Chat-Group-Name"
	HdrChatMemberAdded        = "Chat-Group-Member-Added"
	HdrChatMemberRemoved      = "Chat-Group-Member-Removed"
	HdrChatVerified           = "Chat-Verified"
	HdrChatDispositionTo      = "Chat-Disposition-Notification-To"
	HdrChatContent            = "Chat-Content"
	HdrEphemeralTimer         = "Ephemeral-Timer"
	HdrSecureJoin             = "Secure-Join"
	HdrSecureJoinInvitenumber = "Secure-Join-Invitenumber"
	HdrSecureJoinAuth         = "Secure-Join-Auth"
	HdrSecureJoinFingerprint  = "Secure-Join-Fingerprint"
	HdrSecureJoinGroup        = "Secure-Join-Group"
	HdrListID                 = "List-Id"
)

// ChatVersion is the value of the Chat-Version header on every message this
// engine sends.
const ChatVersion = "1.0"

// SealedProtocol is the protocol parameter of multipart/encrypted bodies
// produced by e2e.Seal.
const SealedProtocol = "application/x-postbox-sealed"

// Chat-Content values.
const (
	ContentEphemeralTimerChanged = "ephemeral-timer-changed"
	ContentGroupNameChanged      = "group-name-changed"
)

// protected reports whether a header travels inside the encrypted part when
// a message is sealed. When a sealed message was opened, only the inner copy
// of these headers is trusted.
func protected(name string) bool {
	n := strings.ToLower(name)
	return n == "subject" ||
		strings.HasPrefix(n, "chat-") ||
		strings.HasPrefix(n, "secure-join") ||
		n == "ephemeral-timer" ||
		n == "autocrypt-gossip"
}
