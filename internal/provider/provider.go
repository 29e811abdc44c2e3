// Package provider guesses server endpoints for an address.
package provider

import (
	"strings"

	"github.com/matheus3301/postbox/internal/config"
)

// Candidate is one IMAP/SMTP pair to try.
type Candidate struct {
	IMAP config.Server
	SMTP config.Server
}

// known holds hosts that do not follow the usual naming.
var known = map[string]Candidate{
	"gmail.com": {
		IMAP: config.Server{Host: "imap.gmail.com", Port: 993, Security: "tls"},
		SMTP: config.Server{Host: "smtp.gmail.com", Port: 465, Security: "tls"},
	},
	"outlook.com": {
		IMAP: config.Server{Host: "outlook.office365.com", Port: 993, Security: "tls"},
		SMTP: config.Server{Host: "smtp.office365.com", Port: 587, Security: "starttls"},
	},
	"yahoo.com": {
		IMAP: config.Server{Host: "imap.mail.yahoo.com", Port: 993, Security: "tls"},
		SMTP: config.Server{Host: "smtp.mail.yahoo.com", Port: 465, Security: "tls"},
	},
	"fastmail.com": {
		IMAP: config.Server{Host: "imap.fastmail.com", Port: 993, Security: "tls"},
		SMTP: config.Server{Host: "smtp.fastmail.com", Port: 465, Security: "tls"},
	},
}

var aliases = map[string]string{
	"googlemail.com": "gmail.com",
	"hotmail.com":    "outlook.com",
	"live.com":       "outlook.com",
	"ymail.com":      "yahoo.com",
}

// Candidates returns endpoint guesses for addr, most likely first. Known
// providers come first, then the usual host name and port patterns for the
// address domain. Addresses without a domain yield nothing.
func Candidates(addr string) []Candidate {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 || i == len(addr)-1 {
		return nil
	}
	domain := strings.ToLower(strings.TrimSpace(addr[i+1:]))
	if alias, ok := aliases[domain]; ok {
		domain = alias
	}

	var out []Candidate
	if c, ok := known[domain]; ok {
		out = append(out, c)
	}
	for _, prefix := range []string{"imap.", "mail.", ""} {
		imapHost := prefix + domain
		smtpHost := imapHost
		if prefix == "imap." {
			smtpHost = "smtp." + domain
		}
		out = append(out,
			Candidate{
				IMAP: config.Server{Host: imapHost, Port: 993, Security: "tls"},
				SMTP: config.Server{Host: smtpHost, Port: 465, Security: "tls"},
			},
			Candidate{
				IMAP: config.Server{Host: imapHost, Port: 143, Security: "starttls"},
				SMTP: config.Server{Host: smtpHost, Port: 587, Security: "starttls"},
			},
		)
	}
	return out
}
