package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/postbox/internal/e2e"
)

// Autocrypt is a parsed Autocrypt or Autocrypt-Gossip header value.
type Autocrypt struct {
	Addr          string
	PreferEncrypt bool
	Key           []byte
}

func (a Autocrypt) String() string {
	var b strings.Builder
	b.WriteString("addr=")
	b.WriteString(a.Addr)
	b.WriteString("; ")
	if a.PreferEncrypt {
		b.WriteString("prefer-encrypt=mutual; ")
	}
	b.WriteString("keydata=")
	b.WriteString(e2e.EncodeKey(a.Key))
	return b.String()
}

// ParseAutocrypt parses a header value. Unknown attributes not starting with
// an underscore make the whole header invalid.
func ParseAutocrypt(v string) (*Autocrypt, error) {
	a := &Autocrypt{}
	var keydata string
	for _, attr := range strings.Split(v, ";") {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		k, val, ok := strings.Cut(attr, "=")
		if !ok {
			return nil, fmt.Errorf("autocrypt: malformed attribute %q", attr)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		val = strings.TrimSpace(val)
		switch k {
		case "addr":
			a.Addr = strings.ToLower(val)
		case "prefer-encrypt":
			a.PreferEncrypt = strings.EqualFold(val, "mutual")
		case "keydata":
			keydata = val
		default:
			if !strings.HasPrefix(k, "_") {
				return nil, fmt.Errorf("autocrypt: unknown critical attribute %q", k)
			}
		}
	}
	if a.Addr == "" || keydata == "" {
		return nil, errors.New("autocrypt: addr and keydata are required")
	}
	key, err := e2e.DecodeKey(keydata)
	if err != nil {
		return nil, fmt.Errorf("autocrypt: %w", err)
	}
	a.Key = key
	return a, nil
}
