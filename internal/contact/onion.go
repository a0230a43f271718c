package contact

import (
	"errors"
	"fmt"
	"strings"
)

const (
	onionSuffix = ".onion"
	// v2 hidden service ids carry 16 base32 characters, v3 ids carry 56.
	onionV2Chars = 16
	onionV3Chars = 56
	// MaxOnionLen bounds every OnionID held by a Contact.
	MaxOnionLen = onionV3Chars + len(onionSuffix)
	// MaxNickname is the longest display name kept for a contact.
	MaxNickname = 31
)

var (
	ErrInvalidOnion = errors.New("invalid onion id")
	ErrInvalidPort  = errors.New("invalid port")
)

// OnionID is a validated hidden service address such as
// "abcdefghijklmnop.onion". The zero value is the empty, unset id.
type OnionID struct {
	s string
}

// ParseOnionID validates s before keeping it. Oversized or malformed input is
// rejected, never truncated into a different address.
func ParseOnionID(s string) (OnionID, error) {
	if !IsValidOnion(s) {
		return OnionID{}, fmt.Errorf("%w: %q", ErrInvalidOnion, clip(s, MaxOnionLen+8))
	}
	return OnionID{s: s}, nil
}

// MustOnionID is ParseOnionID for constants and tests.
func MustOnionID(s string) OnionID {
	id, err := ParseOnionID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (o OnionID) String() string { return o.s }

func (o OnionID) IsZero() bool { return o.s == "" }

// Compare orders ids bytewise, the way both ends of a duplicate link do.
func (o OnionID) Compare(other OnionID) int {
	return strings.Compare(o.s, other.s)
}

// IsValidOnion reports whether s is a v2 or v3 onion address: lowercase
// base32 characters followed by the ".onion" suffix.
func IsValidOnion(s string) bool {
	if len(s) > MaxOnionLen {
		return false
	}
	host, ok := strings.CutSuffix(s, onionSuffix)
	if !ok {
		return false
	}
	if len(host) != onionV2Chars && len(host) != onionV3Chars {
		return false
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}

// IsValidPort reports whether p can be announced as a listening port.
// Zero is reserved for pending contacts.
func IsValidPort(p int) bool {
	return p > 0 && p < 65536
}

// CleanNickname drops control characters and bounds the result to
// MaxNickname bytes without splitting a UTF-8 sequence.
func CleanNickname(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if b.Len()+len(string(r)) > MaxNickname {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
