package contact

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var ErrMalformedLine = errors.New("malformed contact line")

// Conn is the transport connection owned by an occupied slot.
type Conn = io.ReadWriteCloser

// Contact is one remote peer association. A contact with a Conn but a zero
// Port is pending: connected, not identified yet.
type Contact struct {
	Onion    OnionID
	Port     uint16
	Name     string
	Accepted bool
	Conn     Conn
}

func (c Contact) Occupied() bool { return c.Conn != nil }

func (c Contact) Pending() bool { return c.Conn != nil && c.Port == 0 }

func (c Contact) Confirmed() bool { return c.Port != 0 }

// Line renders c as "<onion> <port>\n".
func (c Contact) Line() (string, error) {
	if !IsValidOnion(c.Onion.s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOnion, c.Onion.s)
	}
	if !IsValidPort(int(c.Port)) {
		return "", fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	return c.Onion.s + " " + strconv.Itoa(int(c.Port)) + "\n", nil
}

// ParseLine decodes one "<onion> <port>\n" line. The trailing newline may be
// missing but nothing may follow it. Only identity fields are set.
func ParseLine(line string) (Contact, error) {
	onion, rest, ok := strings.Cut(line, " ")
	if !ok || onion == "" {
		return Contact{}, fmt.Errorf("%w: missing onion id", ErrMalformedLine)
	}
	port, tail, _ := strings.Cut(rest, "\n")
	if port == "" {
		return Contact{}, fmt.Errorf("%w: missing listening port", ErrMalformedLine)
	}
	if tail != "" {
		return Contact{}, fmt.Errorf("%w: trailing data after port", ErrMalformedLine)
	}
	id, err := ParseOnionID(onion)
	if err != nil {
		return Contact{}, err
	}
	n, err := parsePort(port)
	if err != nil {
		return Contact{}, err
	}
	return Contact{Onion: id, Port: n}, nil
}

// SameIdentity compares the wire forms of a and b. Contacts that cannot be
// rendered never match anything.
func SameIdentity(a, b Contact) bool {
	la, err := a.Line()
	if err != nil {
		return false
	}
	lb, err := b.Line()
	if err != nil {
		return false
	}
	return la == lb
}

// ParsePort accepts decimal digits only, in 1..65535.
func ParsePort(s string) (uint16, error) {
	return parsePort(s)
}

func parsePort(s string) (uint16, error) {
	if s == "" || len(s) > 5 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, clip(s, 8))
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || !IsValidPort(n) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	return uint16(n), nil
}

func (c Contact) String() string {
	if c.Port == 0 {
		return "pending"
	}
	name := c.Name
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("%s (%s:%d)", name, c.Onion, c.Port)
}
