package proto

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"dchat/internal/contact"
)

const (
	Version        = "1.0"
	versionLine    = "DCHAT: " + Version
	MaxContentLen  = 16 << 10
	MaxHeaderLine  = 256
	maxHeaderLines = 16
	hdrContentType = "Content-Type"
	hdrContentLen  = "Content-Length"
	hdrOnionID     = "Onion-ID"
	hdrListenPort  = "Listen-Port"
	hdrNickname    = "Nickname"
)

type ContentType int

const (
	TypeUnknown ContentType = iota
	TypeText
	TypeBinary
	TypeDiscover
	TypeReplay
)

var contentTypeNames = map[ContentType]string{
	TypeText:     "text/plain",
	TypeBinary:   "application/octet",
	TypeDiscover: "control/discover",
	TypeReplay:   "control/replay",
}

func (t ContentType) String() string {
	if name, ok := contentTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

func ParseContentType(s string) (ContentType, error) {
	for t, name := range contentTypeNames {
		if s == name {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("%w: %q", ErrContentType, s)
}

var (
	ErrBadVersion    = errors.New("unsupported dchat version")
	ErrContentType   = errors.New("unknown content type")
	ErrBadHeader     = errors.New("malformed header")
	ErrMissingHeader = errors.New("missing mandatory header")
	ErrContentLength = errors.New("invalid content length")
	ErrLineTooLong   = errors.New("header line too long")
)

// PDU is one DChat protocol data unit: a header block then Content.
type PDU struct {
	Type     ContentType
	Onion    contact.OnionID
	Port     uint16
	Nickname string
	Content  []byte
}

// NewPDU tags a message of type t with the sender identity in me.
func NewPDU(t ContentType, me contact.Contact, content []byte) PDU {
	return PDU{
		Type:     t,
		Onion:    me.Onion,
		Port:     me.Port,
		Nickname: contact.CleanNickname(me.Name),
		Content:  content,
	}
}

// Encode renders p. Headers follow the version line in a fixed order and the
// block ends with an empty line.
func Encode(p PDU) ([]byte, error) {
	name, ok := contentTypeNames[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrContentType, int(p.Type))
	}
	if !contact.IsValidOnion(p.Onion.String()) {
		return nil, fmt.Errorf("%w: %q", contact.ErrInvalidOnion, p.Onion.String())
	}
	if !contact.IsValidPort(int(p.Port)) {
		return nil, fmt.Errorf("%w: %d", contact.ErrInvalidPort, p.Port)
	}
	if len(p.Content) > MaxContentLen {
		return nil, fmt.Errorf("%w: %d", ErrContentLength, len(p.Content))
	}
	var b bytes.Buffer
	b.Grow(128 + len(p.Content))
	b.WriteString(versionLine + "\n")
	writeHeader(&b, hdrContentType, name)
	writeHeader(&b, hdrContentLen, strconv.Itoa(len(p.Content)))
	writeHeader(&b, hdrOnionID, p.Onion.String())
	writeHeader(&b, hdrListenPort, strconv.Itoa(int(p.Port)))
	if nick := contact.CleanNickname(p.Nickname); nick != "" {
		writeHeader(&b, hdrNickname, nick)
	}
	b.WriteString("\n")
	b.Write(p.Content)
	return b.Bytes(), nil
}

func writeHeader(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}

// Write encodes p onto w and returns the bytes written.
func Write(w io.Writer, p PDU) (int, error) {
	data, err := Encode(p)
	if err != nil {
		return 0, err
	}
	return w.Write(data)
}

// Read decodes the next PDU from r. io.EOF is returned untouched when the
// stream ends cleanly before a version line.
func Read(r *bufio.Reader) (PDU, error) {
	line, err := readLine(r)
	if err != nil {
		return PDU{}, err
	}
	if line != versionLine {
		return PDU{}, fmt.Errorf("%w: %q", ErrBadVersion, line)
	}
	var p PDU
	var lines int
	var hasPort bool
	length := -1
	for {
		line, err := readLine(r)
		if err != nil {
			return PDU{}, unexpected(err)
		}
		if line == "" {
			break
		}
		lines++
		if lines > maxHeaderLines {
			return PDU{}, fmt.Errorf("%w: too many headers", ErrBadHeader)
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return PDU{}, fmt.Errorf("%w: %q", ErrBadHeader, line)
		}
		switch key {
		case hdrContentType:
			t, err := ParseContentType(value)
			if err != nil {
				return PDU{}, err
			}
			p.Type = t
		case hdrContentLen:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || n > MaxContentLen {
				return PDU{}, fmt.Errorf("%w: %q", ErrContentLength, value)
			}
			length = n
		case hdrOnionID:
			id, err := contact.ParseOnionID(value)
			if err != nil {
				return PDU{}, err
			}
			p.Onion = id
		case hdrListenPort:
			port, err := contact.ParsePort(value)
			if err != nil {
				return PDU{}, err
			}
			p.Port = port
			hasPort = true
		case hdrNickname:
			p.Nickname = contact.CleanNickname(value)
		default:
			return PDU{}, fmt.Errorf("%w: unknown key %q", ErrBadHeader, key)
		}
	}
	switch {
	case p.Type == TypeUnknown:
		return PDU{}, fmt.Errorf("%w: %s", ErrMissingHeader, hdrContentType)
	case p.Onion.IsZero():
		return PDU{}, fmt.Errorf("%w: %s", ErrMissingHeader, hdrOnionID)
	case !hasPort:
		return PDU{}, fmt.Errorf("%w: %s", ErrMissingHeader, hdrListenPort)
	}
	if length > 0 {
		p.Content = make([]byte, length)
		if _, err := io.ReadFull(r, p.Content); err != nil {
			return PDU{}, unexpected(err)
		}
	}
	return p, nil
}

// readLine returns one line without its "\n" or "\r\n" terminator.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if len(buf) > 0 && errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		buf = append(buf, chunk...)
		if len(buf) > MaxHeaderLine {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return string(buf), nil
		}
	}
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
