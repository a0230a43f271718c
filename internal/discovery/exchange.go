// Package discovery implements the DChat contact exchange: a control/discover
// PDU carries the sender's confirmed contacts, one "<onion> <port>\n" line
// each, and the receiver dials every peer it does not know yet.
package discovery

import (
	"bytes"
	"errors"
	"fmt"

	"dchat/internal/contact"
	"dchat/internal/debuglog"
	"dchat/internal/metrics"
	"dchat/internal/proto"
)

var ErrNoConnection = errors.New("slot has no connection")

// Connector asks for an outbound connection to a newly learned peer. A nil
// return means the request was accepted, not that the peer is connected.
type Connector interface {
	RequestConnection(onion contact.OnionID, port uint16) error
}

// Exchange is used from the loop that owns its store.
type Exchange struct {
	store   *contact.Store
	connect Connector
	metrics *metrics.Metrics
	// next is the slot a truncated list resumes from on the following send.
	next int
}

func New(store *contact.Store, connect Connector, m *metrics.Metrics) *Exchange {
	return &Exchange{store: store, connect: connect, metrics: m}
}

type entry struct {
	slot int
	line string
}

// Body serializes every confirmed contact except the one in slot exclude. An
// empty body is valid. Contacts that cannot be serialized are skipped. When
// the list exceeds proto.MaxContentLen it is cut, and the next body starts at
// the first slot left out so every contact is sent in turn.
func (e *Exchange) Body(exclude int) []byte {
	var entries []entry
	size := 0
	e.store.Each(func(i int, c contact.Contact) bool {
		if i == exclude || !c.Confirmed() {
			return true
		}
		line, err := c.Line()
		if err != nil {
			debuglog.Warnf("conversion of contact %q to string failed, skipped: %v", c.Name, err)
			return true
		}
		entries = append(entries, entry{slot: i, line: line})
		size += len(line)
		return true
	})
	if size <= proto.MaxContentLen {
		var b bytes.Buffer
		for _, en := range entries {
			b.WriteString(en.line)
		}
		return b.Bytes()
	}

	start := 0
	for k, en := range entries {
		if en.slot >= e.next {
			start = k
			break
		}
	}
	var b bytes.Buffer
	for k := 0; k < len(entries); k++ {
		en := entries[(start+k)%len(entries)]
		if b.Len()+len(en.line) > proto.MaxContentLen {
			e.next = en.slot
			break
		}
		b.WriteString(en.line)
	}
	debuglog.Warnf("contact list exceeds %d bytes, sent %d bytes, resuming at slot %d", proto.MaxContentLen, b.Len(), e.next)
	return b.Bytes()
}

// Send writes the contact list, tagged with the local identity, to the
// contact in slot n.
func (e *Exchange) Send(n int) (int, error) {
	c, err := e.store.At(n)
	if err != nil {
		return 0, err
	}
	if c.Conn == nil {
		return 0, fmt.Errorf("%w: %d", ErrNoConnection, n)
	}
	pdu := proto.NewPDU(proto.TypeDiscover, e.store.Me(), e.Body(n))
	written, err := proto.Write(c.Conn, pdu)
	if err != nil {
		debuglog.Errorf("sending of contact list failed: %v", err)
		return written, fmt.Errorf("send contacts to slot %d: %w", n, err)
	}
	e.metrics.IncDiscoverSent()
	return written, nil
}

// Receive processes every line of a discover PDU and returns how many unknown
// peers it listed. Bad lines and refused connection requests are logged and
// joined into the returned error; the remaining lines are still processed.
func (e *Exchange) Receive(pdu proto.PDU) (int, error) {
	var errs []error
	fresh, known := 0, 0
	for off := 0; off < len(pdu.Content); {
		line, next, err := proto.ExtractLine(pdu.Content, off, '\n')
		if err != nil {
			debuglog.Errorf("extraction of contact line from received PDU failed: %v", err)
			e.metrics.IncLineRejected()
			errs = append(errs, err)
			break
		}
		off = next
		c, err := contact.ParseLine(line)
		if err != nil {
			debuglog.Warnf("conversion of string to contact failed, skipped: %v", err)
			e.metrics.IncLineRejected()
			errs = append(errs, err)
			continue
		}
		if e.store.Find(c, 0).Kind != contact.NotFound {
			known++
			continue
		}
		fresh++
		if err := e.connect.RequestConnection(c.Onion, c.Port); err != nil {
			debuglog.Warnf("connection to new contact %s:%d failed: %v", c.Onion, c.Port, err)
			errs = append(errs, fmt.Errorf("connect %s:%d: %w", c.Onion, c.Port, err))
		}
	}
	e.metrics.IncDiscoverReceived()
	e.metrics.AddNewContacts(fresh)
	debuglog.Debugf("discover from %s: new=%d known=%d", pdu.Onion, fresh, known)
	return fresh, errors.Join(errs...)
}
