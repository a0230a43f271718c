package contact

import (
	"errors"
	"fmt"

	"dchat/internal/debuglog"
)

// DefaultIncrement is the number of slots the store grows or shrinks by.
const DefaultIncrement = 30

var (
	ErrIndexOutOfRange  = errors.New("slot index out of range")
	ErrInvalidCapacity  = errors.New("invalid store capacity")
	ErrShrink           = errors.New("store shrink failed")
	ErrSlotOccupied     = errors.New("slot occupied")
	ErrMissingTransport = errors.New("missing connection")
)

type MatchKind int

const (
	NotFound MatchKind = iota
	Found
	Self
)

func (k MatchKind) String() string {
	switch k {
	case Found:
		return "found"
	case Self:
		return "self"
	default:
		return "not_found"
	}
}

// Match is the result of Store.Find. Index is meaningful only for Found.
type Match struct {
	Kind  MatchKind
	Index int
}

type Options struct {
	Increment int
}

// Store holds the contact slots and the local identity. Slot positions are
// only stable until the next resize; callers must not keep indices across
// Add or Remove.
//
// A Store is not safe for concurrent use. The daemon event loop owns it.
type Store struct {
	me        Contact
	slots     []Contact
	used      int
	increment int
}

func NewStore(me Contact, opts Options) *Store {
	inc := opts.Increment
	if inc <= 0 {
		inc = DefaultIncrement
	}
	me.Conn = nil
	return &Store{
		me:        me,
		slots:     make([]Contact, inc),
		increment: inc,
	}
}

func (s *Store) Me() Contact { return s.me }

func (s *Store) Cap() int { return len(s.slots) }

func (s *Store) Used() int { return s.used }

func (s *Store) Increment() int { return s.increment }

// At returns the slot at i for in-place updates.
func (s *Store) At(i int) (*Contact, error) {
	if i < 0 || i >= len(s.slots) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	return &s.slots[i], nil
}

// Add installs conn in the first free slot, growing the store when full.
func (s *Store) Add(conn Conn) (int, error) {
	if conn == nil {
		return -1, ErrMissingTransport
	}
	if s.used == len(s.slots) {
		if err := s.Resize(len(s.slots) + s.increment); err != nil {
			return -1, err
		}
	}
	for i := range s.slots {
		if s.slots[i].Conn == nil {
			s.slots[i].Conn = conn
			s.used++
			return i, nil
		}
	}
	// used < cap guarantees a free slot.
	return -1, fmt.Errorf("%w: no free slot with used=%d cap=%d", ErrSlotOccupied, s.used, len(s.slots))
}

// Remove closes the slot's connection and clears it. Removing an empty slot
// succeeds. The removal always commits; a failed shrink afterwards is
// reported as ErrShrink and the contact is gone regardless.
func (s *Store) Remove(i int) error {
	if i < 0 || i >= len(s.slots) {
		debuglog.Errorf("contact remove: index out of bounds %d", i)
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	c := &s.slots[i]
	if c.Conn == nil {
		return nil
	}
	if err := c.Conn.Close(); err != nil {
		debuglog.Debugf("contact remove: close slot=%d: %v", i, err)
	}
	*c = Contact{}
	s.used--
	if s.used != 0 && s.used == len(s.slots)-s.increment {
		if err := s.Resize(len(s.slots) - s.increment); err != nil {
			return fmt.Errorf("%w: %w", ErrShrink, err)
		}
	}
	return nil
}

// Resize reallocates the slots to n, compacting occupied slots to the front
// in their original relative order.
func (s *Store) Resize(n int) error {
	if n < 1 || n < s.used {
		debuglog.Errorf("contact resize: capacity %d below 1 or used contacts %d", n, s.used)
		return fmt.Errorf("%w: %d (used %d)", ErrInvalidCapacity, n, s.used)
	}
	s.slots = compact(s.slots, n)
	return nil
}

func compact(src []Contact, n int) []Contact {
	dst := make([]Contact, n)
	j := 0
	for i := range src {
		if src[i].Conn != nil {
			dst[j] = src[i]
			j++
		}
	}
	return dst
}

// Find looks c up by identity, first against the local identity and then in
// the slots from start on. Empty and pending slots never match.
func (s *Store) Find(c Contact, start int) Match {
	if start < 0 || start >= len(s.slots) {
		return Match{Kind: NotFound, Index: -1}
	}
	if s.me.Confirmed() && SameIdentity(c, s.me) {
		return Match{Kind: Self, Index: -1}
	}
	for i := start; i < len(s.slots); i++ {
		slot := s.slots[i]
		if slot.Conn == nil || !slot.Confirmed() {
			continue
		}
		if SameIdentity(c, slot) {
			return Match{Kind: Found, Index: i}
		}
	}
	return Match{Kind: NotFound, Index: -1}
}

// IndexOf returns the slot currently owning conn.
func (s *Store) IndexOf(conn Conn) (int, bool) {
	if conn == nil {
		return -1, false
	}
	for i := range s.slots {
		if s.slots[i].Conn == conn {
			return i, true
		}
	}
	return -1, false
}

// Each calls fn for every occupied slot until fn returns false.
func (s *Store) Each(fn func(i int, c Contact) bool) {
	for i := range s.slots {
		if s.slots[i].Conn == nil {
			continue
		}
		if !fn(i, s.slots[i]) {
			return
		}
	}
}

// List copies the occupied slots.
func (s *Store) List() []Contact {
	out := make([]Contact, 0, s.used)
	s.Each(func(_ int, c Contact) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Close releases every slot and resets the store to its initial capacity.
func (s *Store) Close() error {
	var errs []error
	for i := range s.slots {
		if s.slots[i].Conn == nil {
			continue
		}
		if err := s.slots[i].Conn.Close(); err != nil {
			errs = append(errs, err)
		}
		s.slots[i] = Contact{}
	}
	s.used = 0
	s.slots = make([]Contact, s.increment)
	return errors.Join(errs...)
}
