package contact_test

import (
	"errors"
	"testing"

	"pgregory.net/rapid"

	"dchat/internal/contact"
)

type testConn struct {
	id     int
	closed int
}

func (c *testConn) Read(p []byte) (int, error)  { return 0, errors.New("not readable") }
func (c *testConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *testConn) Close() error {
	c.closed++
	return nil
}

var (
	meOnion    = contact.MustOnionID("mmmmmmmmmmmmmmmm.onion")
	peerOnion  = contact.MustOnionID("pppppppppppppppp.onion")
	otherOnion = contact.MustOnionID("bbbbbbbbbbbbbbbb.onion")
)

func newStore(inc int) *contact.Store {
	return contact.NewStore(contact.Contact{Onion: meOnion, Port: 7777, Name: "me"}, contact.Options{Increment: inc})
}

func TestNewStoreDefaults(t *testing.T) {
	s := contact.NewStore(contact.Contact{}, contact.Options{})
	if s.Cap() != contact.DefaultIncrement || s.Increment() != contact.DefaultIncrement || s.Used() != 0 {
		t.Fatalf("unexpected store cap=%d inc=%d used=%d", s.Cap(), s.Increment(), s.Used())
	}
}

func TestAddRejectsNilConn(t *testing.T) {
	s := newStore(2)
	if _, err := s.Add(nil); !errors.Is(err, contact.ErrMissingTransport) {
		t.Fatalf("expected missing transport, got %v", err)
	}
}

func TestAddGrowsAndRemoveShrinks(t *testing.T) {
	const inc = 3
	s := newStore(inc)
	conns := make([]*testConn, inc+1)
	for i := range conns {
		conns[i] = &testConn{id: i}
		n, err := s.Add(conns[i])
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if i < inc && n != i {
			t.Fatalf("add %d landed in slot %d", i, n)
		}
	}
	if s.Cap() != 2*inc || s.Used() != inc+1 {
		t.Fatalf("expected cap=%d used=%d, got cap=%d used=%d", 2*inc, inc+1, s.Cap(), s.Used())
	}

	if err := s.Remove(0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Cap() != inc || s.Used() != inc {
		t.Fatalf("expected shrink to cap=%d, got cap=%d used=%d", inc, s.Cap(), s.Used())
	}
	if conns[0].closed != 1 {
		t.Fatalf("removed conn closed %d times", conns[0].closed)
	}
	// survivors are compacted in order
	for i := 0; i < inc; i++ {
		c, err := s.At(i)
		if err != nil {
			t.Fatalf("at %d: %v", i, err)
		}
		if c.Conn != conns[i+1] {
			t.Fatalf("slot %d holds wrong conn", i)
		}
	}
	if err := s.Remove(0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Cap() != inc || s.Used() != inc-1 {
		t.Fatalf("expected cap to stay %d, got cap=%d used=%d", inc, s.Cap(), s.Used())
	}
}

func TestRemoveIdempotent(t *testing.T) {
	s := newStore(2)
	conn := &testConn{}
	n, err := s.Add(conn)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Remove(n); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(n); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if conn.closed != 1 || s.Used() != 0 {
		t.Fatalf("closed=%d used=%d after double remove", conn.closed, s.Used())
	}
	if err := s.Remove(-1); !errors.Is(err, contact.ErrIndexOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if err := s.Remove(s.Cap()); !errors.Is(err, contact.ErrIndexOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
}

func TestResizeBounds(t *testing.T) {
	s := newStore(4)
	for i := 0; i < 3; i++ {
		if _, err := s.Add(&testConn{id: i}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	for _, n := range []int{0, -1, 2} {
		if err := s.Resize(n); !errors.Is(err, contact.ErrInvalidCapacity) {
			t.Fatalf("Resize(%d) = %v, want ErrInvalidCapacity", n, err)
		}
	}
	if s.Cap() != 4 || s.Used() != 3 {
		t.Fatalf("failed resize changed the store")
	}
	if err := s.Resize(3); err != nil {
		t.Fatalf("resize to used: %v", err)
	}
}

func TestResizeKeepsContacts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inc := rapid.IntRange(1, 5).Draw(t, "inc")
		s := newStore(inc)
		live := map[*testConn]bool{}
		ops := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			if len(live) == 0 || rapid.Bool().Draw(t, "add") {
				c := &testConn{id: i}
				if _, err := s.Add(c); err != nil {
					t.Fatalf("add: %v", err)
				}
				live[c] = true
			} else {
				n := rapid.IntRange(0, s.Cap()-1).Draw(t, "slot")
				slot, _ := s.At(n)
				if tc, ok := slot.Conn.(*testConn); ok {
					delete(live, tc)
				}
				if err := s.Remove(n); err != nil {
					t.Fatalf("remove %d: %v", n, err)
				}
			}
			if s.Used() != len(live) || s.Used() > s.Cap() {
				t.Fatalf("used=%d live=%d cap=%d", s.Used(), len(live), s.Cap())
			}
			if s.Cap()%inc != 0 {
				t.Fatalf("cap %d not a multiple of %d", s.Cap(), inc)
			}
		}
		if err := s.Resize(s.Used() + rapid.IntRange(1, 4).Draw(t, "extra")); err != nil {
			t.Fatalf("resize: %v", err)
		}
		for c := range live {
			if _, ok := s.IndexOf(c); !ok {
				t.Fatalf("contact %d lost", c.id)
			}
		}
	})
}

func TestFind(t *testing.T) {
	s := newStore(4)
	pending := &testConn{id: 0}
	if _, err := s.Add(pending); err != nil {
		t.Fatalf("add: %v", err)
	}
	confirmed := &testConn{id: 1}
	n, err := s.Add(confirmed)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	slot, _ := s.At(n)
	slot.Onion, slot.Port = peerOnion, 9000

	peer := contact.Contact{Onion: peerOnion, Port: 9000}
	if m := s.Find(peer, 0); m.Kind != contact.Found || m.Index != n {
		t.Fatalf("expected found at %d, got %+v", n, m)
	}
	if m := s.Find(peer, n+1); m.Kind != contact.NotFound {
		t.Fatalf("search past the slot found %+v", m)
	}
	if m := s.Find(contact.Contact{Onion: peerOnion, Port: 9001}, 0); m.Kind != contact.NotFound {
		t.Fatalf("port mismatch matched: %+v", m)
	}
	if m := s.Find(contact.Contact{Onion: meOnion, Port: 7777}, 0); m.Kind != contact.Self {
		t.Fatalf("expected self, got %+v", m)
	}
	for _, start := range []int{-1, s.Cap()} {
		if m := s.Find(peer, start); m.Kind != contact.NotFound {
			t.Fatalf("Find from %d = %+v", start, m)
		}
	}
}

func TestCloseResets(t *testing.T) {
	s := newStore(2)
	conns := []*testConn{{id: 0}, {id: 1}, {id: 2}}
	for _, c := range conns {
		if _, err := s.Add(c); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, c := range conns {
		if c.closed != 1 {
			t.Fatalf("conn %d closed %d times", c.id, c.closed)
		}
	}
	if s.Used() != 0 || s.Cap() != 2 || len(s.List()) != 0 {
		t.Fatalf("store not reset: used=%d cap=%d", s.Used(), s.Cap())
	}
}
