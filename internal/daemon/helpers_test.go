package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"dchat/internal/contact"
	"dchat/internal/metrics"
	"dchat/internal/network"
	"dchat/internal/proto"
)

var errNoListener = errors.New("no listener for onion")

// memNet connects in-process runners with net.Pipe.
type memNet struct {
	mu        sync.Mutex
	listeners map[contact.OnionID]*memListener
}

func newMemNet() *memNet {
	return &memNet{listeners: make(map[contact.OnionID]*memListener)}
}

func (n *memNet) transport(self contact.OnionID) network.Transport {
	return &memTransport{net: n, self: self}
}

type memTransport struct {
	net  *memNet
	self contact.OnionID
}

func (t *memTransport) Listen(ctx context.Context) (network.Listener, error) {
	l := &memListener{
		net:   t.net,
		onion: t.self,
		conns: make(chan contact.Conn),
		done:  make(chan struct{}),
	}
	t.net.mu.Lock()
	t.net.listeners[t.self] = l
	t.net.mu.Unlock()
	return l, nil
}

func (t *memTransport) Dial(ctx context.Context, onion contact.OnionID, port uint16) (contact.Conn, error) {
	t.net.mu.Lock()
	l := t.net.listeners[onion]
	t.net.mu.Unlock()
	if l == nil {
		return nil, errNoListener
	}
	local, remote := net.Pipe()
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.done:
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	return nil, errNoListener
}

type memListener struct {
	net   *memNet
	onion contact.OnionID
	conns chan contact.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *memListener) Accept(ctx context.Context) (contact.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Addr() string { return l.onion.String() }

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		delete(l.net.listeners, l.onion)
		l.net.mu.Unlock()
	})
	return nil
}

// fakeConn records writes; reads block until Close.
type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *fakeConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// pdus decodes everything written so far.
func (c *fakeConn) pdus(t *testing.T) []proto.PDU {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.buf.Bytes()...)
	c.mu.Unlock()
	br := bufio.NewReader(bytes.NewReader(data))
	var out []proto.PDU
	for {
		p, err := proto.Read(br)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode written pdu: %v", err)
		}
		out = append(out, p)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var (
	onionA = contact.MustOnionID("aaaaaaaaaaaaaaaa.onion")
	onionB = contact.MustOnionID("bbbbbbbbbbbbbbbb.onion")
	onionC = contact.MustOnionID("cccccccccccccccc.onion")
)

func self(onion contact.OnionID, name string) contact.Contact {
	return contact.Contact{Onion: onion, Port: 7777, Name: name}
}

func newTestRunner(t *testing.T, me contact.Contact, tr network.Transport, remote *Target) (*Runner, *lockedBuffer) {
	t.Helper()
	out := &lockedBuffer{}
	r, err := NewRunner(Options{
		Self:         me,
		Transport:    tr,
		Metrics:      metrics.New(),
		Increment:    2,
		ConnectRate:  100,
		ConnectBurst: 10,
		Out:          out,
		Remote:       remote,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, out
}

// stopReaders closes every contact and waits for the reader goroutines of a
// runner that was never started.
func stopReaders(r *Runner) {
	_ = r.Store.Close()
	r.readers.Wait()
}

func discoverFrom(me contact.Contact, lines ...contact.Contact) proto.PDU {
	var b strings.Builder
	for _, c := range lines {
		line, _ := c.Line()
		b.WriteString(line)
	}
	return proto.NewPDU(proto.TypeDiscover, me, []byte(b.String()))
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
