package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dchat/internal/contact"
	"dchat/internal/debuglog"
	"dchat/internal/discovery"
	"dchat/internal/metrics"
	"dchat/internal/network"
	"dchat/internal/proto"
)

const (
	defaultConnectRate     = 2
	defaultConnectBurst    = 4
	defaultConnectQueue    = 64
	defaultConnectCooldown = 30 * time.Second
	eventQueue             = 64
)

var (
	ErrMissingIdentity  = errors.New("missing local identity")
	ErrMissingTransport = errors.New("missing transport")
	ErrStopped          = errors.New("runner stopped")
	errExit             = errors.New("exit requested")
)

// Target is a peer to dial.
type Target struct {
	Onion contact.OnionID
	Port  uint16
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Onion, t.Port)
}

type Options struct {
	Self         contact.Contact
	Transport    network.Transport
	Metrics      *metrics.Metrics
	Increment    int
	ConnectRate  rate.Limit
	ConnectBurst int
	ConnectQueue int
	// ConnectCooldown suppresses dials to a target whose last dial failed.
	// Negative disables it.
	ConnectCooldown time.Duration
	// Out receives chat text and command output.
	Out io.Writer
	// Remote is dialed once the runner starts.
	Remote *Target
}

// Runner owns the contact store and serializes every access to it on one
// event loop. Connection readers, the listener and the connector only post
// events. Run may be called once.
type Runner struct {
	Self    contact.Contact
	Store   *contact.Store
	Metrics *metrics.Metrics

	transport network.Transport
	exchange  *discovery.Exchange
	connector *connector
	out       io.Writer
	remote    *Target
	events    chan event
	stopped   chan struct{}
	readers   sync.WaitGroup

	// mu orders posts against shutdown: once closed is set no event can
	// enter events, so drain sees everything that did.
	mu     sync.RWMutex
	closed bool
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Self.Onion.IsZero() || !contact.IsValidPort(int(opts.Self.Port)) {
		return nil, ErrMissingIdentity
	}
	if opts.Transport == nil {
		return nil, ErrMissingTransport
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.ConnectRate <= 0 {
		opts.ConnectRate = defaultConnectRate
	}
	if opts.ConnectBurst <= 0 {
		opts.ConnectBurst = defaultConnectBurst
	}
	if opts.ConnectQueue <= 0 {
		opts.ConnectQueue = defaultConnectQueue
	}
	if opts.ConnectCooldown == 0 {
		opts.ConnectCooldown = defaultConnectCooldown
	}
	self := opts.Self
	self.Name = contact.CleanNickname(self.Name)
	r := &Runner{
		Self:      self,
		Store:     contact.NewStore(self, contact.Options{Increment: opts.Increment}),
		Metrics:   opts.Metrics,
		transport: opts.Transport,
		out:       opts.Out,
		remote:    opts.Remote,
		events:    make(chan event, eventQueue),
		stopped:   make(chan struct{}),
	}
	limiter := rate.NewLimiter(opts.ConnectRate, opts.ConnectBurst)
	r.connector = newConnector(opts.Transport, limiter, opts.ConnectQueue, opts.ConnectCooldown, r.post, opts.Metrics)
	r.exchange = discovery.New(r.Store, r.connector, opts.Metrics)
	return r, nil
}

// Run listens for peers and serves the event loop until ctx is done or the
// /exit command is submitted.
func (r *Runner) Run(ctx context.Context) error {
	ln, err := r.transport.Listen(ctx)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		return r.acceptLoop(gctx, ln)
	})
	g.Go(func() error {
		r.connector.run(gctx)
		return nil
	})
	if r.remote != nil {
		if err := r.connector.RequestConnection(r.remote.Onion, r.remote.Port); err != nil {
			debuglog.Warnf("connection request to %s failed: %v", r.remote, err)
		}
	}

	r.loop(gctx)
	cancel()
	err = g.Wait()
	r.drain()
	return err
}

func (r *Runner) acceptLoop(ctx context.Context, ln network.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			debuglog.Errorf("could not accept connection from remote host: %v", err)
			return fmt.Errorf("accept: %w", err)
		}
		if !r.post(ctx, accepted{conn: conn}) {
			_ = conn.Close()
			return nil
		}
	}
}

// Submit hands one line of local input to the event loop and waits until
// the loop has handled it. It returns ErrStopped once the loop is gone.
func (r *Runner) Submit(ctx context.Context, line string) error {
	done := make(chan error, 1)
	if !r.post(ctx, input{line: line, done: done}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Contacts returns a copy of the occupied slots.
func (r *Runner) Contacts(ctx context.Context) ([]contact.Contact, error) {
	reply := make(chan []contact.Contact, 1)
	if !r.post(ctx, query{reply: reply}) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrStopped
	}
	select {
	case list, ok := <-reply:
		if !ok {
			return nil, ErrStopped
		}
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runner) post(ctx context.Context, ev event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.events <- ev:
		return true
	case <-r.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// shutdown wakes blocked posts and refuses new ones.
func (r *Runner) shutdown() {
	close(r.stopped)
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Runner) loop(ctx context.Context) {
	defer func() {
		r.shutdown()
		r.drain()
		if err := r.Store.Close(); err != nil {
			debuglog.Debugf("closing contacts: %v", err)
		}
		r.readers.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			if err := r.handle(ev); errors.Is(err, errExit) {
				return
			}
		}
	}
}

// drain closes connections still queued when the loop stops and rejects
// queued input and queries.
func (r *Runner) drain() {
	for {
		select {
		case ev := <-r.events:
			switch ev := ev.(type) {
			case accepted:
				_ = ev.conn.Close()
			case dialed:
				_ = ev.conn.Close()
			case input:
				ev.done <- ErrStopped
			case query:
				close(ev.reply)
			}
		default:
			return
		}
	}
}

func (r *Runner) handle(ev event) error {
	switch ev := ev.(type) {
	case accepted:
		r.handleAccepted(ev.conn)
	case dialed:
		r.handleDialed(ev.conn, ev.target)
	case received:
		r.handleReceived(ev.conn, ev.pdu)
	case closed:
		r.handleClosed(ev.conn, ev.err)
	case input:
		err := r.handleInput(ev.line)
		ev.done <- nil
		return err
	case query:
		ev.reply <- r.Store.List()
	}
	return nil
}

// startReader decodes PDUs from conn until it fails. Any read error,
// including a malformed PDU, ends the contact.
func (r *Runner) startReader(conn contact.Conn) {
	r.readers.Add(1)
	go func() {
		defer r.readers.Done()
		br := bufio.NewReader(conn)
		for {
			pdu, err := proto.Read(br)
			if err != nil {
				r.post(context.Background(), closed{conn: conn, err: err})
				return
			}
			if !r.post(context.Background(), received{conn: conn, pdu: pdu}) {
				return
			}
		}
	}()
}

func (r *Runner) remove(n int) {
	err := r.Store.Remove(n)
	switch {
	case err == nil:
		r.Metrics.IncContactRemoved()
	case errors.Is(err, contact.ErrShrink):
		r.Metrics.IncContactRemoved()
		debuglog.Errorf("contact %d removed: %v", n, err)
	default:
		debuglog.Errorf("could not remove contact %d: %v", n, err)
	}
}
