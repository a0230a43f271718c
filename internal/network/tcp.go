package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/proxy"

	"dchat/internal/contact"
	"dchat/internal/debuglog"
)

// tcpTransport dials direct addresses from the host table.
type tcpTransport struct {
	opts    Options
	limiter *hostLimiter
}

func newTCP(opts Options) *tcpTransport {
	return &tcpTransport{opts: opts, limiter: newHostLimiter(opts.MaxConnsPerHost)}
}

func (t *tcpTransport) Listen(ctx context.Context) (Listener, error) {
	return listenTCP(ctx, t.opts.ListenAddr, t.limiter)
}

func (t *tcpTransport) Dial(ctx context.Context, onion contact.OnionID, port uint16) (contact.Conn, error) {
	addr, err := resolve(t.opts.Hosts, onion, port)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: t.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s via %s: %w", onion, addr, err)
	}
	return conn, nil
}

// torTransport reaches hidden services through the local Tor SOCKS5 port.
// Inbound connections arrive on the plain TCP listener the hidden service
// forwards to.
type torTransport struct {
	opts Options
}

func newTor(opts Options) *torTransport {
	return &torTransport{opts: opts}
}

func (t *torTransport) Listen(ctx context.Context) (Listener, error) {
	// Every inbound connection comes from the Tor daemon, a per-host cap would
	// throttle all peers at once.
	return listenTCP(ctx, t.opts.ListenAddr, nil)
}

func (t *torTransport) Dial(ctx context.Context, onion contact.OnionID, port uint16) (contact.Conn, error) {
	forward := &net.Dialer{Timeout: t.opts.DialTimeout}
	d, err := proxy.SOCKS5("tcp", t.opts.SocksAddr, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 %s: %w", t.opts.SocksAddr, err)
	}
	target := net.JoinHostPort(onion.String(), strconv.Itoa(int(port)))
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer lacks DialContext")
	}
	conn, err := cd.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s via tor: %w", target, err)
	}
	return conn, nil
}

type tcpListener struct {
	ln      net.Listener
	limiter *hostLimiter
}

func listenTCP(ctx context.Context, addr string, limiter *hostLimiter) (*tcpListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		debuglog.Errorf("tcp listen error: %v", err)
		return nil, err
	}
	debuglog.Infof("tcp listen ready: %s", ln.Addr())
	return &tcpListener{ln: ln, limiter: limiter}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (contact.Conn, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		host := remoteHost(conn.RemoteAddr())
		if !l.limiter.acquire(host) {
			debuglog.RateLimitedf("tcp-limit-"+host, defaultLimitLogInterval, "%v: %s", ErrListenerLimit, host)
			_ = conn.Close()
			continue
		}
		if l.limiter == nil {
			return conn, nil
		}
		return &limitedConn{Conn: conn, release: func() { l.limiter.release(host) }}, nil
	}
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func (l *tcpListener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// limitedConn gives its limiter slot back exactly once.
type limitedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
