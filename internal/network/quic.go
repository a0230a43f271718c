package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"dchat/internal/contact"
	"dchat/internal/debuglog"
)

const (
	quicALPN = "dchat-quic"

	// defaultStreamTimeout bounds how long an accepted connection may stay
	// silent before its first stream shows up.
	defaultStreamTimeout = 30 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is deterministic so every dev peer trusts every other. The quic
// transport gives no authentication.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("dchat-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{quicALPN},
	}, nil
}

// quicTransport carries each contact on one bidirectional stream of its own
// QUIC connection.
type quicTransport struct {
	opts          Options
	limiter       *hostLimiter
	serverTLS     *tls.Config
	clientTLS     *tls.Config
	streamTimeout time.Duration
}

func newQUIC(opts Options) (*quicTransport, error) {
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("quic server tls: %w", err)
	}
	clientTLS, err := clientTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("quic client tls: %w", err)
	}
	return &quicTransport{
		opts:          opts,
		limiter:       newHostLimiter(opts.MaxConnsPerHost),
		serverTLS:     serverTLS,
		clientTLS:     clientTLS,
		streamTimeout: defaultStreamTimeout,
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  2 * time.Minute,
	}
}

func (t *quicTransport) Listen(_ context.Context) (Listener, error) {
	ln, err := quic.ListenAddr(t.opts.ListenAddr, t.serverTLS, quicConfig())
	if err != nil {
		debuglog.Errorf("quic listen error: %v", err)
		return nil, err
	}
	debuglog.Infof("quic listen ready: %s", ln.Addr())
	return newQUICListener(ln, t.limiter, t.streamTimeout), nil
}

func (t *quicTransport) Dial(ctx context.Context, onion contact.OnionID, port uint16) (contact.Conn, error) {
	addr, err := resolve(t.opts.Hosts, onion, port)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dctx, addr, t.clientTLS, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s via %s: %w", onion, addr, err)
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}
	return &streamConn{conn: conn, Stream: stream}, nil
}

// quicListener accepts connections on one goroutine and waits for each
// connection's first stream on a goroutine of its own, so a peer that never
// opens a stream holds only its own slot.
type quicListener struct {
	ln            *quic.Listener
	limiter       *hostLimiter
	streamTimeout time.Duration

	ready  chan *streamConn
	done   chan struct{}
	err    error // set before done is closed
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newQUICListener(ln *quic.Listener, limiter *hostLimiter, streamTimeout time.Duration) *quicListener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:            ln,
		limiter:       limiter,
		streamTimeout: streamTimeout,
		ready:         make(chan *streamConn),
		done:          make(chan struct{}),
		cancel:        cancel,
	}
	l.wg.Add(1)
	go l.acceptConns(ctx)
	return l
}

func (l *quicListener) acceptConns(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.done)
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = net.ErrClosed
			}
			l.err = err
			return
		}
		host := remoteHost(conn.RemoteAddr())
		if !l.limiter.acquire(host) {
			debuglog.RateLimitedf("quic-limit-"+host, defaultLimitLogInterval, "%v: %s", ErrListenerLimit, host)
			_ = conn.CloseWithError(1, "connection limit")
			continue
		}
		l.wg.Add(1)
		go l.acceptStream(ctx, conn, host)
	}
}

// acceptStream waits for the dialer's first write, which makes the stream
// visible here, and hands the result to Accept.
func (l *quicListener) acceptStream(ctx context.Context, conn *quic.Conn, host string) {
	defer l.wg.Done()
	sctx, cancel := context.WithTimeout(ctx, l.streamTimeout)
	stream, err := conn.AcceptStream(sctx)
	cancel()
	if err != nil {
		l.limiter.release(host)
		_ = conn.CloseWithError(0, "no stream")
		debuglog.Debugf("quic accept stream from %s: %v", host, err)
		return
	}
	sc := &streamConn{
		conn:    conn,
		Stream:  stream,
		release: func() { l.limiter.release(host) },
	}
	select {
	case l.ready <- sc:
	case <-l.done:
		_ = sc.Close()
	case <-ctx.Done():
		_ = sc.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (contact.Conn, error) {
	select {
	case sc := <-l.ready:
		return sc, nil
	case <-l.done:
		return nil, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting and waits for pending stream accepts to give up.
func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

type streamConn struct {
	*quic.Stream
	conn    *quic.Conn
	once    sync.Once
	release func()
}

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		c.Stream.CancelRead(0)
		err = c.Stream.Close()
		_ = c.conn.CloseWithError(0, "closed")
		if c.release != nil {
			c.release()
		}
	})
	return err
}
