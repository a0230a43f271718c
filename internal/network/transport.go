package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"dchat/internal/contact"
)

const (
	KindTor  = "tor"
	KindTCP  = "tcp"
	KindQUIC = "quic"

	DefaultSocksAddr   = "127.0.0.1:9050"
	DefaultDialTimeout = 30 * time.Second

	defaultLimitLogInterval = 10 * time.Second
)

var (
	ErrUnknownKind   = errors.New("unknown transport")
	ErrUnknownHost   = errors.New("onion id has no host entry")
	ErrListenerLimit = errors.New("connection limit reached")
)

// Transport creates the connections owned by contact slots.
type Transport interface {
	Listen(ctx context.Context) (Listener, error)
	Dial(ctx context.Context, onion contact.OnionID, port uint16) (contact.Conn, error)
}

type Listener interface {
	Accept(ctx context.Context) (contact.Conn, error)
	Addr() string
	Close() error
}

type Options struct {
	Kind       string
	ListenAddr string
	// SocksAddr is the Tor SOCKS5 endpoint, tor transport only.
	SocksAddr string
	// Hosts maps onion ids to "host" or "host:port" for direct transports.
	Hosts           map[string]string
	DialTimeout     time.Duration
	MaxConnsPerHost int
}

func New(opts Options) (Transport, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	switch opts.Kind {
	case KindTor, "":
		if opts.SocksAddr == "" {
			opts.SocksAddr = DefaultSocksAddr
		}
		return newTor(opts), nil
	case KindTCP:
		return newTCP(opts), nil
	case KindQUIC:
		return newQUIC(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}
}

// resolve maps an onion target onto a direct address using hosts.
func resolve(hosts map[string]string, onion contact.OnionID, port uint16) (string, error) {
	entry, ok := hosts[onion.String()]
	if !ok || entry == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownHost, onion)
	}
	if _, _, err := net.SplitHostPort(entry); err == nil {
		return entry, nil
	}
	return net.JoinHostPort(entry, strconv.Itoa(int(port))), nil
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
