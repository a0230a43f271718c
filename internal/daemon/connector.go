package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"dchat/internal/contact"
	"dchat/internal/debuglog"
	"dchat/internal/metrics"
	"dchat/internal/network"
)

const failedTargets = 256

var (
	ErrInvalidTarget = errors.New("invalid connection target")
	ErrConnectQueue  = errors.New("connection queue full")
	ErrCoolingDown   = errors.New("target failed recently")
)

// connector dials requested peers one at a time, throttled by limiter, and
// hands established connections to the event loop.
type connector struct {
	transport network.Transport
	limiter   *rate.Limiter
	queue     chan Target
	post      func(context.Context, event) bool
	metrics   *metrics.Metrics

	// failed maps targets whose last dial failed to the end of their cooldown.
	failed   *lru.Cache[Target, time.Time]
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[Target]struct{}
}

func newConnector(t network.Transport, limiter *rate.Limiter, size int, cooldown time.Duration, post func(context.Context, event) bool, m *metrics.Metrics) *connector {
	failed, _ := lru.New[Target, time.Time](failedTargets)
	return &connector{
		transport: t,
		limiter:   limiter,
		queue:     make(chan Target, size),
		post:      post,
		metrics:   m,
		failed:    failed,
		cooldown:  cooldown,
		now:       time.Now,
		inflight:  make(map[Target]struct{}),
	}
}

// RequestConnection queues a dial and returns without waiting for it. A
// target already queued or being dialed is accepted once. A target whose
// last dial failed is refused until its cooldown ends.
func (c *connector) RequestConnection(onion contact.OnionID, port uint16) error {
	if onion.IsZero() || !contact.IsValidPort(int(port)) {
		return ErrInvalidTarget
	}
	t := Target{Onion: onion, Port: port}
	if until, ok := c.failed.Peek(t); ok {
		if c.now().Before(until) {
			return ErrCoolingDown
		}
		c.failed.Remove(t)
	}
	c.mu.Lock()
	if _, ok := c.inflight[t]; ok {
		c.mu.Unlock()
		return nil
	}
	c.inflight[t] = struct{}{}
	c.mu.Unlock()

	select {
	case c.queue <- t:
		c.metrics.IncConnectRequested()
		return nil
	default:
		c.finish(t)
		c.metrics.IncConnectDropped()
		return ErrConnectQueue
	}
}

// forget clears the cooldown of t.
func (c *connector) forget(t Target) {
	c.failed.Remove(t)
}

func (c *connector) finish(t Target) {
	c.mu.Lock()
	delete(c.inflight, t)
	c.mu.Unlock()
}

func (c *connector) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-c.queue:
			c.dial(ctx, t)
		}
	}
}

func (c *connector) dial(ctx context.Context, t Target) {
	defer c.finish(t)
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	debuglog.Debugf("dialing %s", t)
	conn, err := c.transport.Dial(ctx, t.Onion, t.Port)
	if err != nil {
		if ctx.Err() == nil {
			debuglog.Warnf("connection to %s failed: %v", t, err)
			c.metrics.IncConnectFailed()
			if c.cooldown > 0 {
				c.failed.Add(t, c.now().Add(c.cooldown))
			}
		}
		return
	}
	c.failed.Remove(t)
	if !c.post(ctx, dialed{conn: conn, target: t}) {
		_ = conn.Close()
	}
}
