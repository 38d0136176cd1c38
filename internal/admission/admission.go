// Package admission implements per-client admission control: token-bucket
// rate limiting and a ceiling on simultaneous open connections.
//
// State is keyed by client address. Buckets refill continuously at the
// configured rate up to the burst capacity; consumption is atomic per
// client, so concurrent requests cannot spend the same token. Rejected
// requests always carry a computed retry hint and never queue.
package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/observability"
)

// Sweep interval bounds for the idle-client garbage collector.
const (
	minSweepInterval = 10 * time.Second
	maxSweepInterval = time.Minute
)

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// RetryAfter is the time until a token becomes available. Only
	// meaningful when Allowed is false.
	RetryAfter time.Duration
}

// clientState holds all admission state for a single client address.
type clientState struct {
	limiter    *rate.Limiter
	sensitive  *rate.Limiter
	conns      int
	lastAccess time.Time
}

// Controller owns the per-client rate and connection tables.
type Controller struct {
	mu      sync.Mutex
	clients map[string]*clientState

	rateEnabled    bool
	rps            rate.Limit
	burst          int
	sensitiveRPS   rate.Limit
	sensitiveBurst int

	connEnabled  bool
	maxPerClient int

	clientTTL time.Duration
	logger    observability.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option is a functional option for the controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates an admission controller from configuration and
// starts the idle-client sweeper.
func NewController(
	rl config.RateLimitConfig,
	cl config.ConnectionLimitConfig,
	opts ...Option,
) *Controller {
	c := &Controller{
		clients:   make(map[string]*clientState),
		logger:    observability.NopLogger(),
		clientTTL: rl.ClientTTL.Duration(),
		stopCh:    make(chan struct{}),
	}
	c.applyLimits(rl, cl)

	if c.clientTTL <= 0 {
		c.clientTTL = config.DefaultClientTTL
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.sweepLoop()

	return c
}

// applyLimits sets the limit fields. Callers must hold mu except during
// construction.
func (c *Controller) applyLimits(rl config.RateLimitConfig, cl config.ConnectionLimitConfig) {
	c.rateEnabled = rl.Enabled
	c.rps = rate.Limit(rl.RequestsPerSecond)
	c.burst = rl.Burst
	c.sensitiveRPS = rate.Limit(rl.Sensitive.RequestsPerSecond)
	c.sensitiveBurst = rl.Sensitive.Burst
	c.connEnabled = cl.Enabled
	c.maxPerClient = cl.MaxPerClient
}

// UpdateLimits applies new rate and connection limits at runtime.
// Existing client buckets are rescaled in place; connection slots held
// by live connections are unaffected.
func (c *Controller) UpdateLimits(rl config.RateLimitConfig, cl config.ConnectionLimitConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyLimits(rl, cl)

	for _, state := range c.clients {
		state.limiter.SetLimit(c.rps)
		state.limiter.SetBurst(c.burst)
		if state.sensitive != nil {
			state.sensitive.SetLimit(c.sensitiveRPS)
			state.sensitive.SetBurst(c.sensitiveBurst)
		}
	}

	c.logger.Info("admission limits updated",
		observability.Int("requestsPerSecond", int(c.rps)),
		observability.Int("burst", c.burst),
		observability.Int("maxConnsPerClient", c.maxPerClient),
	)
}

// state returns the client state, creating it on first use. Must be
// called with mu held.
func (c *Controller) state(client string) *clientState {
	s, ok := c.clients[client]
	if !ok {
		s = &clientState{
			limiter: rate.NewLimiter(c.rps, c.burst),
		}
		c.clients[client] = s
	}
	s.lastAccess = time.Now()
	return s
}

// Admit checks the client's token bucket(s) for one request. Sensitive
// requests additionally consume from a second, stricter bucket.
func (c *Controller) Admit(client string, sensitive bool) Decision {
	if !c.rateEnabled {
		return Decision{Allowed: true}
	}

	c.mu.Lock()
	s := c.state(client)
	lim := s.limiter
	var slim *rate.Limiter
	if sensitive {
		if s.sensitive == nil {
			s.sensitive = rate.NewLimiter(c.sensitiveRPS, c.sensitiveBurst)
		}
		slim = s.sensitive
	}
	c.mu.Unlock()

	// Reservations consume a token only when it is immediately
	// available; otherwise they are cancelled and the delay becomes
	// the retry hint.
	if d, ok := consume(lim); !ok {
		return Decision{RetryAfter: d}
	}
	if slim != nil {
		if d, ok := consume(slim); !ok {
			return Decision{RetryAfter: d}
		}
	}

	return Decision{Allowed: true}
}

// consume takes one token if available now. On failure it returns the
// wait until the next token and restores the reservation.
func consume(lim *rate.Limiter) (time.Duration, bool) {
	res := lim.Reserve()
	if !res.OK() {
		return rate.InfDuration, false
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, false
	}
	return 0, true
}

// AcquireConn claims a connection slot for the client. It returns false
// when the client is at its ceiling; callers must not retry-queue.
func (c *Controller) AcquireConn(client string) bool {
	if !c.connEnabled {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(client)
	if s.conns >= c.maxPerClient {
		return false
	}
	s.conns++
	return true
}

// ReleaseConn releases a connection slot. Safe against double release.
func (c *Controller) ReleaseConn(client string) {
	if !c.connEnabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.clients[client]; ok && s.conns > 0 {
		s.conns--
	}
}

// Connections returns the live connection count for a client.
func (c *Controller) Connections(client string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.clients[client]; ok {
		return s.conns
	}
	return 0
}

// sweepLoop periodically drops idle client entries so the table does
// not grow without bound.
func (c *Controller) sweepLoop() {
	interval := c.clientTTL / 2
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	if interval < minSweepInterval {
		interval = minSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep removes clients idle past the TTL. Clients with live
// connections are never removed.
func (c *Controller) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for client, s := range c.clients {
		if s.conns == 0 && now.Sub(s.lastAccess) > c.clientTTL {
			delete(c.clients, client)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Debug("swept idle admission entries",
			observability.Int("removed", removed),
			observability.Int("remaining", len(c.clients)),
		)
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (c *Controller) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	return nil
}
