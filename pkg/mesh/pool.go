package mesh

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// poolEntry tracks one peer's current Connection plus the reconnection
// bookkeeping that outlives any single transport instance.
type poolEntry struct {
	mu       sync.RWMutex
	conn     *Connection
	status   ConnStatus
	attempts uint32
	url      string
	cancel   context.CancelFunc
}

// ConnectionPool owns every live Connection, keyed by peer id. The
// mapping is protected by a readers-writer discipline: many concurrent
// Get/Send calls proceed together, while Add/Remove take the exclusive
// side. Connections hold no reference back to their pool (see
// SPEC_FULL.md §9).
type ConnectionPool struct {
	cfg *cfg

	dial     Dialer
	limiter  *RateLimiter
	balancer *LoadBalancer
	sec      *SecurityManager
	proto    Protocol
	metricsC *metricsCollector

	mu      sync.RWMutex
	entries map[string]*poolEntry
	closed  bool
}

// PoolOption customizes optional collaborators of a ConnectionPool.
type PoolOption func(*ConnectionPool)

func WithRateLimiter(r *RateLimiter) PoolOption {
	return func(p *ConnectionPool) { p.limiter = r }
}

func WithLoadBalancer(b *LoadBalancer) PoolOption {
	return func(p *ConnectionPool) { p.balancer = b }
}

func WithSecurityManager(s *SecurityManager) PoolOption {
	return func(p *ConnectionPool) { p.sec = s }
}

func WithProtocol(pr Protocol) PoolOption {
	return func(p *ConnectionPool) { p.proto = pr }
}

func WithDialer(d Dialer) PoolOption {
	return func(p *ConnectionPool) { p.dial = d }
}

func WithMetricsCollector(mc *metricsCollector) PoolOption {
	return func(p *ConnectionPool) { p.metricsC = mc }
}

// NewConnectionPool returns an empty pool governed by c.
func NewConnectionPool(c cfg, opts ...PoolOption) *ConnectionPool {
	p := &ConnectionPool{
		cfg:     &c,
		dial:    defaultDialer,
		entries: make(map[string]*poolEntry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AddConnection establishes a new connection to id at url (passed
// through the rate limiter and load balancer if configured), spawns its
// reader/writer goroutines, and starts a reconnection supervisor for it.
func (p *ConnectionPool) AddConnection(ctx context.Context, id, url string) error {
	if p.limiter != nil {
		if err := p.limiter.Check(id); err != nil {
			return err
		}
	}

	resolvedURL := url
	if p.balancer != nil {
		node, err := p.balancer.Select(p.nodeStatsSnapshot())
		if err != nil {
			return err
		}
		resolvedURL = node
	}

	return p.addWithURL(ctx, id, resolvedURL, nil)
}

// AddSecureConnection checks the rate limiter like AddConnection, then
// builds tlsCfg (which must be non-nil), failing Security if it cannot be
// loaded. It does not consult the load balancer, and the built TLS
// configuration is not passed to the pool's Dialer: the peer is dialed
// exactly as AddConnection dials it.
func (p *ConnectionPool) AddSecureConnection(ctx context.Context, id, url string, tlsCfg *TLSConfig) error {
	if p.limiter != nil {
		if err := p.limiter.Check(id); err != nil {
			return err
		}
	}
	built, err := tlsCfg.Build()
	if err != nil {
		return err
	}
	return p.addWithURL(ctx, id, url, built)
}

func (p *ConnectionPool) addWithURL(ctx context.Context, id, url string, _ any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPoolClosed
	}
	if _, exists := p.entries[id]; exists {
		p.mu.Unlock()
		return newErr(KindConnection, "peer already connected: "+id)
	}
	entry := &poolEntry{url: url, status: StatusDisconnected}
	p.entries[id] = entry
	p.mu.Unlock()

	superCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel

	conn, err := p.dialPeer(ctx, id, url)
	if err != nil {
		p.mu.Lock()
		delete(p.entries, id)
		p.mu.Unlock()
		cancel()
		return err
	}

	entry.mu.Lock()
	entry.conn = conn
	entry.status = StatusConnected
	entry.mu.Unlock()
	if p.metricsC != nil {
		p.metricsC.Register(conn.Metrics())
	}

	go p.supervise(superCtx, id, entry)
	return nil
}

func (p *ConnectionPool) dialPeer(ctx context.Context, id, url string) (*Connection, error) {
	fc, err := p.dial(ctx, url, http.Header{})
	if err != nil {
		return nil, wrapErr(KindConnection, "dialing peer "+id, err)
	}
	breaker := NewCircuitBreaker(5, 2, 1, p.cfg.reconnectDelay*2)
	return newConnection(id, fc, p.cfg, p.sec, p.proto, breaker), nil
}

// supervise watches one peer's Connection for termination and drives
// the §4.7 reconnection policy: Disconnected -> Reconnecting{n} ->
// Connected|Failed.
func (p *ConnectionPool) supervise(ctx context.Context, id string, entry *poolEntry) {
	for {
		entry.mu.RLock()
		conn := entry.conn
		entry.mu.RUnlock()
		// conn is nil after a failed reconnect attempt: go straight on to
		// the next attempt.
		if conn != nil {
			select {
			case <-conn.Done():
			case <-ctx.Done():
				return
			}
		}

		entry.mu.Lock()
		entry.status = StatusDisconnected
		if p.metricsC != nil {
			p.metricsC.Unregister(id)
		}
		if entry.attempts >= p.cfg.maxReconnects {
			entry.status = StatusFailed
			entry.mu.Unlock()
			return
		}
		entry.attempts++
		entry.status = StatusReconnecting
		attempt := entry.attempts
		url := entry.url
		entry.mu.Unlock()

		p.cfg.logger.Log(LogLevelWarn, "connection lost, reconnecting", "peer", id, "attempt", attempt)

		select {
		case <-time.After(p.cfg.reconnectDelay):
		case <-ctx.Done():
			return
		}

		newConn, err := p.dialPeer(ctx, id, url)
		if err != nil {
			p.cfg.logger.Log(LogLevelWarn, "reconnect attempt failed", "peer", id, "attempt", attempt, "err", err)
			entry.mu.Lock()
			entry.conn = nil
			entry.mu.Unlock()
			continue
		}

		entry.mu.Lock()
		entry.conn = newConn
		entry.status = StatusConnected
		entry.attempts = 0
		entry.mu.Unlock()
		if p.metricsC != nil {
			p.metricsC.Register(newConn.Metrics())
		}
	}
}

// Get returns the live Connection for id, if any, for the duration of a
// single send; the pool retains ownership.
func (p *ConnectionPool) Get(id string) (*Connection, bool) {
	p.mu.RLock()
	entry, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if entry.conn == nil {
		return nil, false
	}
	return entry.conn, true
}

// Status returns the logical connection status for id, reflecting
// Reconnecting{attempts} even while no live Connection object exists.
func (p *ConnectionPool) Status(id string) (ConnStatus, uint32, bool) {
	p.mu.RLock()
	entry, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.status, entry.attempts, true
}

// Remove cancels the peer's supervisor and reader/writer goroutines and
// drops it from the pool.
func (p *ConnectionPool) Remove(id string) {
	p.mu.Lock()
	entry, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	conn := entry.conn
	cancel := entry.cancel
	entry.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if p.metricsC != nil {
		p.metricsC.Unregister(id)
	}
}

// Close tears down every connection in the pool.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Remove(id)
	}
}

// nodeStatsSnapshot builds the per-node load view the LoadBalancer needs
// from the pool's own connections, since the balancer itself holds no
// pool reference.
func (p *ConnectionPool) nodeStatsSnapshot() map[string]NodeStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := make(map[string]NodeStats, len(p.entries))
	for id, entry := range p.entries {
		entry.mu.RLock()
		conn := entry.conn
		url := entry.url
		entry.mu.RUnlock()
		s := stats[url]
		s.LiveConnections++
		if conn != nil {
			s.MessagesSent += conn.Metrics().MessagesSentCount()
		}
		stats[url] = s
		_ = id
	}
	return stats
}
