package mesh

import (
	"context"
	"crypto/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnStatus is the lifecycle state of a Connection. Transitions are
// monotone within one attempt cycle: Connected -> Disconnected ->
// Reconnecting -> Connected|Failed.
type ConnStatus uint8

const (
	StatusConnected ConnStatus = iota
	StatusDisconnected
	StatusReconnecting
	StatusFailed
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Dialer opens the transport for a peer. The default implementation
// dials a gorilla/websocket text-frame connection; tests substitute an
// in-memory pipe.
type Dialer func(ctx context.Context, url string, header http.Header) (FrameConn, error)

// FrameConn is the minimal full-duplex, message-framed transport a
// Connection needs. *websocket.Conn satisfies it directly; any other
// transport preserving message boundaries (spec.md §6) can too.
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

func defaultDialer(ctx context.Context, url string, header http.Header) (FrameConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connection is one authenticated, heartbeated, full-duplex peer
// session. It holds only its own peer id, never a reference back to the
// owning ConnectionPool (see SPEC_FULL.md §9 on avoiding upward
// pointers).
type Connection struct {
	peerID string
	cfg    *cfg
	sec    *SecurityManager
	proto  Protocol

	conn   FrameConn
	outbox chan []byte

	metrics *ConnectionMetrics
	breaker *CircuitBreaker

	mu            sync.RWMutex
	status        ConnStatus
	lastHeartbeat time.Time

	dieOnce sync.Once
	dead    chan struct{}
}

// newConnection wraps an already-established transport as a live
// Connection and starts its reader and writer goroutines — exactly one
// of each, per spec.md §3.
func newConnection(peerID string, conn FrameConn, c *cfg, sec *SecurityManager, proto Protocol, breaker *CircuitBreaker) *Connection {
	conn.SetReadDeadline(time.Time{})
	cn := &Connection{
		peerID:        peerID,
		cfg:           c,
		sec:           sec,
		proto:         proto,
		conn:          conn,
		outbox:        make(chan []byte, c.bufferSize),
		metrics:       NewConnectionMetrics(peerID),
		breaker:       breaker,
		status:        StatusConnected,
		lastHeartbeat: time.Now(),
		dead:          make(chan struct{}),
	}
	go cn.readLoop()
	go cn.writeLoop()
	go cn.heartbeatLoop()
	go cn.livenessLoop()
	return cn
}

// PeerID returns the connection's peer id, the pool's lookup key.
func (c *Connection) PeerID() string { return c.peerID }

// Status returns the current lifecycle state.
func (c *Connection) Status() ConnStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) setStatus(s ConnStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Metrics exposes the connection's counters and latency stats.
func (c *Connection) Metrics() *ConnectionMetrics { return c.metrics }

// UpdateHeartbeat records a heartbeat was just observed. Called by the
// reader loop on every received Heartbeat frame.
func (c *Connection) UpdateHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// IsAlive reports whether a heartbeat has been seen within the
// configured connection timeout.
func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	last := c.lastHeartbeat
	c.mu.RUnlock()
	return time.Since(last) < c.cfg.connectionTimeout
}

// Send encodes, optionally encrypts, and enqueues one message for
// writing. It fails Send if the circuit breaker is open, and Connection
// if the outbound queue's peer has already terminated.
func (c *Connection) Send(msg *Message) error {
	if !c.breaker.Allow() {
		return newErr(KindSend, "circuit breaker open for peer "+c.peerID)
	}

	start := time.Now()
	payload, err := c.encodeForWire(msg)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordError()
		return err
	}

	select {
	case <-c.dead:
		c.breaker.RecordFailure()
		return wrapErr(KindConnection, "peer disconnected", errConnClosed)
	default:
	}

	select {
	case c.outbox <- payload:
		c.metrics.RecordSent()
		c.metrics.RecordLatency(time.Since(start))
		c.breaker.RecordSuccess()
		return nil
	case <-c.dead:
		c.breaker.RecordFailure()
		return wrapErr(KindConnection, "peer disconnected", errConnClosed)
	default:
		// Outbound queue full: back-pressure per spec.md §5 suspension
		// points, but do not block the caller's breaker bookkeeping
		// indefinitely — try a short blocking send before failing.
		select {
		case c.outbox <- payload:
			c.metrics.RecordSent()
			c.metrics.RecordLatency(time.Since(start))
			c.breaker.RecordSuccess()
			return nil
		case <-c.dead:
			c.breaker.RecordFailure()
			return wrapErr(KindConnection, "peer disconnected", errConnClosed)
		case <-time.After(c.cfg.connectionTimeout):
			c.breaker.RecordFailure()
			return newErr(KindSend, "outbound queue full for peer "+c.peerID)
		}
	}
}

func (c *Connection) encodeForWire(msg *Message) ([]byte, error) {
	raw, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	if c.sec == nil {
		return raw, nil
	}
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, wrapErr(KindSecurity, "generating nonce", err)
	}
	ct, err := c.sec.Encrypt(raw, nonce)
	if err != nil {
		return nil, err
	}
	framed := make([]byte, 12+len(ct))
	copy(framed, nonce[:])
	copy(framed[12:], ct)
	return framed, nil
}

func (c *Connection) decodeFromWire(data []byte) (*Message, error) {
	if c.sec == nil {
		return DecodeMessage(data)
	}
	if len(data) < 12 {
		return nil, newErr(KindSecurity, "ciphertext too short")
	}
	var nonce [12]byte
	copy(nonce[:], data[:12])
	plain, err := c.sec.Decrypt(data[12:], nonce)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(plain)
}

func (c *Connection) readLoop() {
	defer c.terminate()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.cfg.logger.Log(LogLevelDebug, "read error, terminating connection", "peer", c.peerID, "err", err)
			return
		}
		msg, err := c.decodeFromWire(raw)
		if err != nil {
			c.metrics.RecordError()
			c.cfg.logger.Log(LogLevelWarn, "failed to decode frame", "peer", c.peerID, "err", err)
			continue
		}
		c.metrics.RecordReceived()

		if msg.Type == KindHeartbeat {
			c.UpdateHeartbeat()
			continue
		}
		if c.proto != nil {
			if msg.Type == KindStreamMsg {
				if err := c.proto.OnStreamControl(msg); err != nil {
					c.cfg.logger.Log(LogLevelWarn, "stream control error", "peer", c.peerID, "err", err)
				}
				continue
			}
			if _, err := c.proto.ProcessMessage(msg); err != nil {
				c.cfg.logger.Log(LogLevelWarn, "dispatch error", "peer", c.peerID, "err", err)
			}
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.terminate()
	for {
		select {
		case payload, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.cfg.logger.Log(LogLevelDebug, "write error, terminating connection", "peer", c.peerID, "err", err)
				return
			}
		case <-c.dead:
			return
		}
	}
}

func (c *Connection) heartbeatLoop() {
	t := time.NewTicker(c.cfg.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			hb, _ := NewMessage(KindHeartbeat, c.peerID, "", nil)
			_ = c.Send(hb)
		case <-c.dead:
			return
		}
	}
}

// livenessLoop terminates the connection if no heartbeat has been seen
// within the configured connection timeout, so a peer that stops
// heartbeating without dropping the transport still surfaces as a dead
// connection (spec.md §5's heartbeat-timeout invariant) rather than
// hanging readLoop's indefinite ReadMessage forever.
func (c *Connection) livenessLoop() {
	t := time.NewTicker(c.cfg.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if !c.IsAlive() {
				c.cfg.logger.Log(LogLevelWarn, "heartbeat timeout, terminating connection", "peer", c.peerID)
				c.terminate()
				return
			}
		case <-c.dead:
			return
		}
	}
}

// terminate is idempotent and transitions the connection to
// Disconnected, closing the dead channel so both loops and any blocked
// Send calls observe termination exactly once.
func (c *Connection) terminate() {
	c.dieOnce.Do(func() {
		c.setStatus(StatusDisconnected)
		close(c.dead)
		c.conn.Close()
	})
}

// Close forcibly terminates the connection.
func (c *Connection) Close() { c.terminate() }

// Done returns a channel closed once the connection terminates (the first
// of its loops to exit, or Close), letting an owner (the ConnectionPool)
// supervise reconnection without Connection itself needing to know
// about the pool.
func (c *Connection) Done() <-chan struct{} { return c.dead }
