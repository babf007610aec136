package mesh

import (
	"context"
	"sync"
)

// AgentCapability names something an Agent can do. The open-ended
// Custom variant lets deployments describe capabilities this package
// doesn't know about ahead of time.
type AgentCapability struct {
	name   string
	custom bool
}

func (c AgentCapability) String() string { return c.name }

var (
	CapabilityTextGeneration = AgentCapability{name: "text_generation"}
	CapabilityToolUse        = AgentCapability{name: "tool_use"}
	CapabilityRetrieval      = AgentCapability{name: "retrieval"}
	CapabilityOrchestration  = AgentCapability{name: "orchestration"}
)

// CustomCapability returns an AgentCapability named name, for
// deployment-specific capabilities outside the fixed set above.
func CustomCapability(name string) AgentCapability {
	return AgentCapability{name: name, custom: true}
}

// AgentStatusKind is the closed set of Agent lifecycle states. Error
// carries a reason, so it is modeled as a struct field rather than a
// bare enumerator.
type AgentStatusKind uint8

const (
	AgentOnline AgentStatusKind = iota
	AgentOffline
	AgentBusy
	AgentError
)

// AgentStatus is an Agent's current state; Reason is only meaningful
// when Kind is AgentError.
type AgentStatus struct {
	Kind   AgentStatusKind
	Reason string
}

func (s AgentStatus) String() string {
	switch s.Kind {
	case AgentOnline:
		return "online"
	case AgentOffline:
		return "offline"
	case AgentBusy:
		return "busy"
	case AgentError:
		return "error: " + s.Reason
	default:
		return "unknown"
	}
}

// Agent is one participant in the mesh: an identity, a capability set,
// a status, free-form metadata, and the connection pool and protocol it
// uses to actually talk to peers.
type Agent struct {
	id           string
	capabilities map[string]AgentCapability

	mu       sync.RWMutex
	status   AgentStatus
	metadata map[string]any

	pool  *ConnectionPool
	proto Protocol
}

// NewAgent returns an Agent with id, the given capabilities, starting
// offline, backed by pool and proto.
func NewAgent(id string, pool *ConnectionPool, proto Protocol, capabilities ...AgentCapability) *Agent {
	caps := make(map[string]AgentCapability, len(capabilities))
	for _, c := range capabilities {
		caps[c.name] = c
	}
	return &Agent{
		id:           id,
		capabilities: caps,
		status:       AgentStatus{Kind: AgentOffline},
		metadata:     make(map[string]any),
		pool:         pool,
		proto:        proto,
	}
}

// ID returns the agent's identity, its key in every peer's ConnectionPool.
func (a *Agent) ID() string { return a.id }

// HasCapability reports whether the agent advertises c.
func (a *Agent) HasCapability(c AgentCapability) bool {
	_, ok := a.capabilities[c.name]
	return ok
}

// Capabilities returns the agent's advertised capability set.
func (a *Agent) Capabilities() []AgentCapability {
	out := make([]AgentCapability, 0, len(a.capabilities))
	for _, c := range a.capabilities {
		out = append(out, c)
	}
	return out
}

// Status returns the agent's current lifecycle status.
func (a *Agent) Status() AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// SetStatus transitions the agent to status.
func (a *Agent) SetStatus(status AgentStatus) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

// AddMetadata merges key: value into the agent's metadata.
func (a *Agent) AddMetadata(key string, value any) {
	a.mu.Lock()
	a.metadata[key] = value
	a.mu.Unlock()
}

// Metadata returns a copy of the agent's current metadata.
func (a *Agent) Metadata() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]any, len(a.metadata))
	for k, v := range a.metadata {
		out[k] = v
	}
	return out
}

// Connect establishes a connection to peerID at url and marks the agent
// online once the dial succeeds.
func (a *Agent) Connect(ctx context.Context, peerID, url string) error {
	if err := a.pool.AddConnection(ctx, peerID, url); err != nil {
		a.SetStatus(AgentStatus{Kind: AgentError, Reason: err.Error()})
		return err
	}
	a.SetStatus(AgentStatus{Kind: AgentOnline})
	return nil
}

// Disconnect tears down the connection to peerID.
func (a *Agent) Disconnect(peerID string) {
	a.pool.Remove(peerID)
}

// SendMessage builds a request Message addressed to peerID with content
// and sends it over the pooled connection for that peer.
func (a *Agent) SendMessage(peerID string, content any) error {
	msg, err := NewMessage(KindRequest, a.id, peerID, content)
	if err != nil {
		return err
	}
	conn, ok := a.pool.Get(peerID)
	if !ok {
		return wrapErr(KindConnection, "no connection to peer "+peerID, errUnknownPeer)
	}
	return conn.Send(msg)
}

// SendTo is SendMessage with an explicit correlation id, for
// request/response matching.
func (a *Agent) SendTo(peerID, correlationID string, content any) error {
	msg, err := NewMessage(KindRequest, a.id, peerID, content)
	if err != nil {
		return err
	}
	msg = msg.WithCorrelation(correlationID)
	conn, ok := a.pool.Get(peerID)
	if !ok {
		return wrapErr(KindConnection, "no connection to peer "+peerID, errUnknownPeer)
	}
	return conn.Send(msg)
}

// Protocol returns the agent's wired Protocol implementation.
func (a *Agent) Protocol() Protocol { return a.proto }

// Pool returns the agent's ConnectionPool.
func (a *Agent) Pool() *ConnectionPool { return a.pool }
