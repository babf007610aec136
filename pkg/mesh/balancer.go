package mesh

import (
	"sync"
	"time"
)

// NodeStats is the load information a caller supplies to LoadBalancer
// about each known node when asking for the next selection. The
// balancer deliberately does not hold a reference to a ConnectionPool
// (see SPEC_FULL.md §9 on avoiding upward pointers) — callers
// compute this snapshot from whatever they own.
type NodeStats struct {
	LiveConnections int
	MessagesSent    uint64
}

type nodeHealth struct {
	lastCheck  time.Time
	healthy    bool
	errorCount uint32
}

// LoadBalancer selects the next healthy endpoint from a registered node
// set according to a BalanceStrategy.
type LoadBalancer struct {
	strategy      BalanceStrategy
	maxPerNode    uint32

	mu    sync.Mutex
	nodes map[string]*nodeHealth
	order []string // insertion order, for round robin and tie-breaking
	rrIdx int
}

// NewLoadBalancer returns a LoadBalancer using the given strategy,
// capping live connections per node at maxPerNode (0 means unlimited).
func NewLoadBalancer(strategy BalanceStrategy, maxPerNode uint32) *LoadBalancer {
	return &LoadBalancer{
		strategy:   strategy,
		maxPerNode: maxPerNode,
		nodes:      make(map[string]*nodeHealth),
	}
}

// AddNode registers a node as healthy, in insertion order.
func (b *LoadBalancer) AddNode(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[nodeID]; ok {
		return
	}
	b.nodes[nodeID] = &nodeHealth{lastCheck: time.Now(), healthy: true}
	b.order = append(b.order, nodeID)
}

// RemoveNode drops a node entirely.
func (b *LoadBalancer) RemoveNode(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, nodeID)
	for i, id := range b.order {
		if id == nodeID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// UpdateHealth marks nodeID healthy or unhealthy, recording the check
// time and incrementing/resetting its error count.
func (b *LoadBalancer) UpdateHealth(nodeID string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.nodes[nodeID]
	if !ok {
		return
	}
	h.lastCheck = time.Now()
	h.healthy = healthy
	if healthy {
		h.errorCount = 0
	} else {
		h.errorCount++
	}
}

// Select returns the next node to use, given a snapshot of per-node
// load. It fails with Connection if no node is both registered healthy
// and under its per-node connection cap.
func (b *LoadBalancer) Select(stats map[string]NodeStats) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	healthy := make([]string, 0, len(b.order))
	for _, id := range b.order {
		h := b.nodes[id]
		if h == nil || !h.healthy {
			continue
		}
		if b.maxPerNode > 0 && uint32(stats[id].LiveConnections) >= b.maxPerNode {
			continue
		}
		healthy = append(healthy, id)
	}
	if len(healthy) == 0 {
		return "", newErr(KindConnection, "no healthy nodes available")
	}

	switch b.strategy {
	case StrategyRoundRobin:
		b.rrIdx = (b.rrIdx + 1) % len(healthy)
		return healthy[b.rrIdx], nil
	case StrategyLeastConnections:
		best := healthy[0]
		bestN := stats[best].LiveConnections
		for _, id := range healthy[1:] {
			if n := stats[id].LiveConnections; n < bestN {
				best, bestN = id, n
			}
		}
		return best, nil
	default: // StrategyLeastLoad
		best := healthy[0]
		bestLoad := stats[best].MessagesSent
		for _, id := range healthy[1:] {
			if l := stats[id].MessagesSent; l < bestLoad {
				best, bestLoad = id, l
			}
		}
		return best, nil
	}
}
