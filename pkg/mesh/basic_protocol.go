package mesh

import (
	"context"
	"sync"
)

// BasicProtocol is the default Protocol implementation: a Dispatcher for
// request/response handling plus a registry of active StreamReceivers
// keyed by stream id, so inbound Control and Chunk frames land on the
// right reassembly buffer. It needs a ConnectionPool only to route
// outbound Sends and stream acks, never the reverse.
type BasicProtocol struct {
	*Dispatcher

	pool        *ConnectionPool
	window      int
	streamDepth uint64

	mu        sync.Mutex
	receivers map[string]*StreamReceiver
	onChunk   map[string]func(Chunk)
}

// NewBasicProtocol returns a BasicProtocol advertising version and
// routing through pool. window bounds the stream reassembly buffer
// depth (spec.md §5). streamDepth is stored on the BasicProtocol;
// BasicProtocol creates no StreamSenders, so nothing here applies it.
func NewBasicProtocol(version ProtocolVersion, pool *ConnectionPool, window int, streamDepth uint64) *BasicProtocol {
	return &BasicProtocol{
		Dispatcher:  NewDispatcher(version),
		pool:        pool,
		window:      window,
		streamDepth: streamDepth,
		receivers:   make(map[string]*StreamReceiver),
		onChunk:     make(map[string]func(Chunk)),
	}
}

// SendMessage routes msg to its To peer's pooled connection.
func (p *BasicProtocol) SendMessage(msg *Message) error {
	conn, ok := p.pool.Get(msg.To)
	if !ok {
		return wrapErr(KindConnection, "no connection to peer "+msg.To, errUnknownPeer)
	}
	return conn.Send(msg)
}

// RegisterStream installs a StreamReceiver for streamID with the given
// codec, delivering reassembled chunks to onDeliver as they become
// available in order. Acks are sent back to fromPeer automatically.
func (p *BasicProtocol) RegisterStream(streamID, fromPeer string, codec Codec, onDeliver func(Chunk)) *StreamReceiver {
	ack := func(sid string, chunkID uint64) {
		ctrl := Control{Kind: ControlAck, StreamID: sid, ChunkID: chunkID}
		msg, err := NewMessage(KindStreamMsg, "", fromPeer, ctrl)
		if err != nil {
			return
		}
		_ = p.SendMessage(msg)
	}
	recv := NewStreamReceiver(streamID, p.window, codec, ack)

	p.mu.Lock()
	p.receivers[streamID] = recv
	if onDeliver != nil {
		p.onChunk[streamID] = onDeliver
	}
	p.mu.Unlock()

	if onDeliver != nil {
		go p.pump(recv, streamID)
	}
	return recv
}

func (p *BasicProtocol) pump(recv *StreamReceiver, streamID string) {
	for {
		c, err := recv.Next(context.Background())
		if err != nil {
			p.mu.Lock()
			delete(p.receivers, streamID)
			delete(p.onChunk, streamID)
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		cb := p.onChunk[streamID]
		p.mu.Unlock()
		if cb != nil {
			cb(c)
		}
	}
}

// OnStreamControl handles an inbound stream-subprotocol message: Start
// opens a new receiver, Ack is handled by the caller's outbound
// StreamSenders (not here), End, Pause and Resume are accepted and
// ignored, and chunk delivery feeds the registered StreamReceiver.
func (p *BasicProtocol) OnStreamControl(msg *Message) error {
	var ctrl Control
	if err := msg.UnmarshalContent(&ctrl); err != nil {
		return err
	}
	if ctrl.Kind == 0 {
		// A Chunk has no "kind" field, so it decodes as a Control with a
		// zero Kind.
		var chunk Chunk
		if err := msg.UnmarshalContent(&chunk); err != nil {
			return err
		}
		return p.deliverChunk(chunk)
	}

	switch ctrl.Kind {
	case ControlStart:
		p.RegisterStream(ctrl.StreamID, msg.From, ctrl.Codec, nil)
		return nil
	case ControlEnd:
		return nil
	case ControlAck, ControlPause, ControlResume:
		return nil
	default:
		return newErr(KindStream, "unknown stream control kind")
	}
}

func (p *BasicProtocol) deliverChunk(c Chunk) error {
	p.mu.Lock()
	recv := p.receivers[c.StreamID]
	p.mu.Unlock()
	if recv == nil {
		return newErr(KindStream, "chunk for unknown stream "+c.StreamID)
	}
	return recv.Deliver(c)
}

// Stream looks up an active inbound StreamReceiver by id.
func (p *BasicProtocol) Stream(streamID string) (*StreamReceiver, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.receivers[streamID]
	return r, ok
}
