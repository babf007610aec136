package mesh

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
	"github.com/twmb/go-rbtree"
)

// Codec names the compression applied to a Chunk's Data before it was
// framed, negotiated once via the Codec field of the stream's Start
// Control and fixed for the stream's lifetime.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecLZ4
	CodecS2
)

func compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecS2:
		return s2.Encode(nil, data), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, newErr(KindStream, "unknown chunk codec")
	}
}

func decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecSnappy:
		return snappy.Decode(nil, data)
	case CodecS2:
		return s2.Decode(nil, data)
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	default:
		return nil, newErr(KindStream, "unknown chunk codec")
	}
}

// ControlKind enumerates the stream control message variants.
type ControlKind uint8

const (
	ControlStart ControlKind = iota + 1
	ControlPause
	ControlResume
	ControlEnd
	ControlAck
)

// Control is a stream control message, carried as the Content of a
// Message with Type == KindStreamMsg.
type Control struct {
	Kind        ControlKind    `json:"kind"`
	StreamID    string         `json:"stream_id"`
	TotalChunks *uint32        `json:"total_chunks,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ChunkID     uint64         `json:"chunk_id,omitempty"`
	Codec       Codec          `json:"codec,omitempty"`
}

// Chunk is a single unit of streamed payload.
type Chunk struct {
	StreamID string `json:"stream_id"`
	ChunkID  uint64 `json:"chunk_id"`
	Data     []byte `json:"data"`
	IsLast   bool   `json:"is_last"`
}

// AckSink is how a StreamReceiver reports delivered chunks back to its
// owner, which is expected to send a Control{Kind: ControlAck} message
// over the relevant Connection. Decoupling the receiver from the
// connection avoids giving Stream types an upward reference to
// Connection/Pool.
type AckSink func(streamID string, chunkID uint64)

// StreamSender emits chunks for one outbound stream, windowed so that at
// most `window` chunks beyond the highest acknowledged sequence are ever
// in flight. send_chunk blocks (this is the flow-control primitive) once
// the window is exhausted or the stream is paused.
type StreamSender struct {
	streamID string
	codec    Codec

	mu        sync.Mutex
	nextChunk uint64
	acked     uint64 // highest acknowledged chunk id + 1; 0 means none acked
	window    uint64
	paused    bool
	closed    bool
	unblocked chan struct{} // closed and replaced whenever Ack/Resume/Close may unblock a waiter

	out chan Chunk
}

// NewStreamSender returns a StreamSender with the given flow-control
// window (max chunks in flight beyond the highest ack) and chunk codec.
// The returned channel is the wire-facing side a Connection drains.
func NewStreamSender(streamID string, window uint64, codec Codec) (*StreamSender, <-chan Chunk) {
	ch := make(chan Chunk, window)
	s := &StreamSender{
		streamID:  streamID,
		codec:     codec,
		window:    window,
		out:       ch,
		unblocked: make(chan struct{}),
	}
	return s, ch
}

// wakeLocked releases every SendChunk call currently waiting on a state
// change. Must be called with s.mu held.
func (s *StreamSender) wakeLocked() {
	close(s.unblocked)
	s.unblocked = make(chan struct{})
}

// StreamID returns the identifier this sender was created with.
func (s *StreamSender) StreamID() string { return s.streamID }

// StartControl returns the Control.Start message to send before the
// first chunk.
func (s *StreamSender) StartControl(totalChunks *uint32, metadata map[string]any) Control {
	return Control{Kind: ControlStart, StreamID: s.streamID, TotalChunks: totalChunks, Metadata: metadata, Codec: s.codec}
}

// SendChunk compresses and enqueues the next chunk, blocking while the
// window is exhausted or the stream is paused, and returns once the
// chunk has been handed to the wire-facing channel. The wait never hands
// the lock to another goroutine: each iteration drops the lock, waits on
// the current unblocked channel (replaced on every state change that
// could free a waiter), and reacquires it before re-checking state.
func (s *StreamSender) SendChunk(ctx context.Context, data []byte, isLast bool) error {
	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return newErr(KindStream, "stream closed")
		}
		id := s.nextChunk
		if !s.paused && (s.window == 0 || id < s.acked+s.window) {
			break
		}
		wait := s.unblocked
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	id := s.nextChunk
	s.nextChunk++
	s.mu.Unlock()

	payload, err := compress(s.codec, data)
	if err != nil {
		return wrapErr(KindStream, "compressing chunk", err)
	}

	chunk := Chunk{StreamID: s.streamID, ChunkID: id, Data: payload, IsLast: isLast}
	select {
	case s.out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack advances the sender's acknowledged-sequence high-water mark,
// releasing window slots for new chunks.
func (s *StreamSender) Ack(chunkID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chunkID+1 > s.acked {
		s.acked = chunkID + 1
	}
	s.wakeLocked()
}

// Pause halts new emissions until Resume.
func (s *StreamSender) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume releases emissions halted by Pause.
func (s *StreamSender) Resume() {
	s.mu.Lock()
	s.paused = false
	s.wakeLocked()
	s.mu.Unlock()
}

// Close marks the stream closed, releasing any blocked SendChunk calls
// with a Stream error, and closes the wire-facing channel.
func (s *StreamSender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.wakeLocked()
	s.mu.Unlock()
	close(s.out)
}

// chunkItem orders buffered out-of-order chunks by ChunkID inside the
// reassembly tree. It implements rbtree.Item.
type chunkItem Chunk

func (c *chunkItem) Less(other rbtree.Item) bool {
	return c.ChunkID < other.(*chunkItem).ChunkID
}

// StreamReceiver reassembles an inbound stream into strictly increasing
// chunk-id order, buffering out-of-order arrivals up to a configured
// window before failing the stream.
type StreamReceiver struct {
	streamID string
	window   int
	ack      AckSink

	mu       sync.Mutex
	next     uint64
	codec    Codec
	buffered rbtree.Tree
	bufN     int
	done     bool
	err      error

	ready chan Chunk
}

// NewStreamReceiver returns a StreamReceiver for streamID, decoding
// chunks with the codec negotiated in the stream's Control.Start
// message. ack, if non-nil, is invoked once per delivered chunk
// (including chunks released out of the reorder buffer).
func NewStreamReceiver(streamID string, window int, codec Codec, ack AckSink) *StreamReceiver {
	return &StreamReceiver{
		streamID: streamID,
		window:   window,
		codec:    codec,
		ack:      ack,
		ready:    make(chan Chunk, window+1),
	}
}

// Deliver feeds one arrived chunk, still compressed with the stream's
// codec, into the receiver; Next decompresses it. It is
// called from the connection's reader path as Chunk frames for this
// stream id arrive.
func (r *StreamReceiver) Deliver(c Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.err
	}

	if c.ChunkID == r.next {
		r.emitLocked(c)
		r.drainBufferedLocked()
		return nil
	}

	if c.ChunkID < r.next {
		return nil // duplicate/late arrival, already delivered
	}

	if r.bufN >= r.window {
		r.failLocked(newErr(KindStream, "reassembly window exceeded"))
		return r.err
	}
	item := chunkItem(c)
	r.buffered.Insert(&item)
	r.bufN++
	return nil
}

func (r *StreamReceiver) drainBufferedLocked() {
	for {
		node := r.buffered.Min()
		if node == nil {
			return
		}
		item := node.Item.(*chunkItem)
		if item.ChunkID != r.next {
			return
		}
		r.buffered.Delete(node)
		r.bufN--
		r.emitLocked(Chunk(*item))
	}
}

func (r *StreamReceiver) emitLocked(c Chunk) {
	r.next = c.ChunkID + 1
	r.ready <- c
	if r.ack != nil {
		r.ack(r.streamID, c.ChunkID)
	}
	if c.IsLast {
		r.done = true
		close(r.ready)
	}
}

func (r *StreamReceiver) failLocked(err error) {
	r.done = true
	r.err = err
	close(r.ready)
}

// Next pulls the next in-order chunk, blocking until it is available,
// the stream ends, ctx is done, or the receiver fails. It returns
// (Chunk{}, io.EOF) once the last chunk has already been returned,
// implementing the "lazy restartable sequence" the spec describes:
// callers simply call Next in a loop.
func (r *StreamReceiver) Next(ctx context.Context) (Chunk, error) {
	select {
	case c, ok := <-r.ready:
		if !ok {
			r.mu.Lock()
			err := r.err
			r.mu.Unlock()
			if err != nil {
				return Chunk{}, err
			}
			return Chunk{}, io.EOF
		}
		r.mu.Lock()
		codec := r.codec
		r.mu.Unlock()
		decoded, derr := decompress(codec, c.Data)
		if derr != nil {
			return Chunk{}, wrapErr(KindStream, "decompressing chunk", derr)
		}
		c.Data = decoded
		return c, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Cancel aborts the stream, waking any blocked Next with a Stream
// failure. Dropping either end of a stream is modeled by calling Cancel
// (sender via Close, receiver via Cancel).
func (r *StreamReceiver) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.failLocked(newErr(KindStream, "stream canceled"))
}
