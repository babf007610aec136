package mesh

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestStreamReceiverInOrderDelivery(t *testing.T) {
	acked := make([]uint64, 0, 3)
	r := NewStreamReceiver("s1", 4, CodecNone, func(_ string, chunkID uint64) {
		acked = append(acked, chunkID)
	})

	for i := uint64(0); i < 3; i++ {
		if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: i, Data: []byte{byte(i)}, IsLast: i == 2}); err != nil {
			t.Fatalf("Deliver(%d): %v", i, err)
		}
	}

	ctx := context.Background()
	for i := uint64(0); i < 3; i++ {
		c, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("Next() #%d: %v", i, err)
		}
		if c.ChunkID != i {
			t.Fatalf("Next() #%d chunk id = %d, want %d", i, c.ChunkID, i)
		}
	}
	if _, err := r.Next(ctx); err != io.EOF {
		t.Fatalf("Next() after last chunk = %v, want io.EOF", err)
	}

	if len(acked) != 3 {
		t.Fatalf("acked %d chunks, want 3", len(acked))
	}
}

func TestStreamReceiverOutOfOrderReassembly(t *testing.T) {
	r := NewStreamReceiver("s1", 4, CodecNone, nil)

	// Arrive out of order: 2, 0, 1.
	if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: 2, Data: []byte("c")}); err != nil {
		t.Fatalf("Deliver(2): %v", err)
	}
	if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: 0, Data: []byte("a")}); err != nil {
		t.Fatalf("Deliver(0): %v", err)
	}
	if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: 1, Data: []byte("b"), IsLast: false}); err != nil {
		t.Fatalf("Deliver(1): %v", err)
	}
	// Last chunk completes the reassembly.
	if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: 3, Data: []byte("d"), IsLast: true}); err != nil {
		t.Fatalf("Deliver(3): %v", err)
	}

	ctx := context.Background()
	want := []byte("abcd")
	for i, w := range want {
		c, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("Next() #%d: %v", i, err)
		}
		if c.Data[0] != w {
			t.Fatalf("Next() #%d = %q, want %q", i, c.Data, []byte{w})
		}
	}
}

func TestStreamReceiverWindowExceeded(t *testing.T) {
	r := NewStreamReceiver("s1", 2, CodecNone, nil)
	// Never deliver chunk 0, so 1 and 2 both buffer; the third buffered
	// arrival exceeds the window of 2.
	if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: 1}); err != nil {
		t.Fatalf("Deliver(1): %v", err)
	}
	if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: 2}); err != nil {
		t.Fatalf("Deliver(2): %v", err)
	}
	if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: 3}); err == nil {
		t.Fatal("Deliver should fail once the reassembly window is exceeded")
	}
}

func TestStreamReceiverDuplicateIsIgnored(t *testing.T) {
	r := NewStreamReceiver("s1", 4, CodecNone, nil)
	if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: 0, IsLast: true}); err != nil {
		t.Fatalf("Deliver(0): %v", err)
	}
	if err := r.Deliver(Chunk{StreamID: "s1", ChunkID: 0, IsLast: true}); err != nil {
		t.Fatalf("duplicate Deliver(0) should be ignored, not errored: %v", err)
	}
}

func TestStreamSenderWindowBlocksBeyondHighWaterMark(t *testing.T) {
	sender, out := NewStreamSender("s1", 2, CodecNone)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := sender.SendChunk(ctx, []byte("1"), false); err != nil {
		t.Fatalf("SendChunk(1): %v", err)
	}
	if err := sender.SendChunk(ctx, []byte("2"), false); err != nil {
		t.Fatalf("SendChunk(2): %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sender.SendChunk(ctx, []byte("3"), false) }()

	select {
	case <-done:
		t.Fatal("SendChunk(3) should block until an ack releases window capacity")
	case <-time.After(30 * time.Millisecond):
	}

	<-out // drain chunk 1 off the wire channel
	sender.Ack(0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendChunk(3) after Ack: %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("SendChunk(3) did not unblock after Ack")
	}
}

func TestStreamSenderPauseResume(t *testing.T) {
	sender, out := NewStreamSender("s1", 10, CodecNone)
	sender.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sender.SendChunk(ctx, []byte("x"), true) }()

	select {
	case <-done:
		t.Fatal("SendChunk should block while paused")
	case <-time.After(30 * time.Millisecond):
	}

	sender.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendChunk after Resume: %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("SendChunk did not unblock after Resume")
	}
	<-out
}

func TestStreamChunkCodecRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecS2} {
		payload := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, the quick brown fox jumps over the lazy dog")
		ct, err := compress(codec, payload)
		if err != nil {
			t.Fatalf("compress(%v): %v", codec, err)
		}
		pt, err := decompress(codec, ct)
		if err != nil {
			t.Fatalf("decompress(%v): %v", codec, err)
		}
		if string(pt) != string(payload) {
			t.Fatalf("codec %v round trip mismatch", codec)
		}
	}
}
