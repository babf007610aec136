package mesh

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
)

func TestNewMessageAssignsUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		m, err := NewMessage(KindRequest, "agent-a", "agent-b", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("NewMessage: %v", err)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate message id %q", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	orig, err := NewMessage(KindRequest, "agent-a", "agent-b", map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	orig = orig.WithCorrelation("corr-1").WithMetadata(map[string]any{"trace": "xyz"})

	wire, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeMessage(wire)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}

	if diff := cmp.Diff(orig.ID, got.ID); diff != "" {
		t.Errorf("ID mismatch (-want +got):\n%s", diff)
	}
	if got.Type != KindRequest {
		t.Errorf("Type = %v, want KindRequest", got.Type)
	}
	if got.CorrelationID == nil || *got.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %v, want corr-1", got.CorrelationID)
	}

	var content map[string]string
	if err := got.UnmarshalContent(&content); err != nil {
		t.Fatalf("UnmarshalContent: %v", err)
	}
	if content["hello"] != "world" {
		t.Errorf("content[hello] = %q, want world\nfull message: %s", content["hello"], spew.Sdump(got))
	}
}

func TestMessageKindJSONRoundTrip(t *testing.T) {
	for _, k := range []MessageKind{
		KindRequest, KindResponse, KindError, KindStreamMsg,
		KindHeartbeat, KindDiscovery, KindRegistration, KindVersionCheck,
	} {
		b, err := k.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON(%v): %v", k, err)
		}
		var got MessageKind
		if err := got.UnmarshalJSON(b); err != nil {
			t.Fatalf("UnmarshalJSON(%s): %v", b, err)
		}
		if got != k {
			t.Errorf("round trip %v -> %s -> %v", k, b, got)
		}
	}
}

func TestMessageKindUnmarshalUnknown(t *testing.T) {
	var k MessageKind
	if err := k.UnmarshalJSON([]byte(`"bogus"`)); err == nil {
		t.Fatal("expected error for unknown message_type")
	}
}
