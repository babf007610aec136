package mesh

import "testing"

func TestAgentCapabilitiesAndStatus(t *testing.T) {
	a := NewAgent("agent-1", nil, nil, CapabilityTextGeneration, CustomCapability("summarizer"))

	if !a.HasCapability(CapabilityTextGeneration) {
		t.Error("expected agent to have CapabilityTextGeneration")
	}
	if !a.HasCapability(CustomCapability("summarizer")) {
		t.Error("expected agent to have custom capability summarizer")
	}
	if a.HasCapability(CapabilityToolUse) {
		t.Error("agent should not have an unregistered capability")
	}

	if got := a.Status(); got.Kind != AgentOffline {
		t.Fatalf("initial status = %v, want Offline", got)
	}

	a.SetStatus(AgentStatus{Kind: AgentError, Reason: "dial timeout"})
	if got := a.Status(); got.Kind != AgentError || got.Reason != "dial timeout" {
		t.Fatalf("status after SetStatus = %+v, want AgentError/dial timeout", got)
	}
}

func TestAgentMetadata(t *testing.T) {
	a := NewAgent("agent-1", nil, nil)
	a.AddMetadata("region", "us-east")
	a.AddMetadata("version", "1.0.0")

	md := a.Metadata()
	if md["region"] != "us-east" || md["version"] != "1.0.0" {
		t.Fatalf("Metadata() = %v, missing expected keys", md)
	}

	// Returned map is a copy: mutating it must not affect the agent.
	md["region"] = "mutated"
	if a.Metadata()["region"] != "us-east" {
		t.Fatal("Metadata() should return a defensive copy")
	}
}
