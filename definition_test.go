package polos

import (
	"encoding/json"
	"testing"
)

func TestNewWorkflowDefaults(t *testing.T) {
	def := NewWorkflow("order", noopHandler)
	if def.ID != "order" || !def.IsWorkflow() {
		t.Errorf("def = %+v", def)
	}
	if def.Trigger.Kind != TriggerKind("") && def.Trigger.Kind != TriggerManual {
		t.Errorf("trigger = %+v", def.Trigger)
	}
	if def.Queue != nil {
		t.Error("no queue by default")
	}
}

func TestNewWorkflowOptions(t *testing.T) {
	in := MustSchema("in", `{"type":"object"}`)
	out := MustSchema("out", `{"type":"object"}`)
	hook := NewHook("audit", nil)

	def := NewWorkflow("order", noopHandler,
		WithTrigger(EventTrigger("orders/created")),
		WithQueue("orders", 5),
		WithInputSchema(in),
		WithOutputSchema(out),
		WithOnStart(hook),
		WithOnEnd(hook),
	)

	if def.Trigger.Topic != "orders/created" {
		t.Errorf("trigger = %+v", def.Trigger)
	}
	if def.Queue == nil || def.Queue.Name != "orders" || def.Queue.ConcurrencyLimit != 5 {
		t.Errorf("queue = %+v", def.Queue)
	}
	if def.InputSchema != in || def.OutputSchema != out {
		t.Error("schemas not attached")
	}
	if len(def.OnStart) != 1 || len(def.OnEnd) != 1 {
		t.Errorf("hooks = %d/%d", len(def.OnStart), len(def.OnEnd))
	}
}

func TestNewTool(t *testing.T) {
	params := json.RawMessage(`{"type":"object"}`)
	def := NewTool("echo", "Echo text.", params, noopHandler)

	if !def.IsTool() || def.Description != "Echo text." {
		t.Errorf("def = %+v", def)
	}
	if string(def.Parameters) != `{"type":"object"}` {
		t.Errorf("parameters = %s", def.Parameters)
	}
	if def.Approval.Mode != ApprovalNone {
		t.Errorf("approval = %+v", def.Approval)
	}
}

func TestNewAgentDefaults(t *testing.T) {
	def := NewAgent("support", AgentConfig{Provider: "openai", Model: "gpt-4o-mini"})
	if !def.IsAgent() || def.Agent == nil {
		t.Fatalf("def = %+v", def)
	}
	if def.Agent.GuardrailMaxRetries != 3 {
		t.Errorf("GuardrailMaxRetries = %d, want default 3", def.Agent.GuardrailMaxRetries)
	}
	if def.Handler == nil {
		t.Error("agent must get a loop handler")
	}
}

func TestApprovalPolicyRequires(t *testing.T) {
	always := ApprovalPolicy{Mode: ApprovalAlways}
	if !always.requires(map[string]any{}) {
		t.Error("always mode must gate every call")
	}

	none := ApprovalPolicy{Mode: ApprovalNone}
	if none.requires(map[string]any{"path": "/etc"}) {
		t.Error("none mode must never gate")
	}

	paths := ApprovalPolicy{Mode: ApprovalPaths, Paths: []string{"/etc", "/usr/bin"}}
	tests := []struct {
		payload any
		want    bool
	}{
		{map[string]any{"path": "/etc/passwd"}, true},
		{map[string]any{"path": "/usr/bin/env"}, true},
		{map[string]any{"path": "/home/user"}, false},
		{map[string]any{"other": "field"}, false},
		{"not an object", false},
	}
	for _, tt := range tests {
		if got := paths.requires(tt.payload); got != tt.want {
			t.Errorf("requires(%v) = %v, want %v", tt.payload, got, tt.want)
		}
	}
}
