package polos

import "fmt"

// EventType identifies a runtime event published to an execution's topic.
// Consumers (UIs, webhooks, other executions) subscribe by topic and filter
// on type.
type EventType string

const (
	// EventTextDelta carries a chunk of streamed assistant text.
	EventTextDelta EventType = "text_delta"
	// EventToolCall is published when an agent dispatches a tool.
	EventToolCall EventType = "tool_call"
	// EventToolResult is published when a dispatched tool settles.
	EventToolResult EventType = "tool_result"
	// EventStepFinish marks the end of one agent reasoning step.
	EventStepFinish EventType = "step_finish"
	// EventAgentFinish marks the end of an agent run.
	EventAgentFinish EventType = "agent_finish"
	// EventWorkflowFinish marks successful completion of an execution.
	EventWorkflowFinish EventType = "workflow_finish"
	// EventWorkflowCancel marks a cancelled execution.
	EventWorkflowCancel EventType = "workflow_cancel"
)

// SuspendEventType returns the event type announcing a suspension at the
// given step key. A listener that wants to resume the execution replies with
// the matching ResumeEventType.
func SuspendEventType(stepKey string) EventType {
	return EventType("suspend_" + stepKey)
}

// ResumeEventType returns the event type that resumes a suspension at the
// given step key.
func ResumeEventType(stepKey string) EventType {
	return EventType("resume_" + stepKey)
}

// CanonicalTopic is the per-run event channel. It is derived from the ROOT
// workflow and execution ids, so every child execution spawned during a run
// publishes to the same topic and a single subscriber sees the whole tree.
func CanonicalTopic(rootWorkflowID, rootExecutionID string) string {
	return fmt.Sprintf("workflow/%s/%s", rootWorkflowID, rootExecutionID)
}

// Event is one entry in a publish batch. Data must survive Serialize.
type Event struct {
	Type EventType `json:"eventType"`
	Data any       `json:"data,omitempty"`
}

// --- suspend forms ---

// FormFieldType enumerates the input widgets a suspend form may request.
type FormFieldType string

const (
	FieldString   FormFieldType = "string"
	FieldTextarea FormFieldType = "textarea"
	FieldNumber   FormFieldType = "number"
	FieldBoolean  FormFieldType = "boolean"
	FieldSelect   FormFieldType = "select"
)

// FormField describes one input in a suspend form.
type FormField struct {
	Key         string        `json:"key"`
	Type        FormFieldType `json:"type"`
	Label       string        `json:"label,omitempty"`
	Description string        `json:"description,omitempty"`
	Required    bool          `json:"required,omitempty"`
	Default     any           `json:"default,omitempty"`
	Options     []string      `json:"options,omitempty"`
}

// Form is the conventional "_form" payload attached to a suspension. It is a
// hint to whatever surface renders the suspension; the runtime itself only
// round-trips it.
type Form struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      []FormField    `json:"fields"`
	Context     map[string]any `json:"context,omitempty"`
}

// approvalForm builds the suspend payload shown when a tool requires human
// approval before it runs.
func approvalForm(toolID string, payload any) map[string]any {
	return map[string]any{
		"_form": Form{
			Title:       fmt.Sprintf("Approve tool %q", toolID),
			Description: "This tool requires approval before it runs.",
			Fields: []FormField{
				{Key: "approved", Type: FieldBoolean, Label: "Approve", Required: true},
				{Key: "feedback", Type: FieldTextarea, Label: "Feedback"},
			},
			Context: map[string]any{"tool": toolID, "payload": payload},
		},
		"_source": "approval",
		"_tool":   toolID,
	}
}

// approvalDecision is the expected resume payload for an approval form.
type approvalDecision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
}
