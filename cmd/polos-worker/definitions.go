package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	polos "github.com/polos-ai/polos-go"
	"github.com/polos-ai/polos-go/internal/config"
)

// registerDefinitions fills the default registry with the demo deployment:
// a durable workflow, an echo tool, and a support agent that uses it.
func registerDefinitions(cfg config.Config) {
	polos.MustRegister(greetWorkflow())
	polos.MustRegister(dailyDigestWorkflow())
	polos.MustRegister(echoTool())
	polos.MustRegister(supportAgent(cfg))
}

type greetInput struct {
	Name string `json:"name"`
}

// greetWorkflow shows the durable step primitives: memoized work, a
// deterministic id, and a short timer that suspends the execution.
func greetWorkflow() *polos.WorkflowDefinition {
	return polos.NewWorkflow("greet", func(ctx context.Context, step *polos.Step, payload any) (any, error) {
		in, err := polos.DecodePayload[greetInput](payload)
		if err != nil {
			return nil, err
		}

		requestID, err := step.UUID(ctx, "request_id")
		if err != nil {
			return nil, err
		}

		greeting, err := step.Run(ctx, "build_greeting", func(ctx context.Context) (any, error) {
			name := strings.TrimSpace(in.Name)
			if name == "" {
				name = "there"
			}
			return fmt.Sprintf("Hello, %s!", name), nil
		})
		if err != nil {
			return nil, err
		}

		// Simulated follow-up delay; the execution suspends and replays here.
		if err := step.WaitFor(ctx, "settle", polos.Duration{Seconds: 2}); err != nil {
			return nil, err
		}

		return map[string]any{
			"request_id": requestID,
			"greeting":   greeting,
		}, nil
	}, polos.WithInputSchema(polos.MustSchema("greet_input", `{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)))
}

// dailyDigestWorkflow shows a cron trigger. The orchestrator schedules it;
// the handler just records the tick.
func dailyDigestWorkflow() *polos.WorkflowDefinition {
	return polos.NewWorkflow("daily-digest", func(ctx context.Context, step *polos.Step, payload any) (any, error) {
		at, err := step.Now(ctx, "tick")
		if err != nil {
			return nil, err
		}
		return map[string]any{"ran_at": at.Format(time.RFC3339)}, nil
	}, polos.WithTrigger(polos.MustCronTrigger("0 8 * * *")))
}

type echoInput struct {
	Text string `json:"text"`
}

func echoTool() *polos.WorkflowDefinition {
	params := json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string", "description": "Text to echo back."}},
		"required": ["text"]
	}`)
	return polos.NewTool("echo", "Echo the given text back to the caller.", params,
		func(ctx context.Context, step *polos.Step, payload any) (any, error) {
			in, err := polos.DecodePayload[echoInput](payload)
			if err != nil {
				return nil, err
			}
			return map[string]any{"echo": in.Text}, nil
		})
}

func supportAgent(cfg config.Config) *polos.WorkflowDefinition {
	return polos.NewAgent("support", polos.AgentConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		SystemPrompt: "You are a support assistant. Use the echo tool when the " +
			"user asks you to repeat something verbatim.",
		Tools: []string{"echo"},
		Guardrails: []polos.Guardrail{
			polos.NewKeywordGuardrail("no_secrets", "api_key", "password").Guardrail(),
		},
		StopConditions: []polos.StopCondition{polos.MaxSteps(8)},
	})
}
