// Package polos is the client-side runtime for building durable agent
// workflows in Go: long-running computations that survive process restarts,
// coordinate with a remote orchestrator, run LLM-driven tool loops with
// human-in-the-loop approvals, and stream their progress as events.
//
// A worker hosts user-defined workflows, tools, and agents. The orchestrator
// dispatches executions to the worker over HTTP; the worker runs each handler
// deterministically so a failed or suspended attempt can resume from the last
// successful step.
//
// # Quick Start
//
// Define a workflow, register it, and serve it from a worker:
//
//	greet := polos.NewWorkflow("greet", func(ctx context.Context, step *polos.Step, payload any) (any, error) {
//		name, err := step.Run(ctx, "pick_name", func(ctx context.Context) (any, error) {
//			return "world", nil
//		})
//		if err != nil {
//			return nil, err
//		}
//		return "hello " + name.(string), nil
//	})
//
//	polos.MustRegister(greet)
//
//	client := polos.NewClient(apiURL, apiKey)
//	worker := polos.NewWorker(client, "my-deployment", polos.WithPort(8787))
//	if err := worker.RunWithSignal(); err != nil {
//		log.Fatal(err)
//	}
//
// # The Durable Step Protocol
//
// Inside a handler, every side effect goes through [Step]: Run memoizes
// arbitrary work under a string key, Invoke/InvokeAndWait start
// sub-executions, WaitFor/WaitForEvent/Suspend park the execution until an
// external dependency completes, and UUID/Now/Random make non-deterministic
// values replay-stable. Suspension is cooperative: the helper returns a wait
// signal (probe it with [IsWaitError]), the goroutine exits, and the
// orchestrator re-dispatches the execution with the step cache hydrated once
// the dependency resolves.
//
// # Core Surfaces
//
//   - [WorkflowDefinition]: declarative config + handler for workflows, tools, and agents
//   - [Step]: the durable-step protocol available to every handler
//   - [LLM]: provider-agnostic generate/stream contract (see provider/openaicompat)
//   - [Hook], [Guardrail]: middleware around lifecycle phases and LLM output
//   - [Worker]: registration, heartbeat, dispatch, and shutdown lifecycle
//   - [Client]: typed HTTP client for the orchestrator REST API
//
// See cmd/polos-worker for a complete runnable example.
package polos
