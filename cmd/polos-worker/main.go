// Command polos-worker runs a demo worker: it registers an example workflow,
// an echo tool, and a support agent with the orchestrator, then serves pushed
// work until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	polos "github.com/polos-ai/polos-go"
	"github.com/polos-ai/polos-go/internal/config"
	"github.com/polos-ai/polos-go/observer"
	"github.com/polos-ai/polos-go/provider/openaicompat"
)

func main() {
	configPath := flag.String("config", os.Getenv("POLOS_CONFIG"), "path to polos.toml")
	localMode := flag.Bool("local", false, "bind the work server to loopback only")
	flag.Parse()

	// 1. Load config
	cfg := config.Load(*configPath)
	logger := polos.NewLoggerFromEnv()

	// 2. Observability (optional, non-fatal)
	var inst *observer.Instruments
	var tracer polos.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		i, shutdown, err := observer.Init(context.Background(), pricing)
		if err != nil {
			logger.Warn("otel init failed, continuing without", "error", err)
		} else if i != nil {
			inst = i
			tracer = observer.NewTracer()
			defer shutdown(context.Background())
		}
	}

	// 3. LLM provider with retry and optional instrumentation
	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.LLM.Provider)}
	if cfg.LLM.BaseURL != "" {
		provOpts = append(provOpts, openaicompat.WithBaseURL(cfg.LLM.BaseURL))
	}
	var llm polos.LLM = openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, provOpts...)
	llm = polos.WithRetry(llm)
	if inst != nil {
		llm = observer.WrapLLM(llm, inst)
	}

	// 4. Register definitions
	registerDefinitions(cfg)

	// 5. Client + worker
	client := polos.NewClient(cfg.Platform.APIURL, cfg.Platform.APIKey, polos.WithClientLogger(logger))
	opts := []polos.WorkerOption{
		polos.WithLLM(cfg.LLM.Provider, llm),
		polos.WithWorkerLogger(logger),
		polos.WithProjectID(cfg.Platform.ProjectID),
		polos.WithPort(cfg.Worker.Port),
		polos.WithLocalMode(*localMode || cfg.Worker.LocalMode),
		polos.WithMaxConcurrentWorkflows(cfg.Worker.MaxConcurrentWorkflows),
	}
	if tracer != nil {
		opts = append(opts, polos.WithWorkerTracer(tracer))
	}
	worker := polos.NewWorker(client, cfg.Worker.DeploymentID, opts...)

	// 6. Run until SIGINT/SIGTERM
	log.Fatal(worker.RunWithSignal())
}
