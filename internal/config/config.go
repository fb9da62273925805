package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Platform PlatformConfig `toml:"platform"`
	Worker   WorkerConfig   `toml:"worker"`
	LLM      LLMConfig      `toml:"llm"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Observer ObserverConfig `toml:"observer"`
}

type PlatformConfig struct {
	APIURL    string `toml:"api_url"`
	APIKey    string `toml:"api_key"`
	ProjectID string `toml:"project_id"`
}

type WorkerConfig struct {
	DeploymentID           string `toml:"deployment_id"`
	Port                   int    `toml:"port"`
	LocalMode              bool   `toml:"local_mode"`
	MaxConcurrentWorkflows int    `toml:"max_concurrent_workflows"`
	HeartbeatSeconds       int    `toml:"heartbeat_seconds"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type SandboxConfig struct {
	WorkspacesDir string `toml:"workspaces_dir"`
}

type ObserverConfig struct {
	Enabled     bool                       `toml:"enabled"`
	ServiceName string                     `toml:"service_name"`
	Pricing     map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Platform: PlatformConfig{APIURL: "http://localhost:3000"},
		Worker: WorkerConfig{
			DeploymentID:           "dev",
			Port:                   8787,
			MaxConcurrentWorkflows: 100,
			HeartbeatSeconds:       30,
			ShutdownTimeoutSeconds: 30,
		},
		LLM:      LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Sandbox:  SandboxConfig{WorkspacesDir: filepath.Join(home, "polos-workspaces")},
		Observer: ObserverConfig{ServiceName: "polos-worker"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "polos.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("POLOS_API_URL"); v != "" {
		cfg.Platform.APIURL = v
	}
	if v := os.Getenv("POLOS_API_KEY"); v != "" {
		cfg.Platform.APIKey = v
	}
	if v := os.Getenv("POLOS_PROJECT_ID"); v != "" {
		cfg.Platform.ProjectID = v
	}
	if v := os.Getenv("POLOS_DEPLOYMENT_ID"); v != "" {
		cfg.Worker.DeploymentID = v
	}
	if v := os.Getenv("POLOS_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("POLOS_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("POLOS_WORKSPACES_DIR"); v != "" {
		cfg.Sandbox.WorkspacesDir = v
	}
	if v := os.Getenv("POLOS_OTEL_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("POLOS_OTEL_SERVICE_NAME"); v != "" {
		cfg.Observer.ServiceName = v
	}

	// Fallbacks
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Observer.ServiceName == "" {
		cfg.Observer.ServiceName = "polos-worker"
	}

	return cfg
}
