package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           8800,
			RateLimitRPM:   60,
			RingBufferSize: 50,
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "deepseek-r1:14b",
			Temperature: 0.7,
			MaxTokens:   4096,
			TimeoutSec:  180,
			MaxRetries:  3,
		},
		Sessions: SessionsConfig{
			TTLHours:              24,
			MaxMessagesPerSession: 100,
			SweepSchedule:         "*/10 * * * *",
		},
		Memory: MemoryConfig{
			ServiceURL:    "http://localhost:8002",
			WorkspaceRoot: ".",
			ActorID:       "ralph-autonomous-loop",
		},
		Agents: AgentsConfig{
			MaxParallelAgents: 8,
			TaskTimeoutSec:    300,
			InboxSize:         64,
			OutboxSize:        64,
		},
		Ralph: RalphConfig{
			MaxIterations:      50,
			MaxRetriesPerStory: 3,
			ProjectRoot:        ".",
			WorkDir:            "./ralph-work",
			QualityGateMode:    "soft",
		},
		Orchestrator: OrchestratorConfig{
			ContextMessages: 20,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "conductor",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CONDUCTOR_HOST", &c.Gateway.Host)
	envInt("CONDUCTOR_PORT", &c.Gateway.Port)

	envStr("CONDUCTOR_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("CONDUCTOR_LLM_API_KEY", &c.LLM.APIKey)
	envStr("CONDUCTOR_LLM_MODEL", &c.LLM.Model)

	envStr("CONDUCTOR_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("CONDUCTOR_MEMORY_SERVICE_URL", &c.Memory.ServiceURL)
	envStr("CONDUCTOR_WORKSPACE_ROOT", &c.Memory.WorkspaceRoot)

	envStr("CONDUCTOR_RALPH_PROJECT_ROOT", &c.Ralph.ProjectRoot)
	envStr("CONDUCTOR_RALPH_WORK_DIR", &c.Ralph.WorkDir)
	envStr("CONDUCTOR_QUALITY_GATE_MODE", &c.Ralph.QualityGateMode)

	envStr("CONDUCTOR_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CONDUCTOR_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CONDUCTOR_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
