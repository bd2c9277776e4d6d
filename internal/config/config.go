package config

import "time"

// Config is the root configuration for the conductor service.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	LLM          LLMConfig          `json:"llm"`
	Database     DatabaseConfig     `json:"database"`
	Sessions     SessionsConfig     `json:"sessions"`
	Memory       MemoryConfig       `json:"memory"`
	Agents       AgentsConfig       `json:"agents"`
	Ralph        RalphConfig        `json:"ralph"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
}

// GatewayConfig controls the WebSocket gateway.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// RateLimitRPM > 0 enables per-client rate limiting at that RPM;
	// 0 or negative disables it.
	RateLimitRPM int `json:"rate_limit_rpm"`
	// RingBufferSize is the per-channel replay buffer depth.
	RingBufferSize int `json:"ring_buffer_size"`
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	// TimeoutSec bounds one completion call (ancillary calls use 30s).
	TimeoutSec int `json:"timeout_sec"`
	MaxRetries int `json:"max_retries"`
}

// DatabaseConfig holds the Postgres connection for the primary session
// store. An empty DSN, or an unreachable server at startup, selects the
// in-memory fallback.
type DatabaseConfig struct {
	PostgresDSN string `json:"postgres_dsn,omitempty"`
}

// SessionsConfig controls session retention.
type SessionsConfig struct {
	TTLHours              int `json:"ttl_hours"`
	MaxMessagesPerSession int `json:"max_messages_per_session"`
	// SweepSchedule is a cron expression for the TTL sweeper.
	SweepSchedule string `json:"sweep_schedule"`
}

// MemoryConfig points at the external memory service and the local mirror tree.
type MemoryConfig struct {
	ServiceURL    string `json:"service_url"`
	WorkspaceRoot string `json:"workspace_root"`
	ActorID       string `json:"actor_id"`
}

// AgentsConfig controls the agent manager.
type AgentsConfig struct {
	MaxParallelAgents int `json:"max_parallel_agents"`
	// TaskTimeoutSec bounds one execute_task call.
	TaskTimeoutSec int `json:"task_timeout_sec"`
	InboxSize      int `json:"inbox_size"`
	OutboxSize     int `json:"outbox_size"`
}

// RalphConfig controls the story implementation loop.
type RalphConfig struct {
	MaxIterations      int    `json:"max_iterations"`
	MaxRetriesPerStory int    `json:"max_retries_per_story"`
	ProjectRoot        string `json:"project_root"`
	WorkDir            string `json:"work_dir"`
	// QualityGateMode is "soft" (test failures recorded but non-blocking)
	// or "strict" (a failed test run fails the attempt).
	QualityGateMode string `json:"quality_gate_mode"`
}

// OrchestratorConfig controls chat behavior.
type OrchestratorConfig struct {
	// ContextMessages is how many recent messages feed the chat transcript.
	ContextMessages int `json:"context_messages"`
}

// TelemetryConfig configures the OTLP trace exporter.
// Disabled when Endpoint is empty.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// SessionTTL returns the configured session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Sessions.TTLHours) * time.Hour
}

// CompletionTimeout returns the LLM completion timeout as a duration.
func (c *Config) CompletionTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSec) * time.Second
}
