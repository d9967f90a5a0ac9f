// Package copilot – config.go defines the PocketClaw configuration tree.
// Every section has defaults; a YAML file only needs to override what
// differs.
package copilot

import (
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gate"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/llm"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
)

// DefaultGroups are pre-activated for every new identity.
var DefaultGroups = []string{"gmail", "googlecalendar", "googlesheets", "notion", "anchorbrowser"}

// Config is the root configuration.
type Config struct {
	// Name is the assistant's display name.
	Name string `yaml:"name"`

	Logging      LoggingConfig      `yaml:"logging"`
	Provider     ProviderConfig     `yaml:"provider"`
	Reasoning    ReasoningConfig    `yaml:"reasoning"`
	Memory       MemoryConfig       `yaml:"memory"`
	Session      SessionConfig      `yaml:"session"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Gate         gate.Config        `yaml:"gate"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Skills       SkillsConfig       `yaml:"skills"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Dedupe       DedupeConfig       `yaml:"dedupe"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Instructions InstructionsConfig `yaml:"instructions"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// ProviderConfig configures the authorization/capability provider.
type ProviderConfig struct {
	BaseURL           string            `yaml:"base_url"`
	APIKey            string            `yaml:"api_key"`
	Timeout           time.Duration     `yaml:"timeout"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Burst             int               `yaml:"burst"`
	ListLimit         int               `yaml:"list_limit"`
	AuthConfigs       map[string]string `yaml:"auth_configs"`
}

// ReasoningConfig configures the OpenAI-compatible reasoning endpoint.
type ReasoningConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature *float64      `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`

	// MaxIterations bounds tool rounds per turn. Default 8.
	MaxIterations int `yaml:"max_iterations"`
}

// MemoryConfig selects and tunes the memory backend.
type MemoryConfig struct {
	// Backend is "mem0", "sqlite" or "none".
	Backend      string        `yaml:"backend"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Path         string        `yaml:"path"`
	Limit        int           `yaml:"limit"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	MaxKernels    int           `yaml:"max_kernels"`
	MaxHistory    int           `yaml:"max_history"`
	DefaultGroups []string      `yaml:"default_groups"`
}

// CapabilitiesConfig tunes capability assembly.
type CapabilitiesConfig struct {
	// CatalogFile is an optional YAML catalog; it is hot-reloaded.
	CatalogFile string `yaml:"catalog_file"`

	// Concurrency bounds per-group fetches during Resolve.
	Concurrency int `yaml:"concurrency"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Address     string   `yaml:"address"`
	AuthToken   string   `yaml:"auth_token"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BridgeConfig configures outbound delivery to the chat bridge.
type BridgeConfig struct {
	// OutboundURL receives POST {identity, text}. Empty disables push.
	OutboundURL string        `yaml:"outbound_url"`
	Token       string        `yaml:"token"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SkillsConfig locates skill bundles.
type SkillsConfig struct {
	Dir string `yaml:"dir"`
}

// SchedulerConfig configures the proactive digest.
type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	OwnerIdentity string `yaml:"owner_identity"`
	Prompt        string `yaml:"prompt"`
}

// DedupeConfig configures inbound message-id dedupe.
type DedupeConfig struct {
	// Backend is "memory" or "redis".
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// TelemetryConfig names the service in traces and metrics.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// InstructionsConfig shapes the system instructions.
type InstructionsConfig struct {
	// Persona is prepended to every turn's instructions.
	Persona string `yaml:"persona"`

	// Skills names bundles spliced into every turn.
	Skills []string `yaml:"skills"`
}

// DefaultDigestPrompt is the scheduler's fixed prompt.
const DefaultDigestPrompt = "Find unread emails from the last 60 minutes. " +
	"Return a summary of any that seem urgent or involve meetings, contracts, or VIPs. " +
	"If none, reply 'No urgent emails'."

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Name: "PocketClaw",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Provider: ProviderConfig{
			BaseURL:           "https://backend.composio.dev",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
			ListLimit:         50,
		},
		Reasoning: ReasoningConfig{
			BaseURL:       llm.DefaultBaseURL,
			Model:         llm.DefaultModel,
			MaxTokens:     4096,
			Timeout:       120 * time.Second,
			MaxRetries:    2,
			MaxIterations: 8,
		},
		Memory: MemoryConfig{
			Backend:      "sqlite",
			BaseURL:      "https://api.mem0.ai",
			Path:         "./data/memory.db",
			Limit:        5,
			QueryTimeout: 5 * time.Second,
			StoreTimeout: 15 * time.Second,
		},
		Session: SessionConfig{
			IdleTTL:       session.DefaultIdleTTL,
			MaxKernels:    session.DefaultMaxKernels,
			MaxHistory:    session.DefaultMaxHistory,
			DefaultGroups: append([]string(nil), DefaultGroups...),
		},
		Capabilities: CapabilitiesConfig{
			Concurrency: 4,
		},
		Gate: gate.DefaultConfig(),
		Gateway: GatewayConfig{
			Enabled: true,
			Address: ":8090",
		},
		Bridge: BridgeConfig{
			Timeout: 15 * time.Second,
		},
		Skills: SkillsConfig{
			Dir: "./skills",
		},
		Scheduler: SchedulerConfig{
			Enabled:  false,
			Schedule: "*/15 * * * *",
			Prompt:   DefaultDigestPrompt,
		},
		Dedupe: DedupeConfig{
			Backend: "memory",
			TTL:     24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "pocketclaw",
		},
	}
}
