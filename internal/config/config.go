// Package config handles loading and validating codeagent configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults applied by Load when a field is left empty.
const (
	DefaultMaxRounds      = 20
	DefaultMaxTokens      = 4096
	DefaultMaxReadChars   = 10000
	DefaultInterpreter    = "python3"
	DefaultExtension      = ".py"
	DefaultTimeoutSeconds = 30
	DefaultListenAddr     = ":8080"
	DefaultProvider       = "gemini"
)

// DefaultSystemPrompt instructs the model on the tools it has and how to
// plan with them.
const DefaultSystemPrompt = `You are a helpful AI coding agent.

When a user asks a question or makes a request, make a function call plan. You can perform the following operations:

- List files and directories
- Read file contents
- Execute Python files with optional arguments
- Write or overwrite files

All paths you provide should be relative to the working directory. You do not need to specify the working directory in your function calls as it is automatically injected for security reasons.

When fixing bugs or implementing functionality:

- First examine the existing codebase to understand the current structure
- Look for relevant existing code (like calculator apps, modules, or functions) before creating new files
- Test fixes using the existing application structure when possible
- Only create new files if no relevant existing code is found

Most of your plans should start by scanning the working directory (` + "`.`" + `) for relevant files and directories. Don't ask me where the code is, go look for it with your list tool.

Execute code (both the tests and the application itself, the tests alone aren't enough) when you're done making modifications to ensure that everything works as expected.
`

// Config is the root configuration for codeagent.
type Config struct {
	Workspace     WorkspaceConfig      `json:"workspace" yaml:"workspace"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = transcripts are not persisted
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
}

// WorkspaceConfig selects the sandbox root.
type WorkspaceConfig struct {
	Root string `json:"root" yaml:"root"` // Default: current directory. Override: CODEAGENT_ROOT env var.
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	MaxRounds    int    `json:"max_rounds" yaml:"max_rounds"` // Default: 20
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens"` // Default: 4096
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// ToolsConfig tunes the tool dispatcher.
type ToolsConfig struct {
	MaxReadChars int    `json:"max_read_chars" yaml:"max_read_chars"`           // Default: 10000
	MaxParallel  int    `json:"max_parallel" yaml:"max_parallel"`               // Default: 1 (sequential)
	AuditLog     string `json:"audit_log,omitempty" yaml:"audit_log,omitempty"` // Empty = audit disabled.
}

// SandboxConfig configures the script runner.
type SandboxConfig struct {
	Interpreter    string `json:"interpreter" yaml:"interpreter"`         // Default: python3
	Extension      string `json:"extension" yaml:"extension"`             // Default: .py
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30
	MaxOutputBytes int64  `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
}

// Timeout returns the script timeout as a duration.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ProvidersConfig selects and configures model backends.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "gemini", "anthropic", "openai", "ollama". Empty = "gemini".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	Gemini    GeminiConfig    `json:"gemini" yaml:"gemini"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: GEMINI_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: ANTHROPIC_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: OPENAI_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional. Defaults to https://api.openai.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional. Defaults to http://localhost:11434.
}

// StorageConfig configures transcript persistence.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`                   // "sqlite" (default) or "postgres".
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`   // SQLite file. Default: ~/.codeagent/codeagent.db
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`     // PostgreSQL DSN. Override: CODEAGENT_DATABASE_DSN env var.
	Debug  bool   `json:"debug,omitempty" yaml:"debug,omitempty"` // Log every SQL statement.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "codeagent"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based error-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5
}

// GatewayConfig configures the HTTP gateway started by "serve".
type GatewayConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: CODEAGENT_LISTEN_ADDR env var.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Empty = authentication disabled.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-key rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// CredentialError reports a provider that needs an API key it does not have.
type CredentialError struct {
	Provider string
	EnvVar   string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s environment variable is required", e.EnvVar)
}

// ErrMissingCredential is matched by every *CredentialError.
var ErrMissingCredential = errors.New("missing credential")

func (e *CredentialError) Is(target error) bool { return target == ErrMissingCredential }

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path skips the file and starts from defaults. Environment
// variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		// Expand ~ in config path.
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Overrides carries command-line values that take precedence over the file
// and the environment. Zero values leave the loaded value untouched.
type Overrides struct {
	Root      string
	Provider  string
	MaxRounds int
}

// Apply merges o into c and validates the result.
func (c *Config) Apply(o Overrides) error {
	if o.Root != "" {
		c.Workspace.Root = o.Root
	}
	if o.Provider != "" {
		c.Providers.Default = o.Provider
	}
	if o.MaxRounds != 0 {
		c.Agent.MaxRounds = o.MaxRounds
	}
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// PathFromEnv returns the config path from CODEAGENT_CONFIG, or flagValue
// when the variable is unset.
func PathFromEnv(flagValue string) string {
	return goutils.Env("CODEAGENT_CONFIG", flagValue)
}

// applyEnv overlays environment variables onto file values.
func (c *Config) applyEnv() {
	if envKey := os.Getenv("GEMINI_API_KEY"); envKey != "" {
		c.Providers.Gemini.APIKey = envKey
	}
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		c.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Providers.OpenAI.APIKey = envKey
	}

	c.Workspace.Root = goutils.Env("CODEAGENT_ROOT", c.Workspace.Root)
	c.Gateway.ListenAddr = goutils.Env("CODEAGENT_LISTEN_ADDR", c.Gateway.ListenAddr)

	if dsn := os.Getenv("CODEAGENT_DATABASE_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		c.Storage.DSN = dsn
	}
}

func (c *Config) applyDefaults() {
	if c.Workspace.Root == "" {
		c.Workspace.Root = "."
	}
	if c.Agent.MaxRounds == 0 {
		c.Agent.MaxRounds = DefaultMaxRounds
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = DefaultMaxTokens
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if c.Tools.MaxReadChars == 0 {
		c.Tools.MaxReadChars = DefaultMaxReadChars
	}
	if c.Tools.MaxParallel == 0 {
		c.Tools.MaxParallel = 1
	}
	if c.Sandbox.Interpreter == "" {
		c.Sandbox.Interpreter = DefaultInterpreter
	}
	if c.Sandbox.Extension == "" {
		c.Sandbox.Extension = DefaultExtension
	}
	if !strings.HasPrefix(c.Sandbox.Extension, ".") {
		c.Sandbox.Extension = "." + c.Sandbox.Extension
	}
	if c.Sandbox.TimeoutSeconds == 0 {
		c.Sandbox.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Providers.Default == "" {
		c.Providers.Default = DefaultProvider
	}
	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = DefaultListenAddr
	}
	if c.Gateway.MaxRequestSizeBytes == 0 {
		c.Gateway.MaxRequestSizeBytes = 1 << 20
	}
	if c.Storage != nil && c.Storage.StorageDriver() == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(DataDir(), "codeagent.db")
	}
	if c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}

// DataDir returns ~/.codeagent, or a relative fallback without a home dir.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codeagent"
	}
	return filepath.Join(home, ".codeagent")
}

// ResolvedRoot returns the workspace root with ~ expanded and made absolute.
func (c *Config) ResolvedRoot() (string, error) {
	return resolvePath(c.Workspace.Root)
}

// ResolvedAuditLog returns the audit log path with ~ expanded, or "" when
// auditing is disabled.
func (c *Config) ResolvedAuditLog() (string, error) {
	if c.Tools.AuditLog == "" {
		return "", nil
	}
	return resolvePath(c.Tools.AuditLog)
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	if c.Agent.MaxRounds < 0 {
		return fmt.Errorf("agent.max_rounds must not be negative")
	}
	if c.Agent.MaxTokens < 0 {
		return fmt.Errorf("agent.max_tokens must not be negative")
	}
	if c.Tools.MaxReadChars < 0 {
		return fmt.Errorf("tools.max_read_chars must not be negative")
	}
	if c.Tools.MaxParallel < 0 {
		return fmt.Errorf("tools.max_parallel must not be negative")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if err := validateProviderName("providers.default", c.Providers.Default); err != nil {
		return err
	}
	for i, name := range c.Providers.Fallback {
		if err := validateProviderName(fmt.Sprintf("providers.fallback[%d]", i), name); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.DSN == "" {
				return fmt.Errorf("storage.dsn is required for postgres (set CODEAGENT_DATABASE_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if t := c.tracing(); t != nil && t.Enabled {
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
	}
	if c.Gateway.RateLimit.RequestsPerMinute < 0 || c.Gateway.RateLimit.BurstSize < 0 {
		return fmt.Errorf("gateway.rate_limit values must not be negative")
	}
	for i, k := range c.Gateway.APIKeys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("gateway.api_keys[%d] must not be empty", i)
		}
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}

func validateProviderName(field, name string) error {
	switch name {
	case "gemini", "anthropic", "openai", "ollama":
		return nil
	default:
		return fmt.Errorf("%s %q is not supported (use gemini, anthropic, openai, or ollama)", field, name)
	}
}

// CheckCredentials reports the first provider in the chain (default, then
// fallbacks) whose API key is missing. Ollama needs none.
func (c *Config) CheckCredentials() error {
	chain := append([]string{c.Providers.Default}, c.Providers.Fallback...)
	for _, name := range chain {
		var key, env string
		switch name {
		case "gemini":
			key, env = c.Providers.Gemini.APIKey, "GEMINI_API_KEY"
		case "anthropic":
			key, env = c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY"
		case "openai":
			key, env = c.Providers.OpenAI.APIKey, "OPENAI_API_KEY"
		default:
			continue
		}
		if key == "" {
			return &CredentialError{Provider: name, EnvVar: env}
		}
	}
	return nil
}
