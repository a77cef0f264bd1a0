package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nexusmcp/orchestrator/internal/mcp"
)

// Config is the main configuration structure for the orchestrator.
type Config struct {
	// Version pins the config file to a schema revision (see CurrentVersion).
	Version    int              `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	MCP        mcp.Config       `yaml:"mcp"`
	Automation AutomationConfig `yaml:"automation"`
	LLM        LLMConfig        `yaml:"llm"`
	Cron       CronConfig       `yaml:"cron"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
	OAuth       OAuthConfig    `yaml:"oauth"`

	// SecretsKeyHex is a 32-byte AES-256 key, hex-encoded, used to seal MCP
	// OAuth tokens at rest (internal/security.SecretBox). Empty leaves
	// tokens in plaintext in the configured OAuthTokenStore.
	SecretsKeyHex string `yaml:"secrets_key_hex"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

// AutomationConfig configures the workflow/automation execution engine
// (C9): webhook trigger exposure and the health-sweep cadence that
// disables automations whose recent failure rate crosses the error
// threshold.
type AutomationConfig struct {
	// Enabled toggles the automation engine and its cron/webhook triggers.
	Enabled bool `yaml:"enabled"`

	// WebhookBaseURL is the externally reachable base URL webhook triggers
	// are registered under (e.g. "https://host/webhooks/automations").
	WebhookBaseURL string `yaml:"webhook_base_url"`

	// ValidationPollInterval controls how often a gated mcp_call step
	// polls the validation broker while awaiting a human decision.
	ValidationPollInterval time.Duration `yaml:"validation_poll_interval"`

	// HealthSweepInterval is how often automation health is recomputed
	// and unhealthy automations are auto-disabled.
	HealthSweepInterval time.Duration `yaml:"health_sweep_interval"`
}

type OAuthConfig struct {
	Google OAuthProviderConfig `yaml:"google"`
	GitHub OAuthProviderConfig `yaml:"github"`
}

type OAuthProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain specifies provider IDs to try if the default provider fails.
	// Providers are tried in order until one succeeds.
	// Example: ["openai", "google"] - try OpenAI first, then Google.
	FallbackChain []string `yaml:"fallback_chain"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// CronConfig configures scheduled jobs.
type CronConfig struct {
	Enabled bool            `yaml:"enabled"`
	Jobs    []CronJobConfig `yaml:"jobs"`
}

// CronJobConfig defines a scheduled job.
type CronJobConfig struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	Type     string             `yaml:"type"`
	Enabled  bool               `yaml:"enabled"`
	Schedule CronScheduleConfig `yaml:"schedule"`
	Message  *CronMessageConfig `yaml:"message,omitempty"`
	Webhook  *CronWebhookConfig `yaml:"webhook,omitempty"`
	Custom   *CronCustomConfig  `yaml:"custom,omitempty"`
	Retry    CronRetryConfig    `yaml:"retry,omitempty"`
}

// CronScheduleConfig defines when a job runs.
type CronScheduleConfig struct {
	Cron     string        `yaml:"cron"`
	Every    time.Duration `yaml:"every"`
	At       string        `yaml:"at"`
	Timezone string        `yaml:"timezone"`
}

// CronMessageConfig defines a message job payload.
type CronMessageConfig struct {
	Channel   string         `yaml:"channel"`
	ChannelID string         `yaml:"channel_id"`
	Content   string         `yaml:"content"`
	Template  string         `yaml:"template,omitempty"`
	Tools     []string       `yaml:"tools,omitempty"`
	Data      map[string]any `yaml:"data,omitempty"`
}

// CronWebhookConfig defines a webhook job payload.
type CronWebhookConfig struct {
	URL     string             `yaml:"url"`
	Method  string             `yaml:"method"`
	Headers map[string]string  `yaml:"headers"`
	Body    string             `yaml:"body"`
	Timeout time.Duration      `yaml:"timeout"`
	Auth    *CronWebhookAuth   `yaml:"auth,omitempty"`
}

// CronWebhookAuth configures outbound authentication for a webhook job,
// e.g. the signed POST a cron-triggered Automation sends.
type CronWebhookAuth struct {
	Type   string `yaml:"type"` // bearer, basic, api_key
	Token  string `yaml:"token,omitempty"`
	User   string `yaml:"user,omitempty"`
	Pass   string `yaml:"pass,omitempty"`
	Header string `yaml:"header,omitempty"`
}

// CronCustomConfig names a registered CustomHandler and the arguments
// passed through to it, e.g. {"handler": "automation", "args": {"automation_id": "auto_xxx"}}.
type CronCustomConfig struct {
	Handler string         `yaml:"handler"`
	Args    map[string]any `yaml:"args,omitempty"`
}

// CronRetryConfig configures exponential backoff retry for a failed job run.
type CronRetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type LoggingConfig struct {
	Level   string        `yaml:"level"`
	Format  string        `yaml:"format"`
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OpenTelemetry span export for the orchestrator's
// mcp_call/ai_action steps and gateway turns. Empty Endpoint disables
// export and falls back to a no-op tracer.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"enable_insecure"`
}

// Load reads and parses the configuration file, resolving any $include
// directives and accepting YAML, JSON, or JSON5 (by file extension).
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyAuthDefaults(&cfg.Auth)
	applyLLMDefaults(&cfg.LLM)
	applyLoggingDefaults(&cfg.Logging)
	applyAutomationDefaults(&cfg.Automation)
}

func applyAutomationDefaults(cfg *AutomationConfig) {
	if cfg.ValidationPollInterval <= 0 {
		cfg.ValidationPollInterval = 2 * time.Second
	}
	if cfg.HealthSweepInterval <= 0 {
		cfg.HealthSweepInterval = 5 * time.Minute
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.GRPCPort == 0 {
		cfg.GRPCPort = 50051
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 24 * time.Hour
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_GRPC_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.GRPCPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}

	if value := strings.TrimSpace(os.Getenv("JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_TOKEN_EXPIRY")); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			cfg.Auth.TokenExpiry = parsed
		}
	}
}

type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	seenKeys := map[string]struct{}{}
	for i, entry := range cfg.Auth.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key must be set", i))
			continue
		}
		if _, ok := seenKeys[key]; ok {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key must be unique", i))
		} else {
			seenKeys[key] = struct{}{}
		}
	}

	// JWT secret validation: require minimum 32 bytes when set
	if jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret); jwtSecret != "" {
		if len(jwtSecret) < 32 {
			issues = append(issues, "auth.jwt_secret must be at least 32 characters for security")
		}
	}

	if cfg.Cron.Enabled {
		for i, job := range cfg.Cron.Jobs {
			if strings.TrimSpace(job.ID) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].id is required", i))
			}
			if strings.TrimSpace(job.Type) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].type is required", i))
			}
			if strings.TrimSpace(job.Schedule.Cron) == "" && job.Schedule.Every == 0 && strings.TrimSpace(job.Schedule.At) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].schedule is required", i))
			}
			switch strings.ToLower(strings.TrimSpace(job.Type)) {
			case "webhook":
				if job.Webhook == nil || strings.TrimSpace(job.Webhook.URL) == "" {
					issues = append(issues, fmt.Sprintf("cron.jobs[%d].webhook.url is required for webhook jobs", i))
				}
			case "custom":
				if job.Custom == nil || strings.TrimSpace(job.Custom.Handler) == "" {
					issues = append(issues, fmt.Sprintf("cron.jobs[%d].custom.handler is required for custom jobs", i))
				}
			case "message", "agent":
			default:
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].type must be message, agent, webhook, or custom", i))
			}
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}

	return nil
}

