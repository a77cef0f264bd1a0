package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nexusmcp/orchestrator/internal/agent"
	"github.com/nexusmcp/orchestrator/internal/agent/providers"
	"github.com/nexusmcp/orchestrator/internal/chatturn"
	"github.com/nexusmcp/orchestrator/internal/config"
	"github.com/nexusmcp/orchestrator/internal/cron"
	"github.com/nexusmcp/orchestrator/internal/gateway"
	"github.com/nexusmcp/orchestrator/internal/infra"
	"github.com/nexusmcp/orchestrator/internal/mcp"
	"github.com/nexusmcp/orchestrator/internal/mcpauth"
	"github.com/nexusmcp/orchestrator/internal/observability"
	"github.com/nexusmcp/orchestrator/internal/security"
	"github.com/nexusmcp/orchestrator/internal/session"
	"github.com/nexusmcp/orchestrator/internal/storage"
	"github.com/nexusmcp/orchestrator/internal/validation"
	"github.com/nexusmcp/orchestrator/internal/workflow"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator: chat gateway, MCP layer, and automation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "orchestrator.yaml", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	stores := storage.NewMemoryStores()
	defer stores.Close()

	// The session cleanup sweep asks the broker whether a session's pending
	// validation has reached a terminal status; broker is assigned below.
	var broker *validation.Broker
	sessions := session.NewManager(session.WithValidationTerminalCheck(func(id string) bool {
		return broker.IsTerminal(context.Background(), id)
	}))
	mcpManager := mcp.NewManager(&cfg.MCP, logger.With("component", "mcp"))

	var secretBox *security.SecretBox
	if cfg.Auth.SecretsKeyHex != "" {
		key, err := hex.DecodeString(cfg.Auth.SecretsKeyHex)
		if err != nil {
			return fmt.Errorf("auth.secrets_key_hex: %w", err)
		}
		secretBox, err = security.NewSecretBox(key)
		if err != nil {
			return fmt.Errorf("auth.secrets_key_hex: %w", err)
		}
	}

	authMgr := mcpauth.NewManager(stores.OAuthSessions, stores.OAuthTokens, mcpauth.Config{
		ClientID:    "orchestrator",
		RedirectURI: cfg.Automation.WebhookBaseURL + "/oauth/callback",
		Logger:      logger.With("component", "mcpauth"),
		SecretBox:   secretBox,
	})
	// Servers with auth_type "oauth" take their Authorization header from
	// authMgr; mcpManager shares these *ServerConfig pointers.
	for _, srv := range cfg.MCP.Servers {
		if srv != nil && srv.AuthType == mcp.AuthOAuth {
			srv.Auth = authMgr
		}
	}

	metrics := observability.NewMetrics()

	toolInvoker := validation.MCPToolInvoker{Manager: mcpManager}
	broker = validation.NewBroker(stores.Validations, stores.Chats, sessions,
		validation.WithToolInvoker(toolInvoker),
		validation.WithLogger(logger.With("component", "validation")),
		validation.WithMetrics(metrics),
	)

	gw := gateway.New(buildProviders(cfg), gateway.Config{
		DefaultProvider: cfg.LLM.DefaultProvider,
		FallbackChain:   cfg.LLM.FallbackChain,
		BreakerConfig: infra.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          60 * time.Second,
		},
		Metrics: metrics,
		Logger:  logger.With("component", "gateway"),
	})
	aiRunner := &agent.GatewayAIRunner{
		Gateway: gw,
		Agents:  agent.StoreAgentLookup{Store: stores.Agents},
	}

	approvals := agent.NewApprovalChecker(agent.DefaultApprovalPolicy())

	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "orchestrator",
		ServiceVersion: version,
		Endpoint:       cfg.Logging.Tracing.Endpoint,
		SamplingRate:   cfg.Logging.Tracing.SamplingRate,
		EnableInsecure: cfg.Logging.Tracing.EnableInsecure,
	})
	defer shutdownTracer(context.Background())

	executor := workflow.NewExecutor(workflow.Deps{
		Tools:                  toolInvoker,
		Gate:                   broker,
		AI:                     aiRunner,
		Store:                  stores.Executions,
		ValidationPollInterval: cfg.Automation.ValidationPollInterval,
		Logger:                 logger.With("component", "workflow"),
		Tracer:                 tracer,
	})

	turns := chatturn.New(chatturn.Deps{
		Chats:       stores.Chats,
		Messages:    stores.Messages,
		Agents:      stores.Agents,
		Resources:   stores.Resources,
		MCP:         mcpManager,
		ToolInvoker: toolInvoker,
		Sessions:    sessions,
		Broker:      broker,
		Gateway:     gw,
		Approvals:   approvals,
		Tracer:      tracer,
		Logger:      obsLogger,
		Metrics:     metrics,
		StdLogger:   logger.With("component", "chatturn"),
	})
	// The broker needs a way to finish a turn whose session was evicted
	// while a validation was still pending, and the orchestrator needs
	// the broker to open that validation in the first place: wire the
	// continuation back in after both are constructed, per
	// validation.Broker.SetContinuation's doc comment.
	broker.SetContinuation(turns.Continuation())

	scheduler, err := cron.NewScheduler(cfg.Cron)
	if err != nil {
		return err
	}
	workflow.RegisterCustomHandler(scheduler, runAutomation(stores.Automations, executor))

	if cfg.Automation.Enabled {
		automations, err := stores.Automations.List(ctx, "")
		if err != nil {
			return err
		}
		for _, a := range automations {
			if !a.Enabled {
				continue
			}
			for i := range a.Triggers {
				t := &a.Triggers[i]
				if err := workflow.RegisterCronTrigger(scheduler, a.ID, t); err != nil {
					logger.Warn("failed to register automation cron trigger", "automation_id", a.ID, "trigger_id", t.ID, "error", err)
				}
			}
		}
	}

	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(sctx); err != nil {
		return err
	}
	defer scheduler.Stop(context.Background())

	mux := http.NewServeMux()
	workflow.NewWebhookHandler(workflow.WebhookHandlerDeps{
		Automations: stores.Automations,
		Executor:    executor,
		Logger:      logger.With("component", "webhook"),
		Metrics:     metrics,
	}).Register(mux)
	chatturn.NewHandler(chatturn.HandlerDeps{
		Orchestrator: turns,
		Logger:       logger.With("component", "chatturn-handler"),
	}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler: mux,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("webhook listener stopped", "error", err)
		}
	}()

	logger.Info("orchestrator ready",
		"mcp_servers", len(cfg.MCP.Servers),
		"automation_enabled", cfg.Automation.Enabled,
		"webhook_addr", httpSrv.Addr,
	)

	healthTicker := time.NewTicker(cfg.Automation.HealthSweepInterval)
	defer healthTicker.Stop()
	validationTicker := time.NewTicker(15 * time.Minute)
	defer validationTicker.Stop()

	for {
		select {
		case <-sctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
			return nil
		case <-validationTicker.C:
			sweepExpiredValidations(sctx, broker)
		case <-healthTicker.C:
			sweepAutomationHealth(sctx, stores.Automations, stores.Executions, logger)
			sessions.Sweep()
		}
	}
}

// runAutomation loads an automation by id and runs it through the
// executor, for the cron scheduler's "automation" custom handler.
func runAutomation(automations storage.AutomationStore, executor *workflow.Executor) workflow.AutomationRunner {
	return func(ctx context.Context, automationID, triggerID string) error {
		a, err := automations.Get(ctx, automationID)
		if err != nil {
			return err
		}
		var trigger *models.Trigger
		for i := range a.Triggers {
			if a.Triggers[i].ID == triggerID {
				trigger = &a.Triggers[i]
				break
			}
		}
		_, err = executor.Run(ctx, a, trigger, nil)
		return err
	}
}

func sweepExpiredValidations(ctx context.Context, broker *validation.Broker) {
	n, err := broker.SweepExpired(ctx)
	if err != nil {
		slog.Default().Warn("validation sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Default().Info("expired stale validations", "count", n)
	}
}

// sweepAutomationHealth recomputes health for every automation and disables
// any that have tipped into the `error` band, per spec §4.9.
func sweepAutomationHealth(ctx context.Context, automations storage.AutomationStore, executions storage.ExecutionStore, logger *slog.Logger) {
	all, err := automations.List(ctx, "")
	if err != nil {
		logger.Warn("automation health sweep: list failed", "error", err)
		return
	}
	for _, a := range all {
		health, err := workflow.EnrichAndMaybeDisable(ctx, automations, executions, a)
		if err != nil {
			logger.Warn("automation health sweep failed", "automation_id", a.ID, "error", err)
			continue
		}
		if health == models.HealthError {
			logger.Info("automation disabled by health sweep", "automation_id", a.ID)
		}
	}
}

// buildProviders constructs one agent.LLMProvider per entry in
// cfg.LLM.Providers, keyed by provider name, for the C7 Gateway to route
// across. A provider whose config is incomplete or fails to construct is
// skipped rather than failing startup — the gateway simply has one fewer
// route.
func buildProviders(cfg *config.Config) map[string]agent.LLMProvider {
	out := make(map[string]agent.LLMProvider, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		switch name {
		case "anthropic":
			if pc.APIKey == "" {
				continue
			}
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
			})
			if err != nil {
				continue
			}
			out[name] = p
		case "openai":
			if pc.APIKey == "" {
				continue
			}
			out[name] = providers.NewOpenAIProvider(pc.APIKey)
		case "bedrock":
			p, err := providers.NewBedrockProvider(providers.BedrockConfig{
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				continue
			}
			out[name] = p
		}
	}
	return out
}
