package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/config"
	"github.com/jkaninda/codeagent/internal/gateway/httpapi"
	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/llm/anthropic"
	"github.com/jkaninda/codeagent/internal/llm/gemini"
	"github.com/jkaninda/codeagent/internal/llm/openai"
	"github.com/jkaninda/codeagent/internal/observability"
	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/jkaninda/codeagent/internal/security"
	"github.com/jkaninda/codeagent/internal/storage"
	"github.com/jkaninda/codeagent/internal/tools"
	"github.com/jkaninda/codeagent/internal/tools/file"
	"github.com/jkaninda/codeagent/internal/tools/script"
)

const defaultOllamaURL = "http://localhost:11434"

// runHistory records transcripts and serves them back to the gateway.
type runHistory interface {
	agent.TranscriptStore
	httpapi.RunReader
}

// components holds every subsystem a command needs. Built once by
// initComponents, torn down by Cleanup.
type components struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Provider   llm.Provider // nil for commands that never call a model.
	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher
	Store      *storage.Store // nil = no database configured.
	History    runHistory     // Store, or an in-memory store when Store is nil.
	Root       string

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.PathFromEnv(flagConfig))
	if err != nil {
		return nil, err
	}
	if err := cfg.Apply(config.Overrides{
		Root:      flagRoot,
		Provider:  flagProvider,
		MaxRounds: flagMaxRounds,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initComponents performs the initialization shared by every command.
// withProvider is false for commands that only serve tools.
// Callers must call Cleanup when done.
func initComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, withProvider bool, extra ...tools.DispatcherOption) (*components, error) {
	c := &components{Config: cfg, Logger: logger}

	root, err := cfg.ResolvedRoot()
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	root, err = sandbox.CanonicalRoot(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	c.Root = root
	logger.Debug("workspace root resolved", slog.String("root", root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// LLM provider.
	if withProvider {
		if err := cfg.CheckCredentials(); err != nil {
			c.Cleanup()
			return nil, err
		}
		provider, err := newLLMProvider(ctx, cfg, logger)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("initializing LLM provider: %w", err)
		}
		if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
			provider = observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
		}
		c.Provider = provider
		logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))
	}

	// Storage.
	if cfg.Storage != nil {
		store, err := storage.Open(storageConfig(cfg.Storage), logger)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		c.Store = store
		c.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		c.History = store
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	} else {
		c.History = storage.NewMemoryStore(storage.DefaultMemoryRuns)
		logger.Debug("storage not configured, keeping recent runs in memory")
	}

	// Sandbox.
	var sbx sandbox.Sandbox = sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout: cfg.Sandbox.Timeout(),
		MaxOutputBytes: int(cfg.Sandbox.MaxOutputBytes),
	}, logger)
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		sbx = observability.NewInstrumentedSandbox(sbx, "process", obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	// Tool registry.
	runner := script.NewRunner(script.Config{
		Interpreter: cfg.Sandbox.Interpreter,
		Extension:   cfg.Sandbox.Extension,
		Timeout:     cfg.Sandbox.Timeout(),
	}, sbx, logger)
	c.Registry = tools.NewRegistry(
		file.NewListTool(logger),
		file.NewReadTool(cfg.Tools.MaxReadChars, logger),
		file.NewWriteTool(logger),
		script.NewTool(runner),
	)
	logger.Debug("tools registered", slog.Any("tools", c.Registry.Names()))

	// Dispatcher hooks.
	opts := []tools.DispatcherOption{
		tools.WithVerbose(flagVerbose),
		tools.WithMaxParallel(cfg.Tools.MaxParallel),
	}
	if obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		opts = append(opts, tools.WithResultHook(observability.ToolResultHook(obs.MetricsOrNil(), obs.AnomalyOrNil())))
	}
	auditPath, err := cfg.ResolvedAuditLog()
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("resolving audit log path: %w", err)
	}
	if auditPath != "" {
		audit, err := security.NewAuditLogger(auditPath, logger)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("initializing audit logger: %w", err)
		}
		c.addCleanup(func() {
			if err := audit.Close(); err != nil {
				logger.Error("closing audit log", slog.String("error", err.Error()))
			}
		})
		opts = append(opts, tools.WithCallHook(audit.CallHook()), tools.WithResultHook(audit.ResultHook()))
		logger.Debug("audit log enabled", slog.String("path", auditPath))
	}

	opts = append(opts, extra...)

	dispatcher, err := tools.NewDispatcher(c.Registry, root, logger, opts...)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing dispatcher: %w", err)
	}
	c.Dispatcher = dispatcher

	return c, nil
}

// newLoop builds a conversation loop over the shared provider and dispatcher.
func (c *components) newLoop(extra ...agent.Option) *agent.Loop {
	opts := []agent.Option{
		agent.WithLogger(c.Logger),
		agent.WithSystemPrompt(c.Config.Agent.SystemPrompt),
		agent.WithMaxRounds(c.Config.Agent.MaxRounds),
		agent.WithMaxTokens(c.Config.Agent.MaxTokens),
	}
	if c.Obs.TracerOrNil() != nil {
		opts = append(opts, agent.WithTracer(c.Obs.TracerOrNil().Tracer()))
	}
	if c.Obs.MetricsOrNil() != nil {
		opts = append(opts, agent.WithObserver(observability.NewRunObserver(c.Obs.MetricsOrNil())))
	}
	if c.History != nil {
		opts = append(opts, agent.WithTranscriptStore(c.History))
	}
	return agent.NewLoop(c.Provider, c.Dispatcher, append(opts, extra...)...)
}

func storageConfig(sc *config.StorageConfig) storage.Config {
	return storage.Config{
		Driver: sc.StorageDriver(),
		Path:   sc.Path,
		DSN:    sc.DSN,
		Debug:  sc.Debug,
	}
}

// newLLMProvider creates the configured provider, wrapped in a fallback
// chain when fallbacks are configured.
func newLLMProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(ctx, cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers.Fallback) == 0 {
		return primary, nil
	}

	providers := []llm.Provider{primary}
	for _, name := range cfg.Providers.Fallback {
		fb, err := buildProvider(ctx, name, cfg, logger)
		if err != nil {
			logger.Warn("skipping fallback provider",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		providers = append(providers, fb)
	}
	return llm.NewFallbackProvider(providers, logger), nil
}

func buildProvider(ctx context.Context, name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	p := cfg.Providers
	switch name {
	case "gemini":
		var opts []gemini.Option
		if p.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(p.Gemini.BaseURL))
		}
		return gemini.NewClient(ctx, p.Gemini.APIKey, p.Gemini.Model, logger, opts...)
	case "anthropic":
		var opts []anthropic.Option
		if p.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(p.Anthropic.BaseURL))
		}
		return anthropic.NewClient(p.Anthropic.APIKey, p.Anthropic.Model, logger, opts...), nil
	case "openai":
		var opts []openai.Option
		if p.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.OpenAI.BaseURL))
		}
		return openai.NewClient(p.OpenAI.APIKey, p.OpenAI.Model, logger, opts...), nil
	case "ollama":
		baseURL := p.Ollama.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		return openai.NewClient("", p.Ollama.Model, logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// newCLILogger writes text logs to stderr: warnings by default, everything
// with --verbose.
func newCLILogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
