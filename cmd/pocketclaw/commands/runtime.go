package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/authflow"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/capability"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gate"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gateway"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/llm"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/memory"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/skills"
)

// resolveConfig loads the config named by --config, or the first one found
// in the standard locations. Without any file the defaults are used.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, []byte, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = copilot.FindConfigFile()
	}
	if path == "" {
		copilot.LoadEnvFiles()
		return copilot.DefaultConfig(), nil, nil
	}

	cfg, err := copilot.LoadConfigFromFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	raw, _ := os.ReadFile(path)
	return cfg, raw, nil
}

// newLogger builds the slog handler described by the logging section.
func newLogger(cmd *cobra.Command, cfg copilot.LoggingConfig, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ensureDir creates the parent directory of a data file.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}

// providerStack is the part of the runtime that talks to the provider.
type providerStack struct {
	catalog    *capability.Catalog
	client     *provider.Client
	assembler  *capability.Assembler
	negotiator *authflow.Negotiator
}

func buildProvider(cfg *copilot.Config, logger *slog.Logger) (*providerStack, error) {
	file := capability.DefaultCatalogFile()
	if cfg.Capabilities.CatalogFile != "" {
		f, err := capability.LoadCatalog(cfg.Capabilities.CatalogFile)
		if err != nil {
			return nil, err
		}
		file = f
	}
	catalog, err := capability.NewCatalog(file, logger)
	if err != nil {
		return nil, fmt.Errorf("building catalog: %w", err)
	}

	client, err := provider.NewClient(provider.Config{
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		Timeout:           cfg.Provider.Timeout,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Burst:             cfg.Provider.Burst,
		ListLimit:         cfg.Provider.ListLimit,
		AuthConfigs:       cfg.Provider.AuthConfigs,
		SlugFor:           catalog.ProviderSlug,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("provider client: %w", err)
	}

	return &providerStack{
		catalog:    catalog,
		client:     client,
		assembler:  capability.NewAssembler(client, catalog, capability.AssemblerConfig{Concurrency: cfg.Capabilities.Concurrency}, logger),
		negotiator: authflow.NewNegotiator(client, catalog.Canon, logger),
	}, nil
}

func buildMemory(cfg copilot.MemoryConfig, logger *slog.Logger) (memory.Service, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none", "disabled":
		return nil, func() {}, nil
	case "mem0":
		c, err := memory.NewMem0Client(memory.Mem0Config{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.StoreTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	case "sqlite":
		if err := ensureDir(cfg.Path); err != nil {
			return nil, nil, fmt.Errorf("memory dir: %w", err)
		}
		s, err := memory.NewSQLiteStore(cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

func openAudit(cfg gate.Config, logger *slog.Logger) (gate.AuditLog, func(), error) {
	if cfg.AuditPath == "" {
		return gate.NewMemoryAudit(0), func() {}, nil
	}
	if err := ensureDir(cfg.AuditPath); err != nil {
		return nil, nil, fmt.Errorf("audit dir: %w", err)
	}
	a, err := gate.OpenSQLiteAudit(cfg.AuditPath, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, func() { _ = a.Close() }, nil
}

func buildDedupe(cfg copilot.DedupeConfig, logger *slog.Logger) (copilot.Deduper, func(), error) {
	if strings.ToLower(cfg.Backend) != "redis" {
		return copilot.NewMemoryDedupe(), func() {}, nil
	}
	d, err := copilot.NewRedisDedupe(cfg.RedisURL, cfg.TTL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("redis dedupe: %w", err)
	}
	return d, func() { _ = d.Close() }, nil
}

func buildNotifier(cfg copilot.BridgeConfig, logger *slog.Logger) copilot.Notifier {
	if cfg.OutboundURL == "" {
		return copilot.LogNotifier{Logger: logger}
	}
	return gateway.NewWebhookNotifier(cfg, logger)
}

// runtime is a fully wired assistant plus the resources it owns.
type runtime struct {
	cfg       *copilot.Config
	logger    *slog.Logger
	providers *providerStack
	assistant *copilot.Assistant
	notifier  copilot.Notifier
	memory    *memory.Adapter

	closers []func()
}

// runtimeOptions selects how local commands are approved.
type runtimeOptions struct {
	// Interactive approves on the terminal instead of over the chat channel.
	Interactive bool
}

// buildRuntime wires every component described by cfg.
func buildRuntime(cfg *copilot.Config, raw []byte, opts runtimeOptions, logger *slog.Logger) (*runtime, error) {
	if raw != nil {
		copilot.AuditSecrets(raw, logger)
	}
	copilot.ResolveSecrets(cfg, logger)

	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	providers, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.providers = providers

	reasoner, err := llm.NewOpenAIClient(llm.Config{
		BaseURL:     cfg.Reasoning.BaseURL,
		APIKey:      cfg.Reasoning.APIKey,
		Model:       cfg.Reasoning.Model,
		MaxTokens:   cfg.Reasoning.MaxTokens,
		Temperature: cfg.Reasoning.Temperature,
		Timeout:     cfg.Reasoning.Timeout,
		MaxRetries:  cfg.Reasoning.MaxRetries,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning client: %w", err)
	}

	svc, closeMemory, err := buildMemory(cfg.Memory, logger)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	rt.memory = memory.NewAdapter(svc, memory.AdapterConfig{
		Limit:        cfg.Memory.Limit,
		QueryTimeout: cfg.Memory.QueryTimeout,
		StoreTimeout: cfg.Memory.StoreTimeout,
	}, logger)
	// The adapter drains pending writes before the store closes.
	rt.closers = append(rt.closers, closeMemory, rt.memory.Close)

	audit, closeAudit, err := openAudit(cfg.Gate, logger)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	rt.closers = append(rt.closers, closeAudit)

	rt.notifier = buildNotifier(cfg.Bridge, logger)

	var approvals *gate.ApprovalManager
	var approver gate.Approver
	if opts.Interactive {
		approver = gate.TerminalApprover{}
	} else {
		approvals = gate.NewApprovalManager(cfg.Gate.ApprovalTimeout, copilot.ApprovalNotify(rt.notifier, logger), logger)
		approver = approvals
	}
	g := gate.New(cfg.Gate, approver, audit, logger)

	dedupe, closeDedupe, err := buildDedupe(cfg.Dedupe, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeDedupe)

	assistant, err := copilot.New(cfg, copilot.Deps{
		Catalog:   providers.catalog,
		Tools:     providers.assembler,
		Auth:      providers.negotiator,
		Executor:  providers.client,
		Reasoner:  reasoner,
		Memory:    rt.memory,
		Gate:      g,
		Approvals: approvals,
		Skills:    skills.NewLoader(cfg.Skills.Dir, logger),
		Dedupe:    dedupe,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	rt.assistant = assistant

	ok = true
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
