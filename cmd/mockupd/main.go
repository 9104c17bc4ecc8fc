// Mockupd is a conversational UI mockup daemon.
//
// It drives mockup-building sessions through a phased pipeline: intent
// classification, planning, tool and model execution under retries and
// circuit breakers, human approval gating, and session persistence,
// exposed over an HTTP API.
//
// Usage:
//
//	# Start with defaults (memory store, offline model stub)
//	mockupd
//
//	# Start against a config file and sqlite persistence
//	mockupd --config /etc/mockupd/config.yaml
//
//	# Configure via environment
//	MOCKUPD_SERVER_PORT=9090 MOCKUPD_STORE_DRIVER=sqlite mockupd
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/craftlabs/mockupd/internal/config"
	"github.com/craftlabs/mockupd/internal/control"
	"github.com/craftlabs/mockupd/internal/feedback"
	"github.com/craftlabs/mockupd/internal/gateway"
	"github.com/craftlabs/mockupd/internal/httpapi"
	"github.com/craftlabs/mockupd/internal/logging"
	"github.com/craftlabs/mockupd/internal/orchestrator"
	"github.com/craftlabs/mockupd/internal/recovery"
	"github.com/craftlabs/mockupd/internal/session"
	"github.com/craftlabs/mockupd/internal/tools"
	"github.com/craftlabs/mockupd/internal/validate"

	_ "modernc.org/sqlite"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	configPath string
	reportsDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mockupd",
	Short:   "Conversational UI mockup daemon",
	Long:    `mockupd builds UI mockups through conversation: pick a page category, confirm a template, edit it turn by turn, and export the result.`,
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&reportsDir, "reports-dir", "reports", "directory for exported session reports")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, catalogDB, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	catalog, err := tools.NewSQLiteCatalog(catalogDB)
	if err != nil {
		return fmt.Errorf("initialize catalog: %w", err)
	}
	reporter, err := tools.NewLocalReporter(reportsDir)
	if err != nil {
		return err
	}

	toolRegistry := tools.NewRegistry(logger.Named("tools"), registry)
	if err := tools.RegisterBuiltins(toolRegistry, tools.Collaborators{
		Catalog:      catalog,
		Editor:       tools.NewLocalEditor(catalog),
		Renderer:     tools.LocalRenderer{},
		Reporter:     reporter,
		LogoAnalyzer: tools.LocalAnalyzer{},
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	model, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}
	gw := gateway.New(model, gateway.Options{
		Model:       cfg.Gateway.Model,
		Timeout:     time.Duration(cfg.Gateway.Timeout),
		MaxTokens:   cfg.Gateway.MaxTokens,
		Temperature: cfg.Gateway.Temperature,
		RPS:         cfg.Gateway.RPS,
		Burst:       cfg.Gateway.Burst,
	}, logger.Named("gateway"), registry)

	policy := recovery.Policy{
		Strategy:    recovery.Strategy(cfg.Recovery.Strategy),
		MaxAttempts: cfg.Recovery.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Recovery.BaseDelay),
		MaxDelay:    time.Duration(cfg.Recovery.MaxDelay),
		Jitter:      cfg.Recovery.Jitter,
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("recovery policy: %w", err)
	}
	guard := recovery.NewGuard(policy, recovery.BreakerSettings{
		Threshold: cfg.Recovery.BreakerThreshold,
		Window:    time.Duration(cfg.Recovery.BreakerWindow),
		Cooldown:  time.Duration(cfg.Recovery.BreakerCooldown),
	}, logger.Named("recovery"))

	gate, err := buildGate(cfg, store, logger)
	if err != nil {
		return err
	}
	gate.Start(ctx, time.Duration(cfg.Feedback.SweepInterval))
	store.Start(ctx, time.Duration(cfg.Store.SweepInterval))

	classifier := control.NewClassifier(gw, cfg.Control.ConfidenceThreshold, logger.Named("control"))

	orch, err := orchestrator.New(
		store,
		toolRegistry,
		gw,
		classifier,
		validate.Default(),
		guard,
		gate,
		logger.Named("orchestrator"),
		orchestrator.Options{
			Workers:     cfg.Executor.Workers,
			StepTimeout: time.Duration(cfg.Executor.StepTimeout),
		},
	)
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	server, err := httpapi.NewServer(orch, gate, registry, logger.Named("http"), &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// sessionStore narrows the union of the two store implementations to
// what run needs.
type sessionStore interface {
	session.Store
	Start(ctx context.Context, interval time.Duration)
}

// buildStore returns the session store plus the database backing the
// template catalog. With the memory driver the catalog lives in an
// in-memory sqlite database.
func buildStore(cfg *config.Config, logger *zap.Logger) (sessionStore, *sql.DB, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		store, err := session.NewSQLiteStore(cfg.Store.Path, time.Duration(cfg.Store.TTL), logger.Named("store"))
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		return store, store.DB(), nil
	default:
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, nil, fmt.Errorf("open catalog database: %w", err)
		}
		return session.NewMemoryStore(time.Duration(cfg.Store.TTL), logger.Named("store")), db, nil
	}
}

func buildGate(cfg *config.Config, store sessionStore, logger *zap.Logger) (*feedback.Gate, error) {
	var backend feedback.Backend
	if sqliteStore, ok := store.(*session.SQLiteStore); ok {
		var err error
		backend, err = feedback.NewSQLiteBackend(sqliteStore.DB())
		if err != nil {
			return nil, fmt.Errorf("open feedback backend: %w", err)
		}
	} else {
		backend = feedback.NewMemoryBackend()
	}
	return feedback.NewGate(backend, feedback.Options{
		Timeout:     time.Duration(cfg.Feedback.Timeout),
		AutoApprove: cfg.Feedback.AutoApprove,
	}, logger.Named("feedback")), nil
}

// buildModel picks the generative backend: OpenAI when an API key is
// present, an offline stub otherwise so the daemon still serves turns.
func buildModel(cfg *config.Config, logger *zap.Logger) (llms.Model, error) {
	if os.Getenv("OPENAI_API_KEY") != "" {
		model, err := openai.New(openai.WithModel(cfg.Gateway.Model))
		if err != nil {
			return nil, fmt.Errorf("initialize openai client: %w", err)
		}
		return model, nil
	}
	logger.Warn("OPENAI_API_KEY not set, using offline stub model")
	return offlineModel{}, nil
}

// offlineModel answers every call with a fixed shape that satisfies the
// gateway's structured schemas. Useful for demos and local development.
type offlineModel struct{}

const offlineReply = `{"intent": "general_query", "confidence": 0.5, "target_selector": "header", "property": "style", "value": "default"}`

func (offlineModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: offlineReply}},
	}, nil
}

func (offlineModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return offlineReply, nil
}
