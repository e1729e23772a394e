package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/haasonsaas/relay/internal/agentctx"
	"github.com/haasonsaas/relay/internal/agents"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/breaker"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/hitl"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/orchestrator"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/internal/server"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// loadConfig reads the config file; a missing default file falls back to
// built-in defaults so `relay serve` works out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "relay.yaml" {
		return config.Load("")
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (store.Store, error) {
	sqlCfg := store.SQLConfig{
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
	}
	switch cfg.Storage.Driver {
	case "postgres":
		return store.OpenPostgres(cfg.Storage.URL, sqlCfg)
	case "sqlite":
		return store.OpenSQLite(cfg.Storage.URL, sqlCfg)
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildBackend(cfg *config.Config) (llm.Backend, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return llm.NewAnthropicBackend(llm.AnthropicConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		})
	default:
		openaiCfg := llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		}
		if cfg.LLM.OAuth.TokenURL != "" {
			openaiCfg.OAuth = &clientcredentials.Config{
				TokenURL:     cfg.LLM.OAuth.TokenURL,
				ClientID:     cfg.LLM.OAuth.ClientID,
				ClientSecret: cfg.LLM.OAuth.ClientSecret,
				Scopes:       cfg.LLM.OAuth.Scopes,
			}
		}
		return llm.NewOpenAIBackend(openaiCfg), nil
	}
}

// runServe is the composition root: it constructs repositories and
// services explicitly and hands them to the orchestrator and server.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	tracerEndpoint := ""
	if cfg.Observability.TracingEnabled {
		tracerEndpoint = cfg.Observability.OTLPEndpoint
	}
	_, shutdownTracer, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       tracerEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	bus := events.NewBus(logger, metrics)
	defer bus.Close()

	events.NewMetricsCollector(metrics).Register(bus)
	events.NewAuditLogger(st).Register(bus)
	sessionUsage := events.NewSessionMetricsCollector()
	sessionUsage.Register(bus)

	sessionSvc := sessions.NewService(st, bus)
	contextSvc := agentctx.NewService(st, bus)
	hitlSvc := hitl.NewService(st, bus, nil)

	catalog, err := tools.NewRegistry()
	if err != nil {
		return err
	}
	registry, err := agents.NewRegistry(agents.Mode(cfg.Agents.Mode))
	if err != nil {
		return err
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("build llm backend: %w", err)
	}
	driver := llm.NewDriver(backend,
		breaker.New(breaker.Config{
			FailureThreshold: cfg.LLM.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.LLM.Breaker.RecoveryTimeout,
		}),
		bus, logger, llm.Config{
			Retry: retry.Config{
				MaxAttempts:  cfg.LLM.Retry.MaxAttempts,
				InitialDelay: cfg.LLM.Retry.InitialDelay,
				MaxDelay:     cfg.LLM.Retry.MaxDelay,
				Factor:       2.0,
				Jitter:       true,
			},
			ChunkTimeout:  cfg.LLM.ChunkTimeout,
			StreamTimeout: cfg.LLM.StreamTimeout,
			DefaultModel:  cfg.LLM.Model,
			DefaultMaxTok: cfg.LLM.MaxTokens,
			DefaultTemp:   cfg.LLM.Temperature,
		})

	locks := sessions.NewLockManager()
	defer locks.Close()

	orch := orchestrator.New(sessionSvc, contextSvc, hitlSvc, registry,
		agents.NewGate(catalog), catalog, driver, locks, bus, logger,
		orchestrator.Config{
			HistoryLimit:     cfg.Session.HistoryLimit,
			AdminLockTimeout: cfg.Session.LockTimeout,
		})

	cleanup := sessions.NewCleanup(st, locks, bus, logger, sessions.CleanupConfig{
		IdleTTL:     cfg.Session.IdleTTL,
		PurgeAfter:  cfg.Session.PurgeAfter,
		ApprovalTTL: cfg.HITL.ReclaimAfter,
	})
	if err := cleanup.Start(); err != nil {
		return fmt.Errorf("start cleanup: %w", err)
	}
	defer cleanup.Stop()

	var validator auth.Validator
	if cfg.Auth.Enabled {
		v, err := auth.NewJWKSValidator(ctx, auth.JWKSConfig{
			JWKSURL:  cfg.Auth.JWKSURL,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Refresh:  cfg.Auth.JWKSRefresh,
		})
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
		validator = v
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})

	server.Version = version
	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, orch, sessionSvc, registry, validator, limiter, metrics, sessionUsage, logger)
	if cfg.Auth.ServiceSecret != "" {
		srv.SetServiceTokens(auth.NewServiceTokens(cfg.Auth.ServiceSecret, 0))
	}

	bus.Publish(&models.Event{Type: models.EventSystemStartup})
	defer bus.Publish(&models.Event{Type: models.EventSystemShutdown})

	serveCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Start(serveCtx)
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("schema up to date")
	return nil
}

func runSessionsList(ctx context.Context, configPath string, page, size int, includeDeleted bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := st.ListSessions(ctx, store.ListOptions{
		Page:           page,
		Size:           size,
		IncludeDeleted: includeDeleted,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tACTIVE\tLAST ACTIVITY")
	for _, session := range result.Sessions {
		state := "yes"
		if !session.IsActive {
			state = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			session.ID, session.UserID, state,
			session.LastActivityAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d sessions (page %d)\n", len(result.Sessions), result.Total, result.Page)
	return nil
}
