package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/convoai/convoai/internal/agent"
	"github.com/convoai/convoai/internal/agent/providers"
	"github.com/convoai/convoai/internal/analytics"
	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/internal/config"
	"github.com/convoai/convoai/internal/gateway"
	"github.com/convoai/convoai/internal/mcp"
	"github.com/convoai/convoai/internal/observability"
	"github.com/convoai/convoai/internal/store"
)

const shutdownGrace = 10 * time.Second

// runServe wires the full service graph from configuration and runs
// the HTTP listeners until a termination signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics(nil)

	verifier, err := auth.NewVerifier(cfg.Auth.VerificationKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	dispatcher := mcp.NewDispatcher(store.NewRegistry(st), mcp.NewClient(), mcp.Options{
		DiscoverTimeout:          cfg.Dispatcher.DiscoverTimeout,
		InvokeTimeout:            cfg.Dispatcher.InvokeTimeout,
		MaxConcurrentDiscoveries: cfg.Dispatcher.MaxConcurrentDiscoveries,
	}, logger)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	var (
		emitter      analytics.Emitter = analytics.NopEmitter{}
		queryAPI     *analytics.QueryAPI
		ingestServer *http.Server
	)
	if cfg.Analytics.Enabled {
		astore, closeAnalytics, err := openAnalyticsStore(cfg)
		if err != nil {
			return fmt.Errorf("analytics store: %w", err)
		}
		defer closeAnalytics()

		emitter = analytics.NewHTTPEmitter(cfg.Analytics.IngestURL, logger)
		queryAPI = analytics.NewQueryAPI(astore, logger)
		ingestServer = &http.Server{
			Addr:              cfg.Analytics.ListenAddr,
			Handler:           analytics.NewIngestor(astore, metrics, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	pipeline := agent.NewPipeline(provider, dispatcher, st, emitter, metrics, cfg.Model.Name, agent.Options{
		HistoryWindow: cfg.Pipeline.HistoryWindow,
		MaxToolHops:   cfg.Pipeline.MaxToolHops,
		ModelRetries:  cfg.Pipeline.ModelRetries,
		ModelTimeout:  cfg.Pipeline.ModelTimeout,
		MaxTokens:     cfg.Model.MaxTokens,
	}, logger)

	gatewayServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gateway.NewServer(verifier, st, pipeline, emitter, metrics, queryAPI, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("gateway listening", "addr", gatewayServer.Addr, "provider", provider.Name(), "model", cfg.Model.Name)
		if err := gatewayServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	if ingestServer != nil {
		group.Go(func() error {
			logger.Info("analytics ingest listening", "addr", ingestServer.Addr)
			if err := ingestServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ingest server: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := gatewayServer.Shutdown(shutdownCtx)
		if ingestServer != nil {
			if ierr := ingestServer.Shutdown(shutdownCtx); err == nil {
				err = ierr
			}
		}
		return err
	})

	return group.Wait()
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func openAnalyticsStore(cfg *config.Config) (analytics.Store, func(), error) {
	switch cfg.Analytics.Backend {
	case "sqlite":
		st, err := analytics.NewSQLiteStore(cfg.Analytics.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return analytics.NewMemoryStore(), func() {}, nil
	}
}

func buildProvider(cfg *config.Config) (agent.Provider, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(cfg.Model.AnthropicAPIKey), nil
	case "openai":
		return providers.NewOpenAIProvider(cfg.Model.OpenAIAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}
