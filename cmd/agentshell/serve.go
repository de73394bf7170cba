package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentshell/agentshell/internal/bus"
	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/memory"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/internal/personality"
	"github.com/agentshell/agentshell/internal/providers"
	"github.com/agentshell/agentshell/internal/runtime"
	"github.com/agentshell/agentshell/internal/server"
	"github.com/agentshell/agentshell/internal/turns"
)

// providerEmbedder adapts a provider adapter to the memory embedder
// contract. Providers without an embedding endpoint surface
// ErrUnsupportedOperation, which the memory manager degrades to empty
// search results.
type providerEmbedder struct {
	adapter providers.Adapter
	model   string
}

func (e providerEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	emb, err := e.adapter.Embed(ctx, inputs, e.model)
	if err != nil {
		return nil, err
	}
	return emb.Vectors, nil
}

// runServe loads the configuration, wires all components, and serves until
// a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(nil)

	logger.Info(ctx, "starting agentshell",
		"version", version,
		"config", configPath,
		"provider", cfg.General.CurrentProvider,
		"listen_addr", cfg.Server.ListenAddr,
	)

	factory := providers.NewFactory(cfg.Providers, metrics, logger)
	defer factory.CloseAll()

	memoryMgr, err := buildMemory(ctx, cfg, factory, logger, metrics)
	if err != nil {
		return err
	}
	if memoryMgr != nil {
		defer memoryMgr.Close()
	}

	packs := personality.NewManager(cfg.Personalities.Directory, logger, metrics)
	report, err := packs.Load(ctx)
	if err != nil {
		return fmt.Errorf("load personalities: %w", err)
	}
	if report.LoadedCount == 0 {
		return fmt.Errorf("no personality packs loaded from %s", cfg.Personalities.Directory)
	}
	if packs.Get(cfg.Personalities.DefaultPersonalityID) == nil {
		return fmt.Errorf("default personality %q is not loaded", cfg.Personalities.DefaultPersonalityID)
	}
	defer packs.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Personalities.WatchForChanges {
		if err := packs.Watch(ctx, 0); err != nil {
			logger.Warn(ctx, "personality watch unavailable", "error", err)
		}
	}

	store := turns.NewContextManager(cfg.CoreRuntime.MaxConversationHistoryTurns, memoryMgr)
	rt := runtime.New(cfg, runtime.Deps{
		Bus:     bus.New(logger, metrics),
		Store:   store,
		Packs:   packs,
		Factory: factory,
		Logger:  logger,
		Metrics: metrics,
	})

	srv := server.New(cfg.Server, rt, store, packs, logger, metrics)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown error", "error", err)
	}
	rt.Close()

	logger.Info(context.Background(), "shutdown complete")
	return nil
}

// buildMemory constructs the long-term memory facade per config. Returns
// nil when both backends are disabled; the runtime then rejects MEMORY_OP
// steps and plans without memory context. With redis alone the manager runs
// cache-only: retrieve and store work, semantic search degrades to empty.
func buildMemory(ctx context.Context, cfg config.Config, factory *providers.Factory, logger *observability.Logger, metrics *observability.Metrics) (*memory.Manager, error) {
	if !cfg.Memory.VectorStoreEnabled && !cfg.Memory.RedisEnabled {
		return nil, nil
	}

	var store memory.Store
	if cfg.Memory.VectorStoreEnabled {
		adapter, err := factory.Get(cfg.General.CurrentProvider)
		if err != nil {
			return nil, fmt.Errorf("memory embedder provider: %w", err)
		}
		embedder := providerEmbedder{
			adapter: adapter,
			model:   cfg.Providers[cfg.General.CurrentProvider].EmbeddingModel,
		}
		store = memory.NewVectorStore(embedder)
	}

	var cache memory.Cache
	if cfg.Memory.RedisEnabled {
		redisCache, err := memory.NewRedisCache(ctx, cfg.Redis.URL, 0)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		cache = redisCache
	}

	return memory.NewManager(cache, store, logger, metrics), nil
}
