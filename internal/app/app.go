// Package app assembles the services shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mint-pipeline/internal/breaker"
	"mint-pipeline/internal/chain"
	"mint-pipeline/internal/config"
	"mint-pipeline/internal/content"
	"mint-pipeline/internal/dedup"
	"mint-pipeline/internal/pipeline"
	"mint-pipeline/internal/queue"
	"mint-pipeline/internal/ratelimit"
	"mint-pipeline/internal/store"
	"mint-pipeline/internal/worker"
)

// Store is the persistence surface the binaries need.
type Store interface {
	pipeline.Store
	Ping(ctx context.Context) error
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// App holds the wired services of one process.
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Redis        *redis.Client
	Store        Store
	Queue        *queue.RedisQueue
	Breakers     *breaker.Set
	Orchestrator *pipeline.Orchestrator

	closers []func()
}

// New connects every dependency named in cfg. Close releases them.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	a.Redis = queue.NewClient(cfg)
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = st

	cs, err := content.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("content store: %w", err)
	}

	a.Breakers = breaker.NewSet(cfg, breaker.LogObserver{Logger: a.Logger}, breaker.MetricsObserver{})
	minters, err := a.openMinters(ctx)
	if err != nil {
		return err
	}

	a.Queue = queue.NewRedisQueue(a.Redis, queue.OptionsFromConfig(cfg))
	a.Orchestrator = pipeline.New(pipeline.Deps{
		Store:    a.Store,
		Queue:    a.Queue,
		Limiter:  ratelimit.NewLimiter(a.Redis, ratelimit.LimitsFromConfig(cfg), a.Logger),
		Content:  cs,
		Minters:  minters,
		Ledger:   dedup.NewLedger(a.Redis, cfg.RetentionWindow),
		Breakers: a.Breakers,
		Logger:   a.Logger,
	})
	return nil
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	cfg := a.Config
	if cfg.StoreBackend == "memory" {
		a.Logger.Warn("using the in-memory store, requests are lost on restart")
		return store.NewMemory(cfg.IdempotencyTTL), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN, cfg.IdempotencyTTL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pg.Close)
	if err := pg.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return pg, nil
}

// openMinters wires the chains that are configured. A chain without configuration fails its
// requests at the mint stage.
func (a *App) openMinters(ctx context.Context) (chain.Registry, error) {
	cfg := a.Config
	var minters []chain.Minter

	if cfg.EthereumRPCURL != "" {
		rpc, err := chain.DialEthereum(ctx, cfg.EthereumRPCURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rpc.Close)
		minters = append(minters, chain.NewEthereumMinter(rpc, a.Breakers.Ethereum))
	} else {
		a.Logger.Warn("ETH_RPC_URL not set, ethereum mints are disabled")
	}

	if cfg.HederaOperatorID != "" {
		network, err := chain.NewSDKNetwork(cfg.HederaNetwork, cfg.HederaOperatorID, cfg.HederaOperatorKey)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = network.Close() })
		minters = append(minters, chain.NewHederaMinter(network, a.Breakers.Hedera, cfg.HederaTokenID, cfg.HederaOperatorID))
	} else {
		a.Logger.Warn("HEDERA_OPERATOR_ID not set, hedera mints are disabled")
	}

	if len(minters) == 0 {
		a.Logger.Warn("no chain is configured")
	}
	return chain.NewRegistry(minters...), nil
}

// Processor builds a stage worker with every pipeline stage registered.
func (a *App) Processor() *worker.Processor {
	proc := worker.NewProcessor(a.Queue, a.Orchestrator, worker.OptionsFromConfig(a.Config), a.Logger).
		WithPurger(a.Store).
		WithReconciler(a.Orchestrator)
	for stage, handler := range a.Orchestrator.Handlers() {
		proc.Register(stage, worker.Handler(handler))
	}
	return proc
}

// Ping checks Redis and the store.
func (a *App) Ping(ctx context.Context) error {
	return errors.Join(a.Redis.Ping(ctx).Err(), a.Store.Ping(ctx))
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
