package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mint-pipeline/internal/config"
	"mint-pipeline/internal/models"
	"mint-pipeline/internal/telemetry"
)

const globalKey = "ratelimit:global"

// Limits holds the per-wallet quotas and the global ceiling, all per Window.
type Limits struct {
	Window    time.Duration
	PerWallet map[models.Chain]int
	Global    int
}

// LimitsFromConfig reads the limiter quotas from configuration.
func LimitsFromConfig(cfg config.Config) Limits {
	return Limits{
		Window: cfg.RateLimitWindow,
		PerWallet: map[models.Chain]int{
			models.ChainEthereum: cfg.EthereumWalletLimit,
			models.ChainHedera:   cfg.HederaWalletLimit,
		},
		Global: cfg.GlobalLimit,
	}
}

// Limiter throttles mint submissions per (chain, wallet) and globally.
type Limiter struct {
	window *Window
	bucket *TokenBucket
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter builds a limiter on client.
func NewLimiter(client *redis.Client, limits Limits, logger *slog.Logger) *Limiter {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	l := &Limiter{
		window: NewWindow(client, limits.Window),
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
	if limits.Global > 0 {
		refill := float64(limits.Global) / limits.Window.Seconds()
		l.bucket = NewTokenBucket(client, limits.Global, refill, 2*limits.Window)
	}
	return l
}

// WithClock replaces the clock used by the global bucket.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Key returns the counter key of a wallet on chain. Ethereum addresses are case-insensitive.
func Key(chain models.Chain, wallet string) string {
	if chain == models.ChainEthereum {
		wallet = strings.ToLower(wallet)
	}
	return fmt.Sprintf("ratelimit:%s:%s", chain, wallet)
}

// Allow admits or denies one submission. Denials are *models.RateLimitError.
// When Redis is unreachable the submission is admitted.
func (l *Limiter) Allow(ctx context.Context, wallet string, chain models.Chain) error {
	if l.bucket != nil {
		ok, wait, err := l.bucket.Allow(ctx, globalKey, l.now())
		switch {
		case err != nil:
			l.failOpen("global", err)
		case !ok:
			telemetry.RateLimitRejects.WithLabelValues("global").Inc()
			return &models.RateLimitError{Scope: "global", RetryAfter: wait}
		}
	}

	limit, ok := l.limits.PerWallet[chain]
	if !ok || limit <= 0 {
		return nil
	}
	count, ttl, err := l.window.Hit(ctx, Key(chain, wallet))
	if err != nil {
		l.failOpen(string(chain), err)
		return nil
	}
	if count > int64(limit) {
		telemetry.RateLimitRejects.WithLabelValues(string(chain)).Inc()
		return &models.RateLimitError{Scope: string(chain) + " wallet", RetryAfter: ttl}
	}
	return nil
}

func (l *Limiter) failOpen(scope string, err error) {
	telemetry.RateLimitFailOpen.Inc()
	l.logger.Warn("rate limiter unavailable, allowing request",
		slog.String("scope", scope), slog.String("error", err.Error()))
}
