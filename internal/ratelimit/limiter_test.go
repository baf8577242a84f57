package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mint-pipeline/internal/logging"
	"mint-pipeline/internal/models"
)

var testLimits = Limits{
	Window: time.Minute,
	PerWallet: map[models.Chain]int{
		models.ChainEthereum: 3,
		models.ChainHedera:   5,
	},
	Global: 80,
}

func TestWalletWindowResetsAfterSixtySeconds(t *testing.T) {
	ctx := context.Background()
	client, mr := newClient(t)
	now := time.UnixMilli(1_700_000_000_000)
	l := NewLimiter(client, testLimits, logging.Discard()).WithClock(func() time.Time { return now })

	wallet := "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, wallet, models.ChainEthereum), "submission %d", i+1)
	}

	err := l.Allow(ctx, wallet, models.ChainEthereum)
	var limited *models.RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "ethereum wallet", limited.Scope)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, limited.RetryAfter, time.Minute)

	mr.FastForward(60 * time.Second)
	now = now.Add(60 * time.Second)
	assert.NoError(t, l.Allow(ctx, wallet, models.ChainEthereum))
}

func TestEthereumWalletIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	l := NewLimiter(client, testLimits, logging.Discard())

	require.NoError(t, l.Allow(ctx, "0xABCDEF0123456789ABCDEF0123456789ABCDEF01", models.ChainEthereum))
	require.NoError(t, l.Allow(ctx, "0xabcdef0123456789abcdef0123456789abcdef01", models.ChainEthereum))
	require.NoError(t, l.Allow(ctx, "0xAbcdef0123456789abcdef0123456789abcdef01", models.ChainEthereum))
	assert.Error(t, l.Allow(ctx, "0xabcdef0123456789abcdef0123456789abcdef01", models.ChainEthereum))
}

func TestHederaQuotaAndIsolation(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	l := NewLimiter(client, testLimits, logging.Discard())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow(ctx, "0.0.1234", models.ChainHedera))
	}
	assert.Error(t, l.Allow(ctx, "0.0.1234", models.ChainHedera))
	assert.NoError(t, l.Allow(ctx, "0.0.5678", models.ChainHedera), "other wallets keep their own window")
}

func TestGlobalCeiling(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	now := time.UnixMilli(1_700_000_000_000)
	limits := testLimits
	limits.Global = 2
	l := NewLimiter(client, limits, logging.Discard()).WithClock(func() time.Time { return now })

	require.NoError(t, l.Allow(ctx, "0.0.1", models.ChainHedera))
	require.NoError(t, l.Allow(ctx, "0.0.2", models.ChainHedera))

	err := l.Allow(ctx, "0.0.3", models.ChainHedera)
	var limited *models.RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "global", limited.Scope)
	assert.InDelta(t, float64(30*time.Second), float64(limited.RetryAfter), float64(10*time.Millisecond))
}

func TestFailsOpenWhenRedisIsDown(t *testing.T) {
	client, mr := newClient(t)
	l := NewLimiter(client, testLimits, logging.Discard())
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		assert.NoError(t, l.Allow(ctx, "0xabcdef0123456789abcdef0123456789abcdef01", models.ChainEthereum))
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "ratelimit:ethereum:0xab", Key(models.ChainEthereum, "0xAB"))
	assert.Equal(t, "ratelimit:hedera:0.0.42", Key(models.ChainHedera, "0.0.42"))
}
