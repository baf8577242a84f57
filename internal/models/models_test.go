package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusReceived, StatusImageUploading, true},
		{StatusImageUploading, StatusImageUploaded, true},
		{StatusMetadataUploaded, StatusMinting, true},
		{StatusMinting, StatusCompleted, true},
		{StatusReceived, StatusMinting, true},
		{StatusMinting, StatusImageUploading, false},
		{StatusImageUploaded, StatusImageUploaded, false},
		{StatusMinting, StatusFailed, true},
		{StatusReceived, StatusFailed, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusFailed, false},
		{StatusFailed, StatusReceived, false},
		{"bogus", StatusFailed, false},
		{StatusReceived, "bogus", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStageStatus(t *testing.T) {
	assert.Equal(t, StatusImageUploading, StageImageUpload.Status())
	assert.Equal(t, StatusMinting, StageMint.Status())
	for i := 1; i < len(Stages); i++ {
		assert.Greater(t, Stages[i].Status().Rank(), Stages[i-1].Status().Rank())
	}
}

func TestChainValid(t *testing.T) {
	assert.True(t, ChainEthereum.Valid())
	assert.True(t, ChainHedera.Valid())
	assert.False(t, Chain("solana").Valid())
}

func TestKindAndRetryable(t *testing.T) {
	orphan := &OrphanedMintError{TokenID: "0.0.777", SerialNumber: 3, Recipient: "0.0.1234",
		Err: NewDependencyError("hedera-network", errors.New("TOKEN_NOT_ASSOCIATED_TO_ACCOUNT"))}

	cases := []struct {
		name      string
		err       error
		kind      string
		retryable bool
	}{
		{"nil", nil, "", false},
		{"validation", &ValidationError{Field: "name", Reason: "required"}, KindValidation, false},
		{"dependency", NewDependencyError("content-store", errors.New("timeout")), KindDependency, true},
		{"wrapped dependency", fmt.Errorf("upload: %w", NewDependencyError("content-store", errors.New("502"))), KindDependency, true},
		{"breaker open", &BreakerOpenError{Breaker: "hedera-network"}, KindBreakerOpen, false},
		{"rate limit", &RateLimitError{Scope: "global", RetryAfter: time.Second}, KindRateLimit, false},
		{"orphan wins over its cause", orphan, KindOrphanedMint, false},
		{"unclassified", errors.New("redis: i/o timeout"), KindInternal, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, Kind(tc.err))
			assert.Equal(t, tc.retryable, Retryable(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation: wallet: not a valid hedera address",
		(&ValidationError{Field: "wallet", Reason: "not a valid hedera address"}).Error())
	assert.Equal(t, "rate limit exceeded for ethereum wallet, retry after 42s",
		(&RateLimitError{Scope: "ethereum wallet", RetryAfter: 41600 * time.Millisecond}).Error())
	assert.Contains(t, (&BreakerOpenError{Breaker: "content-store"}).Error(), "content-store degraded")

	cause := errors.New("INVALID_SIGNATURE")
	orphan := &OrphanedMintError{TokenID: "0.0.777", SerialNumber: 3, Recipient: "0.0.1234", Err: cause}
	assert.ErrorIs(t, orphan, cause)
	assert.Contains(t, orphan.Error(), "serial 3")
}
