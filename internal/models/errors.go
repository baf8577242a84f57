package models

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds recorded on failed requests and audit entries.
const (
	KindValidation   = "validation"
	KindDependency   = "dependency"
	KindBreakerOpen  = "breaker_open"
	KindRateLimit    = "rate_limit"
	KindOrphanedMint = "orphaned_mint"
	KindInternal     = "internal"
)

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// DependencyError wraps a failed call to an external dependency.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// NewDependencyError wraps err as a failure of the named dependency.
func NewDependencyError(dependency string, err error) error {
	return &DependencyError{Dependency: dependency, Err: err}
}

// BreakerOpenError is returned without calling the dependency while its breaker is open.
type BreakerOpenError struct {
	Breaker string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("%s degraded, try later: circuit open", e.Breaker)
}

// RateLimitError denies a submission and tells the caller when to come back.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// OrphanedMintError means a token was minted to the operator but never reached the recipient.
type OrphanedMintError struct {
	TokenID      string
	SerialNumber int64
	Recipient    string
	Err          error
}

func (e *OrphanedMintError) Error() string {
	return fmt.Sprintf("orphaned mint: token %s serial %d held by operator, transfer to %s failed: %v",
		e.TokenID, e.SerialNumber, e.Recipient, e.Err)
}

func (e *OrphanedMintError) Unwrap() error {
	return e.Err
}

// Kind classifies err into one of the Kind* constants.
func Kind(err error) string {
	var (
		validation *ValidationError
		dependency *DependencyError
		open       *BreakerOpenError
		limited    *RateLimitError
		orphan     *OrphanedMintError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &orphan):
		return KindOrphanedMint
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &open):
		return KindBreakerOpen
	case errors.As(err, &limited):
		return KindRateLimit
	case errors.As(err, &dependency):
		return KindDependency
	default:
		return KindInternal
	}
}

// Retryable reports whether a stage worker should retry err under its policy.
// Unclassified errors come from infrastructure (store, queue) and are treated as transient.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindDependency, KindInternal:
		return true
	default:
		return false
	}
}
