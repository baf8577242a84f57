package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"mint-pipeline/internal/config"
	"mint-pipeline/internal/models"
)

// Names of the three dependency breakers.
const (
	EthereumRPC   = "ethereum-rpc"
	HederaNetwork = "hedera-network"
	ContentStore  = "content-store"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// ErrTimeout is the cause recorded when an operation outlives the breaker timeout.
var ErrTimeout = errors.New("operation timed out")

// Settings configures one breaker instance.
type Settings struct {
	Name                     string
	Timeout                  time.Duration
	ErrorThresholdPercentage int
	ResetTimeout             time.Duration
	VolumeThreshold          int
	// Window is the closed-state counting window; counters reset when it elapses.
	Window time.Duration
}

// SettingsFrom converts breaker configuration into Settings.
func SettingsFrom(name string, c config.BreakerConfig) Settings {
	return Settings{
		Name:                     name,
		Timeout:                  c.Timeout,
		ErrorThresholdPercentage: c.ErrorThresholdPercentage,
		ResetTimeout:             c.ResetTimeout,
		VolumeThreshold:          c.VolumeThreshold,
		Window:                   c.Window,
	}
}

// Breaker guards a single flaky dependency.
type Breaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// New builds a breaker. Observers are notified on every state change.
func New(s Settings, observers ...Observer) *Breaker {
	b := &Breaker{name: s.Name, timeout: s.Timeout}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    s.Window,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return shouldTrip(counts, s.VolumeThreshold, s.ErrorThresholdPercentage)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			for _, o := range observers {
				o.BreakerStateChanged(name, convert(from), convert(to))
			}
		},
	})
	return b
}

func shouldTrip(counts gobreaker.Counts, volume, threshold int) bool {
	if counts.Requests == 0 || int(counts.Requests) < volume {
		return false
	}
	return uint64(counts.TotalFailures)*100 >= uint64(threshold)*uint64(counts.Requests)
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state.
func (b *Breaker) State() State { return convert(b.cb.State()) }

// Execute runs op under the breaker. While open, op is not invoked and a
// BreakerOpenError is returned. Failures and timeouts come back as DependencyError.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.call(ctx, op)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &models.BreakerOpenError{Breaker: b.name}
	}
	if err != nil {
		var dep *models.DependencyError
		if errors.As(err, &dep) {
			return nil, err
		}
		return nil, models.NewDependencyError(b.name, err)
	}
	return res, nil
}

func (b *Breaker) call(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	callCtx := ctx
	cancel := func() {}
	if b.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
	}
	defer cancel()

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(callCtx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, b.timeout)
	}
}

// Call is a typed wrapper around Breaker.Execute.
func Call[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	return typed[T](b.name, res)
}

// typed narrows a breaker result. A nil result is the zero value of T.
func typed[T any](name string, res any) (T, error) {
	var zero T
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("breaker %s: result is %T, want %T", name, res, zero)
	}
	return v, nil
}

func convert(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Set holds the process-wide breakers, one per external dependency.
type Set struct {
	Ethereum *Breaker
	Hedera   *Breaker
	Content  *Breaker
}

// NewSet builds the three dependency breakers from configuration.
func NewSet(cfg config.Config, observers ...Observer) *Set {
	return &Set{
		Ethereum: New(SettingsFrom(EthereumRPC, cfg.EthereumBreaker), observers...),
		Hedera:   New(SettingsFrom(HederaNetwork, cfg.HederaBreaker), observers...),
		Content:  New(SettingsFrom(ContentStore, cfg.ContentBreaker), observers...),
	}
}

// All returns every breaker of the set.
func (s *Set) All() []*Breaker {
	return []*Breaker{s.Ethereum, s.Hedera, s.Content}
}
