package breaker

import (
	"log/slog"

	"mint-pipeline/internal/telemetry"
)

// Observer is notified whenever a breaker changes state.
type Observer interface {
	BreakerStateChanged(name string, from, to State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(name string, from, to State)

func (f ObserverFunc) BreakerStateChanged(name string, from, to State) { f(name, from, to) }

// LogObserver reports transitions through slog.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) BreakerStateChanged(name string, from, to State) {
	attrs := []any{slog.String("breaker", name), slog.String("from", string(from)), slog.String("to", string(to))}
	switch to {
	case StateOpen:
		o.Logger.Warn("circuit breaker opened, dependency failing", attrs...)
	case StateHalfOpen:
		o.Logger.Warn("circuit breaker half-open, probing dependency", attrs...)
	default:
		o.Logger.Info("circuit breaker closed, dependency healthy", attrs...)
	}
}

// MetricsObserver exports the state as the mint_breaker_state gauge.
type MetricsObserver struct{}

func (MetricsObserver) BreakerStateChanged(name string, _, to State) {
	var v float64
	switch to {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	telemetry.BreakerState.WithLabelValues(name).Set(v)
}
