// Package pipeline owns the mint request lifecycle: intake, the four stage handlers and
// the state machine that records every move in the audit trail.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"mint-pipeline/internal/breaker"
	"mint-pipeline/internal/chain"
	"mint-pipeline/internal/content"
	"mint-pipeline/internal/models"
	"mint-pipeline/internal/queue"
	"mint-pipeline/internal/store"
	"mint-pipeline/internal/telemetry"
)

// Store persists requests and their audit trail.
type Store interface {
	Create(ctx context.Context, req models.MintRequest) (models.MintRequest, bool, error)
	FindByIdempotencyKey(ctx context.Context, key string, at time.Time) (models.MintRequest, bool, error)
	Get(ctx context.Context, id string) (models.MintRequest, error)
	Stalled(ctx context.Context, before time.Time, limit int) ([]models.MintRequest, error)
	Transition(ctx context.Context, id string, t store.Transition) (models.MintRequest, error)
	Audit(ctx context.Context, id string) ([]models.AuditEntry, error)
}

// Queue accepts stage jobs and reports whether it still holds one.
type Queue interface {
	NewJob(stage models.Stage, requestID string, payload models.StagePayload, now time.Time) models.StageJob
	Enqueue(ctx context.Context, job models.StageJob) (bool, error)
	State(ctx context.Context, jobID string) (queue.JobState, string, error)
}

// Limiter throttles submissions.
type Limiter interface {
	Allow(ctx context.Context, wallet string, chain models.Chain) error
}

// Ledger records chain side effects per request and stage.
type Ledger interface {
	Reserve(ctx context.Context, requestID string, stage models.Stage) (string, bool, error)
	Commit(ctx context.Context, requestID string, stage models.Stage, value string) error
	Release(ctx context.Context, requestID string, stage models.Stage) error
}

// Deps are the collaborators of the orchestrator. All are required except Clock.
type Deps struct {
	Store    Store
	Queue    Queue
	Limiter  Limiter
	Content  content.Store
	Minters  chain.Registry
	Ledger   Ledger
	Breakers *breaker.Set
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Orchestrator drives mint requests through the pipeline.
type Orchestrator struct {
	store    Store
	queue    Queue
	limiter  Limiter
	content  content.Store
	minters  chain.Registry
	ledger   Ledger
	breakers *breaker.Set
	logger   *slog.Logger
	now      func() time.Time
}

func New(d Deps) *Orchestrator {
	now := d.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		store:    d.Store,
		queue:    d.Queue,
		limiter:  d.Limiter,
		content:  d.Content,
		minters:  d.Minters,
		ledger:   d.Ledger,
		breakers: d.Breakers,
		logger:   d.Logger,
		now:      now,
	}
}

// Status returns the current state of a request.
func (o *Orchestrator) Status(ctx context.Context, id string) (models.MintRequest, error) {
	return o.store.Get(ctx, id)
}

// Audit returns the audit trail of a request.
func (o *Orchestrator) Audit(ctx context.Context, id string) ([]models.AuditEntry, error) {
	return o.store.Audit(ctx, id)
}

// transition persists t and mirrors the audit entry to the log.
func (o *Orchestrator) transition(ctx context.Context, id string, t store.Transition) (models.MintRequest, error) {
	if t.At.IsZero() {
		t.At = o.now()
	}
	req, err := o.store.Transition(ctx, id, t)
	if err != nil {
		return req, err
	}
	attrs := []any{
		slog.Bool("audit", true),
		slog.String("request_id", id),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
	}
	if t.Stage != "" {
		attrs = append(attrs, slog.String("stage", string(t.Stage)))
	}
	if t.Detail != "" {
		attrs = append(attrs, slog.String("detail", t.Detail))
	}
	if t.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", t.ErrorKind))
	}
	o.logger.Info("mint request transition", attrs...)
	return req, nil
}

// Abandon fails the request a job belongs to. The worker calls it for non-retryable errors and
// after dead-lettering. Requests already settled, or already past the job's stage, are left alone.
func (o *Orchestrator) Abandon(ctx context.Context, job models.StageJob, cause error) error {
	return o.fail(ctx, job.RequestID, job.Stage, cause)
}

func (o *Orchestrator) fail(ctx context.Context, requestID string, stage models.Stage, cause error) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	kind := models.Kind(cause)
	for attempt := 0; attempt < 3; attempt++ {
		req, err := o.store.Get(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load request: %w", err)
		}
		if req.Status.Terminal() || !responsible(stage, req.Status) {
			o.logger.Info("skipping failure of settled stage",
				slog.String("request_id", requestID),
				slog.String("stage", string(stage)),
				slog.String("status", string(req.Status)),
				slog.String("error", cause.Error()))
			return nil
		}
		_, err = o.transition(ctx, requestID, store.Transition{
			From:  req.Status,
			To:    models.StatusFailed,
			Stage: stage,
			Apply: func(r *models.MintRequest) {
				r.FailureStage = stage
				r.FailureReason = cause.Error()
				r.FailureKind = kind
			},
			Detail:    cause.Error(),
			ErrorKind: kind,
		})
		if errors.Is(err, store.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		telemetry.FailedCounter.WithLabelValues(string(stage), kind).Inc()
		o.removeUpload(req)
		return nil
	}
	return fmt.Errorf("mark failed: %w", store.ErrStaleTransition)
}

// responsible reports whether stage still owns a request at status: from the stage's
// in-progress status up to, not including, the next stage's.
func responsible(stage models.Stage, status models.Status) bool {
	route, ok := stageRoutes[stage]
	if !ok {
		return false
	}
	upper := models.StatusCompleted
	if route.next != "" {
		upper = route.next.Status()
	}
	return status.Rank() >= stage.Status().Rank() && status.Rank() < upper.Rank()
}

func (o *Orchestrator) removeUpload(req models.MintRequest) {
	if req.ImagePath == "" {
		return
	}
	if err := os.Remove(req.ImagePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Warn("remove temporary upload",
			slog.String("request_id", req.ID),
			slog.String("path", req.ImagePath),
			slog.String("error", err.Error()))
	}
}
