package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mint-pipeline/internal/models"
	"mint-pipeline/internal/queue"
	"mint-pipeline/internal/store"
)

// Reconcile repairs unsettled requests last updated before cutoff that no queued job will move
// again. A request left in received has its image upload started. A request whose stage job
// the queue no longer holds gets the job again, and a dead-lettered job fails its request.
// It returns how many requests were repaired.
func (o *Orchestrator) Reconcile(ctx context.Context, before time.Time, limit int) (int, error) {
	stalled, err := o.store.Stalled(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("list stalled requests: %w", err)
	}
	repaired := 0
	var errs []error
	for _, req := range stalled {
		ok, err := o.reconcile(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", req.ID, err))
			continue
		}
		if ok {
			repaired++
		}
	}
	return repaired, errors.Join(errs...)
}

func (o *Orchestrator) reconcile(ctx context.Context, req models.MintRequest) (bool, error) {
	if req.Status == models.StatusReceived {
		updated, err := o.transition(ctx, req.ID, store.Transition{
			From:   models.StatusReceived,
			To:     models.StatusImageUploading,
			Stage:  models.StageImageUpload,
			Detail: "image upload queued",
		})
		if errors.Is(err, store.ErrStaleTransition) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("start pipeline: %w", err)
		}
		req = updated
	}

	stage, ok := owningStage(req.Status)
	if !ok {
		return false, nil
	}
	state, reason, err := o.queue.State(ctx, queue.JobID(req.ID, stage))
	if err != nil {
		return false, fmt.Errorf("queue state: %w", err)
	}
	log := o.logger.With(slog.String("request_id", req.ID), slog.String("stage", string(stage)), slog.String("status", string(req.Status)))

	switch state {
	case queue.JobHeld:
		return false, nil
	case queue.JobDead:
		log.Warn("failing request of dead-lettered job")
		if err := o.fail(ctx, req.ID, stage, fmt.Errorf("%s dead-lettered: %s", stage, reason)); err != nil {
			return false, err
		}
		return true, nil
	}

	var job *models.StageJob
	if req.Status == stage.Status() {
		j := o.queue.NewJob(stage, req.ID, payloadFor(stage, req), o.now())
		job = &j
	} else {
		job, err = o.followup(ctx, stageRoutes[stage], req)
		if err != nil {
			return false, err
		}
		if job == nil {
			return false, nil
		}
	}
	added, err := o.queue.Enqueue(ctx, *job)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.Stage, err)
	}
	if added {
		log.Warn("re-queued stalled request", slog.String("job_id", job.ID))
	}
	return added, nil
}

// owningStage returns the stage whose job must exist while a request is at status.
func owningStage(status models.Status) (models.Stage, bool) {
	for _, s := range models.Stages {
		if s.Status() == status {
			return s, true
		}
	}
	for _, s := range models.Stages {
		if stageRoutes[s].done == status && !status.Terminal() {
			return s, true
		}
	}
	return "", false
}
