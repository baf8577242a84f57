package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"mint-pipeline/internal/config"
	"mint-pipeline/internal/models"
	"mint-pipeline/internal/queue"
	"mint-pipeline/internal/telemetry"
)

// Handler executes one stage job and returns the job that continues the pipeline, if any.
type Handler func(ctx context.Context, job models.StageJob) (*models.StageJob, error)

// Queue is the job queue surface the processor drives.
type Queue interface {
	Claim(ctx context.Context, stage models.Stage, now time.Time) (*models.StageJob, error)
	Complete(ctx context.Context, job models.StageJob, next *models.StageJob) (bool, error)
	Fail(ctx context.Context, job models.StageJob, cause error, now time.Time) (queue.FailOutcome, error)
	ExtendLease(ctx context.Context, jobID string, until time.Time) (bool, error)
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	ReadyDepth(ctx context.Context) (map[models.Stage]int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// FailureSink settles the request of a job that will not run again.
type FailureSink interface {
	Abandon(ctx context.Context, job models.StageJob, cause error) error
}

// Purger evicts settled requests past retention.
type Purger interface {
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// Reconciler re-queues requests that stopped moving while the queue holds no job for them.
type Reconciler interface {
	Reconcile(ctx context.Context, before time.Time, limit int) (int, error)
}

// Options tunes the processor loops.
type Options struct {
	Concurrency    int
	PollInterval   time.Duration
	JobTimeout     time.Duration
	Visibility     time.Duration
	ScheduledBatch int64
	Retention      time.Duration
	PurgeInterval  time.Duration
	// StallAfter is how long a request may sit unchanged before it is reconciled.
	// Defaults to Visibility.
	StallAfter time.Duration
	Now        func() time.Time
}

// OptionsFromConfig derives processor options from configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:    cfg.WorkerConcurrency,
		PollInterval:   cfg.WorkerPollInterval,
		JobTimeout:     cfg.JobTimeout,
		Visibility:     cfg.VisibilityTimeout,
		ScheduledBatch: int64(cfg.ScheduledBatchSize),
		StallAfter:     cfg.StallAfter,
		Retention:      cfg.RetentionWindow,
		PurgeInterval:  cfg.PurgeInterval,
	}
}

// Processor drives the worker execution loops.
type Processor struct {
	queue     Queue
	sink      FailureSink
	purger    Purger
	reconcile Reconciler
	handlers  map[models.Stage]Handler
	opts      Options
	logger    *slog.Logger
	lastPurge time.Time
}

func NewProcessor(q Queue, sink FailureSink, opts Options, logger *slog.Logger) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 2 * time.Minute
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = opts.Visibility
	}
	if opts.ScheduledBatch <= 0 {
		opts.ScheduledBatch = 100
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		queue:    q,
		sink:     sink,
		handlers: make(map[models.Stage]Handler),
		opts:     opts,
		logger:   logger,
	}
}

// WithPurger enables retention purging in the maintenance loop.
func (p *Processor) WithPurger(purger Purger) *Processor {
	p.purger = purger
	return p
}

// WithReconciler enables the repair of stalled requests in the maintenance loop.
func (p *Processor) WithReconciler(r Reconciler) *Processor {
	p.reconcile = r
	return p
}

// Register binds a handler to a stage.
func (p *Processor) Register(stage models.Stage, handler Handler) {
	if stage == "" || handler == nil {
		return
	}
	p.handlers[stage] = handler
}

// Run starts the maintenance loop and Concurrency claim loops per registered stage, until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return errors.New("no stage handlers registered")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintainLoop(ctx) })
	for stage := range p.handlers {
		for i := 0; i < p.opts.Concurrency; i++ {
			stage := stage
			g.Go(func() error { return p.claimLoop(ctx, stage) })
		}
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) claimLoop(ctx context.Context, stage models.Stage) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := p.ProcessNext(ctx, stage)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("process job", slog.String("stage", string(stage)), slog.String("error", err.Error()))
		}
		if !worked || err != nil {
			if !sleep(ctx, p.opts.PollInterval) {
				return nil
			}
		}
	}
}

func (p *Processor) maintainLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := p.Maintain(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("queue maintenance", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Maintain promotes due retries, reclaims expired leases and re-queues stalled requests. It also
// refreshes the gauges and purges settled requests once the purge interval elapsed.
func (p *Processor) Maintain(ctx context.Context) error {
	now := p.opts.Now()
	var errs []error
	if _, err := p.queue.PromoteScheduled(ctx, now, p.opts.ScheduledBatch); err != nil {
		errs = append(errs, fmt.Errorf("promote scheduled: %w", err))
	}
	if n, err := p.queue.RequeueExpired(ctx, now, p.opts.ScheduledBatch); err != nil {
		errs = append(errs, fmt.Errorf("requeue expired: %w", err))
	} else if n > 0 {
		p.logger.Warn("reclaimed expired leases", slog.Int("jobs", n))
	}
	if p.reconcile != nil {
		n, err := p.reconcile.Reconcile(ctx, now.Add(-p.opts.StallAfter), int(p.opts.ScheduledBatch))
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile stalled requests: %w", err))
		} else if n > 0 {
			p.logger.Warn("re-queued stalled requests", slog.Int("requests", n))
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		for stage, n := range depth {
			telemetry.QueueDepthGauge.WithLabelValues(string(stage)).Set(float64(n))
		}
	}
	if n, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(n))
	}
	if p.purger != nil && p.opts.Retention > 0 && now.Sub(p.lastPurge) >= p.opts.PurgeInterval {
		p.lastPurge = now
		n, err := p.purger.PurgeTerminal(ctx, now.Add(-p.opts.Retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge settled requests: %w", err))
		} else if n > 0 {
			p.logger.Info("purged settled requests", slog.Int64("count", n))
		}
	}
	return errors.Join(errs...)
}

// ProcessNext claims and runs one job of stage. It reports whether a job was claimed.
func (p *Processor) ProcessNext(ctx context.Context, stage models.Stage) (bool, error) {
	job, err := p.queue.Claim(ctx, stage, p.opts.Now())
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", stage, err)
	}
	if job == nil {
		return false, nil
	}
	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("request_id", job.RequestID),
		slog.String("stage", string(job.Stage)),
		slog.Int("attempt", job.Attempt),
	)

	next, runErr := p.runJob(ctx, *job)

	// Bookkeeping must land even when shutdown cancelled the run.
	bctx := context.WithoutCancel(ctx)
	if runErr == nil {
		owned, err := p.queue.Complete(bctx, *job, next)
		if err != nil {
			return true, fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		if owned {
			telemetry.StageSuccess.WithLabelValues(string(job.Stage)).Inc()
			log.Debug("stage job completed")
		} else {
			log.Info("job completed by another delivery")
		}
		return true, nil
	}
	return true, p.handleFailure(bctx, log, *job, runErr)
}

func (p *Processor) handleFailure(ctx context.Context, log *slog.Logger, job models.StageJob, runErr error) error {
	if !models.Retryable(runErr) {
		log.Warn("stage job failed permanently",
			slog.String("error", runErr.Error()),
			slog.String("error_kind", models.Kind(runErr)))
		if err := p.sink.Abandon(ctx, job, runErr); err != nil {
			return fmt.Errorf("abandon request %s: %w", job.RequestID, err)
		}
		if _, err := p.queue.Complete(ctx, job, nil); err != nil {
			return fmt.Errorf("ack job %s: %w", job.ID, err)
		}
		return nil
	}

	out, err := p.queue.Fail(ctx, job, runErr, p.opts.Now())
	if err != nil {
		return fmt.Errorf("record failure of job %s: %w", job.ID, err)
	}
	switch {
	case out.Retrying:
		telemetry.StageRetries.WithLabelValues(string(job.Stage)).Inc()
		log.Warn("stage job failed, retry scheduled",
			slog.String("error", runErr.Error()),
			slog.Time("next_run_at", out.NextRunAt))
	case out.DeadLettered:
		telemetry.StageDeadLetter.WithLabelValues(string(job.Stage)).Inc()
		log.Error("stage job exhausted its attempts, dead-lettered", slog.String("error", runErr.Error()))
		if err := p.sink.Abandon(ctx, job, runErr); err != nil {
			return fmt.Errorf("abandon request %s: %w", job.RequestID, err)
		}
	default:
		log.Info("lease lost before failure was recorded", slog.String("error", runErr.Error()))
	}
	return nil
}

// runJob executes the stage handler under the job timeout while keeping the lease alive.
func (p *Processor) runJob(ctx context.Context, job models.StageJob) (next *models.StageJob, err error) {
	handler, ok := p.handlers[job.Stage]
	if !ok {
		return nil, &models.ValidationError{Field: "stage", Reason: fmt.Sprintf("no handler registered for %q", job.Stage)}
	}

	jobCtx := ctx
	if p.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
	}

	stop := make(chan struct{})
	defer close(stop)
	go p.heartbeat(ctx, job.ID, stop)

	defer func() {
		if r := recover(); r != nil {
			next, err = nil, fmt.Errorf("stage handler panicked: %v", r)
		}
	}()
	return handler(jobCtx, job)
}

// heartbeat extends the lease every half visibility timeout until stop closes.
func (p *Processor) heartbeat(ctx context.Context, jobID string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.opts.Visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.queue.ExtendLease(ctx, jobID, p.opts.Now().Add(p.opts.Visibility))
			if err != nil {
				p.logger.Warn("extend lease", slog.String("job_id", jobID), slog.String("error", err.Error()))
			} else if !ok {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
