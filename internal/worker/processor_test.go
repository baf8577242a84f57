package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mint-pipeline/internal/models"
	"mint-pipeline/internal/queue"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []abandoned
}

type abandoned struct {
	job   models.StageJob
	cause error
}

func (s *recordingSink) Abandon(_ context.Context, job models.StageJob, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, abandoned{job: job, cause: cause})
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type purgeRecorder struct {
	befores []time.Time
}

func (p *purgeRecorder) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	p.befores = append(p.befores, before)
	return 2, nil
}

type reconcileRecorder struct {
	befores []time.Time
	limits  []int
}

func (r *reconcileRecorder) Reconcile(_ context.Context, before time.Time, limit int) (int, error) {
	r.befores = append(r.befores, before)
	r.limits = append(r.limits, limit)
	return 1, nil
}

type fixture struct {
	q     *queue.RedisQueue
	sink  *recordingSink
	proc  *Processor
	clock *time.Time
}

func newFixture(t *testing.T, attempts int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	policy := queue.Policy{MaxAttempts: attempts, Backoff: time.Second, Exponential: true, Max: time.Minute}
	q := queue.NewRedisQueue(client, queue.Options{
		Prefix:     "test:queue",
		Visibility: 30 * time.Second,
		Policies: queue.Policies{
			models.StageImageUpload:   policy,
			models.StageMetadataBuild: policy,
		},
	})
	now := time.UnixMilli(1_700_000_000_000).UTC()
	f := &fixture{q: q, sink: &recordingSink{}, clock: &now}
	f.proc = NewProcessor(q, f.sink, Options{
		PollInterval: 10 * time.Millisecond,
		JobTimeout:   time.Second,
		Now:          func() time.Time { return *f.clock },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) enqueue(t *testing.T, stage models.Stage, requestID string) models.StageJob {
	t.Helper()
	job := f.q.NewJob(stage, requestID, models.StagePayload{ImagePath: "/tmp/" + requestID}, *f.clock)
	_, err := f.q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	return job
}

func TestProcessNextChainsFollowup(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.proc.Register(models.StageImageUpload, func(_ context.Context, job models.StageJob) (*models.StageJob, error) {
		next := f.q.NewJob(models.StageMetadataBuild, job.RequestID, models.StagePayload{ContentID: "cid-" + job.RequestID}, *f.clock)
		return &next, nil
	})
	f.enqueue(t, models.StageImageUpload, "req-1")

	worked, err := f.proc.ProcessNext(ctx, models.StageImageUpload)
	require.NoError(t, err)
	assert.True(t, worked)

	depth, err := f.q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth[models.StageImageUpload])
	assert.Equal(t, int64(1), depth[models.StageMetadataBuild])

	follow, err := f.q.Claim(ctx, models.StageMetadataBuild, *f.clock)
	require.NoError(t, err)
	require.NotNil(t, follow)
	assert.Equal(t, "cid-req-1", follow.Payload.ContentID)
	assert.Zero(t, f.sink.count())
}

func TestProcessNextIdleQueue(t *testing.T) {
	f := newFixture(t, 3)
	f.proc.Register(models.StageImageUpload, func(context.Context, models.StageJob) (*models.StageJob, error) {
		t.Fatal("handler must not run without a job")
		return nil, nil
	})

	worked, err := f.proc.ProcessNext(context.Background(), models.StageImageUpload)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestRetryableFailureRetriesThenDeadLettersOnce(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	runs := 0
	f.proc.Register(models.StageImageUpload, func(context.Context, models.StageJob) (*models.StageJob, error) {
		runs++
		return nil, models.NewDependencyError("content-store", errors.New("connection refused"))
	})
	job := f.enqueue(t, models.StageImageUpload, "req-2")

	worked, err := f.proc.ProcessNext(ctx, models.StageImageUpload)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Zero(t, f.sink.count())

	retry, err := f.q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 2, retry.Attempt)
	assert.True(t, f.clock.Add(time.Second).Equal(retry.NextRunAt))
	assert.Contains(t, retry.LastError, "connection refused")

	// Not due yet.
	worked, err = f.proc.ProcessNext(ctx, models.StageImageUpload)
	require.NoError(t, err)
	assert.False(t, worked)

	*f.clock = f.clock.Add(time.Second)
	require.NoError(t, f.proc.Maintain(ctx))

	worked, err = f.proc.ProcessNext(ctx, models.StageImageUpload)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, 2, runs)

	require.Equal(t, 1, f.sink.count())
	assert.Equal(t, "req-2", f.sink.calls[0].job.RequestID)
	assert.Equal(t, models.KindDependency, models.Kind(f.sink.calls[0].cause))

	dead, err := f.q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].Job.ID)

	// A late delivery of the same job cannot dead-letter it again.
	require.NoError(t, f.proc.handleFailure(ctx, f.proc.logger, *retry, errors.New("late")))
	assert.Equal(t, 1, f.sink.count())
	dead, err = f.q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestNonRetryableFailureAbandonsImmediately(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.proc.Register(models.StageMetadataBuild, func(context.Context, models.StageJob) (*models.StageJob, error) {
		return nil, &models.ValidationError{Field: "name", Reason: "required"}
	})
	job := f.enqueue(t, models.StageMetadataBuild, "req-3")

	worked, err := f.proc.ProcessNext(ctx, models.StageMetadataBuild)
	require.NoError(t, err)
	assert.True(t, worked)

	require.Equal(t, 1, f.sink.count())
	assert.Equal(t, models.KindValidation, models.Kind(f.sink.calls[0].cause))

	stored, err := f.q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
	dead, err := f.q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestHandlerPanicIsRetried(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.proc.Register(models.StageImageUpload, func(context.Context, models.StageJob) (*models.StageJob, error) {
		panic("boom")
	})
	job := f.enqueue(t, models.StageImageUpload, "req-4")

	worked, err := f.proc.ProcessNext(ctx, models.StageImageUpload)
	require.NoError(t, err)
	assert.True(t, worked)

	retry, err := f.q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 2, retry.Attempt)
	assert.Contains(t, retry.LastError, "panicked")
}

func TestHandlerSeesJobTimeout(t *testing.T) {
	f := newFixture(t, 3)
	f.proc.opts.JobTimeout = 20 * time.Millisecond
	f.proc.Register(models.StageImageUpload, func(ctx context.Context, _ models.StageJob) (*models.StageJob, error) {
		<-ctx.Done()
		return nil, models.NewDependencyError("content-store", ctx.Err())
	})
	job := f.enqueue(t, models.StageImageUpload, "req-5")

	_, err := f.proc.ProcessNext(context.Background(), models.StageImageUpload)
	require.NoError(t, err)

	retry, err := f.q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Contains(t, retry.LastError, context.DeadlineExceeded.Error())
}

func TestMaintainRequeuesExpiredLeasesAndPurges(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	purger := &purgeRecorder{}
	f.proc.opts.Retention = time.Hour
	f.proc.opts.PurgeInterval = time.Minute
	f.proc.WithPurger(purger)

	f.enqueue(t, models.StageImageUpload, "req-6")
	claimed, err := f.q.Claim(ctx, models.StageImageUpload, *f.clock)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	*f.clock = f.clock.Add(31 * time.Second)
	require.NoError(t, f.proc.Maintain(ctx))

	again, err := f.q.Claim(ctx, models.StageImageUpload, *f.clock)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.ID, again.ID)

	require.Len(t, purger.befores, 1)
	assert.True(t, f.clock.Add(-time.Hour).Equal(purger.befores[0]))

	// Within the purge interval nothing is purged again.
	*f.clock = f.clock.Add(10 * time.Second)
	require.NoError(t, f.proc.Maintain(ctx))
	assert.Len(t, purger.befores, 1)
}

func TestMaintainReconcilesRequestsStalledPastVisibility(t *testing.T) {
	f := newFixture(t, 3)
	rec := &reconcileRecorder{}
	f.proc.WithReconciler(rec)

	require.NoError(t, f.proc.Maintain(context.Background()))
	require.Len(t, rec.befores, 1)
	assert.True(t, f.clock.Add(-2*time.Minute).Equal(rec.befores[0]), "stall cutoff defaults to the visibility timeout")
	assert.Equal(t, []int{100}, rec.limits)

	f.proc.opts.StallAfter = 10 * time.Minute
	require.NoError(t, f.proc.Maintain(context.Background()))
	require.Len(t, rec.befores, 2)
	assert.True(t, f.clock.Add(-10*time.Minute).Equal(rec.befores[1]))
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	f := newFixture(t, 3)
	f.proc.opts.Now = func() time.Time { return time.Now().UTC() }
	*f.clock = time.Now().UTC()

	done := make(chan string, 1)
	f.proc.Register(models.StageImageUpload, func(_ context.Context, job models.StageJob) (*models.StageJob, error) {
		done <- job.RequestID
		return nil, nil
	})
	f.enqueue(t, models.StageImageUpload, "req-7")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.proc.Run(ctx) }()

	select {
	case id := <-done:
		assert.Equal(t, "req-7", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestRunRequiresHandlers(t *testing.T) {
	f := newFixture(t, 3)
	assert.Error(t, f.proc.Run(context.Background()))
}
