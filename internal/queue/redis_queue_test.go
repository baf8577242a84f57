package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mint-pipeline/internal/models"
)

var testPolicies = Policies{
	models.StageImageUpload:    {MaxAttempts: 3, Backoff: 2 * time.Second, Exponential: true, Max: time.Minute},
	models.StageMetadataBuild:  {MaxAttempts: 2, Backoff: time.Second},
	models.StageMetadataUpload: {MaxAttempts: 3, Backoff: 2 * time.Second, Exponential: true, Max: time.Minute},
	models.StageMint:           {MaxAttempts: 3, Backoff: 3 * time.Second, Exponential: true, Max: time.Minute},
}

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, Options{Prefix: "test:queue", Visibility: 30 * time.Second, Policies: testPolicies}), mr
}

func TestEnqueueClaimComplete(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	job := q.NewJob(models.StageImageUpload, "req-1", models.StagePayload{ImagePath: "/tmp/a.png"}, now)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)

	assert.Equal(t, "req-1:image_upload", job.ID)
	added, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, added, "a request has one job per stage")

	claimed, err := q.Claim(ctx, models.StageImageUpload, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "req-1", claimed.RequestID)
	assert.Equal(t, "/tmp/a.png", claimed.Payload.ImagePath)

	score, err := mr.ZScore("test:queue:inflight", job.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(30*time.Second).UnixMilli()), score)

	empty, err := q.Claim(ctx, models.StageImageUpload, now)
	require.NoError(t, err)
	assert.Nil(t, empty)

	next := q.NewJob(models.StageMetadataBuild, "req-1", models.StagePayload{ContentID: "cid-1"}, now)
	owned, err := q.Complete(ctx, *claimed, &next)
	require.NoError(t, err)
	assert.True(t, owned)

	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth[models.StageImageUpload])
	assert.Equal(t, int64(1), depth[models.StageMetadataBuild])

	follow, err := q.Claim(ctx, models.StageMetadataBuild, now)
	require.NoError(t, err)
	require.NotNil(t, follow)
	assert.Equal(t, "cid-1", follow.Payload.ContentID)
}

func TestCompleteTwiceEnqueuesFollowupOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	job := q.NewJob(models.StageMetadataUpload, "req-2", models.StagePayload{}, now)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, models.StageMetadataUpload, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	first := q.NewJob(models.StageMint, "req-2", models.StagePayload{}, now)
	owned, err := q.Complete(ctx, *claimed, &first)
	require.NoError(t, err)
	assert.True(t, owned)

	second := q.NewJob(models.StageMint, "req-2", models.StagePayload{}, now)
	owned, err = q.Complete(ctx, *claimed, &second)
	require.NoError(t, err)
	assert.False(t, owned)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth[models.StageMint])
}

func TestLateOwnerStillEnqueuesFollowup(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	job := q.NewJob(models.StageImageUpload, "req-6", models.StagePayload{}, now)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, models.StageImageUpload, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A duplicate delivery with nothing to offer acknowledges first.
	owned, err := q.Complete(ctx, *claimed, nil)
	require.NoError(t, err)
	assert.True(t, owned)

	next := q.NewJob(models.StageMetadataBuild, "req-6", models.StagePayload{ContentID: "cid-6"}, now)
	owned, err = q.Complete(ctx, *claimed, &next)
	require.NoError(t, err)
	assert.False(t, owned)

	follow, err := q.Claim(ctx, models.StageMetadataBuild, now)
	require.NoError(t, err)
	require.NotNil(t, follow)
	assert.Equal(t, "cid-6", follow.Payload.ContentID)
}

func TestStateTracksJobLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	job := q.NewJob(models.StageMetadataBuild, "req-7", models.StagePayload{}, now)
	state, _, err := q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobMissing, state)

	_, err = q.Enqueue(ctx, job)
	require.NoError(t, err)
	state, _, err = q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobHeld, state)

	claimed, err := q.Claim(ctx, models.StageMetadataBuild, now)
	require.NoError(t, err)
	out, err := q.Fail(ctx, *claimed, errors.New("boom"), now)
	require.NoError(t, err)
	require.True(t, out.Retrying)
	state, _, err = q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobHeld, state, "a job waiting for its retry is still held")

	_, err = q.PromoteScheduled(ctx, out.NextRunAt, 10)
	require.NoError(t, err)
	retry, err := q.Claim(ctx, models.StageMetadataBuild, out.NextRunAt)
	require.NoError(t, err)
	require.NotNil(t, retry)
	out, err = q.Fail(ctx, *retry, errors.New("still broken"), out.NextRunAt)
	require.NoError(t, err)
	require.True(t, out.DeadLettered)

	state, reason, err := q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobDead, state)
	assert.Equal(t, "still broken", reason)

	added, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, added)
	state, _, err = q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobHeld, state)
}

func TestFailRetriesWithBackoffThenDeadLettersOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	cause := errors.New("gateway timeout")

	job := q.NewJob(models.StageMetadataBuild, "req-3", models.StagePayload{}, now)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, models.StageMetadataBuild, now)
	require.NoError(t, err)
	out, err := q.Fail(ctx, *claimed, cause, now)
	require.NoError(t, err)
	assert.True(t, out.Retrying)
	assert.False(t, out.DeadLettered)
	assert.Equal(t, now.Add(time.Second), out.NextRunAt)

	// Not due yet.
	n, err := q.PromoteScheduled(ctx, now, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	retry, err := q.Claim(ctx, models.StageMetadataBuild, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, "gateway timeout", retry.LastError)

	out, err = q.Fail(ctx, *retry, cause, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, out.DeadLettered)

	// A second failure report for the same lease is a no-op.
	out, err = q.Fail(ctx, *retry, cause, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, out.DeadLettered)
	assert.False(t, out.Retrying)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].Job.ID)
	assert.Equal(t, "gateway timeout", dead[0].Error)
	assert.Equal(t, 2, dead[0].Job.Attempt)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRequeueExpiredLease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	job := q.NewJob(models.StageMint, "req-4", models.StagePayload{}, now)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = q.Claim(ctx, models.StageMint, now)
	require.NoError(t, err)

	n, err := q.RequeueExpired(ctx, now.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := q.ExtendLease(ctx, job.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = q.RequeueExpired(ctx, now.Add(45*time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.RequeueExpired(ctx, now.Add(61*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Claim(ctx, models.StageMint, now.Add(61*time.Second))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
}

func TestExtendLeaseAfterLossReportsFalse(t *testing.T) {
	q, _ := newTestQueue(t)
	ok, err := q.ExtendLease(context.Background(), "missing", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnqueueFutureJobIsScheduled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	job := q.NewJob(models.StageImageUpload, "req-5", models.StagePayload{}, now)
	job.NextRunAt = now.Add(time.Hour)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, models.StageImageUpload, now)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestPolicyDelay(t *testing.T) {
	exp := Policy{MaxAttempts: 3, Backoff: 2 * time.Second, Exponential: true, Max: 5 * time.Second}
	assert.Equal(t, 2*time.Second, exp.Delay(1))
	assert.Equal(t, 4*time.Second, exp.Delay(2))
	assert.Equal(t, 5*time.Second, exp.Delay(3))

	fixed := Policy{MaxAttempts: 2, Backoff: time.Second}
	assert.Equal(t, time.Second, fixed.Delay(1))
	assert.Equal(t, time.Second, fixed.Delay(4))

	assert.Equal(t, 1, Policies{}.For(models.StageMint).MaxAttempts)
}
