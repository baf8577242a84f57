package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mint-pipeline/internal/config"
	"mint-pipeline/internal/models"
)

// Options configures a RedisQueue.
type Options struct {
	Prefix     string
	Visibility time.Duration
	Policies   Policies
}

// OptionsFromConfig derives queue options from configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Prefix:     cfg.QueuePrefix,
		Visibility: cfg.VisibilityTimeout,
		Policies:   PoliciesFromConfig(cfg),
	}
}

// NewClient builds the Redis client shared by the queue, rate limiter and dedup ledger.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue coordinates per-stage ready lists, in-flight leases, scheduled retries and the DLQ in Redis.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	deadKey       string
	visibilityTTL time.Duration
	policies      Policies
}

// FailOutcome reports what Fail did with a job. Both false means the lease was already lost.
type FailOutcome struct {
	Retrying     bool
	DeadLettered bool
	NextRunAt    time.Time
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "mint:queue"
	}
	visibility := opts.Visibility
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		prefix:        prefix,
		inflightKey:   prefix + ":inflight",
		scheduledKey:  prefix + ":scheduled",
		dlqKey:        prefix + ":dlq",
		deadKey:       prefix + ":dead",
		visibilityTTL: visibility,
		policies:      opts.Policies,
	}
}

func (q *RedisQueue) readyKey(stage models.Stage) string {
	return fmt.Sprintf("%s:ready:%s", q.prefix, stage)
}

func (q *RedisQueue) jobPrefix() string {
	return q.prefix + ":job:"
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.jobPrefix() + jobID
}

// Policies returns the stage policies the queue schedules retries with.
func (q *RedisQueue) Policies() Policies {
	return q.policies
}

// NewJob builds a first-attempt job for stage using the queue's policies.
func (q *RedisQueue) NewJob(stage models.Stage, requestID string, payload models.StagePayload, now time.Time) models.StageJob {
	return q.policies.NewJob(stage, requestID, payload, now)
}

// Enqueue stores a job and makes it ready, or schedules it when NextRunAt lies after EnqueuedAt.
// It reports false, and changes nothing, when a job with the same id is already queued.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.StageJob) (bool, error) {
	if job.ID == "" {
		return false, errors.New("enqueue: job id is required")
	}
	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.scheduledKey, q.readyKey(job.Stage)},
		job.ID, body, scheduleScore(job),
	).Int()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func scheduleScore(job models.StageJob) int64 {
	if job.NextRunAt.After(job.EnqueuedAt) {
		return job.NextRunAt.UnixMilli()
	}
	return 0
}

// Claim pops the next ready job of stage and leases it until now + visibility timeout.
// It returns nil when the stage has nothing ready.
func (q *RedisQueue) Claim(ctx context.Context, stage models.Stage, now time.Time) (*models.StageJob, error) {
	deadline := now.Add(q.visibilityTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(stage), q.inflightKey},
		deadline, q.jobPrefix(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	body, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	var job models.StageJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// Complete releases the lease and deletes job. It reports whether the call still owned the job.
// When next is set it is stored and made runnable unless a job with its id is already queued.
// A delivery that lost the job still offers its follow-up.
func (q *RedisQueue) Complete(ctx context.Context, job models.StageJob, next *models.StageJob) (bool, error) {
	keys := []string{q.inflightKey, q.scheduledKey, q.readyKey(job.Stage), q.jobKey(job.ID)}
	args := []interface{}{job.ID}
	if next != nil {
		body, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("encode next job: %w", err)
		}
		keys = append(keys, q.jobKey(next.ID), q.readyKey(next.Stage))
		args = append(args, next.ID, body, scheduleScore(*next))
	}
	owned, err := completeScript.Run(ctx, q.client, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return owned == 1, nil
}

// Fail records a failed attempt. Exhausted jobs move to the DLQ; others are rescheduled with
// Attempt+1 after the stage backoff. Only the current lease holder has any effect.
func (q *RedisQueue) Fail(ctx context.Context, job models.StageJob, cause error, now time.Time) (FailOutcome, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	var (
		mode  string
		body  []byte
		score int64
		err   error
		out   FailOutcome
	)
	if job.Attempt >= job.MaxAttempts {
		mode = "dead"
		job.LastError = reason
		body, err = json.Marshal(models.DeadLetter{Job: job, Error: reason, DeadAt: now})
		out.DeadLettered = true
	} else {
		mode = "retry"
		delay := q.policies.For(job.Stage).Delay(job.Attempt)
		job.Attempt++
		job.LastError = reason
		job.NextRunAt = now.Add(delay)
		score = job.NextRunAt.UnixMilli()
		body, err = json.Marshal(job)
		out.Retrying = true
		out.NextRunAt = job.NextRunAt
	}
	if err != nil {
		return FailOutcome{}, fmt.Errorf("encode failed job: %w", err)
	}
	res, err := failScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.scheduledKey, q.jobKey(job.ID), q.dlqKey, q.deadKey},
		job.ID, mode, body, score, reason,
	).Int()
	if err != nil {
		return FailOutcome{}, err
	}
	if res == 0 {
		return FailOutcome{}, nil
	}
	return out, nil
}

// PromoteScheduled moves due scheduled jobs into their stage's ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.move(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims leases whose visibility deadline passed, making the jobs claimable again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.move(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) move(ctx context.Context, from string, now time.Time, limit int64) (int, error) {
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    cutoff,
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			return moved, err
		}
		if job == nil {
			if err := q.client.ZRem(ctx, from, id).Err(); err != nil {
				return moved, err
			}
			continue
		}
		n, err := moveScript.Run(ctx, q.client, []string{from, q.readyKey(job.Stage)}, id, cutoff).Int()
		if err != nil {
			return moved, err
		}
		moved += n
	}
	return moved, nil
}

// Get returns the stored job, or nil when it no longer exists.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (*models.StageJob, error) {
	body, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job models.StageJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// JobState is where a job stands in the queue.
type JobState int

const (
	// JobMissing means the queue holds no job with the id.
	JobMissing JobState = iota
	// JobHeld means the job is ready, leased or waiting for a retry.
	JobHeld
	// JobDead means the job exhausted its attempts and was dead-lettered.
	JobDead
)

// State reports where the job stands. For dead-lettered jobs it also returns the last error.
func (q *RedisQueue) State(ctx context.Context, jobID string) (JobState, string, error) {
	pipe := q.client.Pipeline()
	exists := pipe.Exists(ctx, q.jobKey(jobID))
	dead := pipe.HGet(ctx, q.deadKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return JobMissing, "", err
	}
	if exists.Val() > 0 {
		return JobHeld, "", nil
	}
	if reason, err := dead.Result(); err == nil {
		return JobDead, reason, nil
	}
	return JobMissing, "", nil
}

// ExtendLease pushes the visibility deadline of an in-flight job. It reports false when the lease was lost.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, until time.Time) (bool, error) {
	n, err := q.client.ZAddArgs(ctx, q.inflightKey, redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(until.UnixMilli()), Member: jobID}},
	}).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	_, err = q.client.ZScore(ctx, q.inflightKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// DeadLetters reads up to count dead-lettered jobs, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]models.DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl models.DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReadyDepth returns the ready list length of every stage.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (map[models.Stage]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[models.Stage]*redis.IntCmd, len(models.Stages))
	for _, s := range models.Stages {
		cmds[s] = pipe.LLen(ctx, q.readyKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[models.Stage]int64, len(cmds))
	for s, c := range cmds {
		out[s] = c.Val()
	}
	return out, nil
}

// InFlight returns the number of leased jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// Ping checks connectivity to Redis.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var claimScript = redis.NewScript(`
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return nil
  end
  local body = redis.call('GET', ARGV[2] .. id)
  if body then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    return body
  end
end
`)

var enqueueScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[2], 'NX') then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
else
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LREM', KEYS[3], 0, ARGV[1])
local owned = redis.call('DEL', KEYS[4])
if #ARGV > 1 and redis.call('SET', KEYS[5], ARGV[3], 'NX') then
  if tonumber(ARGV[4]) > 0 then
    redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
  else
    redis.call('RPUSH', KEYS[6], ARGV[2])
  end
end
return owned
`)

var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if ARGV[2] == 'dead' then
  redis.call('DEL', KEYS[3])
  redis.call('RPUSH', KEYS[4], ARGV[3])
  redis.call('HSET', KEYS[5], ARGV[1], ARGV[5])
  return 2
end
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

var moveScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)
