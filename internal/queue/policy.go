package queue

import (
	"time"

	"mint-pipeline/internal/config"
	"mint-pipeline/internal/models"
)

// Policy is the retry policy of one stage.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	Exponential bool
	// Max caps the computed delay; zero means uncapped.
	Max time.Duration
}

// Delay returns how long to wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Backoff
	if p.Exponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.Max > 0 && d >= p.Max {
				break
			}
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Policies maps each stage to its retry policy.
type Policies map[models.Stage]Policy

// For returns the policy of stage, falling back to a single attempt.
func (p Policies) For(stage models.Stage) Policy {
	if pol, ok := p[stage]; ok && pol.MaxAttempts > 0 {
		return pol
	}
	return Policy{MaxAttempts: 1, Backoff: time.Second}
}

// PoliciesFromConfig builds the stage policies from configuration.
func PoliciesFromConfig(cfg config.Config) Policies {
	conv := func(sp config.StagePolicy) Policy {
		return Policy{
			MaxAttempts: sp.MaxAttempts,
			Backoff:     sp.Backoff,
			Exponential: sp.Exponential,
			Max:         cfg.BackoffMax,
		}
	}
	return Policies{
		models.StageImageUpload:    conv(cfg.Stages.ImageUpload),
		models.StageMetadataBuild:  conv(cfg.Stages.MetadataBuild),
		models.StageMetadataUpload: conv(cfg.Stages.MetadataUpload),
		models.StageMint:           conv(cfg.Stages.Mint),
	}
}

// JobID names the job of stage for a request. A request has at most one job per stage, so
// every delivery that offers the same follow-up offers the same job.
func JobID(requestID string, stage models.Stage) string {
	return requestID + ":" + string(stage)
}

// NewJob builds the first attempt of a stage job, runnable immediately.
func (p Policies) NewJob(stage models.Stage, requestID string, payload models.StagePayload, now time.Time) models.StageJob {
	return models.StageJob{
		ID:          JobID(requestID, stage),
		RequestID:   requestID,
		Stage:       stage,
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: p.For(stage).MaxAttempts,
		NextRunAt:   now,
		EnqueuedAt:  now,
	}
}
