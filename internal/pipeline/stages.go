package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"mint-pipeline/internal/breaker"
	"mint-pipeline/internal/chain"
	"mint-pipeline/internal/content"
	"mint-pipeline/internal/dedup"
	"mint-pipeline/internal/metadata"
	"mint-pipeline/internal/models"
	"mint-pipeline/internal/store"
	"mint-pipeline/internal/telemetry"
)

// Handler runs one stage job and returns the follow-up job, if any.
type Handler func(ctx context.Context, job models.StageJob) (*models.StageJob, error)

// stageRoute describes where a stage sits in the state machine.
type stageRoute struct {
	done models.Status
	next models.Stage
}

var stageRoutes = map[models.Stage]stageRoute{
	models.StageImageUpload:    {done: models.StatusImageUploaded, next: models.StageMetadataBuild},
	models.StageMetadataBuild:  {done: models.StatusMetadataUploading, next: models.StageMetadataUpload},
	models.StageMetadataUpload: {done: models.StatusMetadataUploaded, next: models.StageMint},
	models.StageMint:           {done: models.StatusCompleted},
}

// result is the recorded output of a stage run.
type result struct {
	apply  func(*models.MintRequest)
	detail string
}

// Handlers returns the handler of every stage, for registration on the worker.
func (o *Orchestrator) Handlers() map[models.Stage]Handler {
	return map[models.Stage]Handler{
		models.StageImageUpload:    o.HandleImageUpload,
		models.StageMetadataBuild:  o.HandleMetadataBuild,
		models.StageMetadataUpload: o.HandleMetadataUpload,
		models.StageMint:           o.HandleMint,
	}
}

func (o *Orchestrator) HandleImageUpload(ctx context.Context, job models.StageJob) (*models.StageJob, error) {
	return o.runStage(ctx, job, o.uploadImage)
}

func (o *Orchestrator) HandleMetadataBuild(ctx context.Context, job models.StageJob) (*models.StageJob, error) {
	return o.runStage(ctx, job, o.buildMetadata)
}

func (o *Orchestrator) HandleMetadataUpload(ctx context.Context, job models.StageJob) (*models.StageJob, error) {
	return o.runStage(ctx, job, o.uploadMetadata)
}

func (o *Orchestrator) HandleMint(ctx context.Context, job models.StageJob) (*models.StageJob, error) {
	return o.runStage(ctx, job, o.mint)
}

// runStage executes run only while the request sits at the stage's in-progress status. A job
// redelivered after its stage finished only repairs the follow-up; jobs of settled requests are
// acknowledged without effect.
func (o *Orchestrator) runStage(ctx context.Context, job models.StageJob, run func(context.Context, models.MintRequest) (result, error)) (*models.StageJob, error) {
	route, ok := stageRoutes[job.Stage]
	if !ok {
		return nil, &models.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", job.Stage)}
	}
	log := o.logger.With(slog.String("request_id", job.RequestID), slog.String("stage", string(job.Stage)), slog.String("job_id", job.ID))

	req, err := o.store.Get(ctx, job.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("dropping job for unknown request")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}

	switch {
	case req.Status == job.Stage.Status():
		req, err = o.execute(ctx, log, job, route, req, run)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return nil, nil
		}
	case req.Status.Terminal():
		log.Info("request already settled, acknowledging", slog.String("status", string(req.Status)))
		return nil, nil
	case req.Status.Rank() < job.Stage.Status().Rank():
		log.Warn("job ahead of request, acknowledging", slog.String("status", string(req.Status)))
		return nil, nil
	default:
		log.Info("redelivered job, repairing follow-up", slog.String("status", string(req.Status)))
	}
	return o.followup(ctx, route, req)
}

// execute runs the stage and records its outcome. When the run or the record loses to another
// delivery that already moved the request on, the request as that delivery left it is returned
// so this delivery offers the same follow-up.
func (o *Orchestrator) execute(ctx context.Context, log *slog.Logger, job models.StageJob, route stageRoute, req models.MintRequest, run func(context.Context, models.MintRequest) (result, error)) (models.MintRequest, error) {
	res, runErr := run(ctx, req)
	if runErr == nil {
		updated, err := o.transition(ctx, req.ID, store.Transition{
			From:   req.Status,
			To:     route.done,
			Stage:  job.Stage,
			Apply:  res.apply,
			Detail: res.detail,
		})
		if err == nil {
			o.afterStage(job.Stage, updated)
			return updated, nil
		}
		if !errors.Is(err, store.ErrStaleTransition) {
			return req, fmt.Errorf("record %s: %w", job.Stage, err)
		}
	}

	current, err := o.store.Get(ctx, req.ID)
	if err != nil {
		if runErr != nil {
			return req, runErr
		}
		return req, fmt.Errorf("reload request: %w", err)
	}
	if current.Status == req.Status {
		return current, runErr
	}
	log.Info("stage already recorded by another delivery", slog.String("status", string(current.Status)))
	return current, nil
}

// followup moves a request from a stage's done status into the next stage and builds its job.
func (o *Orchestrator) followup(ctx context.Context, route stageRoute, req models.MintRequest) (*models.StageJob, error) {
	if route.next == "" {
		return nil, nil
	}
	nextStatus := route.next.Status()
	if req.Status == route.done && route.done != nextStatus {
		updated, err := o.transition(ctx, req.ID, store.Transition{
			From:   route.done,
			To:     nextStatus,
			Stage:  route.next,
			Detail: string(route.next) + " queued",
		})
		if errors.Is(err, store.ErrStaleTransition) {
			updated, err = o.store.Get(ctx, req.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("advance to %s: %w", route.next, err)
		}
		req = updated
	}
	if req.Status != nextStatus {
		return nil, nil
	}
	job := o.queue.NewJob(route.next, req.ID, payloadFor(route.next, req), o.now())
	return &job, nil
}

func payloadFor(stage models.Stage, req models.MintRequest) models.StagePayload {
	switch stage {
	case models.StageMetadataBuild:
		return models.StagePayload{ContentID: req.ImageCID}
	case models.StageMetadataUpload:
		return models.StagePayload{Metadata: req.Metadata}
	case models.StageMint:
		return models.StagePayload{ContentID: req.MetadataCID, Recipient: req.Wallet}
	default:
		return models.StagePayload{ImagePath: req.ImagePath, ImageName: req.ImageName}
	}
}

func (o *Orchestrator) afterStage(stage models.Stage, req models.MintRequest) {
	switch stage {
	case models.StageImageUpload:
		o.removeUpload(req)
	case models.StageMint:
		telemetry.CompletedCounter.WithLabelValues(string(req.Chain)).Inc()
	}
}

func (o *Orchestrator) uploadImage(ctx context.Context, req models.MintRequest) (result, error) {
	data, err := os.ReadFile(req.ImagePath)
	if errors.Is(err, os.ErrNotExist) {
		return result{}, &models.ValidationError{Field: "image", Reason: "uploaded file is no longer available"}
	}
	if err != nil {
		return result{}, fmt.Errorf("read upload: %w", err)
	}
	contentType := content.ContentTypeFor(req.ImageName)
	if contentType == "application/octet-stream" {
		contentType = content.ContentTypeFor(req.ImagePath)
	}
	cid, err := breaker.Call(ctx, o.breakers.Content, func(ctx context.Context) (string, error) {
		return o.content.Upload(ctx, data, contentType)
	})
	if err != nil {
		return result{}, err
	}
	return result{
		apply:  func(r *models.MintRequest) { r.ImageCID = cid },
		detail: "image stored at " + o.content.URI(cid),
	}, nil
}

func (o *Orchestrator) buildMetadata(_ context.Context, req models.MintRequest) (result, error) {
	if req.ImageCID == "" {
		return result{}, &models.ValidationError{Field: "image_cid", Reason: "image was not uploaded"}
	}
	doc := metadata.Build(metadata.Input{
		Chain:       req.Chain,
		Name:        req.Name,
		Description: req.Description,
		ImageURI:    o.content.URI(req.ImageCID),
		Creator:     req.Wallet,
		Attributes:  req.Attributes,
	})
	if err := metadata.Validate(doc); err != nil {
		return result{}, err
	}
	raw, err := doc.Marshal()
	if err != nil {
		return result{}, err
	}
	return result{
		apply:  func(r *models.MintRequest) { r.Metadata = raw },
		detail: "metadata built",
	}, nil
}

func (o *Orchestrator) uploadMetadata(ctx context.Context, req models.MintRequest) (result, error) {
	if len(req.Metadata) == 0 {
		return result{}, &models.ValidationError{Field: "metadata", Reason: "metadata was not built"}
	}
	cid, err := breaker.Call(ctx, o.breakers.Content, func(ctx context.Context) (string, error) {
		return o.content.Upload(ctx, req.Metadata, "application/json")
	})
	if err != nil {
		return result{}, err
	}
	return result{
		apply:  func(r *models.MintRequest) { r.MetadataCID = cid },
		detail: "metadata stored at " + o.content.URI(cid),
	}, nil
}

// mintRecord is the dedup ledger value of a mint that reached the chain.
type mintRecord struct {
	Token    models.TokenRef `json:"token"`
	Orphaned bool            `json:"orphaned,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (o *Orchestrator) mint(ctx context.Context, req models.MintRequest) (result, error) {
	minter, err := o.minters.For(req.Chain)
	if err != nil {
		return result{}, err
	}
	if req.MetadataCID == "" {
		return result{}, &models.ValidationError{Field: "metadata_cid", Reason: "metadata was not uploaded"}
	}
	in := chain.MintInput{RequestID: req.ID, MetadataURI: o.content.URI(req.MetadataCID), Recipient: req.Wallet}

	// Ethereum mints are signed client side; only Hedera writes to the chain from here.
	guarded := req.Chain == models.ChainHedera
	if guarded {
		existing, reserved, err := o.ledger.Reserve(ctx, req.ID, models.StageMint)
		if err != nil {
			return result{}, err
		}
		if !reserved {
			ref, err := o.replayMint(req, existing)
			if err != nil {
				return result{}, err
			}
			return mintResult(ref), nil
		}
	}

	ref, err := minter.Mint(ctx, in)
	if err != nil {
		if guarded {
			o.settleFailedMint(ctx, req, ref, err)
		}
		return result{}, err
	}
	if guarded {
		o.commitMint(ctx, req.ID, mintRecord{Token: ref})
	}
	return mintResult(ref), nil
}

func mintResult(ref models.TokenRef) result {
	detail := "token minted"
	if ref.SerialNumber > 0 {
		detail = fmt.Sprintf("token %s serial %d delivered", ref.TokenID, ref.SerialNumber)
	} else if ref.ChainID != "" {
		detail = "token ready for client mint on chain " + ref.ChainID
	}
	return result{
		apply: func(r *models.MintRequest) {
			tok := ref
			r.Token = &tok
		},
		detail: detail,
	}
}

// replayMint resolves a mint slot that an earlier delivery already claimed.
func (o *Orchestrator) replayMint(req models.MintRequest, existing string) (models.TokenRef, error) {
	if existing == dedup.Pending {
		return models.TokenRef{}, &models.OrphanedMintError{
			Recipient: req.Wallet,
			Err:       errors.New("an earlier mint attempt ended without a recorded outcome"),
		}
	}
	var rec mintRecord
	if err := json.Unmarshal([]byte(existing), &rec); err != nil {
		return models.TokenRef{}, &models.OrphanedMintError{Recipient: req.Wallet, Err: fmt.Errorf("unreadable mint record: %w", err)}
	}
	if rec.Orphaned {
		return models.TokenRef{}, &models.OrphanedMintError{
			TokenID:      rec.Token.TokenID,
			SerialNumber: rec.Token.SerialNumber,
			Recipient:    req.Wallet,
			Err:          errors.New(rec.Error),
		}
	}
	o.logger.Info("reusing recorded mint", slog.String("request_id", req.ID), slog.Int64("serial", rec.Token.SerialNumber))
	return rec.Token, nil
}

// settleFailedMint records orphans, keeps the reservation when the outcome is unknown and
// releases it after a definite failure so the retry policy may mint again.
func (o *Orchestrator) settleFailedMint(ctx context.Context, req models.MintRequest, ref models.TokenRef, err error) {
	var orphan *models.OrphanedMintError
	switch {
	case errors.As(err, &orphan):
		o.commitMint(ctx, req.ID, mintRecord{Token: ref, Orphaned: true, Error: err.Error()})
	case errors.Is(err, breaker.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		o.logger.Warn("mint outcome unknown, keeping reservation",
			slog.String("request_id", req.ID), slog.String("error", err.Error()))
	default:
		if rerr := o.ledger.Release(ctx, req.ID, models.StageMint); rerr != nil {
			o.logger.Error("release mint reservation", slog.String("request_id", req.ID), slog.String("error", rerr.Error()))
		}
	}
}

func (o *Orchestrator) commitMint(ctx context.Context, requestID string, rec mintRecord) {
	raw, err := json.Marshal(rec)
	if err == nil {
		err = o.ledger.Commit(ctx, requestID, models.StageMint, string(raw))
	}
	if err != nil {
		o.logger.Error("record mint outcome", slog.String("request_id", requestID), slog.String("error", err.Error()))
	}
}
