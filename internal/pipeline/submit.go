package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"mint-pipeline/internal/models"
	"mint-pipeline/internal/store"
	"mint-pipeline/internal/telemetry"
)

// SubmitInput is one validated-by-collaborators upload plus its metadata fields.
type SubmitInput struct {
	Chain          models.Chain       `json:"chain" validate:"required,oneof=ethereum hedera"`
	Wallet         string             `json:"wallet" validate:"required"`
	Name           string             `json:"name" validate:"required,max=100"`
	Description    string             `json:"description" validate:"required,max=1000"`
	Attributes     []models.Attribute `json:"attributes" validate:"max=50"`
	ImagePath      string             `json:"image" validate:"required"`
	ImageName      string             `json:"image_name"`
	IdempotencyKey string             `json:"idempotency_key" validate:"max=128"`
}

var hederaAccount = regexp.MustCompile(`^0\.\d+\.\d+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("hedera_account", func(fl validator.FieldLevel) bool {
		return hederaAccount.MatchString(fl.Field().String())
	})
	return v
}

func validateSubmit(in SubmitInput) error {
	if err := validate.Struct(in); err != nil {
		return toValidationError(err)
	}
	walletTag := "eth_addr"
	if in.Chain == models.ChainHedera {
		walletTag = "hedera_account"
	}
	if err := validate.Var(in.Wallet, walletTag); err != nil {
		return &models.ValidationError{Field: "wallet", Reason: fmt.Sprintf("not a valid %s address", in.Chain)}
	}
	for i, a := range in.Attributes {
		if strings.TrimSpace(a.TraitType) == "" {
			return &models.ValidationError{Field: fmt.Sprintf("attributes[%d].trait_type", i), Reason: "required"}
		}
		switch a.Value.(type) {
		case string, float64, float32, int, int64, int32:
		case nil:
			return &models.ValidationError{Field: fmt.Sprintf("attributes[%d].value", i), Reason: "required"}
		default:
			return &models.ValidationError{Field: fmt.Sprintf("attributes[%d].value", i), Reason: "must be a string or a number"}
		}
	}
	return nil
}

func toValidationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return &models.ValidationError{Reason: err.Error()}
	}
	fe := errs[0]
	reason := fe.Tag()
	if fe.Param() != "" {
		reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
	}
	return &models.ValidationError{Field: fe.Field(), Reason: reason}
}

// NormalizeWallet returns the canonical form of a wallet: Ethereum addresses are lower-cased.
func NormalizeWallet(c models.Chain, wallet string) string {
	wallet = strings.TrimSpace(wallet)
	if c == models.ChainEthereum {
		return strings.ToLower(wallet)
	}
	return wallet
}

// Submit accepts a mint: it validates the input, applies the rate limits, records the request
// and queues the image upload. The request is returned in image_uploading.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (models.MintRequest, error) {
	in.Wallet = strings.TrimSpace(in.Wallet)
	if err := validateSubmit(in); err != nil {
		return models.MintRequest{}, err
	}
	in.Wallet = NormalizeWallet(in.Chain, in.Wallet)
	now := o.now()

	var key string
	if in.IdempotencyKey != "" {
		key = in.Wallet + ":" + in.IdempotencyKey
		existing, found, err := o.store.FindByIdempotencyKey(ctx, key, now)
		if err != nil {
			return models.MintRequest{}, fmt.Errorf("look up idempotency key: %w", err)
		}
		if found {
			o.logIdempotentReplay(existing, in.IdempotencyKey)
			return existing, nil
		}
	}

	if err := o.limiter.Allow(ctx, in.Wallet, in.Chain); err != nil {
		return models.MintRequest{}, err
	}

	req := models.MintRequest{
		ID:             uuid.NewString(),
		Chain:          in.Chain,
		Wallet:         in.Wallet,
		Name:           in.Name,
		Description:    in.Description,
		Attributes:     in.Attributes,
		ImagePath:      in.ImagePath,
		ImageName:      in.ImageName,
		CreatedAt:      now,
		IdempotencyKey: key,
	}

	created, existed, err := o.store.Create(ctx, req)
	if err != nil {
		return models.MintRequest{}, fmt.Errorf("create request: %w", err)
	}
	if existed {
		o.logIdempotentReplay(created, in.IdempotencyKey)
		return created, nil
	}
	o.logger.Info("mint request transition",
		slog.Bool("audit", true),
		slog.String("request_id", created.ID),
		slog.String("to", string(models.StatusReceived)),
		slog.String("chain", string(created.Chain)))

	job := o.queue.NewJob(models.StageImageUpload, created.ID, models.StagePayload{
		ImagePath: created.ImagePath,
		ImageName: created.ImageName,
	}, now)

	queued, err := o.transition(ctx, created.ID, store.Transition{
		From:   models.StatusReceived,
		To:     models.StatusImageUploading,
		Stage:  models.StageImageUpload,
		Detail: "image upload queued",
		At:     now,
	})
	if err != nil {
		return created, fmt.Errorf("start pipeline: %w", err)
	}

	if _, err := o.queue.Enqueue(ctx, job); err != nil {
		cause := fmt.Errorf("enqueue image upload: %w", err)
		if ferr := o.fail(ctx, created.ID, models.StageImageUpload, cause); ferr != nil {
			o.logger.Error("mark request failed", slog.String("request_id", created.ID), slog.String("error", ferr.Error()))
		}
		return queued, cause
	}

	telemetry.SubmittedCounter.WithLabelValues(string(created.Chain)).Inc()
	return queued, nil
}

func (o *Orchestrator) logIdempotentReplay(req models.MintRequest, key string) {
	o.logger.Info("idempotent resubmission",
		slog.String("request_id", req.ID),
		slog.String("idempotency_key", key))
}
