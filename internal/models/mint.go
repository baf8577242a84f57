package models

import (
	"encoding/json"
	"time"
)

// Chain identifies the target network of a mint.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainHedera   Chain = "hedera"
)

// Valid reports whether c is a supported chain.
func (c Chain) Valid() bool {
	return c == ChainEthereum || c == ChainHedera
}

// Status is the lifecycle state of a MintRequest. Values are ordered; see Rank.
type Status string

const (
	StatusReceived          Status = "received"
	StatusImageUploading    Status = "image_uploading"
	StatusImageUploaded     Status = "image_uploaded"
	StatusMetadataBuilding  Status = "metadata_building"
	StatusMetadataUploading Status = "metadata_uploading"
	StatusMetadataUploaded  Status = "metadata_uploaded"
	StatusMinting           Status = "minting"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

var statusRank = map[Status]int{
	StatusReceived:          1,
	StatusImageUploading:    2,
	StatusImageUploaded:     3,
	StatusMetadataBuilding:  4,
	StatusMetadataUploading: 5,
	StatusMetadataUploaded:  6,
	StatusMinting:           7,
	StatusCompleted:         8,
	StatusFailed:            9,
}

// Rank returns the position of s in the lifecycle, 0 for unknown values.
func (s Status) Rank() int {
	return statusRank[s]
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a request may move from one status to another.
// Forward moves must strictly increase rank; any non-terminal status may fail.
func CanTransition(from, to Status) bool {
	if from.Rank() == 0 || to.Rank() == 0 || from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.Rank() > from.Rank()
}

// Stage is one queued unit of pipeline work. Its value is the in-progress status it runs under.
type Stage string

const (
	StageImageUpload    Stage = Stage(StatusImageUploading)
	StageMetadataBuild  Stage = Stage(StatusMetadataBuilding)
	StageMetadataUpload Stage = Stage(StatusMetadataUploading)
	StageMint           Stage = Stage(StatusMinting)
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageImageUpload, StageMetadataBuild, StageMetadataUpload, StageMint}

// Status returns the in-progress status the stage executes under.
func (s Stage) Status() Status {
	return Status(s)
}

// Attribute is one trait of an NFT. Value holds a string or a number.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

// TokenRef is the chain-native reference of a settled mint.
type TokenRef struct {
	Chain         Chain  `json:"chain"`
	TokenID       string `json:"token_id,omitempty"`
	SerialNumber  int64  `json:"serial_number,omitempty"`
	MetadataURI   string `json:"metadata_uri"`
	TransactionID string `json:"transaction_id,omitempty"`
	ChainID       string `json:"chain_id,omitempty"`
}

// MintRequest is one user's intent to mint, owned by the orchestrator.
type MintRequest struct {
	ID             string          `json:"id"`
	Chain          Chain           `json:"chain"`
	Wallet         string          `json:"wallet"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Attributes     []Attribute     `json:"attributes,omitempty"`
	ImagePath      string          `json:"-"`
	ImageName      string          `json:"image_name,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         Status          `json:"status"`
	ImageCID       string          `json:"image_cid,omitempty"`
	MetadataCID    string          `json:"metadata_cid,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Token          *TokenRef       `json:"token,omitempty"`
	FailureStage   Stage           `json:"failure_stage,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	FailureKind    string          `json:"failure_kind,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StagePayload carries the stage-specific input of a StageJob.
type StagePayload struct {
	ImagePath string          `json:"image_path,omitempty"`
	ImageName string          `json:"image_name,omitempty"`
	ContentID string          `json:"content_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
}

// StageJob is one unit of queued work.
type StageJob struct {
	ID          string       `json:"id"`
	RequestID   string       `json:"request_id"`
	Stage       Stage        `json:"stage"`
	Payload     StagePayload `json:"payload"`
	Attempt     int          `json:"attempt"`
	MaxAttempts int          `json:"max_attempts"`
	NextRunAt   time.Time    `json:"next_run_at"`
	LastError   string       `json:"last_error,omitempty"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
}

// DeadLetter records a job that exhausted its attempts.
type DeadLetter struct {
	Job    StageJob  `json:"job"`
	Error  string    `json:"error"`
	DeadAt time.Time `json:"dead_at"`
}

// AuditEntry is an immutable record of one status transition.
type AuditEntry struct {
	RequestID  string    `json:"request_id"`
	Seq        int64     `json:"seq"`
	From       Status    `json:"from,omitempty"`
	To         Status    `json:"to"`
	Stage      Stage     `json:"stage,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
