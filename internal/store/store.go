// Package store persists mint requests and their audit trail.
package store

import (
	"errors"
	"fmt"
	"time"

	"mint-pipeline/internal/models"
)

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("mint request not found")
	// ErrStaleTransition means the request was no longer at the expected status.
	ErrStaleTransition = errors.New("stale transition")
)

// Transition is a compare-and-set status change plus its audit record.
type Transition struct {
	From models.Status
	To   models.Status
	// Stage is recorded on the audit entry.
	Stage models.Stage
	// Apply mutates the request's recorded outputs before it is saved.
	Apply     func(*models.MintRequest)
	Detail    string
	ErrorKind string
	At        time.Time
}

func (t Transition) check(current models.Status) error {
	if current != t.From {
		return fmt.Errorf("%w: at %s, expected %s", ErrStaleTransition, current, t.From)
	}
	if !models.CanTransition(t.From, t.To) {
		return fmt.Errorf("illegal transition %s -> %s", t.From, t.To)
	}
	return nil
}

func (t Transition) entry(requestID string, seq int64) models.AuditEntry {
	return models.AuditEntry{
		RequestID:  requestID,
		Seq:        seq,
		From:       t.From,
		To:         t.To,
		Stage:      t.Stage,
		Detail:     t.Detail,
		ErrorKind:  t.ErrorKind,
		RecordedAt: t.At,
	}
}

func acceptedEntry(req models.MintRequest) models.AuditEntry {
	return models.AuditEntry{
		RequestID:  req.ID,
		Seq:        1,
		To:         models.StatusReceived,
		Detail:     "request accepted",
		RecordedAt: req.CreatedAt,
	}
}
