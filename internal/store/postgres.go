package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mint-pipeline/internal/models"
)

// Postgres wraps pgxpool for request and audit persistence.
type Postgres struct {
	pool           *pgxpool.Pool
	idempotencyTTL time.Duration
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, idempotencyTTL time.Duration) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, idempotencyTTL: idempotencyTTL}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const requestColumns = `id, chain, wallet, name, description, attributes, image_path, image_name, idempotency_key,
	status, image_cid, metadata_cid, metadata, token, failure_stage, failure_reason, failure_kind, audit_seq,
	created_at, updated_at`

// Create inserts a received request with its first audit entry, honoring the idempotency key.
// It returns the stored request and whether an existing one was reused.
func (s *Postgres) Create(ctx context.Context, req models.MintRequest) (models.MintRequest, bool, error) {
	if req.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, req.IdempotencyKey, req.CreatedAt); err != nil {
			return models.MintRequest{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	attrs, err := json.Marshal(nonNilAttributes(req.Attributes))
	if err != nil {
		return models.MintRequest{}, false, fmt.Errorf("marshal attributes: %w", err)
	}
	req.Status = models.StatusReceived
	req.UpdatedAt = req.CreatedAt

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.MintRequest{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if req.IdempotencyKey != "" {
		expires := req.CreatedAt.Add(s.idempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, request_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET request_id = EXCLUDED.request_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= $4
		`, req.IdempotencyKey, req.ID, expires, req.CreatedAt)
		if err != nil {
			return models.MintRequest{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return their request.
			if err := tx.Rollback(ctx); err != nil {
				return models.MintRequest{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, req.IdempotencyKey, req.CreatedAt)
			if err != nil {
				return models.MintRequest{}, false, err
			}
			if !found {
				return models.MintRequest{}, false, errors.New("idempotency conflict but no existing request found")
			}
			return existing, true, nil
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO mint_requests (id, chain, wallet, name, description, attributes, image_path, image_name,
			idempotency_key, status, audit_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $11)
	`, req.ID, req.Chain, req.Wallet, req.Name, req.Description, attrs, req.ImagePath, req.ImageName,
		emptyToNil(req.IdempotencyKey), req.Status, req.CreatedAt)
	if err != nil {
		return models.MintRequest{}, false, fmt.Errorf("insert request: %w", err)
	}
	if err := insertAudit(ctx, tx, acceptedEntry(req)); err != nil {
		return models.MintRequest{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.MintRequest{}, false, fmt.Errorf("commit: %w", err)
	}
	return req, false, nil
}

// FindByIdempotencyKey returns the request recorded under key, if the key is still live at at.
func (s *Postgres) FindByIdempotencyKey(ctx context.Context, key string, at time.Time) (models.MintRequest, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT request_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, key, at).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MintRequest{}, false, nil
	}
	if err != nil {
		return models.MintRequest{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	req, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return models.MintRequest{}, false, nil
	}
	if err != nil {
		return models.MintRequest{}, false, err
	}
	return req, true, nil
}

// Get fetches a request by id.
func (s *Postgres) Get(ctx context.Context, id string) (models.MintRequest, error) {
	req, _, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM mint_requests WHERE id = $1`, id))
	return req, err
}

// Transition applies t atomically: the row is locked, checked against t.From, mutated and
// saved together with exactly one audit entry.
func (s *Postgres) Transition(ctx context.Context, id string, t Transition) (models.MintRequest, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.MintRequest{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, seq, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM mint_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.MintRequest{}, err
	}
	if err := t.check(req.Status); err != nil {
		return req, err
	}
	if t.Apply != nil {
		t.Apply(&req)
	}
	req.Status = t.To
	req.UpdatedAt = t.At
	seq++

	var token []byte
	if req.Token != nil {
		if token, err = json.Marshal(req.Token); err != nil {
			return models.MintRequest{}, fmt.Errorf("marshal token: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		UPDATE mint_requests
		SET status = $2, image_cid = $3, metadata_cid = $4, metadata = $5, token = $6,
			failure_stage = $7, failure_reason = $8, failure_kind = $9, audit_seq = $10, updated_at = $11
		WHERE id = $1
	`, id, req.Status, req.ImageCID, req.MetadataCID, nilIfEmpty(req.Metadata), token,
		string(req.FailureStage), req.FailureReason, req.FailureKind, seq, req.UpdatedAt)
	if err != nil {
		return models.MintRequest{}, fmt.Errorf("update request: %w", err)
	}
	if err := insertAudit(ctx, tx, t.entry(id, seq)); err != nil {
		return models.MintRequest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.MintRequest{}, fmt.Errorf("commit: %w", err)
	}
	return req, nil
}

// Audit returns the audit trail of a request in sequence order.
func (s *Postgres) Audit(ctx context.Context, id string) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, seq, from_status, to_status, stage, detail, error_kind, recorded_at
		FROM mint_audit_entries WHERE request_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var from, to, stage string
		if err := rows.Scan(&e.RequestID, &e.Seq, &from, &to, &stage, &e.Detail, &e.ErrorKind, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.From, e.To, e.Stage = models.Status(from), models.Status(to), models.Stage(stage)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stalled returns up to limit unsettled requests last updated before cutoff, oldest first.
func (s *Postgres) Stalled(ctx context.Context, before time.Time, limit int) ([]models.MintRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+requestColumns+` FROM mint_requests
		WHERE status NOT IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at LIMIT $4`,
		models.StatusCompleted, models.StatusFailed, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stalled requests: %w", err)
	}
	defer rows.Close()

	var out []models.MintRequest
	for rows.Next() {
		req, _, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalled requests: %w", err)
	}
	return out, nil
}

// PurgeTerminal deletes completed and failed requests last updated before cutoff.
// Audit entries are kept.
func (s *Postgres) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM mint_requests WHERE status IN ($1, $2) AND updated_at < $3
	`, models.StatusCompleted, models.StatusFailed, before)
	if err != nil {
		return 0, fmt.Errorf("purge requests: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at < $1`, before); err != nil {
		return tag.RowsAffected(), fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, e models.AuditEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO mint_audit_entries (request_id, seq, from_status, to_status, stage, detail, error_kind, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.RequestID, e.Seq, string(e.From), string(e.To), string(e.Stage), e.Detail, e.ErrorKind, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (models.MintRequest, int64, error) {
	var (
		req                         models.MintRequest
		chain, status, failureStage string
		attrs, metadata, token      []byte
		idem                        pgtype.Text
		seq                         int64
	)
	err := row.Scan(&req.ID, &chain, &req.Wallet, &req.Name, &req.Description, &attrs, &req.ImagePath,
		&req.ImageName, &idem, &status, &req.ImageCID, &req.MetadataCID, &metadata, &token, &failureStage,
		&req.FailureReason, &req.FailureKind, &seq, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MintRequest{}, 0, ErrNotFound
	}
	if err != nil {
		return models.MintRequest{}, 0, fmt.Errorf("scan request: %w", err)
	}
	req.Chain = models.Chain(chain)
	req.Status = models.Status(status)
	req.FailureStage = models.Stage(failureStage)
	if idem.Valid {
		req.IdempotencyKey = idem.String
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &req.Attributes); err != nil {
			return models.MintRequest{}, 0, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	if len(metadata) > 0 {
		req.Metadata = json.RawMessage(metadata)
	}
	if len(token) > 0 {
		req.Token = &models.TokenRef{}
		if err := json.Unmarshal(token, req.Token); err != nil {
			return models.MintRequest{}, 0, fmt.Errorf("unmarshal token: %w", err)
		}
	}
	return req, seq, nil
}

func nonNilAttributes(a []models.Attribute) []models.Attribute {
	if a == nil {
		return []models.Attribute{}
	}
	return a
}

func nilIfEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
