package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"exhibition-bot/internal/models"
)

// ErrNotFound is returned when a tenant or record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity. The bot refuses to start any tenant when this fails.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- tenants ---

const tenantColumns = `id, name, bot_token, photo_prefix, active, created_at`

// CreateTenant inserts a tenant row and returns it.
func (s *Store) CreateTenant(ctx context.Context, name, botToken, photoPrefix string) (models.Tenant, error) {
	t := models.Tenant{
		ID:          uuid.New().String(),
		Name:        name,
		BotToken:    botToken,
		PhotoPrefix: photoPrefix,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, bot_token, photo_prefix, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.Name, t.BotToken, t.PhotoPrefix, t.Active, t.CreatedAt)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

// GetTenant fetches one tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

// ListActiveTenants returns the desired tenant set for reconciliation.
func (s *Store) ListActiveTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetTenantActive flips the active flag. Deactivation makes the supervisor
// stop the tenant's worker on its next reconciliation.
func (s *Store) SetTenantActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tenants SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update tenant active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var t models.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.BotToken, &t.PhotoPrefix, &t.Active, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Tenant{}, ErrNotFound
		}
		return models.Tenant{}, fmt.Errorf("scan tenant: %w", err)
	}
	return t, nil
}

// --- exhibition records ---

const recordColumns = `id, tenant_id, submitter_id, submitter_name, photo_ref, thumb_ref,
	submitted_at, state, evaluator_id, evaluated_at, evaluator_comment,
	chat_id, message_id, synced`

// CreateRecordParams collects inputs required to insert a submission.
type CreateRecordParams struct {
	TenantID      string
	SubmitterID   int64
	SubmitterName string
	PhotoRef      string
	ThumbRef      string
	ChatID        int64
	MessageID     int64
}

// CreateRecord inserts a pending record. A fresh submission has nothing to
// sync, so it is created with synced = true.
func (s *Store) CreateRecord(ctx context.Context, p CreateRecordParams) (models.ExhibitionRecord, error) {
	r := models.ExhibitionRecord{
		ID:            uuid.New().String(),
		TenantID:      p.TenantID,
		SubmitterID:   p.SubmitterID,
		SubmitterName: p.SubmitterName,
		PhotoRef:      p.PhotoRef,
		ThumbRef:      p.ThumbRef,
		SubmittedAt:   time.Now().UTC(),
		State:         models.StatePending,
		ChatID:        p.ChatID,
		MessageID:     p.MessageID,
		Synced:        true,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exhibition_records
			(id, tenant_id, submitter_id, submitter_name, photo_ref, thumb_ref,
			 submitted_at, state, chat_id, message_id, synced)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.TenantID, r.SubmitterID, r.SubmitterName, r.PhotoRef, r.ThumbRef,
		r.SubmittedAt, r.State, r.ChatID, r.MessageID, r.Synced)
	if err != nil {
		return models.ExhibitionRecord{}, fmt.Errorf("insert record: %w", err)
	}
	return r, nil
}

// GetRecord fetches one record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (models.ExhibitionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM exhibition_records WHERE id = $1`, id)
	return scanRecord(row)
}

// ListRecords returns a tenant's records, optionally filtered by state,
// newest first.
func (s *Store) ListRecords(ctx context.Context, tenantID, state string, limit int) ([]models.ExhibitionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM exhibition_records WHERE tenant_id = $1`
	args := []any{tenantID}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	query += fmt.Sprintf(` ORDER BY submitted_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListUnsynced returns evaluated-but-unsynced records, oldest decision first
// so a message never ends up showing a stale state when edits race.
func (s *Store) ListUnsynced(ctx context.Context, tenantID string) ([]models.ExhibitionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM exhibition_records
		WHERE tenant_id = $1 AND NOT synced
		ORDER BY evaluated_at ASC NULLS LAST
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query unsynced records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// CountPending reports how many submissions await evaluation.
func (s *Store) CountPending(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM exhibition_records WHERE tenant_id = $1 AND state = $2
	`, tenantID, models.StatePending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// MarkEvaluated applies an evaluation decision to a batch of records and
// clears their synced flag so the next sync run picks them up. Re-evaluation
// of already-decided records is permitted; a transition back to pending is not.
func (s *Store) MarkEvaluated(ctx context.Context, ids []string, state, evaluatorID, comment string) (int64, error) {
	if !models.ValidRecordState(state) || state == models.StatePending {
		return 0, fmt.Errorf("invalid evaluation state %q", state)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE exhibition_records
		SET state = $2, evaluator_id = $3, evaluated_at = NOW(), evaluator_comment = $4, synced = FALSE
		WHERE id = ANY($1)
	`, ids, state, evaluatorID, comment)
	if err != nil {
		return 0, fmt.Errorf("mark evaluated: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkSynced flags a record's chat message as up to date. Idempotent. The
// evaluated_at guard keeps the flag clear when a re-evaluation landed between
// the message edit and this write, so the newer decision is still synced on
// the next run.
func (s *Store) MarkSynced(ctx context.Context, id string, evaluatedAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE exhibition_records SET synced = TRUE
		WHERE id = $1 AND evaluated_at IS NOT DISTINCT FROM $2
	`, id, evaluatedAt)
	return err
}

func scanRecord(row pgx.Row) (models.ExhibitionRecord, error) {
	var r models.ExhibitionRecord
	var evaluator, comment pgtype.Text
	var evaluatedAt pgtype.Timestamptz
	err := row.Scan(&r.ID, &r.TenantID, &r.SubmitterID, &r.SubmitterName, &r.PhotoRef, &r.ThumbRef,
		&r.SubmittedAt, &r.State, &evaluator, &evaluatedAt, &comment,
		&r.ChatID, &r.MessageID, &r.Synced)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ExhibitionRecord{}, ErrNotFound
		}
		return models.ExhibitionRecord{}, fmt.Errorf("scan record: %w", err)
	}
	r.EvaluatorID = textPtr(evaluator)
	r.EvaluatorComment = textPtr(comment)
	if evaluatedAt.Valid {
		t := evaluatedAt.Time
		r.EvaluatedAt = &t
	}
	return r, nil
}

func collectRecords(rows pgx.Rows) ([]models.ExhibitionRecord, error) {
	var records []models.ExhibitionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
