package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// PostgresStore implements Store on PostgreSQL, one JSONB document per
// audit log. Patches run read-modify-write inside a transaction with a
// row lock, which gives the last-write-wins-per-key semantics the
// patch contract requires without needing stronger isolation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the audit table
// exists.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("audit store connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit store ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit store migrate: %w", err)
	}

	log.Info().Msg("Postgres audit store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS tm_audit_logs (
			id         TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tm_audit_created ON tm_audit_logs (created_at DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, intent models.Intent, plan *models.Plan) (*models.AuditLog, error) {
	now := time.Now().UTC()
	entry := &models.AuditLog{
		ID:            uuid.NewString(),
		Intent:        intent,
		Plan:          plan,
		Steps:         []models.StepRecord{},
		ToolLatencies: map[string]*models.LatencySeries{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	doc, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal audit log: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tm_audit_logs (id, doc, created_at, updated_at) VALUES ($1, $2, $3, $3)`,
		entry.ID, doc, now)
	if err != nil {
		return nil, fmt.Errorf("insert audit log: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.AuditLog, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM tm_audit_logs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get audit log: %w", err)
	}

	var entry models.AuditLog
	if err := json.Unmarshal(doc, &entry); err != nil {
		return nil, fmt.Errorf("decode audit log %s: %w", id, err)
	}
	return &entry, nil
}

func (s *PostgresStore) Patch(ctx context.Context, id string, patch models.AuditPatch) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin patch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM tm_audit_logs WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{ID: id}
	}
	if err != nil {
		return fmt.Errorf("lock audit log: %w", err)
	}

	var entry models.AuditLog
	if err := json.Unmarshal(doc, &entry); err != nil {
		return fmt.Errorf("decode audit log %s: %w", id, err)
	}

	applyPatch(&entry, patch)

	updated, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tm_audit_logs SET doc = $2, updated_at = $3 WHERE id = $1`,
		id, updated, entry.UpdatedAt); err != nil {
		return fmt.Errorf("update audit log: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM tm_audit_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var entry models.AuditLog
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, fmt.Errorf("decode audit log: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
