package signals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/agencyhub/ruleengine/rules"
)

// PostgresStore implements Store backed by PostgreSQL. Payloads live in a
// JSONB column.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, sig *Signal) error {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(sig.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (id, agency_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sig.ID, sig.AgencyID, sig.Type, payload, sig.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == "23505" {
		return fmt.Errorf("signal %s: %w", sig.ID, ErrSignalExists)
	}
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Signal, error) {
	var sig Signal
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agency_id, type, payload, created_at
		FROM signals
		WHERE id = $1
	`, id).Scan(&sig.ID, &sig.AgencyID, &sig.Type, &payload, &sig.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signal %s: %w", id, rules.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	if err := json.Unmarshal(payload, &sig.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &sig, nil
}

func (s *PostgresStore) ListWindow(ctx context.Context, agencyID, signalType string, since time.Time) ([]*Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agency_id, type, payload, created_at
		FROM signals
		WHERE agency_id = $1 AND type = $2 AND created_at >= $3
		ORDER BY created_at ASC
	`, agencyID, signalType, since)
	if err != nil {
		return nil, fmt.Errorf("list signal window: %w", err)
	}
	defer rows.Close()

	out := []*Signal{}
	for rows.Next() {
		var sig Signal
		var payload []byte
		if err := rows.Scan(&sig.ID, &sig.AgencyID, &sig.Type, &payload, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if err := json.Unmarshal(payload, &sig.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return out, nil
}
