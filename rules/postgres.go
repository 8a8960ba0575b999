package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// maxVersionAllocRetries bounds how often a createVersion transaction is
// replayed after losing the race on the (rule_id, version) unique
// constraint.
const maxVersionAllocRetries = 3

// uniqueViolation is the Postgres error code for unique constraint hits.
const uniqueViolation = "23505"

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Mutations
// and their audit rows commit in one transaction.
type PostgresRuleStore struct {
	db *sql.DB
}

func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

func (s *PostgresRuleStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func (s *PostgresRuleStore) CreateRule(ctx context.Context, rule *Rule, audit *RuleAudit) error {
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rules (id, agency_id, name, enabled, default_version_id, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rule.ID, rule.AgencyID, rule.Name, rule.Enabled, rule.DefaultVersionID,
			rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (s *PostgresRuleStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	return scanRule(s.db.QueryRowContext(ctx, `
		SELECT id, agency_id, name, enabled, default_version_id, created_by, created_at, updated_at
		FROM rules
		WHERE id = $1
	`, id))
}

func (s *PostgresRuleStore) ListRules(ctx context.Context, agencyID string) ([]*Rule, error) {
	return s.queryRules(ctx, `
		SELECT id, agency_id, name, enabled, default_version_id, created_by, created_at, updated_at
		FROM rules
		WHERE agency_id = $1
		ORDER BY created_at ASC
	`, agencyID)
}

func (s *PostgresRuleStore) ListEnabledRules(ctx context.Context, agencyID string) ([]*Rule, error) {
	return s.queryRules(ctx, `
		SELECT id, agency_id, name, enabled, default_version_id, created_by, created_at, updated_at
		FROM rules
		WHERE agency_id = $1 AND enabled = true AND default_version_id IS NOT NULL
		ORDER BY created_at ASC
	`, agencyID)
}

func (s *PostgresRuleStore) queryRules(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	out := []*Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var defaultVersion sql.NullString
	err := row.Scan(&rule.ID, &rule.AgencyID, &rule.Name, &rule.Enabled,
		&defaultVersion, &rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	if defaultVersion.Valid {
		rule.DefaultVersionID = &defaultVersion.String
	}
	return &rule, nil
}

func (s *PostgresRuleStore) UpdateRule(ctx context.Context, rule *Rule, audit *RuleAudit) error {
	rule.UpdatedAt = time.Now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE rules
			SET name = $1, enabled = $2, updated_at = $3
			WHERE id = $4
		`, rule.Name, rule.Enabled, rule.UpdatedAt, rule.ID)
		if err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (s *PostgresRuleStore) DeleteRule(ctx context.Context, id string, audit *RuleAudit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Audit before the row disappears; versions cascade, audits and
		// evaluations are unreferenced on purpose and survive.
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresRuleStore) CreateVersion(ctx context.Context, v *RuleVersion, conditions []*RuleCondition, actions []*RuleAction, makeAudit func(*RuleVersion) *RuleAudit) error {
	if makeAudit == nil {
		return errors.New("audit row is required for every mutation")
	}
	var lastErr error
	for attempt := 0; attempt < maxVersionAllocRetries; attempt++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			// max+1 is racy on its own; the unique constraint on
			// (rule_id, version) turns the race into a retryable conflict.
			var next int
			err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(version), 0) + 1 FROM rule_versions WHERE rule_id = $1
			`, v.RuleID).Scan(&next)
			if err != nil {
				return fmt.Errorf("allocate version number: %w", err)
			}
			v.Version = next
			v.CreatedAt = time.Now()

			threshold, err := marshalMap(v.ThresholdConfig)
			if err != nil {
				return err
			}
			lifecycle, err := marshalMap(v.LifecycleConfig)
			if err != nil {
				return err
			}
			anomaly, err := marshalMap(v.AnomalyConfig)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO rule_versions (id, rule_id, version, status, condition_logic,
					threshold_config, lifecycle_config, anomaly_config, created_by, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, v.ID, v.RuleID, v.Version, v.Status, v.ConditionLogic,
				threshold, lifecycle, anomaly, v.CreatedBy, v.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert version: %w", err)
			}

			for _, c := range conditions {
				c.CreatedAt = v.CreatedAt
				comparison, err := marshalAny(c.ComparisonValue)
				if err != nil {
					return err
				}
				// A nil *WindowConfig must become SQL NULL, not JSON
				// null; marshalAny cannot see through the typed nil.
				var window []byte
				if c.Window != nil {
					window, err = marshalAny(c.Window)
					if err != nil {
						return err
					}
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO rule_conditions (id, rule_version_id, ordinal, field_path,
						operator, comparison_value, window_config, scope, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				`, c.ID, c.RuleVersionID, c.Order, c.FieldPath,
					c.Operator, comparison, window, c.Scope, c.CreatedAt)
				if err != nil {
					return fmt.Errorf("insert condition %d: %w", c.Order, err)
				}
			}

			for _, a := range actions {
				a.CreatedAt = v.CreatedAt
				config, err := marshalMap(a.ActionConfig)
				if err != nil {
					return err
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO rule_actions (id, rule_version_id, ordinal, action_type, action_config, created_at)
					VALUES ($1, $2, $3, $4, $5, $6)
				`, a.ID, a.RuleVersionID, a.Order, a.ActionType, config, a.CreatedAt)
				if err != nil {
					return fmt.Errorf("insert action %d: %w", a.Order, err)
				}
			}

			// Built after allocation so the snapshot carries the
			// assigned number.
			return insertAudit(ctx, tx, makeAudit(v))
		})

		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrVersionConflict, lastErr)
}

func (s *PostgresRuleStore) GetVersion(ctx context.Context, id string) (*RuleVersion, error) {
	var v RuleVersion
	var threshold, lifecycle, anomaly []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, version, status, condition_logic,
			threshold_config, lifecycle_config, anomaly_config, created_by, created_at
		FROM rule_versions
		WHERE id = $1
	`, id).Scan(&v.ID, &v.RuleID, &v.Version, &v.Status, &v.ConditionLogic,
		&threshold, &lifecycle, &anomaly, &v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule version: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	if err := unmarshalMap(threshold, &v.ThresholdConfig); err != nil {
		return nil, err
	}
	if err := unmarshalMap(lifecycle, &v.LifecycleConfig); err != nil {
		return nil, err
	}
	if err := unmarshalMap(anomaly, &v.AnomalyConfig); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresRuleStore) ListVersions(ctx context.Context, ruleID string) ([]*RuleVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, version, status, condition_logic,
			threshold_config, lifecycle_config, anomaly_config, created_by, created_at
		FROM rule_versions
		WHERE rule_id = $1
		ORDER BY version ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	out := []*RuleVersion{}
	for rows.Next() {
		var v RuleVersion
		var threshold, lifecycle, anomaly []byte
		if err := rows.Scan(&v.ID, &v.RuleID, &v.Version, &v.Status, &v.ConditionLogic,
			&threshold, &lifecycle, &anomaly, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if err := unmarshalMap(threshold, &v.ThresholdConfig); err != nil {
			return nil, err
		}
		if err := unmarshalMap(lifecycle, &v.LifecycleConfig); err != nil {
			return nil, err
		}
		if err := unmarshalMap(anomaly, &v.AnomalyConfig); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func (s *PostgresRuleStore) PublishVersion(ctx context.Context, v *RuleVersion, audit *RuleAudit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE rule_versions SET status = $1 WHERE id = $2
		`, VersionStatusPublished, v.ID)
		if err != nil {
			return fmt.Errorf("publish version: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("rule version %s: %w", v.ID, ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE rules SET default_version_id = $1, updated_at = $2 WHERE id = $3
		`, v.ID, time.Now(), v.RuleID)
		if err != nil {
			return fmt.Errorf("update default version: %w", err)
		}

		v.Status = VersionStatusPublished
		return insertAudit(ctx, tx, audit)
	})
}

func (s *PostgresRuleStore) ListConditions(ctx context.Context, versionID string) ([]*RuleCondition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_version_id, ordinal, field_path, operator, comparison_value, window_config, scope, created_at
		FROM rule_conditions
		WHERE rule_version_id = $1
		ORDER BY ordinal ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	defer rows.Close()

	out := []*RuleCondition{}
	for rows.Next() {
		var c RuleCondition
		var comparison, window []byte
		if err := rows.Scan(&c.ID, &c.RuleVersionID, &c.Order, &c.FieldPath,
			&c.Operator, &comparison, &window, &c.Scope, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		if len(comparison) > 0 {
			if err := json.Unmarshal(comparison, &c.ComparisonValue); err != nil {
				return nil, fmt.Errorf("decode comparison value: %w", err)
			}
		}
		if len(window) > 0 && string(window) != "null" {
			c.Window = &WindowConfig{}
			if err := json.Unmarshal(window, c.Window); err != nil {
				return nil, fmt.Errorf("decode window config: %w", err)
			}
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conditions: %w", err)
	}
	return out, nil
}

func (s *PostgresRuleStore) ListActions(ctx context.Context, versionID string) ([]*RuleAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_version_id, ordinal, action_type, action_config, created_at
		FROM rule_actions
		WHERE rule_version_id = $1
		ORDER BY ordinal ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	out := []*RuleAction{}
	for rows.Next() {
		var a RuleAction
		var config []byte
		if err := rows.Scan(&a.ID, &a.RuleVersionID, &a.Order, &a.ActionType, &config, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if err := unmarshalMap(config, &a.ActionConfig); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, audit *RuleAudit) error {
	if audit == nil {
		return errors.New("audit row is required for every mutation")
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rule_audits (id, rule_id, rule_version_id, actor_id, change_type,
			change_summary, previous_state, new_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, audit.ID, audit.RuleID, audit.RuleVersionID, audit.ActorID, audit.ChangeType,
		audit.ChangeSummary, nullableJSON(audit.PreviousState), nullableJSON(audit.NewState), audit.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) ListAudits(ctx context.Context, ruleID string) ([]*RuleAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, rule_version_id, actor_id, change_type, change_summary, previous_state, new_state, created_at
		FROM rule_audits
		WHERE rule_id = $1
		ORDER BY created_at ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	out := []*RuleAudit{}
	for rows.Next() {
		var a RuleAudit
		var versionID, actorID sql.NullString
		var previous, next []byte
		if err := rows.Scan(&a.ID, &a.RuleID, &versionID, &actorID, &a.ChangeType,
			&a.ChangeSummary, &previous, &next, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if versionID.Valid {
			a.RuleVersionID = &versionID.String
		}
		if actorID.Valid {
			a.ActorID = &actorID.String
		}
		a.PreviousState = json.RawMessage(previous)
		a.NewState = json.RawMessage(next)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audits: %w", err)
	}
	return out, nil
}

func (s *PostgresRuleStore) InsertEvaluation(ctx context.Context, ev *RuleEvaluation) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	conditionResults, err := marshalAny(ev.ConditionResults)
	if err != nil {
		return err
	}
	actionResults, err := marshalAny(ev.ActionResults)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_evaluations (id, rule_id, rule_version_id, signal_id, matched,
			condition_results, action_results, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.RuleID, ev.RuleVersionID, ev.SignalID, ev.Matched,
		conditionResults, actionResults, ev.CreatedAt)
	if isUniqueViolation(err) {
		return ErrEvaluationExists
	}
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) GetEvaluation(ctx context.Context, ruleID, versionID, signalID string) (*RuleEvaluation, error) {
	return scanEvaluation(s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, rule_version_id, signal_id, matched, condition_results, action_results, created_at
		FROM rule_evaluations
		WHERE rule_id = $1 AND rule_version_id = $2 AND signal_id = $3
	`, ruleID, versionID, signalID))
}

func (s *PostgresRuleStore) ListEvaluations(ctx context.Context, ruleID string, limit int) ([]*RuleEvaluation, error) {
	if limit <= 0 {
		limit = DefaultEvaluationLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, rule_version_id, signal_id, matched, condition_results, action_results, created_at
		FROM rule_evaluations
		WHERE rule_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	out := []*RuleEvaluation{}
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluations: %w", err)
	}
	return out, nil
}

func scanEvaluation(row rowScanner) (*RuleEvaluation, error) {
	var ev RuleEvaluation
	var conditionResults, actionResults []byte
	err := row.Scan(&ev.ID, &ev.RuleID, &ev.RuleVersionID, &ev.SignalID, &ev.Matched,
		&conditionResults, &actionResults, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evaluation: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan evaluation: %w", err)
	}
	if len(conditionResults) > 0 {
		if err := json.Unmarshal(conditionResults, &ev.ConditionResults); err != nil {
			return nil, fmt.Errorf("decode condition results: %w", err)
		}
	}
	if len(actionResults) > 0 {
		if err := json.Unmarshal(actionResults, &ev.ActionResults); err != nil {
			return nil, fmt.Errorf("decode action results: %w", err)
		}
	}
	return &ev, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func marshalAny(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
