package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

// RuleRepository is a Postgres repository for alert rules.
type RuleRepository struct {
	db DBTX
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db DBTX) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `kind, enabled, thresholds, tolerance_percent, debounce_seconds, priority, updated_at`

// ListRules returns every rule ordered by kind.
func (r *RuleRepository) ListRules(ctx context.Context) ([]alerts.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY kind ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rule)
	}
	return result, rows.Err()
}

// GetRule loads one rule or nil.
func (r *RuleRepository) GetRule(ctx context.Context, kind alerts.Kind) (*alerts.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	if kind == "" {
		return nil, errors.New("alert rule repo: empty kind")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE kind = $1`, string(kind))
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rule, nil
}

// SaveRule upserts a rule.
func (r *RuleRepository) SaveRule(ctx context.Context, rule alerts.AlertRule) error {
	if r == nil || r.db == nil {
		return errors.New("alert rule repo: nil db")
	}
	if rule.Kind == "" {
		return errors.New("alert rule repo: empty kind")
	}
	thresholds := rule.Thresholds
	if thresholds == nil {
		thresholds = map[string]float64{}
	}
	payload, err := json.Marshal(thresholds)
	if err != nil {
		return fmt.Errorf("alert rule repo: encode thresholds: %w", err)
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	priority := rule.Priority
	if priority == "" {
		priority = alerts.PriorityMedium
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alert_rules (kind, enabled, thresholds, tolerance_percent, debounce_seconds, priority, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
ON CONFLICT (kind) DO UPDATE SET
	enabled = EXCLUDED.enabled,
	thresholds = EXCLUDED.thresholds,
	tolerance_percent = EXCLUDED.tolerance_percent,
	debounce_seconds = EXCLUDED.debounce_seconds,
	priority = EXCLUDED.priority,
	updated_at = EXCLUDED.updated_at`,
		string(rule.Kind), rule.Enabled, string(payload), rule.TolerancePercent, rule.DebounceSeconds,
		string(priority), rule.UpdatedAt)
	return err
}

// Count returns the number of stored rules.
func (r *RuleRepository) Count(ctx context.Context) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alert rule repo: nil db")
	}
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_rules`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func scanRule(row rowScanner) (*alerts.AlertRule, error) {
	var (
		rule       alerts.AlertRule
		kind       string
		thresholds []byte
		priority   string
	)
	if err := row.Scan(&kind, &rule.Enabled, &thresholds, &rule.TolerancePercent, &rule.DebounceSeconds, &priority, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.Kind = alerts.Kind(kind)
	rule.Priority = alerts.Priority(priority)
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &rule.Thresholds); err != nil {
			return nil, fmt.Errorf("alert rule repo: decode thresholds for %s: %w", kind, err)
		}
	}
	return &rule, nil
}
