package postgres

import (
	"context"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

// SeedRules inserts rules when the alert_rules table is empty and reports
// how many were written.
func SeedRules(ctx context.Context, repo *RuleRepository, rules []alerts.AlertRule) (int, error) {
	count, err := repo.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return 0, err
		}
		rule.UpdatedAt = now
		if err := repo.SaveRule(ctx, rule); err != nil {
			return 0, err
		}
	}
	return len(rules), nil
}
