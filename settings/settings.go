// Package settings holds runtime-mutable configuration for the ranking
// system: tier thresholds, anomaly thresholds, decay parameters. Values are
// plain strings; callers parse and validate before storing.
package settings

import (
	"context"
)

// Well-known setting keys.
const (
	KeyRankThresholds      = "rank_thresholds"       // tiers.ParseTable format
	KeyScoreGainThreshold  = "score_gain_threshold"  // daily score gain before a user is surfaced as suspicious
	KeyReportSuspendCount  = "report_suspend_count"  // reports before automatic suspension
	KeyInactivityDays      = "inactivity_days"       // days without activity before decay applies
	KeyInactivityDecay     = "inactivity_decay"      // decay factor in [0,1)
	KeyAutoSuspendDayQuota = "auto_suspend_day_quota" // circuit breaker on automatic suspensions
)

// Store is a small key/value collaborator. Get returns ("", nil) for keys
// that were never set.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, val string) error
	List(ctx context.Context) (map[string]string, error)
}

// GetOrDefault wraps Get for callers with a compile-time fallback.
func GetOrDefault(ctx context.Context, s Store, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return def, nil
	}
	return v, nil
}
