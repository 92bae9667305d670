// Package stats computes read-only aggregates over user scores and the
// activity log: rank distribution, averages, and time-bucketed activity
// breakdowns for the admin dashboard.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stoblyx/ranking/ledger"
	"github.com/stoblyx/ranking/models"

	"gorm.io/gorm"
)

type Aggregator struct {
	db     *gorm.DB
	logger *slog.Logger
}

func New(db *gorm.DB, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		db:     db,
		logger: logger.With("component", "stats"),
	}
}

// Period selects the bucket width for activity breakdowns.
type Period string

const (
	PeriodDaily   = Period("daily")
	PeriodWeekly  = Period("weekly")
	PeriodMonthly = Period("monthly")
)

func ParsePeriod(s string) (Period, bool) {
	switch Period(s) {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return Period(s), true
	}
	return "", false
}

// RankingStatistics is the admin dashboard aggregate over [start, end).
type RankingStatistics struct {
	Start            time.Time                     `json:"start"`
	End              time.Time                     `json:"end"`
	TotalUsers       int64                         `json:"totalUsers"`
	ActiveUsers      int64                         `json:"activeUsers"`
	SuspendedUsers   int64                         `json:"suspendedUsers"`
	AverageScore     float64                       `json:"averageScore"`
	RankDistribution map[models.RankType]int64     `json:"rankDistribution"`
	ActivityByType   map[models.ActivityType]int64 `json:"activityByType"`
	TotalActivities  int64                         `json:"totalActivities"`
}

// ActivityBucket is one time bucket in an activity breakdown. Start is
// inclusive; the bucket covers [Start, Start+width).
type ActivityBucket struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
}

// RankDistribution counts non-deleted users per rank. Ranks with no users
// are present with a zero count.
func (a *Aggregator) RankDistribution(ctx context.Context) (map[models.RankType]int64, error) {
	type row struct {
		RankType models.RankType `gorm:"column:rank_type"`
		Cnt      int64           `gorm:"column:cnt"`
	}
	var rows []row
	err := a.db.WithContext(ctx).
		Model(&models.UserScore{}).
		Select("rank_type, count(*) as cnt").
		Where("deleted = ?", false).
		Group("rank_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("computing rank distribution: %w", err)
	}

	out := make(map[models.RankType]int64, len(models.AllRankTypes))
	for _, r := range models.AllRankTypes {
		out[r] = 0
	}
	for _, r := range rows {
		out[r.RankType] = r.Cnt
	}
	return out, nil
}

// AverageScore returns the mean current score across non-deleted users, or
// exactly 0.0 when there are none.
func (a *Aggregator) AverageScore(ctx context.Context) (float64, error) {
	var avg *float64
	err := a.db.WithContext(ctx).
		Model(&models.UserScore{}).
		Where("deleted = ?", false).
		Select("avg(current_score)").
		Scan(&avg).Error
	if err != nil {
		return 0, fmt.Errorf("computing average score: %w", err)
	}
	if avg == nil {
		return 0.0, nil
	}
	return *avg, nil
}

// RankingStatistics assembles the full admin aggregate for [start, end).
// User-level figures (counts, average, distribution) reflect current state;
// activity figures are restricted to the window.
func (a *Aggregator) RankingStatistics(ctx context.Context, start, end time.Time) (*RankingStatistics, error) {
	if !start.Before(end) {
		return nil, ledger.NewValidationError("startDate", "must be before endDate")
	}

	out := RankingStatistics{Start: start, End: end}

	err := a.db.WithContext(ctx).
		Model(&models.UserScore{}).
		Where("deleted = ?", false).
		Count(&out.TotalUsers).Error
	if err != nil {
		return nil, fmt.Errorf("counting users: %w", err)
	}

	err = a.db.WithContext(ctx).
		Model(&models.UserScore{}).
		Where("deleted = ? AND suspended = ?", false, true).
		Count(&out.SuspendedUsers).Error
	if err != nil {
		return nil, fmt.Errorf("counting suspended users: %w", err)
	}
	out.ActiveUsers = out.TotalUsers - out.SuspendedUsers

	if out.AverageScore, err = a.AverageScore(ctx); err != nil {
		return nil, err
	}
	if out.RankDistribution, err = a.RankDistribution(ctx); err != nil {
		return nil, err
	}
	if out.ActivityByType, err = a.activityByType(ctx, start, end); err != nil {
		return nil, err
	}
	for _, c := range out.ActivityByType {
		out.TotalActivities += c
	}
	return &out, nil
}

func (a *Aggregator) activityByType(ctx context.Context, start, end time.Time) (map[models.ActivityType]int64, error) {
	type row struct {
		Type models.ActivityType `gorm:"column:type"`
		Cnt  int64               `gorm:"column:cnt"`
	}
	var rows []row
	err := a.db.WithContext(ctx).
		Model(&models.ActivityRecord{}).
		Select("type, count(*) as cnt").
		Where("occurred_at >= ? AND occurred_at < ?", start, end).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("computing activity type distribution: %w", err)
	}
	out := make(map[models.ActivityType]int64, len(rows))
	for _, r := range rows {
		out[r.Type] = r.Cnt
	}
	return out, nil
}

// ActivityBreakdown buckets all activity over [start, end) into daily,
// weekly, or monthly bins. Buckets are half-open: a record landing exactly
// on a boundary belongs to the bucket it starts. Empty buckets are emitted
// with zero counts so the series has no gaps.
func (a *Aggregator) ActivityBreakdown(ctx context.Context, start, end time.Time, period Period) ([]ActivityBucket, error) {
	return a.bucketize(ctx, start, end, period, 0)
}

// UserActivityBreakdown is ActivityBreakdown restricted to one user.
func (a *Aggregator) UserActivityBreakdown(ctx context.Context, userID int64, start, end time.Time, period Period) ([]ActivityBucket, error) {
	if userID <= 0 {
		return nil, ledger.NewValidationError("userId", "must be positive")
	}
	return a.bucketize(ctx, start, end, period, userID)
}

func (a *Aggregator) bucketize(ctx context.Context, start, end time.Time, period Period, userID int64) ([]ActivityBucket, error) {
	if !start.Before(end) {
		return nil, ledger.NewValidationError("startDate", "must be before endDate")
	}
	if _, ok := ParsePeriod(string(period)); !ok {
		return nil, ledger.NewValidationError("period", fmt.Sprintf("unknown period %q", period))
	}

	q := a.db.WithContext(ctx).
		Where("occurred_at >= ? AND occurred_at < ?", start, end)
	if userID > 0 {
		q = q.Where("user_id = ?", userID)
	}
	var recs []models.ActivityRecord
	if err := q.Order("occurred_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("loading activity window: %w", err)
	}

	// pre-build the bucket series so empty bins appear in the output
	var buckets []ActivityBucket
	for t := start; t.Before(end); t = advance(t, period) {
		buckets = append(buckets, ActivityBucket{Start: t})
	}

	idx := 0
	for _, rec := range recs {
		for idx+1 < len(buckets) && !rec.OccurredAt.Before(buckets[idx+1].Start) {
			idx++
		}
		buckets[idx].Count++
	}
	return buckets, nil
}

func advance(t time.Time, period Period) time.Time {
	switch period {
	case PeriodWeekly:
		return t.AddDate(0, 0, 7)
	case PeriodMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// HourlyHistogram counts activity per UTC hour of day over [start, end),
// for spotting bot-like round-the-clock patterns.
func (a *Aggregator) HourlyHistogram(ctx context.Context, start, end time.Time) ([24]int64, error) {
	var out [24]int64
	if !start.Before(end) {
		return out, ledger.NewValidationError("startDate", "must be before endDate")
	}

	var recs []models.ActivityRecord
	err := a.db.WithContext(ctx).
		Select("occurred_at").
		Where("occurred_at >= ? AND occurred_at < ?", start, end).
		Find(&recs).Error
	if err != nil {
		return out, fmt.Errorf("loading activity window: %w", err)
	}
	for _, rec := range recs {
		out[rec.OccurredAt.UTC().Hour()]++
	}
	return out, nil
}
