// Package anomaly is the read-side abuse detector. It scans the activity
// log and live counters for rate outliers, score-change outliers, and
// shared-IP clustering. It holds no state of its own and never blocks the
// write path; findings are advisory.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stoblyx/ranking/countstore"
	"github.com/stoblyx/ranking/ledger"
	"github.com/stoblyx/ranking/models"
	"github.com/stoblyx/ranking/settings"

	"gorm.io/gorm"
)

// DefaultScoreGainThreshold applies when the settings store has no
// score_gain_threshold entry.
const DefaultScoreGainThreshold = int64(100)

// rolling window for the score-change heuristic
const scoreWindow = 24 * time.Hour

type Detector struct {
	db       *gorm.DB
	logger   *slog.Logger
	counters countstore.CountStore
	settings settings.Store
}

func New(db *gorm.DB, counters countstore.CountStore, cfg settings.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		db:       db,
		logger:   logger.With("component", "anomaly"),
		counters: counters,
		settings: cfg,
	}
}

// ActivitySummary is one user's activity count inside a scan window.
type ActivitySummary struct {
	UserID int64 `json:"userId" gorm:"column:user_id"`
	Count  int64 `json:"count" gorm:"column:cnt"`
}

// FindAbnormalActivityPatterns groups activity records by user over
// [start, end) and returns the users whose count exceeds the threshold,
// busiest first.
func (d *Detector) FindAbnormalActivityPatterns(ctx context.Context, start, end time.Time, threshold int64) ([]ActivitySummary, error) {
	if !start.Before(end) {
		return nil, ledger.NewValidationError("startDate", "must be before endDate")
	}
	if threshold < 0 {
		return nil, ledger.NewValidationError("activityCountThreshold", "must not be negative")
	}

	var out []ActivitySummary
	err := d.db.WithContext(ctx).
		Model(&models.ActivityRecord{}).
		Select("user_id, count(*) as cnt").
		Where("occurred_at >= ? AND occurred_at < ?", start, end).
		Group("user_id").
		Having("count(*) > ?", threshold).
		Order("cnt DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("scanning activity patterns: %w", err)
	}
	return out, nil
}

// FindActivitiesByIP returns all activity from one source IP over
// [start, end), across users, for shared-IP correlation.
func (d *Detector) FindActivitiesByIP(ctx context.Context, ip string, start, end time.Time) ([]models.ActivityRecord, error) {
	if ip == "" {
		return nil, ledger.NewValidationError("ipAddress", "must not be blank")
	}
	if !start.Before(end) {
		return nil, ledger.NewValidationError("startDate", "must be before endDate")
	}

	var out []models.ActivityRecord
	err := d.db.WithContext(ctx).
		Where("ip_address = ? AND occurred_at >= ? AND occurred_at < ?", ip, start, end).
		Order("occurred_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("querying activity by ip: %w", err)
	}
	return out, nil
}

// FindUsersWithSuspiciousActivity returns users whose applied score gain
// inside the rolling window exceeds the threshold. This recomputes from the
// activity log on every call; it is a distinct signal from the stored
// per-user suspicious flag and neither reads nor writes it.
func (d *Detector) FindUsersWithSuspiciousActivity(ctx context.Context, scoreChangeThreshold int64) ([]models.UserScore, error) {
	if scoreChangeThreshold < 0 {
		return nil, ledger.NewValidationError("scoreChangeThreshold", "must not be negative")
	}

	since := time.Now().UTC().Add(-scoreWindow)
	var userIDs []int64
	err := d.db.WithContext(ctx).
		Model(&models.ActivityRecord{}).
		Where("occurred_at >= ? AND applied = ? AND score_delta > 0", since, true).
		Group("user_id").
		Having("sum(score_delta) > ?", scoreChangeThreshold).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("scanning score changes: %w", err)
	}
	if len(userIDs) == 0 {
		return []models.UserScore{}, nil
	}

	var out []models.UserScore
	err = d.db.WithContext(ctx).
		Where("user_id IN ? AND deleted = ?", userIDs, false).
		Order("current_score DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("loading flagged users: %w", err)
	}
	return out, nil
}

// LatchSuspicious runs the score-change scan with the configured threshold
// and latches the stored suspicious flag on every hit. Returns the number
// of users flagged. Intended to run on an external schedule.
func (d *Detector) LatchSuspicious(ctx context.Context) (int, error) {
	threshold, err := d.scoreGainThreshold(ctx)
	if err != nil {
		return 0, err
	}

	hits, err := d.FindUsersWithSuspiciousActivity(ctx, threshold)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, u := range hits {
		if u.Suspicious {
			continue
		}
		err := d.db.WithContext(ctx).
			Model(&models.UserScore{}).
			Where("user_id = ?", u.UserID).
			Update("suspicious", true).Error
		if err != nil {
			return flagged, fmt.Errorf("latching suspicious flag for user %d: %w", u.UserID, err)
		}
		d.logger.Info("latched suspicious activity flag", "userId", u.UserID, "score", u.CurrentScore)
		flagged++
	}
	return flagged, nil
}

// DayScoreGain reads the live score-gain counter for a user (current UTC
// day bucket). Cheaper than a log scan, coarser than one.
func (d *Detector) DayScoreGain(ctx context.Context, userID int64) (int64, error) {
	return d.counters.GetCount(ctx, countstore.NameScoreGain, strconv.FormatInt(userID, 10), countstore.PeriodDay)
}

// DayActivityCount reads the live activity counter for a user.
func (d *Detector) DayActivityCount(ctx context.Context, userID int64) (int64, error) {
	return d.counters.GetCount(ctx, countstore.NameActivity, strconv.FormatInt(userID, 10), countstore.PeriodDay)
}

// DistinctUsersForIP reads the live distinct-user count for a source IP,
// the quick form of the shared-IP clustering signal.
func (d *Detector) DistinctUsersForIP(ctx context.Context, ip string, period string) (int, error) {
	if ip == "" {
		return 0, ledger.NewValidationError("ipAddress", "must not be blank")
	}
	return d.counters.GetCountDistinct(ctx, countstore.NameIPUsers, ip, period)
}

func (d *Detector) scoreGainThreshold(ctx context.Context) (int64, error) {
	raw, err := settings.GetOrDefault(ctx, d.settings, settings.KeyScoreGainThreshold, strconv.FormatInt(DefaultScoreGainThreshold, 10))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s setting %q: %w", settings.KeyScoreGainThreshold, raw, err)
	}
	return v, nil
}
