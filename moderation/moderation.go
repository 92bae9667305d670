// Package moderation implements the admin-facing override surface: account
// suspension state, manual score adjustment, report handling, and runtime
// setting updates. Every action commits its audit row and its state change
// in one transaction.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/stoblyx/ranking/anomaly"
	"github.com/stoblyx/ranking/ledger"
	"github.com/stoblyx/ranking/models"
	"github.com/stoblyx/ranking/settings"
	"github.com/stoblyx/ranking/tiers"

	"github.com/RussellLuo/slidingwindow"
	"gorm.io/gorm"
)

const (
	// report-count penalty applied on automatic suspension, floored so the
	// penalty alone never pushes a score negative
	reportPenalty = int64(100)

	defaultReportSuspendCount  = 5
	defaultInactivityDays      = 30
	defaultInactivityDecay     = 0.1
	defaultAutoSuspendDayQuota = 50
)

type Service struct {
	db       *gorm.DB
	logger   *slog.Logger
	ledger   *ledger.Ledger
	detector *anomaly.Detector
	settings settings.Store

	// circuit breaker on report-driven suspensions; manual suspensions are
	// not subject to it
	limiterLk          sync.Mutex
	autoSuspendLimiter *slidingwindow.Limiter
}

func New(db *gorm.DB, ldgr *ledger.Ledger, det *anomaly.Detector, cfg settings.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:                 db,
		logger:             logger.With("component", "moderation"),
		ledger:             ldgr,
		detector:           det,
		settings:           cfg,
		autoSuspendLimiter: perDayLimiter(defaultAutoSuspendDayQuota),
	}
}

func perDayLimiter(count int64) *slidingwindow.Limiter {
	lim, _ := slidingwindow.NewLimiter(time.Hour*24, count, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	return lim
}

// Suspend moves a user to SUSPENDED and freezes automatic score increases.
// Idempotent: re-suspending records a duplicate-attempt audit row and
// leaves state unchanged. Unknown users get a zero-score row first.
func (s *Service) Suspend(ctx context.Context, userID, adminID int64, reason string) (*models.UserScore, error) {
	if userID <= 0 {
		return nil, ledger.NewValidationError("userId", "must be positive")
	}
	if isBlank(reason) {
		return nil, ledger.NewValidationError("reason", "must not be blank")
	}

	// ensure the row exists before taking the write path
	if _, err := s.ledger.GetUserScore(ctx, userID); err != nil {
		return nil, err
	}

	var snap models.UserScore
	err := s.ledger.WithUserLock(userID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row models.UserScore
			if err := tx.Where("user_id = ?", userID).First(&row).Error; err != nil {
				return err
			}

			action := models.ModActionSuspend
			if row.Suspended {
				action = models.ModActionSuspendDuplicate
			} else {
				err := tx.Model(&models.UserScore{}).
					Where("user_id = ?", userID).
					Update("suspended", true).Error
				if err != nil {
					return err
				}
				row.Suspended = true
			}

			audit := models.ModerationAction{
				UserID:    userID,
				AdminID:   adminID,
				Action:    action,
				Reason:    reason,
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.Create(&audit).Error; err != nil {
				return err
			}
			snap = row
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("suspending user %d: %w", userID, err)
	}

	s.ledger.InvalidateSnapshot(userID)
	s.logger.Info("account suspended", "userId", userID, "adminId", adminID)
	return &snap, nil
}

// Unsuspend returns a user to ACTIVE. A no-op for accounts that are not
// suspended.
func (s *Service) Unsuspend(ctx context.Context, userID, adminID int64) (*models.UserScore, error) {
	if userID <= 0 {
		return nil, ledger.NewValidationError("userId", "must be positive")
	}

	if _, err := s.ledger.GetUserScore(ctx, userID); err != nil {
		return nil, err
	}

	var snap models.UserScore
	err := s.ledger.WithUserLock(userID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row models.UserScore
			if err := tx.Where("user_id = ?", userID).First(&row).Error; err != nil {
				return err
			}
			if !row.Suspended {
				snap = row
				return nil
			}

			err := tx.Model(&models.UserScore{}).
				Where("user_id = ?", userID).
				Update("suspended", false).Error
			if err != nil {
				return err
			}
			row.Suspended = false

			audit := models.ModerationAction{
				UserID:    userID,
				AdminID:   adminID,
				Action:    models.ModActionUnsuspend,
				Reason:    "unsuspended",
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.Create(&audit).Error; err != nil {
				return err
			}
			snap = row
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unsuspending user %d: %w", userID, err)
	}

	s.ledger.InvalidateSnapshot(userID)
	s.logger.Info("account unsuspended", "userId", userID, "adminId", adminID)
	return &snap, nil
}

// AdjustScore applies a manual delta through the ledger's admin path.
func (s *Service) AdjustScore(ctx context.Context, userID, delta, adminID int64, reason string) (*models.UserScore, error) {
	return s.ledger.AdjustScore(ctx, userID, delta, adminID, reason)
}

// ReportUser increments a user's report count. Crossing the configured
// count suspends the account automatically, with a score penalty, under a
// per-day circuit breaker.
func (s *Service) ReportUser(ctx context.Context, userID, reporterID int64) (*models.UserScore, error) {
	if userID <= 0 {
		return nil, ledger.NewValidationError("userId", "must be positive")
	}

	suspendAt, err := s.intSetting(ctx, settings.KeyReportSuspendCount, defaultReportSuspendCount)
	if err != nil {
		return nil, err
	}
	table, err := s.ledger.TierTable(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.GetUserScore(ctx, userID); err != nil {
		return nil, err
	}

	var snap models.UserScore
	err = s.ledger.WithUserLock(userID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row models.UserScore
			if err := tx.Where("user_id = ?", userID).First(&row).Error; err != nil {
				return err
			}

			row.ReportCount++
			updates := map[string]any{
				"report_count": row.ReportCount,
			}

			if row.ReportCount >= suspendAt && !row.Suspended {
				if s.suspendAllowed(ctx) {
					penalty := reportPenalty
					if row.CurrentScore < penalty {
						penalty = max(row.CurrentScore, 0)
					}
					newScore := row.CurrentScore - penalty
					updates["suspended"] = true
					updates["previous_score"] = row.CurrentScore
					updates["current_score"] = newScore
					updates["rank_type"] = table.Resolve(newScore)

					audit := models.ModerationAction{
						UserID:    userID,
						AdminID:   reporterID,
						Action:    models.ModActionSuspend,
						Delta:     -penalty,
						Reason:    fmt.Sprintf("report count reached %d", row.ReportCount),
						CreatedAt: time.Now().UTC(),
					}
					if err := tx.Create(&audit).Error; err != nil {
						return err
					}

					row.Suspended = true
					row.PreviousScore = row.CurrentScore
					row.CurrentScore = newScore
					row.RankType = table.Resolve(newScore)
				} else {
					s.logger.Warn("auto-suspend circuit breaker tripped", "userId", userID, "reportCount", row.ReportCount)
				}
			}

			if err := tx.Model(&models.UserScore{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
				return err
			}
			snap = row
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reporting user %d: %w", userID, err)
	}

	s.ledger.InvalidateSnapshot(userID)
	return &snap, nil
}

// suspendAllowed consumes one automatic-suspension token, rebuilding the
// limiter when the configured quota changed.
func (s *Service) suspendAllowed(ctx context.Context) bool {
	quota, err := s.intSetting(ctx, settings.KeyAutoSuspendDayQuota, defaultAutoSuspendDayQuota)
	if err != nil {
		quota = defaultAutoSuspendDayQuota
	}
	s.limiterLk.Lock()
	defer s.limiterLk.Unlock()
	if int64(quota) != s.autoSuspendLimiter.Limit() {
		s.autoSuspendLimiter = perDayLimiter(int64(quota))
	}
	return s.autoSuspendLimiter.Allow()
}

// DecayInactiveScores multiplies the score of every user idle longer than
// the configured period by (1 - decay factor). Runs item by item and stops
// between items when ctx is cancelled; committed items stay committed.
func (s *Service) DecayInactiveScores(ctx context.Context, adminID int64) (int, error) {
	days, err := s.intSetting(ctx, settings.KeyInactivityDays, defaultInactivityDays)
	if err != nil {
		return 0, err
	}
	factor, err := s.floatSetting(ctx, settings.KeyInactivityDecay, defaultInactivityDecay)
	if err != nil {
		return 0, err
	}
	table, err := s.ledger.TierTable(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var stale []models.UserScore
	err = s.db.WithContext(ctx).
		Where("last_activity_date < ? AND deleted = ? AND current_score != 0", cutoff, false).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("finding inactive users: %w", err)
	}

	decayed := 0
	for _, u := range stale {
		if err := ctx.Err(); err != nil {
			return decayed, err
		}

		newScore := int64(math.Round(float64(u.CurrentScore) * (1 - factor)))
		delta := newScore - u.CurrentScore
		if delta == 0 {
			continue
		}

		err := s.ledger.WithUserLock(u.UserID, func() error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				guarded := tx.Model(&models.UserScore{}).
					Where("user_id = ? AND current_score = ?", u.UserID, u.CurrentScore).
					Updates(map[string]any{
						"previous_score": u.CurrentScore,
						"current_score":  newScore,
						"rank_type":      table.Resolve(newScore),
					})
				if guarded.Error != nil {
					return guarded.Error
				}
				if guarded.RowsAffected == 0 {
					// the user moved since the listing; skip, the next run
					// will reconsider them
					return nil
				}

				audit := models.ModerationAction{
					UserID:    u.UserID,
					AdminID:   adminID,
					Action:    models.ModActionAdjustScore,
					Delta:     delta,
					Reason:    "inactivity decay",
					CreatedAt: time.Now().UTC(),
				}
				return tx.Create(&audit).Error
			})
		})
		if err != nil {
			return decayed, fmt.Errorf("decaying user %d: %w", u.UserID, err)
		}
		s.ledger.InvalidateSnapshot(u.UserID)
		decayed++
	}
	return decayed, nil
}

// UpdateSetting validates and stores one runtime setting. Threshold tables
// are rejected before storage if malformed or non-monotonic, so readers
// never see a bad table.
func (s *Service) UpdateSetting(ctx context.Context, key, value string) error {
	if isBlank(key) {
		return ledger.NewValidationError("settingKey", "must not be blank")
	}
	if isBlank(value) {
		return ledger.NewValidationError("settingValue", "must not be blank")
	}

	switch key {
	case settings.KeyRankThresholds:
		if _, err := tiers.ParseTable(value); err != nil {
			return err
		}
	case settings.KeyScoreGainThreshold, settings.KeyReportSuspendCount, settings.KeyInactivityDays, settings.KeyAutoSuspendDayQuota:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return ledger.NewValidationError("settingValue", fmt.Sprintf("%s must be an integer", key))
		}
	case settings.KeyInactivityDecay:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f >= 1 {
			return ledger.NewValidationError("settingValue", fmt.Sprintf("%s must be a float in [0,1)", key))
		}
	default:
		return ledger.NewValidationError("settingKey", fmt.Sprintf("unknown setting %q", key))
	}

	if err := s.settings.Set(ctx, key, value); err != nil {
		return fmt.Errorf("storing setting %s: %w", key, err)
	}
	s.logger.Info("ranking setting updated", "key", key, "value", value)
	return nil
}

func (s *Service) intSetting(ctx context.Context, key string, def int) (int, error) {
	raw, err := settings.GetOrDefault(ctx, s.settings, key, strconv.Itoa(def))
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed %s setting %q: %w", key, raw, err)
	}
	return v, nil
}

func (s *Service) floatSetting(ctx context.Context, key string, def float64) (float64, error) {
	raw, err := settings.GetOrDefault(ctx, s.settings, key, strconv.FormatFloat(def, 'f', -1, 64))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s setting %q: %w", key, raw, err)
	}
	return v, nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
