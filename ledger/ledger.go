// Package ledger applies score deltas and maintains per-user reputation
// state. Mutations for one user are linearized behind a per-user lock;
// reads are last-committed snapshots.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/stoblyx/ranking/countstore"
	"github.com/stoblyx/ranking/models"
	"github.com/stoblyx/ranking/settings"
	"github.com/stoblyx/ranking/tiers"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Ledger struct {
	db       *gorm.DB
	logger   *slog.Logger
	counters countstore.CountStore
	settings settings.Store

	userLks   *xsync.MapOf[int64, *sync.Mutex]
	snapshots *expirable.LRU[int64, models.UserScore]

	// WriteTimeout bounds each store round-trip; MaxRetries is the budget
	// for transient failures and optimistic-update conflicts.
	WriteTimeout time.Duration
	MaxRetries   int
}

func New(db *gorm.DB, counters countstore.CountStore, cfg settings.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:           db,
		logger:       logger.With("component", "ledger"),
		counters:     counters,
		settings:     cfg,
		userLks:      xsync.NewMapOf[int64, *sync.Mutex](),
		snapshots:    expirable.NewLRU[int64, models.UserScore](100_000, nil, time.Minute),
		WriteTimeout: 5 * time.Second,
		MaxRetries:   3,
	}
}

// WithUserLock runs fn while holding the mutation lock for userID. Mutations
// for different users share no locks.
func (l *Ledger) WithUserLock(userID int64, fn func() error) error {
	lk, _ := l.userLks.LoadOrCompute(userID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	lk.Lock()
	defer lk.Unlock()
	return fn()
}

// InvalidateSnapshot drops the cached snapshot for userID. Must be called
// after any out-of-band write to the user's row.
func (l *Ledger) InvalidateSnapshot(userID int64) {
	l.snapshots.Remove(userID)
}

// TierTable returns the current threshold table from the settings store.
func (l *Ledger) TierTable(ctx context.Context) (*tiers.Table, error) {
	raw, err := settings.GetOrDefault(ctx, l.settings, settings.KeyRankThresholds, tiers.DefaultTableConfig)
	if err != nil {
		return nil, fmt.Errorf("reading rank thresholds: %w", err)
	}
	table, err := tiers.ParseTable(raw)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// RecordActivity appends an activity record and, unless the account is
// suspended, applies the delta and recomputes rank. The append always
// happens, even for suspended accounts. An empty dedupeKey gets a random
// one; passing the same key twice never double-applies.
func (l *Ledger) RecordActivity(ctx context.Context, userID int64, typ models.ActivityType, delta int64, ip, dedupeKey string) (*models.UserScore, error) {
	if userID <= 0 {
		return nil, NewValidationError("userId", "must be positive")
	}
	if _, ok := models.ParseActivityType(string(typ)); !ok {
		return nil, NewValidationError("activityType", fmt.Sprintf("unknown type %q", typ))
	}
	if dedupeKey == "" {
		dedupeKey = newDedupeKey()
	}

	table, err := l.TierTable(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := models.ActivityRecord{
		UserID:     userID,
		Type:       typ,
		ScoreDelta: delta,
		IPAddress:  ip,
		DedupeKey:  dedupeKey,
		OccurredAt: now,
	}

	var snap models.UserScore
	var appended bool
	err = l.WithUserLock(userID, func() error {
		return l.withRetries(ctx, func(ctx context.Context) error {
			appended = false
			return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				row, err := getOrCreateTx(tx, userID, table)
				if err != nil {
					return err
				}

				rec.Applied = !row.Suspended
				res := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "dedupe_key"}},
					DoNothing: true,
				}).Create(&rec)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					// duplicate delivery; the first attempt won
					snap = *row
					return nil
				}
				appended = true

				if row.Suspended {
					snap = *row
					return nil
				}

				newScore := row.CurrentScore + delta
				updates := map[string]any{
					"previous_score":     row.CurrentScore,
					"current_score":      newScore,
					"rank_type":          table.Resolve(newScore),
					"last_activity_date": now,
				}
				guarded := tx.Model(&models.UserScore{}).
					Where("id = ? AND current_score = ?", row.ID, row.CurrentScore).
					Updates(updates)
				if guarded.Error != nil {
					return guarded.Error
				}
				if guarded.RowsAffected == 0 {
					return ErrConflict
				}

				row.PreviousScore = row.CurrentScore
				row.CurrentScore = newScore
				row.RankType = table.Resolve(newScore)
				row.LastActivityDate = now
				snap = *row
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	l.snapshots.Remove(userID)
	if appended {
		l.sideWriteCounters(userID, delta, ip, rec.Applied)
	}
	return &snap, nil
}

// AdjustScore is the admin path: the delta always applies, suspension
// notwithstanding, and the audit row commits in the same transaction or
// not at all.
func (l *Ledger) AdjustScore(ctx context.Context, userID, delta, adminID int64, reason string) (*models.UserScore, error) {
	if userID <= 0 {
		return nil, NewValidationError("userId", "must be positive")
	}
	if delta == 0 {
		return nil, NewValidationError("delta", "must be non-zero")
	}
	if isBlank(reason) {
		return nil, NewValidationError("reason", "must not be blank")
	}

	table, err := l.TierTable(ctx)
	if err != nil {
		return nil, err
	}

	var snap models.UserScore
	err = l.WithUserLock(userID, func() error {
		return l.withRetries(ctx, func(ctx context.Context) error {
			return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				row, err := getOrCreateTx(tx, userID, table)
				if err != nil {
					return err
				}

				newScore := row.CurrentScore + delta
				guarded := tx.Model(&models.UserScore{}).
					Where("id = ? AND current_score = ?", row.ID, row.CurrentScore).
					Updates(map[string]any{
						"previous_score": row.CurrentScore,
						"current_score":  newScore,
						"rank_type":      table.Resolve(newScore),
					})
				if guarded.Error != nil {
					return guarded.Error
				}
				if guarded.RowsAffected == 0 {
					return ErrConflict
				}

				audit := models.ModerationAction{
					UserID:    userID,
					AdminID:   adminID,
					Action:    models.ModActionAdjustScore,
					Delta:     delta,
					Reason:    reason,
					CreatedAt: time.Now().UTC(),
				}
				if err := tx.Create(&audit).Error; err != nil {
					return err
				}

				row.PreviousScore = row.CurrentScore
				row.CurrentScore = newScore
				row.RankType = table.Resolve(newScore)
				snap = *row
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	l.snapshots.Remove(userID)
	return &snap, nil
}

// SetUserScore replaces a user's score with an absolute value, for callers
// that sync scores from an external source. The implied delta is recorded
// as an adjustment so the score stays the sum of its ledger entries. A
// no-op when the score already matches.
func (l *Ledger) SetUserScore(ctx context.Context, userID, score int64) (*models.UserScore, error) {
	if userID <= 0 {
		return nil, NewValidationError("userId", "must be positive")
	}

	table, err := l.TierTable(ctx)
	if err != nil {
		return nil, err
	}

	var snap models.UserScore
	err = l.WithUserLock(userID, func() error {
		return l.withRetries(ctx, func(ctx context.Context) error {
			return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				row, err := getOrCreateTx(tx, userID, table)
				if err != nil {
					return err
				}
				if row.CurrentScore == score {
					snap = *row
					return nil
				}

				guarded := tx.Model(&models.UserScore{}).
					Where("id = ? AND current_score = ?", row.ID, row.CurrentScore).
					Updates(map[string]any{
						"previous_score": row.CurrentScore,
						"current_score":  score,
						"rank_type":      table.Resolve(score),
					})
				if guarded.Error != nil {
					return guarded.Error
				}
				if guarded.RowsAffected == 0 {
					return ErrConflict
				}

				audit := models.ModerationAction{
					UserID:    userID,
					Action:    models.ModActionAdjustScore,
					Delta:     score - row.CurrentScore,
					Reason:    "absolute score update",
					CreatedAt: time.Now().UTC(),
				}
				if err := tx.Create(&audit).Error; err != nil {
					return err
				}

				row.PreviousScore = row.CurrentScore
				row.CurrentScore = score
				row.RankType = table.Resolve(score)
				snap = *row
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	l.snapshots.Remove(userID)
	return &snap, nil
}

// GetUserScore returns a snapshot for userID, creating a zero-score row on
// first access.
func (l *Ledger) GetUserScore(ctx context.Context, userID int64) (*models.UserScore, error) {
	if userID <= 0 {
		return nil, NewValidationError("userId", "must be positive")
	}
	if cached, ok := l.snapshots.Get(userID); ok {
		return &cached, nil
	}

	table, err := l.TierTable(ctx)
	if err != nil {
		return nil, err
	}

	var snap models.UserScore
	err = l.withRetries(ctx, func(ctx context.Context) error {
		row, err := getOrCreateTx(l.db.WithContext(ctx), userID, table)
		if err != nil {
			return err
		}
		snap = *row
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.snapshots.Add(userID, snap)
	return &snap, nil
}

// GetTopUsers returns up to limit non-deleted users, highest score first.
// Ties go to the user with the earliest last activity.
func (l *Ledger) GetTopUsers(ctx context.Context, limit int) ([]models.UserScore, error) {
	if limit <= 0 {
		return nil, NewValidationError("limit", "must be positive")
	}
	var out []models.UserScore
	err := l.withRetries(ctx, func(ctx context.Context) error {
		out = nil
		return l.db.WithContext(ctx).
			Where("deleted = ?", false).
			Order("current_score DESC, last_activity_date ASC").
			Limit(limit).
			Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) GetUsersByRank(ctx context.Context, rank models.RankType) ([]models.UserScore, error) {
	if _, ok := models.ParseRankType(string(rank)); !ok {
		return nil, NewValidationError("rankType", fmt.Sprintf("unknown rank %q", rank))
	}
	var out []models.UserScore
	err := l.withRetries(ctx, func(ctx context.Context) error {
		out = nil
		return l.db.WithContext(ctx).
			Where("rank_type = ? AND deleted = ?", rank, false).
			Order("current_score DESC, last_activity_date ASC").
			Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) GetSuspendedUsers(ctx context.Context) ([]models.UserScore, error) {
	var out []models.UserScore
	err := l.withRetries(ctx, func(ctx context.Context) error {
		out = nil
		return l.db.WithContext(ctx).
			Where("suspended = ? AND deleted = ?", true, false).
			Order("user_id ASC").
			Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DB exposes the shared handle for sibling components (moderation, stats)
// that join their writes into ledger transactions.
func (l *Ledger) DB() *gorm.DB {
	return l.db
}

func getOrCreateTx(tx *gorm.DB, userID int64, table *tiers.Table) (*models.UserScore, error) {
	var row models.UserScore
	err := tx.Where("user_id = ?", userID).First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := models.UserScore{
		UserID:           userID,
		CurrentScore:     0,
		PreviousScore:    0,
		RankType:         table.Resolve(0),
		LastActivityDate: time.Now().UTC(),
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&fresh)
	if res.Error != nil {
		return nil, res.Error
	}
	if err := tx.Where("user_id = ?", userID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Counter writes feed the anomaly detector and are advisory: failures are
// logged and never surface to the caller.
func (l *Ledger) sideWriteCounters(userID, delta int64, ip string, applied bool) {
	if l.counters == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	uid := strconv.FormatInt(userID, 10)
	if err := l.counters.Increment(ctx, countstore.NameActivity, uid); err != nil {
		l.logger.Warn("activity counter increment failed", "userId", userID, "err", err)
	}
	if applied && delta > 0 {
		if err := l.counters.IncrementBy(ctx, countstore.NameScoreGain, uid, delta); err != nil {
			l.logger.Warn("score-gain counter increment failed", "userId", userID, "err", err)
		}
	}
	if ip != "" {
		if err := l.counters.IncrementDistinct(ctx, countstore.NameIPUsers, ip, uid); err != nil {
			l.logger.Warn("ip counter increment failed", "ip", ip, "err", err)
		}
	}
}

func (l *Ledger) withRetries(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < l.MaxRetries; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, l.WriteTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, context.DeadlineExceeded)
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func newDedupeKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
