package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stoblyx/ranking/countstore"
	"github.com/stoblyx/ranking/models"
	"github.com/stoblyx/ranking/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// a second pooled connection would see its own empty in-memory db
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.UserScore{}, &models.ActivityRecord{}, &models.ModerationAction{}))
	return New(db, countstore.NewMemCountStore(), settings.NewMemStore(), nil)
}

func TestRecordActivityAccumulates(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	// five content creations at +10 cross the SILVER threshold exactly
	var snap *models.UserScore
	for i := 0; i < 5; i++ {
		var err error
		snap, err = l.RecordActivity(ctx, 1, models.ActivityContentCreate, 10, "", "")
		assert.NoError(err)
	}
	assert.EqualValues(50, snap.CurrentScore)
	assert.EqualValues(40, snap.PreviousScore)
	assert.Equal(models.RankSilver, snap.RankType)
}

func TestRecordActivityValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	_, err := l.RecordActivity(ctx, 0, models.ActivityLike, 1, "", "")
	var ve *ValidationError
	assert.ErrorAs(err, &ve)
	assert.Equal("userId", ve.Field)

	_, err = l.RecordActivity(ctx, 1, models.ActivityType("DANCE"), 1, "", "")
	assert.ErrorAs(err, &ve)
	assert.Equal("activityType", ve.Field)
}

func TestRecordActivityDedupe(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	first, err := l.RecordActivity(ctx, 7, models.ActivityLike, 5, "", "retry-abc")
	assert.NoError(err)
	assert.EqualValues(5, first.CurrentScore)

	// redelivery with the same key changes nothing
	second, err := l.RecordActivity(ctx, 7, models.ActivityLike, 5, "", "retry-abc")
	assert.NoError(err)
	assert.EqualValues(5, second.CurrentScore)

	var count int64
	assert.NoError(l.db.Model(&models.ActivityRecord{}).Where("user_id = ?", 7).Count(&count).Error)
	assert.EqualValues(1, count)
}

func TestRecordActivityConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := l.RecordActivity(ctx, 42, models.ActivityLike, 1, "", ""); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(err)
	}

	snap, err := l.GetUserScore(ctx, 42)
	assert.NoError(err)
	assert.EqualValues(workers*perWorker, snap.CurrentScore)
}

func TestSuspendedAccountAppendsWithoutApplying(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	_, err := l.RecordActivity(ctx, 9, models.ActivityLike, 20, "", "")
	assert.NoError(err)
	assert.NoError(l.db.Model(&models.UserScore{}).Where("user_id = ?", 9).Update("suspended", true).Error)
	l.InvalidateSnapshot(9)

	snap, err := l.RecordActivity(ctx, 9, models.ActivityLike, 30, "", "")
	assert.NoError(err)
	assert.EqualValues(20, snap.CurrentScore)

	// the record still lands in the log, unapplied
	var rec models.ActivityRecord
	err = l.db.Where("user_id = ? AND score_delta = ?", 9, 30).First(&rec).Error
	assert.NoError(err)
	assert.False(rec.Applied)
}

func TestAdjustScoreNegative(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	for i := 0; i < 5; i++ {
		_, err := l.RecordActivity(ctx, 3, models.ActivityContentCreate, 10, "", "")
		assert.NoError(err)
	}

	snap, err := l.AdjustScore(ctx, 3, -60, 99, "manual correction")
	assert.NoError(err)
	assert.EqualValues(-10, snap.CurrentScore)
	assert.Equal(models.RankBronze, snap.RankType)

	var audit models.ModerationAction
	assert.NoError(l.db.Where("user_id = ?", 3).First(&audit).Error)
	assert.Equal(models.ModActionAdjustScore, audit.Action)
	assert.EqualValues(-60, audit.Delta)
	assert.EqualValues(99, audit.AdminID)
}

func TestAdjustScoreValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	var ve *ValidationError
	_, err := l.AdjustScore(ctx, 3, 0, 1, "reason")
	assert.ErrorAs(err, &ve)
	assert.Equal("delta", ve.Field)

	_, err = l.AdjustScore(ctx, 3, 10, 1, "   ")
	assert.ErrorAs(err, &ve)
	assert.Equal("reason", ve.Field)
}

func TestSetUserScoreAbsolute(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	_, err := l.RecordActivity(ctx, 8, models.ActivityLike, 30, "", "")
	assert.NoError(err)

	snap, err := l.SetUserScore(ctx, 8, 250)
	assert.NoError(err)
	assert.EqualValues(250, snap.CurrentScore)
	assert.EqualValues(30, snap.PreviousScore)
	assert.Equal(models.RankGold, snap.RankType)

	// the implied delta lands in the audit log
	var audit models.ModerationAction
	assert.NoError(l.db.Where("user_id = ?", 8).First(&audit).Error)
	assert.EqualValues(220, audit.Delta)

	// setting the same score again changes nothing and audits nothing
	snap, err = l.SetUserScore(ctx, 8, 250)
	assert.NoError(err)
	assert.EqualValues(250, snap.CurrentScore)
	var count int64
	assert.NoError(l.db.Model(&models.ModerationAction{}).Where("user_id = ?", 8).Count(&count).Error)
	assert.EqualValues(1, count)
}

func TestGetUserScoreLazyCreation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	snap, err := l.GetUserScore(ctx, 1234)
	assert.NoError(err)
	assert.EqualValues(0, snap.CurrentScore)
	assert.Equal(models.RankBronze, snap.RankType)
	assert.False(snap.Suspended)

	var count int64
	assert.NoError(l.db.Model(&models.UserScore{}).Count(&count).Error)
	assert.EqualValues(1, count)
}

func TestGetTopUsersTieBreak(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	now := time.Now().UTC()
	seed := []models.UserScore{
		{UserID: 1, CurrentScore: 100, RankType: models.RankSilver, LastActivityDate: now.Add(-2 * time.Hour)},
		{UserID: 2, CurrentScore: 100, RankType: models.RankSilver, LastActivityDate: now.Add(-1 * time.Hour)},
		{UserID: 3, CurrentScore: 90, RankType: models.RankSilver, LastActivityDate: now},
	}
	for i := range seed {
		assert.NoError(l.db.Create(&seed[i]).Error)
	}

	top, err := l.GetTopUsers(ctx, 2)
	assert.NoError(err)
	assert.Equal(2, len(top))
	// tie at 100 goes to the earlier last activity
	assert.EqualValues(1, top[0].UserID)
	assert.EqualValues(2, top[1].UserID)

	_, err = l.GetTopUsers(ctx, 0)
	var ve *ValidationError
	assert.ErrorAs(err, &ve)
	assert.Equal("limit", ve.Field)
}

func TestGetUsersByRank(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	_, err := l.RecordActivity(ctx, 1, models.ActivityContentCreate, 60, "", "")
	assert.NoError(err)
	_, err = l.RecordActivity(ctx, 2, models.ActivityLike, 5, "", "")
	assert.NoError(err)

	silver, err := l.GetUsersByRank(ctx, models.RankSilver)
	assert.NoError(err)
	assert.Equal(1, len(silver))
	assert.EqualValues(1, silver[0].UserID)

	_, err = l.GetUsersByRank(ctx, models.RankType("WOOD"))
	var ve *ValidationError
	assert.ErrorAs(err, &ve)
	assert.Equal("rankType", ve.Field)
}

func TestTierTableFromSettings(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	assert.NoError(l.settings.Set(ctx, settings.KeyRankThresholds, "BRONZE:0,SILVER:10"))
	snap, err := l.RecordActivity(ctx, 5, models.ActivityLike, 10, "", "")
	assert.NoError(err)
	assert.Equal(models.RankSilver, snap.RankType)
}
