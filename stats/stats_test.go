package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stoblyx/ranking/ledger"
	"github.com/stoblyx/ranking/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testAggregator(t *testing.T) (*Aggregator, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.UserScore{}, &models.ActivityRecord{}))
	return New(db, nil), db
}

func seedRecord(t *testing.T, db *gorm.DB, userID int64, typ models.ActivityType, at time.Time) {
	t.Helper()
	rec := models.ActivityRecord{
		UserID:     userID,
		Type:       typ,
		ScoreDelta: 1,
		DedupeKey:  fmt.Sprintf("seed-%d-%d", userID, at.UnixNano()),
		Applied:    true,
		OccurredAt: at,
	}
	require.NoError(t, db.Create(&rec).Error)
}

func TestAverageScoreEmpty(t *testing.T) {
	assert := assert.New(t)
	a, _ := testAggregator(t)

	avg, err := a.AverageScore(context.Background())
	assert.NoError(err)
	assert.Equal(0.0, avg)
}

func TestAverageScoreExcludesDeleted(t *testing.T) {
	assert := assert.New(t)
	a, db := testAggregator(t)

	require.NoError(t, db.Create(&models.UserScore{UserID: 1, CurrentScore: 100, RankType: models.RankSilver}).Error)
	require.NoError(t, db.Create(&models.UserScore{UserID: 2, CurrentScore: 50, RankType: models.RankSilver}).Error)
	require.NoError(t, db.Create(&models.UserScore{UserID: 3, CurrentScore: 9000, RankType: models.RankDiamond, Deleted: true}).Error)

	avg, err := a.AverageScore(context.Background())
	assert.NoError(err)
	assert.Equal(75.0, avg)
}

func TestRankDistribution(t *testing.T) {
	assert := assert.New(t)
	a, db := testAggregator(t)

	require.NoError(t, db.Create(&models.UserScore{UserID: 1, CurrentScore: 10, RankType: models.RankBronze}).Error)
	require.NoError(t, db.Create(&models.UserScore{UserID: 2, CurrentScore: 60, RankType: models.RankSilver}).Error)
	require.NoError(t, db.Create(&models.UserScore{UserID: 3, CurrentScore: 70, RankType: models.RankSilver}).Error)

	dist, err := a.RankDistribution(context.Background())
	assert.NoError(err)
	assert.EqualValues(1, dist[models.RankBronze])
	assert.EqualValues(2, dist[models.RankSilver])
	// empty tiers are present with zero counts
	assert.EqualValues(0, dist[models.RankDiamond])
	assert.Equal(len(models.AllRankTypes), len(dist))
}

func TestRankingStatistics(t *testing.T) {
	assert := assert.New(t)
	a, db := testAggregator(t)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	require.NoError(t, db.Create(&models.UserScore{UserID: 1, CurrentScore: 100, RankType: models.RankSilver}).Error)
	require.NoError(t, db.Create(&models.UserScore{UserID: 2, CurrentScore: 20, RankType: models.RankBronze, Suspended: true}).Error)

	seedRecord(t, db, 1, models.ActivityLike, start.Add(time.Hour))
	seedRecord(t, db, 1, models.ActivityComment, start.Add(2*time.Hour))
	seedRecord(t, db, 2, models.ActivityLike, start.Add(3*time.Hour))
	seedRecord(t, db, 2, models.ActivityLike, end.Add(time.Hour)) // outside the window

	out, err := a.RankingStatistics(context.Background(), start, end)
	assert.NoError(err)
	assert.EqualValues(2, out.TotalUsers)
	assert.EqualValues(1, out.ActiveUsers)
	assert.EqualValues(1, out.SuspendedUsers)
	assert.Equal(60.0, out.AverageScore)
	assert.EqualValues(2, out.ActivityByType[models.ActivityLike])
	assert.EqualValues(1, out.ActivityByType[models.ActivityComment])
	assert.EqualValues(3, out.TotalActivities)

	var ve *ledger.ValidationError
	_, err = a.RankingStatistics(context.Background(), end, start)
	assert.ErrorAs(err, &ve)
	assert.Equal("startDate", ve.Field)
}

func TestActivityBreakdownDailyBuckets(t *testing.T) {
	assert := assert.New(t)
	a, db := testAggregator(t)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 3)

	seedRecord(t, db, 1, models.ActivityLike, start)                          // first instant of day 0
	seedRecord(t, db, 1, models.ActivityLike, start.Add(23*time.Hour))        // still day 0
	seedRecord(t, db, 1, models.ActivityLike, start.AddDate(0, 0, 1))         // boundary record lands in day 1
	seedRecord(t, db, 1, models.ActivityLike, start.AddDate(0, 0, 2).Add(-1)) // last nanosecond of day 1

	out, err := a.ActivityBreakdown(context.Background(), start, end, PeriodDaily)
	assert.NoError(err)
	assert.Equal(3, len(out))
	assert.EqualValues(2, out[0].Count)
	assert.EqualValues(2, out[1].Count)
	assert.EqualValues(0, out[2].Count) // empty bucket still emitted
	assert.Equal(start.AddDate(0, 0, 2), out[2].Start)
}

func TestUserActivityBreakdownWeekly(t *testing.T) {
	assert := assert.New(t)
	a, db := testAggregator(t)

	start := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 14)

	seedRecord(t, db, 1, models.ActivityLike, start.Add(time.Hour))
	seedRecord(t, db, 1, models.ActivityLike, start.AddDate(0, 0, 8))
	seedRecord(t, db, 2, models.ActivityLike, start.Add(time.Hour)) // other user, excluded

	out, err := a.UserActivityBreakdown(context.Background(), 1, start, end, PeriodWeekly)
	assert.NoError(err)
	assert.Equal(2, len(out))
	assert.EqualValues(1, out[0].Count)
	assert.EqualValues(1, out[1].Count)

	var ve *ledger.ValidationError
	_, err = a.UserActivityBreakdown(context.Background(), 0, start, end, PeriodWeekly)
	assert.ErrorAs(err, &ve)
	assert.Equal("userId", ve.Field)

	_, err = a.ActivityBreakdown(context.Background(), start, end, Period("hourly"))
	assert.ErrorAs(err, &ve)
	assert.Equal("period", ve.Field)
}

func TestHourlyHistogram(t *testing.T) {
	assert := assert.New(t)
	a, db := testAggregator(t)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	seedRecord(t, db, 1, models.ActivityLike, start.Add(3*time.Hour))
	seedRecord(t, db, 1, models.ActivityLike, start.Add(3*time.Hour+30*time.Minute))
	seedRecord(t, db, 1, models.ActivityLike, start.Add(17*time.Hour))

	hist, err := a.HourlyHistogram(context.Background(), start, end)
	assert.NoError(err)
	assert.EqualValues(2, hist[3])
	assert.EqualValues(1, hist[17])
	assert.EqualValues(0, hist[0])
}
