package models

import (
	"time"
)

// RankType is a discrete reputation band. Tier thresholds are configuration,
// not part of this enum; see the tiers package.
type RankType string

const (
	RankBronze   = RankType("BRONZE")
	RankSilver   = RankType("SILVER")
	RankGold     = RankType("GOLD")
	RankPlatinum = RankType("PLATINUM")
	RankDiamond  = RankType("DIAMOND")
)

func (rt RankType) String() string {
	return string(rt)
}

// AllRankTypes is ordered lowest tier first.
var AllRankTypes = []RankType{RankBronze, RankSilver, RankGold, RankPlatinum, RankDiamond}

func ParseRankType(s string) (RankType, bool) {
	for _, rt := range AllRankTypes {
		if s == string(rt) {
			return rt, true
		}
	}
	return "", false
}

type ActivityType string

const (
	ActivityLike          = ActivityType("LIKE")
	ActivityComment       = ActivityType("COMMENT")
	ActivitySave          = ActivityType("SAVE")
	ActivityContentCreate = ActivityType("CONTENT_CREATE")
	ActivityReport        = ActivityType("REPORT")

	// admin-originated activity types, kept in the same log so the activity
	// history for a user is complete
	ActivityAdminAdjustment   = ActivityType("ADMIN_ADJUSTMENT")
	ActivityAdminSuspension   = ActivityType("ADMIN_SUSPENSION")
	ActivityAdminUnsuspension = ActivityType("ADMIN_UNSUSPENSION")
)

var AllActivityTypes = []ActivityType{
	ActivityLike,
	ActivityComment,
	ActivitySave,
	ActivityContentCreate,
	ActivityReport,
	ActivityAdminAdjustment,
	ActivityAdminSuspension,
	ActivityAdminUnsuspension,
}

func ParseActivityType(s string) (ActivityType, bool) {
	for _, at := range AllActivityTypes {
		if s == string(at) {
			return at, true
		}
	}
	return "", false
}

// UserScore is the current reputation state for one user. One row per user,
// created lazily on first access. Rows are soft-deleted, never purged.
type UserScore struct {
	ID               uint  `gorm:"primaryKey"`
	UserID           int64 `gorm:"uniqueIndex;not null"`
	CurrentScore     int64 `gorm:"not null;index"`
	PreviousScore    int64 `gorm:"not null"`
	RankType         RankType
	LastActivityDate time.Time `gorm:"index"`
	Suspicious       bool      `gorm:"not null;default:false"`
	ReportCount      int       `gorm:"not null;default:0"`
	Suspended        bool      `gorm:"not null;default:false"`
	Deleted          bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ActivityRecord is one immutable entry in the append-only activity log.
// DedupeKey makes retried writes idempotent: a retry after a timed-out
// commit inserts nothing.
type ActivityRecord struct {
	ID         uint         `gorm:"primaryKey"`
	UserID     int64        `gorm:"not null;index:idx_activity_user_time"`
	Type       ActivityType `gorm:"not null"`
	ScoreDelta int64        `gorm:"not null"`
	IPAddress  string       `gorm:"index"`
	DedupeKey  string       `gorm:"uniqueIndex"`
	Applied    bool         `gorm:"not null"`
	OccurredAt time.Time    `gorm:"not null;index:idx_activity_user_time;index"`
	CreatedAt  time.Time
}
