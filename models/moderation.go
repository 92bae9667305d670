package models

import (
	"time"
)

type ModActionType string

const (
	ModActionAdjustScore = ModActionType("ADJUST_SCORE")
	ModActionSuspend     = ModActionType("SUSPEND")
	ModActionUnsuspend   = ModActionType("UNSUSPEND")

	// audit row for a suspend request against an already-suspended account;
	// state is unchanged but the attempt is recorded
	ModActionSuspendDuplicate = ModActionType("SUSPEND_DUPLICATE")
)

// ModerationAction is one append-only audit entry for an admin-initiated
// override: a manual score adjustment, suspension, or unsuspension.
type ModerationAction struct {
	ID        uint          `gorm:"primaryKey"`
	UserID    int64         `gorm:"not null;index"`
	AdminID   int64         `gorm:"not null"`
	Action    ModActionType `gorm:"not null"`
	Delta     int64         `gorm:"not null"`
	Reason    string        `gorm:"not null"`
	CreatedAt time.Time     `gorm:"not null"`
}
