// Package countstore tracks period-bucketed counters for rate and
// score-change heuristics: per-user activity counts, per-user score gain,
// and distinct-user counts per source IP.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

// Counter names used by the ledger and detector.
const (
	NameActivity  = "activity"   // events per user
	NameScoreGain = "score-gain" // applied positive score delta per user
	NameIPUsers   = "ip-users"   // distinct users seen per IP
)

type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int64, error)
	Increment(ctx context.Context, name, val string) error
	// IncrementBy adds delta to the counter in every period bucket.
	IncrementBy(ctx context.Context, name, val string, delta int64) error
	GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val string) error
}

func periodBucket(name, val, period string) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		t := time.Now().UTC().Format(time.DateOnly)
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodHour:
		t := time.Now().UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}
