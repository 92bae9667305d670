// Package tiers maps scores to rank tiers via a configurable threshold table.
package tiers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stoblyx/ranking/models"
)

var ErrInvalidTable = errors.New("invalid rank threshold table")

// Threshold is an inclusive lower bound for one tier: scores at or above
// MinScore (and below the next tier's MinScore) resolve to Rank.
type Threshold struct {
	MinScore int64
	Rank     models.RankType
}

// Table is an ascending list of tier thresholds. Construct via NewTable or
// ParseTable; a validated table never resolves inconsistently.
type Table struct {
	thresholds []Threshold
}

// NewTable validates that thresholds are non-empty, strictly ascending by
// MinScore, and name each tier at most once.
func NewTable(thresholds []Threshold) (*Table, error) {
	if len(thresholds) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTable)
	}
	seen := make(map[models.RankType]bool, len(thresholds))
	for i, th := range thresholds {
		if _, ok := models.ParseRankType(string(th.Rank)); !ok {
			return nil, fmt.Errorf("%w: unknown rank type %q", ErrInvalidTable, th.Rank)
		}
		if seen[th.Rank] {
			return nil, fmt.Errorf("%w: duplicate rank type %q", ErrInvalidTable, th.Rank)
		}
		seen[th.Rank] = true
		if i > 0 && th.MinScore <= thresholds[i-1].MinScore {
			return nil, fmt.Errorf("%w: thresholds not ascending at %q", ErrInvalidTable, th.Rank)
		}
	}
	out := make([]Threshold, len(thresholds))
	copy(out, thresholds)
	return &Table{thresholds: out}, nil
}

// ParseTable parses a "RANK:minScore,RANK:minScore,..." config string, eg
// "BRONZE:0,SILVER:50,GOLD:200". The same validation as NewTable applies.
func ParseTable(s string) (*Table, error) {
	var thresholds []Threshold
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, min, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("%w: malformed entry %q", ErrInvalidTable, part)
		}
		score, err := strconv.ParseInt(strings.TrimSpace(min), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed min score in %q", ErrInvalidTable, part)
		}
		thresholds = append(thresholds, Threshold{
			MinScore: score,
			Rank:     models.RankType(strings.TrimSpace(name)),
		})
	}
	return NewTable(thresholds)
}

// Resolve returns the highest tier whose MinScore is at or below score.
// Scores below every threshold (negative scores under a zero-based table)
// resolve to the lowest tier.
func (t *Table) Resolve(score int64) models.RankType {
	rank := t.thresholds[0].Rank
	for _, th := range t.thresholds {
		if score >= th.MinScore {
			rank = th.Rank
		} else {
			break
		}
	}
	return rank
}

func (t *Table) Thresholds() []Threshold {
	out := make([]Threshold, len(t.thresholds))
	copy(out, t.thresholds)
	return out
}

// DefaultTableConfig is used when the settings store has no threshold entry.
const DefaultTableConfig = "BRONZE:0,SILVER:50,GOLD:200,PLATINUM:500,DIAMOND:1000"

func DefaultTable() *Table {
	t, err := ParseTable(DefaultTableConfig)
	if err != nil {
		panic(err)
	}
	return t
}
