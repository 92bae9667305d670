package tiers

import (
	"testing"

	"github.com/stoblyx/ranking/models"

	"github.com/stretchr/testify/assert"
)

func TestResolveBoundaries(t *testing.T) {
	assert := assert.New(t)

	tbl, err := ParseTable("BRONZE:0,SILVER:50,GOLD:200")
	assert.NoError(err)

	assert.Equal(models.RankBronze, tbl.Resolve(0))
	assert.Equal(models.RankBronze, tbl.Resolve(49))
	assert.Equal(models.RankSilver, tbl.Resolve(50))
	assert.Equal(models.RankSilver, tbl.Resolve(199))
	assert.Equal(models.RankGold, tbl.Resolve(200))
	assert.Equal(models.RankGold, tbl.Resolve(10_000))

	// scores below the whole table still resolve to the lowest tier
	assert.Equal(models.RankBronze, tbl.Resolve(-10))
}

func TestResolveMonotonic(t *testing.T) {
	assert := assert.New(t)

	tbl := DefaultTable()
	rankIndex := func(rt models.RankType) int {
		for i, r := range models.AllRankTypes {
			if r == rt {
				return i
			}
		}
		t.Fatalf("unexpected rank type: %s", rt)
		return -1
	}

	prev := tbl.Resolve(-100)
	for score := int64(-99); score < 1200; score++ {
		cur := tbl.Resolve(score)
		assert.LessOrEqual(rankIndex(prev), rankIndex(cur), "rank lowered as score rose at %d", score)
		prev = cur
	}
}

func TestParseTableValidation(t *testing.T) {
	assert := assert.New(t)

	_, err := ParseTable("")
	assert.ErrorIs(err, ErrInvalidTable)

	_, err = ParseTable("BRONZE:0,SILVER:notanumber")
	assert.ErrorIs(err, ErrInvalidTable)

	_, err = ParseTable("BRONZE:0,SILVER")
	assert.ErrorIs(err, ErrInvalidTable)

	// non-monotonic
	_, err = ParseTable("BRONZE:0,SILVER:200,GOLD:100")
	assert.ErrorIs(err, ErrInvalidTable)

	// duplicate tier
	_, err = ParseTable("BRONZE:0,BRONZE:50")
	assert.ErrorIs(err, ErrInvalidTable)

	// unknown tier name
	_, err = ParseTable("BRONZE:0,MYTHRIL:50")
	assert.ErrorIs(err, ErrInvalidTable)

	// equal min scores are not ascending
	_, err = ParseTable("BRONZE:0,SILVER:0")
	assert.ErrorIs(err, ErrInvalidTable)
}

func TestParseTableWhitespace(t *testing.T) {
	assert := assert.New(t)

	tbl, err := ParseTable(" BRONZE: 0 , SILVER:50 ,")
	assert.NoError(err)
	assert.Equal(models.RankSilver, tbl.Resolve(50))
}
