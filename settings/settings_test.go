package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()

	v, err := s.Get(ctx, KeyRankThresholds)
	assert.NoError(err)
	assert.Empty(v)

	v, err = GetOrDefault(ctx, s, KeyScoreGainThreshold, "100")
	assert.NoError(err)
	assert.Equal("100", v)

	assert.NoError(s.Set(ctx, KeyScoreGainThreshold, "250"))
	v, err = GetOrDefault(ctx, s, KeyScoreGainThreshold, "100")
	assert.NoError(err)
	assert.Equal("250", v)

	assert.NoError(s.Set(ctx, KeyInactivityDecay, "0.1"))
	all, err := s.List(ctx)
	assert.NoError(err)
	assert.Equal(2, len(all))
	assert.Equal("250", all[KeyScoreGainThreshold])
}
