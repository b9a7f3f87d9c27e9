package priority_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sneh-joshi/agenthub/internal/priority"
	"github.com/sneh-joshi/agenthub/internal/types"
)

func bands(levels ...int) [types.Bands]bool {
	var occ [types.Bands]bool
	for _, l := range levels {
		occ[l] = true
	}
	return occ
}

func TestFairness_StrictOrderWithoutStarvation(t *testing.T) {
	f := priority.NewFairness(priority.FairnessConfig{}, nil)

	band, forced := f.Select("a", bands(1, 5))
	assert.Equal(t, 5, band)
	assert.False(t, forced)

	band, _ = f.Select("a", bands())
	assert.Equal(t, -1, band)

	band, _ = f.Select("a", bands(0))
	assert.Equal(t, 0, band)
}

func TestFairness_ForcesAfterNDequeues(t *testing.T) {
	const n = 3
	f := priority.NewFairness(priority.FairnessConfig{StarvationDequeues: n}, nil)
	f.Enqueued("a", 1, true)
	f.Enqueued("a", 5, true)
	occ := bands(1, 5)

	for i := 0; i < n; i++ {
		band, forced := f.Select("a", occ)
		assert.Equal(t, 5, band, "dequeue %d", i)
		assert.False(t, forced)
		f.Served("a", band, occ)
	}

	band, forced := f.Select("a", occ)
	assert.Equal(t, 1, band)
	assert.True(t, forced)
	f.Served("a", band, occ)

	band, _ = f.Select("a", occ)
	assert.Equal(t, 5, band, "skip counter reset after the low band was served")
}

func TestFairness_AgeThreshold(t *testing.T) {
	clk := newFakeClock()
	f := priority.NewFairness(priority.FairnessConfig{StarvationAge: time.Second}, clk.Now)
	f.Enqueued("a", 0, true)
	f.Enqueued("a", 4, true)
	occ := bands(0, 4)

	band, _ := f.Select("a", occ)
	assert.Equal(t, 4, band)

	clk.Advance(time.Second)
	band, forced := f.Select("a", occ)
	assert.Equal(t, 0, band)
	assert.True(t, forced)

	f.Served("a", 0, occ)
	band, _ = f.Select("a", occ)
	assert.Equal(t, 4, band)
}

func TestFairness_LowestStarvingBandFirst(t *testing.T) {
	f := priority.NewFairness(priority.FairnessConfig{StarvationDequeues: 2}, nil)
	occ := bands(0, 2, 5)
	for i := 0; i < 2; i++ {
		f.Served("a", 5, occ)
	}
	band, forced := f.Select("a", occ)
	assert.Equal(t, 0, band)
	assert.True(t, forced)
	f.Served("a", 0, occ)

	band, forced = f.Select("a", occ)
	assert.Equal(t, 2, band)
	assert.True(t, forced)
}

func TestFairness_Deterministic(t *testing.T) {
	clk := newFakeClock()
	mk := func() *priority.Fairness {
		f := priority.NewFairness(priority.FairnessConfig{StarvationDequeues: 2, StarvationAge: time.Minute}, clk.Now)
		f.Enqueued("a", 2, true)
		f.Served("a", 4, bands(2, 4))
		return f
	}
	b1, f1 := mk().Select("a", bands(2, 4))
	b2, f2 := mk().Select("a", bands(2, 4))
	assert.Equal(t, b1, b2)
	assert.Equal(t, f1, f2)
}

func TestFairness_AgentsIndependent(t *testing.T) {
	f := priority.NewFairness(priority.FairnessConfig{StarvationDequeues: 1}, nil)
	f.Served("a", 5, bands(1, 5))

	band, _ := f.Select("b", bands(1, 5))
	assert.Equal(t, 5, band)
	band, _ = f.Select("a", bands(1, 5))
	assert.Equal(t, 1, band)

	f.Forget("a")
	band, _ = f.Select("a", bands(1, 5))
	assert.Equal(t, 5, band)
}
