package blocks

import (
	"testing"
	"time"

	"fvgscanner/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func annotated(tf model.Timeframe, dir model.Direction, bottom, top, score float64, offset int) model.Annotated {
	return model.Annotated{
		Gap: model.Gap{
			ID: model.GapID{
				Symbol:    "ETHUSDT",
				Timeframe: tf,
				Direction: dir,
				CreatedAt: created.Add(time.Duration(offset) * time.Hour),
			},
			Top:            top,
			Bottom:         bottom,
			OriginalTop:    top,
			OriginalBottom: bottom,
		},
		StrengthScore:         score,
		UnfilledOrderEstimate: 1000,
	}
}

// Test_Aggregate tests grouping rules for cross-timeframe blocks
func Test_Aggregate(t *testing.T) {
	tests := []struct {
		name        string
		gaps        []model.Annotated
		blocks      int
		members     []int
		description string
	}{
		{
			name: "Two timeframes overlapping",
			gaps: []model.Annotated{
				annotated(model.Timeframe4h, model.Bullish, 100, 110, 50, 0),
				annotated(model.Timeframe1d, model.Bullish, 105, 120, 60, 0),
			},
			blocks:      1,
			members:     []int{2},
			description: "Overlapping same-direction gaps from distinct timeframes form a block",
		},
		{
			name: "Singleton discarded",
			gaps: []model.Annotated{
				annotated(model.Timeframe4h, model.Bullish, 100, 110, 50, 0),
			},
			blocks:      0,
			description: "A block needs at least two members",
		},
		{
			name: "Same timeframe never grouped",
			gaps: []model.Annotated{
				annotated(model.Timeframe4h, model.Bullish, 100, 110, 50, 0),
				annotated(model.Timeframe4h, model.Bullish, 102, 108, 50, 8),
			},
			blocks:      0,
			description: "Two gaps of one timeframe are not a block",
		},
		{
			name: "Mixed directions never grouped",
			gaps: []model.Annotated{
				annotated(model.Timeframe4h, model.Bullish, 100, 110, 50, 0),
				annotated(model.Timeframe1d, model.Bearish, 100, 110, 50, 0),
			},
			blocks:      0,
			description: "Bullish and bearish gaps at the same level stay apart",
		},
		{
			name: "Disjoint ranges",
			gaps: []model.Annotated{
				annotated(model.Timeframe4h, model.Bearish, 100, 110, 50, 0),
				annotated(model.Timeframe1d, model.Bearish, 130, 140, 50, 0),
			},
			blocks:      0,
			description: "Ranges far apart do not overlap",
		},
		{
			name: "Tolerance bridges a tiny gap",
			gaps: []model.Annotated{
				annotated(model.Timeframe4h, model.Bearish, 100, 110, 50, 0),
				annotated(model.Timeframe12h, model.Bearish, 110.1, 120, 50, 0),
			},
			blocks:      1,
			members:     []int{2},
			description: "0.1 apart is inside 2% of a 10-wide average size",
		},
		{
			name: "Four timeframes",
			gaps: []model.Annotated{
				annotated(model.Timeframe1w, model.Bullish, 95, 115, 70, 0),
				annotated(model.Timeframe4h, model.Bullish, 100, 110, 50, 0),
				annotated(model.Timeframe1d, model.Bullish, 105, 120, 60, 0),
				annotated(model.Timeframe12h, model.Bullish, 98, 104, 40, 0),
				annotated(model.Timeframe4h, model.Bullish, 101, 103, 40, 4),
			},
			blocks:      1,
			members:     []int{4},
			description: "One member per timeframe, the second 4h gap is left out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("ETHUSDT", tt.gaps, DefaultConfig())
			require.Len(t, got, tt.blocks, tt.description)
			for i, b := range got {
				assert.Len(t, b.Members, tt.members[i])
				assertBlockInvariants(t, b)
			}
		})
	}
}

func assertBlockInvariants(t *testing.T, b model.Block) {
	t.Helper()
	seen := make(map[model.Timeframe]bool)
	for _, m := range b.Members {
		assert.Equal(t, b.Direction, m.Direction)
		assert.False(t, seen[m.Timeframe], "duplicate timeframe %s", m.Timeframe)
		seen[m.Timeframe] = true
	}
	assert.Len(t, b.Timeframes, len(b.Members))
	assert.GreaterOrEqual(t, b.AggregateStrength, 0.0)
	assert.LessOrEqual(t, b.AggregateStrength, 100.0)
	assert.Greater(t, b.Top, b.Bottom)
}

func Test_Aggregate_BlockFields(t *testing.T) {
	inst := annotated(model.Timeframe1d, model.Bullish, 105, 120, 60, 0)
	inst.Formation.Institutional = true
	gaps := []model.Annotated{
		inst,
		annotated(model.Timeframe4h, model.Bullish, 100, 110, 50, 0),
	}

	got := Aggregate("ETHUSDT", gaps, DefaultConfig())
	require.Len(t, got, 1)
	b := got[0]

	assert.Equal(t, []model.Timeframe{model.Timeframe4h, model.Timeframe1d}, b.Timeframes)
	assert.Equal(t, 120.0, b.Top)
	assert.Equal(t, 100.0, b.Bottom)
	assert.Equal(t, 2000.0, b.TotalUnfilled)
	assert.True(t, b.HasInstitutional)
	// mean 55 + one extra timeframe 7.5 + institutional 10
	assert.InDelta(t, 72.5, b.AggregateStrength, 1e-9)
	assert.Equal(t, "ETHUSDT_BULLISH_4h+1d_100_120", b.ID)
	assert.Equal(t, "4h+1d", Badge(b))
	assert.Equal(t, LevelStrong, Level(b.AggregateStrength))
}

func Test_Aggregate_StrengthClamped(t *testing.T) {
	gaps := []model.Annotated{
		annotated(model.Timeframe4h, model.Bearish, 100, 110, 100, 0),
		annotated(model.Timeframe12h, model.Bearish, 100, 110, 100, 0),
		annotated(model.Timeframe1d, model.Bearish, 100, 110, 100, 0),
	}
	got := Aggregate("ETHUSDT", gaps, DefaultConfig())
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].AggregateStrength)
}

func Test_Aggregate_IgnoresOtherSymbols(t *testing.T) {
	other := annotated(model.Timeframe1d, model.Bullish, 100, 110, 50, 0)
	other.ID.Symbol = "BTCUSDT"
	gaps := []model.Annotated{annotated(model.Timeframe4h, model.Bullish, 100, 110, 50, 0), other}

	assert.Empty(t, Aggregate("ETHUSDT", gaps, DefaultConfig()))
}

func Test_Index(t *testing.T) {
	a := annotated(model.Timeframe4h, model.Bullish, 100, 110, 50, 0)
	b := annotated(model.Timeframe1d, model.Bullish, 105, 120, 60, 0)
	loner := annotated(model.Timeframe1w, model.Bearish, 300, 310, 60, 0)

	ix := NewIndex(Aggregate("ETHUSDT", []model.Annotated{a, b, loner}, DefaultConfig()))
	blk, ok := ix.Lookup(a.ID)
	require.True(t, ok)
	assert.True(t, blk.Contains(b.ID))

	_, ok = ix.Lookup(loner.ID)
	assert.False(t, ok)
}

func Test_Overlaps(t *testing.T) {
	a := model.Gap{Bottom: 100, Top: 110}
	assert.True(t, Overlaps(a, model.Gap{Bottom: 110, Top: 120}, 0), "shared boundary overlaps")
	assert.False(t, Overlaps(a, model.Gap{Bottom: 111, Top: 120}, 0))
	assert.True(t, Overlaps(a, model.Gap{Bottom: 111, Top: 121}, 10))
}

func Test_ConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.TimeframeBonus = -1
	assert.Error(t, cfg.Validate())
}
