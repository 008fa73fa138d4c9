package model

import (
	"fmt"
	"time"
)

// GapID identifies a gap for its whole life. It is never reused after retirement.
type GapID struct {
	Symbol    string
	Timeframe Timeframe
	Direction Direction
	CreatedAt time.Time
}

func (id GapID) String() string {
	return fmt.Sprintf("%s_%s_%s_%d", id.Symbol, id.Timeframe, id.Direction, id.CreatedAt.Unix())
}

// Formation holds the market context measured when a gap was detected.
// It is immutable for the life of the gap.
type Formation struct {
	Volume           float64 // volume of the candle two bars before the detecting candle
	AverageVolume    float64
	VolumeRatio      float64
	RelativeGap      float64 // body size relative to its recent average
	UnfilledEstimate float64
	OrderDensity     float64
	Institutional    bool
}

// Gap is a fair value gap owned by the ledger.
//
// Top and Bottom narrow as price retraces into the zone; OriginalTop and
// OriginalBottom keep the range at detection time.
type Gap struct {
	ID             GapID
	Top            float64
	Bottom         float64
	OriginalTop    float64
	OriginalBottom float64
	Tested         bool
	LastUpdatedAt  time.Time
	Formation      Formation
}

// Size is the current height of the gap.
func (g Gap) Size() float64 {
	return g.Top - g.Bottom
}

// FillRatio is the unfilled share of the original range, in [0,1].
func (g Gap) FillRatio() float64 {
	orig := g.OriginalTop - g.OriginalBottom
	if orig <= 0 {
		return 0
	}
	r := g.Size() / orig
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Annotated is a gap snapshot with analytics computed against a price.
type Annotated struct {
	Gap
	Price                 float64
	DistancePct           float64
	IsTouching            bool
	StrengthScore         float64
	UnfilledOrderEstimate float64
}

// Block is a cluster of same-direction gaps from distinct timeframes whose
// ranges overlap. Blocks are recomputed on demand and never mutated.
type Block struct {
	ID                string
	Symbol            string
	Direction         Direction
	Members           []GapID
	Timeframes        []Timeframe
	Top               float64
	Bottom            float64
	AggregateStrength float64
	TotalUnfilled     float64
	HasInstitutional  bool
}

// Contains reports whether id is a member of the block.
func (b Block) Contains(id GapID) bool {
	for _, m := range b.Members {
		if m == id {
			return true
		}
	}
	return false
}

// TimeframeNames returns the member timeframes as strings.
func (b Block) TimeframeNames() []string {
	out := make([]string, len(b.Timeframes))
	for i, tf := range b.Timeframes {
		out[i] = string(tf)
	}
	return out
}
