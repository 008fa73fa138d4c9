// Package blocks groups same-direction gaps from different timeframes that
// sit at overlapping price levels into blocks.
//
// Blocks are derived data: Aggregate recomputes them from scratch from the
// annotated snapshots of one symbol and never mutates its input.
package blocks

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"fvgscanner/internal/model"

	"github.com/shopspring/decimal"
)

// Config holds block grouping and scoring parameters.
type Config struct {
	// OverlapTolerancePct widens the overlap test by this percentage of the
	// average size of the two gaps compared.
	OverlapTolerancePct float64 `mapstructure:"overlap_tolerance_pct" validate:"gte=0"`

	// TimeframeBonus is added once per member beyond the first.
	TimeframeBonus float64 `mapstructure:"timeframe_bonus" validate:"gte=0"`

	// InstitutionalBonus is added when any member has institutional size.
	InstitutionalBonus float64 `mapstructure:"institutional_bonus" validate:"gte=0"`
}

// DefaultConfig returns the grouping parameters used by the scanner.
func DefaultConfig() Config {
	return Config{
		OverlapTolerancePct: 2,
		TimeframeBonus:      7.5,
		InstitutionalBonus:  10,
	}
}

// Validate checks that the configuration cannot produce negative bonuses.
func (c Config) Validate() error {
	if c.OverlapTolerancePct < 0 || c.TimeframeBonus < 0 || c.InstitutionalBonus < 0 {
		return errors.New("block parameters must be non-negative")
	}
	return nil
}

// Aggregate builds the blocks of one symbol from its annotated active gaps.
//
// Gaps are partitioned by direction. Within a partition, each gap not yet in
// a block seeds a group, and every other free gap from a timeframe not yet in
// the group joins when its range overlaps the seed's within tolerance.
// Groups with fewer than two members are discarded.
//
// The result is ordered by descending strength, then ID.
func Aggregate(symbol string, gaps []model.Annotated, cfg Config) []model.Block {
	var out []model.Block
	for _, dir := range []model.Direction{model.Bullish, model.Bearish} {
		var partition []model.Annotated
		for _, g := range gaps {
			if g.ID.Symbol == symbol && g.ID.Direction == dir {
				partition = append(partition, g)
			}
		}
		out = append(out, group(symbol, dir, partition, cfg)...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AggregateStrength != out[j].AggregateStrength {
			return out[i].AggregateStrength > out[j].AggregateStrength
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func group(symbol string, dir model.Direction, gaps []model.Annotated, cfg Config) []model.Block {
	if len(gaps) < 2 {
		return nil
	}

	sort.SliceStable(gaps, func(i, j int) bool {
		a, b := gaps[i].ID, gaps[j].ID
		if a.Timeframe.Rank() != b.Timeframe.Rank() {
			return a.Timeframe.Rank() < b.Timeframe.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return gaps[i].Bottom < gaps[j].Bottom
	})

	assigned := make([]bool, len(gaps))
	var out []model.Block

	for i, seed := range gaps {
		if assigned[i] {
			continue
		}

		members := []int{i}
		seen := map[model.Timeframe]struct{}{seed.ID.Timeframe: {}}
		for j := i + 1; j < len(gaps); j++ {
			if assigned[j] {
				continue
			}
			if _, dup := seen[gaps[j].ID.Timeframe]; dup {
				continue
			}
			if !Overlaps(seed.Gap, gaps[j].Gap, cfg.OverlapTolerancePct) {
				continue
			}
			members = append(members, j)
			seen[gaps[j].ID.Timeframe] = struct{}{}
		}

		if len(members) < 2 {
			continue
		}
		picked := make([]model.Annotated, len(members))
		for k, idx := range members {
			assigned[idx] = true
			picked[k] = gaps[idx]
		}
		out = append(out, build(symbol, dir, picked, cfg))
	}
	return out
}

// Overlaps reports whether two gap ranges intersect once widened by
// tolerancePct percent of their average size.
func Overlaps(a, b model.Gap, tolerancePct float64) bool {
	tol := (a.Size() + b.Size()) / 2 * tolerancePct / 100
	return a.Bottom <= b.Top+tol && b.Bottom <= a.Top+tol
}

func build(symbol string, dir model.Direction, members []model.Annotated, cfg Config) model.Block {
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].ID.Timeframe.Rank() < members[j].ID.Timeframe.Rank()
	})

	b := model.Block{
		Symbol:    symbol,
		Direction: dir,
		Top:       math.Inf(-1),
		Bottom:    math.Inf(1),
	}

	var scoreSum float64
	for _, m := range members {
		b.Members = append(b.Members, m.ID)
		b.Timeframes = append(b.Timeframes, m.ID.Timeframe)
		b.Top = math.Max(b.Top, m.Top)
		b.Bottom = math.Min(b.Bottom, m.Bottom)
		b.TotalUnfilled += m.UnfilledOrderEstimate
		b.HasInstitutional = b.HasInstitutional || m.Formation.Institutional
		scoreSum += m.StrengthScore
	}

	strength := scoreSum / float64(len(members))
	strength += cfg.TimeframeBonus * float64(len(members)-1)
	if b.HasInstitutional {
		strength += cfg.InstitutionalBonus
	}
	b.AggregateStrength = math.Min(math.Max(strength, 0), 100)
	b.ID = blockID(b)
	return b
}

func blockID(b model.Block) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s",
		b.Symbol,
		strings.ToUpper(b.Direction.String()),
		strings.Join(b.TimeframeNames(), "+"),
		decimal.NewFromFloat(b.Bottom).Round(8).String(),
		decimal.NewFromFloat(b.Top).Round(8).String(),
	)
}

// Block strength labels.
const (
	LevelWeak    = "WEAK"
	LevelMedium  = "MEDIUM"
	LevelStrong  = "STRONG"
	LevelExtreme = "EXTREME"
)

// Level labels a block strength.
func Level(strength float64) string {
	switch {
	case strength >= 80:
		return LevelExtreme
	case strength >= 70:
		return LevelStrong
	case strength >= 60:
		return LevelMedium
	default:
		return LevelWeak
	}
}

// Badge is a short human label such as "4h+1d".
func Badge(b model.Block) string {
	return strings.Join(b.TimeframeNames(), "+")
}

// Index answers membership queries over a set of blocks.
type Index struct {
	blocks   []model.Block
	byMember map[model.GapID]int
}

// NewIndex indexes blocks by member gap.
func NewIndex(blocks []model.Block) Index {
	ix := Index{
		blocks:   blocks,
		byMember: make(map[model.GapID]int),
	}
	for i, b := range blocks {
		for _, m := range b.Members {
			ix.byMember[m] = i
		}
	}
	return ix
}

// Lookup returns the block containing id, if any.
func (ix Index) Lookup(id model.GapID) (*model.Block, bool) {
	i, ok := ix.byMember[id]
	if !ok {
		return nil, false
	}
	b := ix.blocks[i]
	return &b, true
}
