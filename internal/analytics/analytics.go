package analytics

import (
	"math"

	"fvgscanner/internal/model"

	"github.com/shopspring/decimal"
)

// DistanceSentinel is returned for inputs that cannot produce a distance.
const DistanceSentinel = 999.0

// DistancePct returns the distance from price to the nearer gap boundary as a
// percentage of price, rounded to two decimals. It is zero when price lies
// inside [bottom, top].
func DistancePct(bottom, top, price float64) float64 {
	if !finite(bottom, top, price) || price <= 0 {
		return DistanceSentinel
	}
	if price >= bottom && price <= top {
		return 0
	}

	var d float64
	if price < bottom {
		d = (bottom - price) / price * 100
	} else {
		d = (price - top) / price * 100
	}
	return decimal.NewFromFloat(math.Abs(d)).Round(2).InexactFloat64()
}

// IsTouching reports whether price is inside the gap or within tolerancePct
// percent of the gap's own size from either boundary.
func IsTouching(bottom, top, price, tolerancePct float64) bool {
	if !finite(bottom, top, price, tolerancePct) {
		return false
	}
	if price >= bottom && price <= top {
		return true
	}
	tolerance := (top - bottom) * tolerancePct / 100
	return math.Abs(price-bottom) <= tolerance || math.Abs(price-top) <= tolerance
}

// ScoreInputs are the independent signals combined into a strength score.
type ScoreInputs struct {
	UnfilledVolume float64
	OrderDensity   float64
	Institutional  bool
	VolumeRatio    float64
	DistancePct    float64
}

// StrengthScore combines independently tiered contributions into a score
// clamped to [0,100].
func StrengthScore(in ScoreInputs, cfg Config) float64 {
	score := cfg.BaseScore
	score += tierPoints(cfg.UnfilledTiers, cfg.UnfilledFloor, sanitize(in.UnfilledVolume))
	score += tierPoints(cfg.DensityTiers, cfg.DensityFloor, sanitize(in.OrderDensity))
	if in.Institutional {
		score += cfg.InstitutionalBonus
	}
	score += tierPoints(cfg.VolumeRatioTiers, cfg.VolumeRatioFloor, sanitize(in.VolumeRatio))

	distance := in.DistancePct
	if math.IsNaN(distance) {
		distance = DistanceSentinel
	}
	score += distancePoints(cfg, distance)

	return clamp(score, 0, 100)
}

// Strength levels derived from a score.
const (
	LevelWeak    = "WEAK"
	LevelMedium  = "MEDIUM"
	LevelStrong  = "STRONG"
	LevelExtreme = "EXTREME"
)

// StrengthLevel maps a score to a coarse label.
func StrengthLevel(score float64) string {
	switch {
	case score >= 80:
		return LevelExtreme
	case score >= 65:
		return LevelStrong
	case score >= 45:
		return LevelMedium
	default:
		return LevelWeak
	}
}

// VolumeTier classifies a formation volume.
func VolumeTier(volume float64) string {
	switch {
	case volume >= 50_000_000:
		return "EXTREME"
	case volume >= 10_000_000:
		return "HIGH"
	case volume >= 1_000_000:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// Annotate computes the derived fields of a gap against price.
func Annotate(g model.Gap, price float64, cfg Config) model.Annotated {
	distance := DistancePct(g.Bottom, g.Top, price)
	unfilled := g.Formation.UnfilledEstimate * g.FillRatio()
	density := g.Formation.OrderDensity * g.FillRatio()

	return model.Annotated{
		Gap:         g,
		Price:       price,
		DistancePct: distance,
		IsTouching:  IsTouching(g.Bottom, g.Top, price, cfg.TouchTolerancePct),
		StrengthScore: StrengthScore(ScoreInputs{
			UnfilledVolume: unfilled,
			OrderDensity:   density,
			Institutional:  g.Formation.Institutional,
			VolumeRatio:    g.Formation.VolumeRatio,
			DistancePct:    distance,
		}, cfg),
		UnfilledOrderEstimate: unfilled,
	}
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
