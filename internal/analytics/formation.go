package analytics

import (
	"math"

	"fvgscanner/internal/model"

	"github.com/markcheno/go-talib"
)

// EstimateFormation measures the market context of a gap detected at window[i].
//
// The unfilled order estimate is a ranking signal only: it grows with the
// formation volume and the gap size, and is bounded by a fixed multiple of
// the formation volume.
func EstimateFormation(window []model.Candle, i int, top, bottom float64, tf model.Timeframe, cfg Config) model.Formation {
	if i < 2 || i >= len(window) {
		return model.Formation{}
	}

	formation := window[i-2]
	volumes := make([]float64, i+1)
	bodies := make([]float64, i+1)
	for k := 0; k <= i; k++ {
		volumes[k] = window[k].Volume
		bodies[k] = math.Abs(window[k].Close - window[k].Open)
	}

	avgVolume := trailingMean(volumes, cfg.VolumeLength)
	ratio := 1.0
	if avgVolume > 0 {
		ratio = math.Round(formation.Volume/avgVolume*100) / 100
	}

	rgap := 0.0
	if prior := bodies[:i]; len(prior) > 0 {
		if avgBody := trailingMean(prior, cfg.VolumeLength); avgBody > 0 {
			rgap = bodies[i] / avgBody
		}
	}

	f := model.Formation{
		Volume:        formation.Volume,
		AverageVolume: avgVolume,
		VolumeRatio:   ratio,
		RelativeGap:   rgap,
	}

	gapSize := math.Abs(top - bottom)
	if formation.Close <= 0 || gapSize <= 0 {
		return f
	}

	seconds := tf.Duration().Seconds()
	velocity := 0.0
	if seconds > 0 {
		velocity = math.Abs(formation.Close-formation.Open) / seconds
	}

	unfilled := formation.Volume * math.Min(velocity*cfg.VelocityScale, cfg.MaxVelocityFactor)
	unfilled *= math.Min(rgap/cfg.IntensityDivisor, cfg.MaxIntensity)
	unfilled *= math.Min(gapSize/formation.Close*cfg.GapScale, cfg.MaxGapFactor)

	lo := i - 10
	if lo < 0 {
		lo = 0
	}
	hi := i + 3
	if hi > len(window) {
		hi = len(window)
	}
	surrounding := 0.0
	for _, c := range window[lo:hi] {
		surrounding += c.Volume
	}
	surrounding /= float64(hi - lo)
	if surrounding > 0 {
		if anomaly := formation.Volume / surrounding; anomaly > cfg.AnomalyThreshold {
			unfilled *= math.Min(anomaly, cfg.MaxAnomaly)
		}
	}

	levels := math.Max(math.Floor(gapSize/(formation.Close*cfg.PriceLevelStep)), 1)

	f.UnfilledEstimate = math.Floor(unfilled)
	f.OrderDensity = unfilled / levels
	f.Institutional = formation.Volume > cfg.InstitutionalVolume && unfilled > cfg.InstitutionalUnfilled
	return f
}

// trailingMean averages the last length values using a simple moving average.
func trailingMean(values []float64, length int) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	if length > n {
		length = n
	}
	if length < 2 {
		return values[n-1]
	}
	sma := talib.Sma(values, length)
	return sma[n-1]
}
