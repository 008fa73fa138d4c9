// Package fvg implements fair value gap detection and the gap ledger.
//
// Thread Safety:
//   - Detect is a pure function
//   - Ledger serializes mutation per (symbol, timeframe) key
//   - Snapshots are immutable and published atomically, readers never lock
package fvg

import (
	"time"

	"fvgscanner/internal/model"
)

// Detection is a newly formed imbalance found on a closed candle.
type Detection struct {
	Direction model.Direction
	Top       float64
	Bottom    float64
	// CreatedAt is the open time of the candle two bars back, the left edge
	// of the zone.
	CreatedAt time.Time
	// Index is the position of the detecting candle in the window.
	Index int
}

// Detect examines the last candle of window against the candle two bars
// before it. The middle candle is not part of the comparison.
//
// A bullish gap exists when the last low is above the earlier high; a bearish
// gap when the earlier low is above the last high. Touching candles form no
// gap. At most one detection is returned.
func Detect(window []model.Candle) (Detection, bool) {
	i := len(window) - 1
	if i < 2 {
		return Detection{}, false
	}

	current, earlier := window[i], window[i-2]

	switch {
	case current.Low > earlier.High:
		return Detection{
			Direction: model.Bullish,
			Top:       current.Low,
			Bottom:    earlier.High,
			CreatedAt: earlier.Time,
			Index:     i,
		}, true
	case earlier.Low > current.High:
		return Detection{
			Direction: model.Bearish,
			Top:       earlier.Low,
			Bottom:    current.High,
			CreatedAt: earlier.Time,
			Index:     i,
		}, true
	}

	return Detection{}, false
}
