// Package model defines core data types for the gap scanning service.
//
// This package contains the fundamental structures shared by the detection
// engine, the analytics, the block aggregator and the delivery layer: candles
// and live kline events coming from an exchange, the mutable Gap entity owned
// by the ledger, derived Blocks, and the fixed outbound record schema.
package model

import (
	"fmt"
	"math"
	"time"
)

// Timeframe is a candle period in exchange notation (e.g. "4h", "1d").
type Timeframe string

const (
	Timeframe4h  Timeframe = "4h"
	Timeframe12h Timeframe = "12h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// DefaultTimeframes is the set scanned when no configuration overrides it.
var DefaultTimeframes = []Timeframe{Timeframe4h, Timeframe12h, Timeframe1d, Timeframe1w}

var timeframeDurations = map[Timeframe]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the length of one candle period, or zero for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Rank orders timeframes from shortest to longest.
func (tf Timeframe) Rank() int {
	return int(tf.Duration() / time.Minute)
}

func (tf Timeframe) String() string {
	return string(tf)
}

// Direction is the polarity of a gap.
type Direction int

const (
	Bearish Direction = -1
	Bullish Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Bullish:
		return "Bullish"
	case Bearish:
		return "Bearish"
	default:
		return "Unknown"
	}
}

// Candle is one OHLCV bar. Time is the open time of the period.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// CloseTime returns the instant the candle's period elapses.
func (c Candle) CloseTime(tf Timeframe) time.Time {
	return c.Time.Add(tf.Duration())
}

// IsClosedAt reports whether the candle period has fully elapsed at now.
func (c Candle) IsClosedAt(tf Timeframe, now time.Time) bool {
	return !now.Before(c.CloseTime(tf))
}

// Valid reports whether the candle carries usable, finite prices with open
// and close inside the low-high range.
func (c Candle) Valid() bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if c.Low <= 0 || c.High < c.Low || c.Volume < 0 || c.Time.IsZero() {
		return false
	}
	return c.Open >= c.Low && c.Open <= c.High && c.Close >= c.Low && c.Close <= c.High
}

// Key addresses one ledger stream.
type Key struct {
	Symbol    string
	Timeframe Timeframe
}

func (k Key) String() string {
	return k.Symbol + "_" + string(k.Timeframe)
}

// KlineEvent is a live candle update from the exchange stream.
//
// Closed is true only for the final update of a period; in-progress updates
// are used for price ticks only.
type KlineEvent struct {
	Symbol    string
	Timeframe Timeframe
	Candle    Candle
	Closed    bool
}

// PriceTick is the latest traded price for a symbol.
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}
