// Package analytics computes per-gap metrics: distance to price, touch
// detection, formation statistics and the bounded strength score.
//
// All functions are pure. Every threshold and tier used by the heuristics
// lives in Config so that policy can be tuned without touching the code.
package analytics

import (
	"errors"
	"fmt"
	"sort"
)

// Tier awards Points when a value is strictly greater than Above.
type Tier struct {
	Above  float64 `mapstructure:"above" yaml:"above"`
	Points float64 `mapstructure:"points" yaml:"points"`
}

// DistanceTier awards Points when a distance is strictly below Below.
type DistanceTier struct {
	Below  float64 `mapstructure:"below" yaml:"below"`
	Points float64 `mapstructure:"points" yaml:"points"`
}

// Config holds the scoring and estimation policy.
type Config struct {
	TouchTolerancePct float64 `mapstructure:"touch_tolerance_pct"`

	BaseScore          float64        `mapstructure:"base_score"`
	UnfilledTiers      []Tier         `mapstructure:"unfilled_tiers"`
	UnfilledFloor      float64        `mapstructure:"unfilled_floor"`
	DensityTiers       []Tier         `mapstructure:"density_tiers"`
	DensityFloor       float64        `mapstructure:"density_floor"`
	InstitutionalBonus float64        `mapstructure:"institutional_bonus"`
	VolumeRatioTiers   []Tier         `mapstructure:"volume_ratio_tiers"`
	VolumeRatioFloor   float64        `mapstructure:"volume_ratio_floor"`
	DistanceTiers      []DistanceTier `mapstructure:"distance_tiers"`
	FarDistancePct     float64        `mapstructure:"far_distance_pct"`
	FarPenalty         float64        `mapstructure:"far_penalty"`

	VolumeLength          int     `mapstructure:"volume_length"`
	MaxVelocityFactor     float64 `mapstructure:"max_velocity_factor"`
	VelocityScale         float64 `mapstructure:"velocity_scale"`
	IntensityDivisor      float64 `mapstructure:"intensity_divisor"`
	MaxIntensity          float64 `mapstructure:"max_intensity"`
	GapScale              float64 `mapstructure:"gap_scale"`
	MaxGapFactor          float64 `mapstructure:"max_gap_factor"`
	AnomalyThreshold      float64 `mapstructure:"anomaly_threshold"`
	MaxAnomaly            float64 `mapstructure:"max_anomaly"`
	PriceLevelStep        float64 `mapstructure:"price_level_step"`
	InstitutionalVolume   float64 `mapstructure:"institutional_volume"`
	InstitutionalUnfilled float64 `mapstructure:"institutional_unfilled"`
}

// DefaultConfig returns the production scoring policy.
func DefaultConfig() Config {
	return Config{
		TouchTolerancePct: 0.15,

		BaseScore: 20,
		UnfilledTiers: []Tier{
			{Above: 100_000, Points: 15},
			{Above: 500_000, Points: 20},
			{Above: 1_000_000, Points: 25},
			{Above: 2_000_000, Points: 30},
			{Above: 5_000_000, Points: 35},
			{Above: 10_000_000, Points: 40},
		},
		UnfilledFloor: 10,
		DensityTiers: []Tier{
			{Above: 10_000, Points: 8},
			{Above: 25_000, Points: 12},
			{Above: 50_000, Points: 15},
		},
		DensityFloor:       5,
		InstitutionalBonus: 15,
		VolumeRatioTiers: []Tier{
			{Above: 2, Points: 5},
			{Above: 3, Points: 7},
			{Above: 5, Points: 10},
		},
		VolumeRatioFloor: 2,
		DistanceTiers: []DistanceTier{
			{Below: 1, Points: 10},
			{Below: 3, Points: 5},
		},
		FarDistancePct: 15,
		FarPenalty:     10,

		VolumeLength:          60,
		MaxVelocityFactor:     0.7,
		VelocityScale:         1_000_000,
		IntensityDivisor:      3,
		MaxIntensity:          2,
		GapScale:              1000,
		MaxGapFactor:          1.5,
		AnomalyThreshold:      2,
		MaxAnomaly:            3,
		PriceLevelStep:        0.0001,
		InstitutionalVolume:   50_000_000,
		InstitutionalUnfilled: 1_000_000,
	}
}

// Validate checks that the tiers keep the score monotonic.
func (c Config) Validate() error {
	if c.TouchTolerancePct < 0 {
		return errors.New("touch tolerance must not be negative")
	}
	if c.VolumeLength < 1 {
		return errors.New("volume length must be positive")
	}
	if c.IntensityDivisor <= 0 || c.PriceLevelStep <= 0 {
		return errors.New("intensity divisor and price level step must be positive")
	}
	if err := checkTiers("unfilled", c.UnfilledTiers, c.UnfilledFloor); err != nil {
		return err
	}
	if err := checkTiers("density", c.DensityTiers, c.DensityFloor); err != nil {
		return err
	}
	if err := checkTiers("volume ratio", c.VolumeRatioTiers, c.VolumeRatioFloor); err != nil {
		return err
	}
	if c.InstitutionalBonus < 0 || c.FarPenalty < 0 {
		return errors.New("bonus and penalty must not be negative")
	}
	tiers := append([]DistanceTier(nil), c.DistanceTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Below < tiers[j].Below })
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Points > tiers[i-1].Points {
			return fmt.Errorf("distance tier below %v awards more than a closer tier", tiers[i].Below)
		}
	}
	if len(tiers) > 0 && tiers[len(tiers)-1].Points < 0 {
		return errors.New("distance tiers must not be negative")
	}
	if len(tiers) > 0 && c.FarDistancePct < tiers[len(tiers)-1].Below {
		return errors.New("far distance threshold must not overlap the distance tiers")
	}
	return nil
}

func checkTiers(name string, tiers []Tier, floor float64) error {
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Above < sorted[j].Above })
	prev := floor
	for _, t := range sorted {
		if t.Points < prev {
			return fmt.Errorf("%s tier above %v awards fewer points than a lower tier", name, t.Above)
		}
		prev = t.Points
	}
	return nil
}

// tierPoints returns the points of the highest tier whose threshold v exceeds.
func tierPoints(tiers []Tier, floor, v float64) float64 {
	points := floor
	best := 0.0
	found := false
	for _, t := range tiers {
		if v > t.Above && (!found || t.Above > best) {
			best, points, found = t.Above, t.Points, true
		}
	}
	return points
}

func distancePoints(c Config, distance float64) float64 {
	if distance > c.FarDistancePct {
		return -c.FarPenalty
	}
	points := 0.0
	best := 0.0
	found := false
	for _, t := range c.DistanceTiers {
		if distance < t.Below && (!found || t.Below < best) {
			best, points, found = t.Below, t.Points, true
		}
	}
	return points
}
