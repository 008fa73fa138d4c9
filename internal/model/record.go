package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordVersion is the outbound schema version carried in every GapRecord.
const RecordVersion = 1

// GapRecord is the fixed outbound representation of an annotated gap.
type GapRecord struct {
	Version               int      `json:"v"`
	Symbol                string   `json:"symbol"`
	Timeframe             string   `json:"timeframe"`
	Direction             string   `json:"direction"`
	CreatedAt             int64    `json:"createdAt"`
	Top                   float64  `json:"top"`
	Bottom                float64  `json:"bottom"`
	DistancePct           float64  `json:"distancePct"`
	IsTouching            bool     `json:"isTouching"`
	Tested                bool     `json:"tested"`
	StrengthScore         float64  `json:"strengthScore"`
	UnfilledOrderEstimate float64  `json:"unfilledOrderEstimate"`
	IsBlockMember         bool     `json:"isBlockMember"`
	BlockStrength         *float64 `json:"blockStrength,omitempty"`
	BlockTimeframes       []string `json:"blockTimeframes,omitempty"`
}

// NewGapRecord builds the outbound record for an annotated gap and, when the
// gap belongs to one, its block.
func NewGapRecord(a Annotated, block *Block) GapRecord {
	r := GapRecord{
		Version:               RecordVersion,
		Symbol:                a.ID.Symbol,
		Timeframe:             string(a.ID.Timeframe),
		Direction:             a.ID.Direction.String(),
		CreatedAt:             a.ID.CreatedAt.Unix(),
		Top:                   roundPrice(a.Top),
		Bottom:                roundPrice(a.Bottom),
		DistancePct:           a.DistancePct,
		IsTouching:            a.IsTouching,
		Tested:                a.Tested,
		StrengthScore:         a.StrengthScore,
		UnfilledOrderEstimate: decimal.NewFromFloat(a.UnfilledOrderEstimate).Round(0).InexactFloat64(),
	}
	if block != nil {
		strength := decimal.NewFromFloat(block.AggregateStrength).Round(2).InexactFloat64()
		r.IsBlockMember = true
		r.BlockStrength = &strength
		r.BlockTimeframes = block.TimeframeNames()
	}
	return r
}

func roundPrice(v float64) float64 {
	return decimal.NewFromFloat(v).Round(8).InexactFloat64()
}

// MessageType distinguishes the two delivery classes.
type MessageType string

const (
	MessageTypePrice MessageType = "price"
	MessageTypeGaps  MessageType = "gaps"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	Type  MessageType `json:"type"`
	Price *PriceTick  `json:"price,omitempty"`
	Gaps  []GapRecord `json:"gaps,omitempty"`
	Sent  time.Time   `json:"sent"`
}
