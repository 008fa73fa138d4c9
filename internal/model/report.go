package model

import "time"

// ScanReport summarizes one rescan of a symbol.
type ScanReport struct {
	Symbol    string        `json:"symbol"`
	Applied   int           `json:"applied"` // closed candles newly applied to the ledger
	Created   int           `json:"created"`
	Mitigated int           `json:"mitigated"`
	Retired   int           `json:"retired"`
	Active    int           `json:"active"`
	Blocks    int           `json:"blocks"`
	Emitted   int           `json:"emitted"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Merge adds the counters of other into r.
func (r *ScanReport) Merge(other ScanReport) {
	r.Applied += other.Applied
	r.Created += other.Created
	r.Mitigated += other.Mitigated
	r.Retired += other.Retired
	r.Errors = append(r.Errors, other.Errors...)
}
