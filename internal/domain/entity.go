package domain

import (
	"time"
)

// BackfillCheckpoint records how far the historical backfill has progressed for
// one symbol, so an interrupted run resumes instead of re-fetching.
type BackfillCheckpoint struct {
	Symbol    string    `gorm:"primaryKey" json:"symbol"`
	DoneUntil int64     `json:"done_until"` // unix millis, exclusive
	UpdatedAt time.Time `json:"updated_at"`
}

// CapabilityFlag marks a data source as unsupported. Scope is either a symbol
// or the sentinel "*" when a run-wide flag is configured.
type CapabilityFlag struct {
	Symbol    string    `gorm:"primaryKey" json:"symbol"`
	Source    string    `gorm:"primaryKey" json:"source"` // e.g. "openInterest", "fundingRate"
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// CapabilityScopeAll is the Symbol value for run-wide capability flags.
const CapabilityScopeAll = "*"
