// Package contracts defines the records that flow through the anchoring pipeline:
// events on intake, committed digests on hand-off, and the transactions that
// track those digests on the external ledger.
package contracts

import (
	"encoding/json"
	"time"
)

// AnchoringMode selects how an event is committed.
type AnchoringMode string

const (
	ModeImmediate AnchoringMode = "immediate"
	ModeBatch     AnchoringMode = "batch"
)

// Valid reports whether m is a known mode.
func (m AnchoringMode) Valid() bool {
	return m == ModeImmediate || m == ModeBatch
}

// Standard tier names. The router does not depend on these; the tier table is data.
const (
	TierStandard   = "standard"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

// Event is the unit of work submitted by a caller. It is immutable once accepted.
type Event struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Priority    string          `json:"priority,omitempty"`
}

// AnchoringDecision is derived once per event and never recomputed.
type AnchoringDecision struct {
	Accepted bool          `json:"accepted"`
	Mode     AnchoringMode `json:"mode"`
	Tier     string        `json:"tier"`
	Reason   string        `json:"reason,omitempty"`

	// RecordDigest is set when an immediate-mode event was committed synchronously.
	RecordDigest string `json:"record_digest,omitempty"`
}

// Declined builds a declined decision carrying a human-readable reason.
func Declined(mode AnchoringMode, tier, reason string) AnchoringDecision {
	return AnchoringDecision{Accepted: false, Mode: mode, Tier: tier, Reason: reason}
}
