package contracts

import (
	"encoding/json"
	"time"
)

// DeadLetterStatus is the remediation state of a dead-lettered operation.
type DeadLetterStatus string

const (
	DeadLetterPending    DeadLetterStatus = "pending"
	DeadLetterProcessing DeadLetterStatus = "processing"
	DeadLetterResolved   DeadLetterStatus = "resolved"
)

// Severity classifies recorded failures.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Operation names used as dead-letter operation classes.
const (
	OpHandoffEnqueue = "handoff.enqueue"
	OpConfirmPoll    = "confirm.poll"
	OpRecordSave     = "record.save"
	OpArchivePut     = "archive.put"
)

// DeadLetterEntry is an operation that exhausted its retry budget.
type DeadLetterEntry struct {
	ID              string           `json:"id"`
	OperationID     string           `json:"operation_id"`
	Operation       string           `json:"operation"`
	TenantID        string           `json:"tenant_id,omitempty"`
	PayloadSnapshot json.RawMessage  `json:"payload_snapshot,omitempty"`
	Attempts        int              `json:"attempts"`
	LastError       string           `json:"last_error"`
	Severity        Severity         `json:"severity"`
	NextRetryAt     time.Time        `json:"next_retry_at"`
	Status          DeadLetterStatus `json:"status"`
	ResolutionNote  string           `json:"resolution_note,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}

// DeadLetterFilter selects entries for listing. Zero values match everything.
type DeadLetterFilter struct {
	OperationID string
	Operation   string
	Status      DeadLetterStatus
	TenantID    string
	// Resolved, when non-nil, restricts to resolved (true) or unresolved (false) entries.
	Resolved *bool
	Limit    int
}

// Match reports whether e satisfies the filter, ignoring Limit.
func (f DeadLetterFilter) Match(e *DeadLetterEntry) bool {
	if f.OperationID != "" && e.OperationID != f.OperationID {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Resolved != nil && (e.Status == DeadLetterResolved) != *f.Resolved {
		return false
	}
	return true
}
