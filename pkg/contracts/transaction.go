package contracts

import "time"

// TxStatus is the confirmation state of a committed record on the external ledger.
type TxStatus string

const (
	TxSubmitted TxStatus = "submitted"
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// Transaction tracks a committed record's life on the external ledger.
// It is created on hand-off, mutated only by the confirmation tracker
// (and dead-letter requeue), and never deleted.
type Transaction struct {
	ID                string     `json:"id"`
	DigestHex         string     `json:"digest_hex"`
	RecordID          string     `json:"record_id"`
	TenantID          string     `json:"tenant_id"`
	TenantSet         []string   `json:"tenant_set,omitempty"`
	LedgerTxID        string     `json:"ledger_tx_id,omitempty"`
	Status            TxStatus   `json:"status"`
	ConfirmationCount int64      `json:"confirmation_count"`
	BlockHeight       *int64     `json:"block_height,omitempty"`
	BlockHash         *string    `json:"block_hash,omitempty"`
	RetryCount        int        `json:"retry_count"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.TenantSet = append([]string(nil), t.TenantSet...)
	if t.BlockHeight != nil {
		v := *t.BlockHeight
		c.BlockHeight = &v
	}
	if t.BlockHash != nil {
		v := *t.BlockHash
		c.BlockHash = &v
	}
	if t.LastCheckedAt != nil {
		v := *t.LastCheckedAt
		c.LastCheckedAt = &v
	}
	if t.ConfirmedAt != nil {
		v := *t.ConfirmedAt
		c.ConfirmedAt = &v
	}
	return &c
}

// Tenants returns every tenant with events in the transaction's record.
func (t *Transaction) Tenants() []string {
	if len(t.TenantSet) > 0 {
		return t.TenantSet
	}
	if t.TenantID == "" {
		return nil
	}
	return []string{t.TenantID}
}

// LedgerStatus is what the external ledger reports for a digest.
type LedgerStatus struct {
	ConfirmationCount int64   `json:"confirmation_count"`
	BlockHeight       *int64  `json:"block_height,omitempty"`
	BlockHash         *string `json:"block_hash,omitempty"`
	IsConfirmed       bool    `json:"is_confirmed"`
	IsRejected        bool    `json:"is_rejected"`
	RejectReason      string  `json:"reject_reason,omitempty"`
}
