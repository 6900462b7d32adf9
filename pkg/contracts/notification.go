package contracts

import "time"

// NotificationType is a transaction state-transition subtype.
type NotificationType string

const (
	NotifySubmitted     NotificationType = "submitted"
	NotifyPendingUpdate NotificationType = "pending-update"
	NotifyConfirmed     NotificationType = "confirmed"
	NotifyFailed        NotificationType = "failed"
	NotifyDeadLettered  NotificationType = "dead-lettered"
)

// Notification is pushed to the room of TenantID and of every tenant in
// TenantSet and, when DigestHex is set, the transaction room for that digest.
type Notification struct {
	ID                string           `json:"id"`
	Type              NotificationType `json:"type"`
	TenantID          string           `json:"tenant_id"`
	TenantSet         []string         `json:"tenant_set,omitempty"`
	DigestHex         string           `json:"digest_hex,omitempty"`
	Status            TxStatus         `json:"status,omitempty"`
	ConfirmationCount int64            `json:"confirmation_count,omitempty"`
	Message           string           `json:"message,omitempty"`
	At                time.Time        `json:"at"`
}
