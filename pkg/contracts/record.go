package contracts

import "time"

// RecordKind distinguishes a single-event digest from a Merkle batch root.
type RecordKind string

const (
	KindSingle     RecordKind = "single"
	KindMerkleRoot RecordKind = "merkle-root"
)

// CommittedRecord is the output of the digest builder and the unit enqueued for broadcast.
// Once created it is never mutated.
type CommittedRecord struct {
	ID          string        `json:"id"`
	DigestHex   string        `json:"digest_hex"`
	Kind        RecordKind    `json:"kind"`
	Mode        AnchoringMode `json:"mode"`
	Tier        string        `json:"tier"`
	MemberCount int           `json:"member_count"`
	TenantSet   []string      `json:"tenant_set"`
	EventIDs    []string      `json:"event_ids"`
	CreatedAt   time.Time     `json:"created_at"`
}

// PrimaryTenant returns the first tenant of the record. Batches are streamed per
// tenant by default, so the set usually has one member; notifications go to
// the whole TenantSet.
func (r *CommittedRecord) PrimaryTenant() string {
	if len(r.TenantSet) == 0 {
		return ""
	}
	return r.TenantSet[0]
}

// HandoffMessage is what the broadcaster reads off the hand-off queue.
type HandoffMessage struct {
	Sequence    int64         `json:"sequence"`
	RecordID    string        `json:"record_id"`
	DigestHex   string        `json:"digest_hex"`
	Kind        RecordKind    `json:"kind"`
	Mode        AnchoringMode `json:"mode"`
	MemberCount int           `json:"member_count"`
	TenantSet   []string      `json:"tenant_set"`
	CreatedAt   time.Time     `json:"created_at"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
}

// NewHandoffMessage copies the broadcast-relevant fields of a record.
func NewHandoffMessage(r *CommittedRecord, enqueuedAt time.Time) HandoffMessage {
	return HandoffMessage{
		RecordID:    r.ID,
		DigestHex:   r.DigestHex,
		Kind:        r.Kind,
		Mode:        r.Mode,
		MemberCount: r.MemberCount,
		TenantSet:   append([]string(nil), r.TenantSet...),
		CreatedAt:   r.CreatedAt,
		EnqueuedAt:  enqueuedAt,
	}
}
