// Package digest turns events into committed records: a single content hash
// for immediate anchoring or a Merkle root for a batch.
package digest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/anchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/merkle"
)

// ErrEmptyBatch is returned by HashBatch for an empty event list.
var ErrEmptyBatch = errors.New("digest: empty batch")

// content is the canonical, hash-relevant projection of an event. Submission
// time is excluded so a resubmitted event hashes identically.
type content struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Payload  json.RawMessage `json:"payload"`
}

// LeafRef ties a leaf hash back to the event it commits, in arrival order.
type LeafRef struct {
	EventID  string `json:"event_id"`
	TenantID string `json:"tenant_id"`
	LeafHash string `json:"leaf_hash"`
}

// Batch is the output of HashBatch.
type Batch struct {
	Record *contracts.CommittedRecord
	Tree   *merkle.Tree
	Leaves []LeafRef
}

// Builder computes digests. It is safe for concurrent use.
type Builder struct {
	now func() time.Time
}

// NewBuilder returns a builder stamping records with the wall clock.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// WithClock overrides the clock used for CreatedAt.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Validate checks that an event has the fields required for hashing.
func Validate(e *contracts.Event) error {
	if e == nil {
		return contracts.Errorf(contracts.KindValidation, "digest", "nil event")
	}
	if e.ID == "" {
		return contracts.Errorf(contracts.KindValidation, "digest", "event id is required")
	}
	if e.TenantID == "" {
		return contracts.Errorf(contracts.KindValidation, "digest", "event %s: tenant id is required", e.ID)
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return contracts.Errorf(contracts.KindValidation, "digest", "event %s: payload is not valid JSON", e.ID)
	}
	return nil
}

// HashSingle returns the leaf hash of one event: SHA-256 over the domain-separated
// RFC 8785 form of its id, tenant and payload.
func (b *Builder) HashSingle(e *contracts.Event) (string, error) {
	if err := Validate(e); err != nil {
		return "", err
	}
	canon, err := canonicalize.JCS(content{
		ID:       canonicalize.Identifier(e.ID),
		TenantID: canonicalize.Identifier(e.TenantID),
		Payload:  e.Payload,
	})
	if err != nil {
		return "", contracts.Wrap(contracts.KindValidation, "digest", fmt.Errorf("event %s: %w", e.ID, err))
	}
	return merkle.HashLeaf(canon), nil
}

// Single builds the committed record for an immediately anchored event.
func (b *Builder) Single(e *contracts.Event, tier string) (*contracts.CommittedRecord, error) {
	h, err := b.HashSingle(e)
	if err != nil {
		return nil, err
	}
	return &contracts.CommittedRecord{
		ID:          uuid.NewString(),
		DigestHex:   h,
		Kind:        contracts.KindSingle,
		Mode:        contracts.ModeImmediate,
		Tier:        tier,
		MemberCount: 1,
		TenantSet:   []string{e.TenantID},
		EventIDs:    []string{e.ID},
		CreatedAt:   b.now().UTC(),
	}, nil
}

// HashBatch hashes every event and builds a tree over the leaf set. The root is
// independent of event order; Leaves and the record's EventIDs keep arrival order
// for audit. A batch of one has its leaf as root.
func (b *Builder) HashBatch(events []*contracts.Event, tier string) (*Batch, error) {
	if len(events) == 0 {
		return nil, contracts.Wrap(contracts.KindValidation, "digest", ErrEmptyBatch)
	}

	refs := make([]LeafRef, len(events))
	hashes := make([]string, len(events))
	ids := make([]string, len(events))
	tenants := map[string]struct{}{}
	for i, e := range events {
		h, err := b.HashSingle(e)
		if err != nil {
			return nil, err
		}
		refs[i] = LeafRef{EventID: e.ID, TenantID: e.TenantID, LeafHash: h}
		hashes[i] = h
		ids[i] = e.ID
		tenants[e.TenantID] = struct{}{}
	}

	tree, err := merkle.BuildSet(hashes)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindInvariant, "digest", err)
	}

	tenantSet := make([]string, 0, len(tenants))
	for t := range tenants {
		tenantSet = append(tenantSet, t)
	}
	sort.Strings(tenantSet)

	return &Batch{
		Record: &contracts.CommittedRecord{
			ID:          uuid.NewString(),
			DigestHex:   tree.Root,
			Kind:        contracts.KindMerkleRoot,
			Mode:        contracts.ModeBatch,
			Tier:        tier,
			MemberCount: len(events),
			TenantSet:   tenantSet,
			EventIDs:    ids,
			CreatedAt:   b.now().UTC(),
		},
		Tree:   tree,
		Leaves: refs,
	}, nil
}

// Proof returns the inclusion proof for eventID within a batch.
func (b *Batch) Proof(eventID string) (*merkle.InclusionProof, error) {
	for _, ref := range b.Leaves {
		if ref.EventID != eventID {
			continue
		}
		idx := b.Tree.IndexOf(ref.LeafHash)
		if idx < 0 {
			return nil, contracts.Errorf(contracts.KindInvariant, "digest", "leaf for %s missing from tree", eventID)
		}
		return b.Tree.Proof(idx)
	}
	return nil, contracts.Errorf(contracts.KindValidation, "digest", "event %s is not a member of batch %s", eventID, b.Record.DigestHex)
}
