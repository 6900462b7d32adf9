package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/digest"
	"github.com/Mindburn-Labs/anchor/pkg/merkle"
)

const op = "archive"

// StorageType selects a Blobs backend.
type StorageType string

const (
	StorageFS     StorageType = "fs"
	StorageS3     StorageType = "s3"
	StorageGCS    StorageType = "gcs"
	StorageMemory StorageType = "memory"
)

// Config selects and configures the manifest backend.
type Config struct {
	Type      StorageType
	DataDir   string
	S3        S3Config
	GCSBucket string
	GCSPrefix string
}

// OpenBlobs builds the configured backend.
func OpenBlobs(ctx context.Context, cfg Config) (Blobs, error) {
	switch cfg.Type {
	case "", StorageFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileBlobs(filepath.Join(dir, "manifests"))
	case StorageS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for S3 storage")
		}
		return NewS3Blobs(ctx, cfg.S3)
	case StorageGCS:
		return newGCSBlobs(ctx, cfg)
	case StorageMemory:
		return NewMemoryBlobs(), nil
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", cfg.Type)
	}
}

// Manifest records which events a committed record covers, in arrival order.
type Manifest struct {
	Record contracts.CommittedRecord `json:"record"`
	Leaves []digest.LeafRef          `json:"leaves"`
}

// BatchManifest describes a flushed batch.
func BatchManifest(b *digest.Batch) *Manifest {
	return &Manifest{Record: *b.Record, Leaves: append([]digest.LeafRef(nil), b.Leaves...)}
}

// SingleManifest describes an immediate record, whose digest is its only leaf.
func SingleManifest(r *contracts.CommittedRecord, ev *contracts.Event) *Manifest {
	return &Manifest{
		Record: *r,
		Leaves: []digest.LeafRef{{EventID: ev.ID, TenantID: ev.TenantID, LeafHash: r.DigestHex}},
	}
}

// Archive stores manifests keyed by record digest.
type Archive struct {
	blobs Blobs
}

// New wraps a Blobs backend.
func New(b Blobs) *Archive {
	return &Archive{blobs: b}
}

// Put stores m. Storing the same digest twice is a no-op.
func (a *Archive) Put(ctx context.Context, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return contracts.Wrap(contracts.KindInvariant, op, err)
	}
	if err := a.blobs.Put(ctx, strings.ToLower(m.Record.DigestHex), data); err != nil {
		return contracts.Wrap(contracts.KindTransient, op, err)
	}
	return nil
}

// Get loads the manifest for a record digest.
func (a *Archive) Get(ctx context.Context, digestHex string) (*Manifest, error) {
	data, err := a.blobs.Get(ctx, strings.ToLower(digestHex))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, contracts.Wrap(contracts.KindTransient, op, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, contracts.Wrap(contracts.KindInvariant, op, fmt.Errorf("decode manifest %s: %w", digestHex, err))
	}
	return &m, nil
}

// Proof rebuilds the tree for a record and proves eventID's membership.
func (a *Archive) Proof(ctx context.Context, digestHex, eventID string) (*merkle.InclusionProof, error) {
	m, err := a.Get(ctx, digestHex)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(m.Leaves))
	leaf := ""
	for i, ref := range m.Leaves {
		hashes[i] = ref.LeafHash
		if ref.EventID == eventID {
			leaf = ref.LeafHash
		}
	}
	if leaf == "" {
		return nil, contracts.Errorf(contracts.KindValidation, op, "event %s is not a member of %s", eventID, digestHex)
	}
	tree, err := merkle.BuildSet(hashes)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindInvariant, op, err)
	}
	if !strings.EqualFold(tree.Root, m.Record.DigestHex) {
		return nil, contracts.Errorf(contracts.KindInvariant, op,
			"manifest for %s rebuilds to root %s", m.Record.DigestHex, tree.Root)
	}
	return tree.Proof(tree.IndexOf(leaf))
}

// MemoryBlobs keeps manifests in process memory.
type MemoryBlobs struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{data: make(map[string][]byte)}
}

func (m *MemoryBlobs) Put(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		m.data[key] = append([]byte(nil), data...)
	}
	return nil
}

func (m *MemoryBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), d...), nil
}

func (m *MemoryBlobs) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}
