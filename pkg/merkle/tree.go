// Package merkle builds binary Merkle trees with sorted-pair node hashing.
//
// Sorting each pair before hashing removes left/right position from proofs.
// BuildSet additionally sorts the leaves so the root is a pure function of the
// leaf set regardless of arrival order. Leaves and nodes are
// domain separated by prefix so a node hash can never be replayed as a leaf.
// An odd node at any level is promoted unchanged instead of being paired with
// itself, which rules out the duplicate-last-leaf second preimage.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// Hash domain prefixes.
const (
	LeafPrefix = "anchor:leaf:v1"
	NodePrefix = "anchor:node:v1"
)

// ErrEmptyTree is returned when building a tree with no leaves.
var ErrEmptyTree = errors.New("merkle: no leaves")

// Tree is a Merkle tree over leaf hashes kept in insertion order.
type Tree struct {
	Leaves []string   `json:"leaves"`
	Root   string     `json:"root"`
	Levels [][]string `json:"-"` // Levels[0] is the leaf level, the last level holds the root
}

// HashLeaf computes a leaf hash: SHA256("anchor:leaf:v1\0" || content).
func HashLeaf(content []byte) string {
	var buf bytes.Buffer
	buf.WriteString(LeafPrefix)
	buf.WriteByte(0)
	buf.Write(content)
	return sha256Hex(buf.Bytes())
}

// HashNode computes an internal node hash over a sorted pair:
// SHA256("anchor:node:v1\0" || min(a,b) || max(a,b)).
func HashNode(a, b string) (string, error) {
	ab, err := hex.DecodeString(a)
	if err != nil {
		return "", fmt.Errorf("merkle: bad hash %q: %w", a, err)
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return "", fmt.Errorf("merkle: bad hash %q: %w", b, err)
	}
	if bytes.Compare(ab, bb) > 0 {
		ab, bb = bb, ab
	}
	var buf bytes.Buffer
	buf.WriteString(NodePrefix)
	buf.WriteByte(0)
	buf.Write(ab)
	buf.Write(bb)
	return sha256Hex(buf.Bytes()), nil
}

// Build constructs a tree over the given leaf hashes. A single leaf is its own root.
func Build(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([]string, len(leaves))
	for i, l := range leaves {
		if _, err := hex.DecodeString(l); err != nil || len(l) != sha256.Size*2 {
			return nil, fmt.Errorf("merkle: leaf %d is not a sha256 hex digest", i)
		}
		level[i] = l
	}

	tree := &Tree{Leaves: append([]string(nil), leaves...)}
	tree.Levels = append(tree.Levels, level)

	for len(level) > 1 {
		next, err := buildNextLevel(level)
		if err != nil {
			return nil, err
		}
		tree.Levels = append(tree.Levels, next)
		level = next
	}

	tree.Root = level[0]
	return tree, nil
}

// BuildSet builds a tree over the leaves in ascending hash order, so any
// permutation of the same leaves yields the same root.
func BuildSet(leaves []string) (*Tree, error) {
	sorted := append([]string(nil), leaves...)
	sort.Strings(sorted)
	return Build(sorted)
}

func buildNextLevel(level []string) ([]string, error) {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		h, err := HashNode(level[i], level[i+1])
		if err != nil {
			return nil, err
		}
		next = append(next, h)
	}
	return next, nil
}

// Proof generates the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Leaves))
	}

	proof := &InclusionProof{
		LeafIndex:  index,
		LeafHash:   t.Leaves[index],
		MerkleRoot: t.Root,
	}

	pos := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof.ProofPath = append(proof.ProofPath, level[sibling])
		}
		pos /= 2
	}
	return proof, nil
}

// IndexOf returns the position of the first leaf equal to leafHash, or -1.
func (t *Tree) IndexOf(leafHash string) int {
	for i, l := range t.Leaves {
		if l == leafHash {
			return i
		}
	}
	return -1
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
