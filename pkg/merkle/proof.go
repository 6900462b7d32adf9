package merkle

import "strings"

// InclusionProof shows that a leaf is committed to by a Merkle root.
// ProofPath lists sibling hashes from the leaf level upwards; levels where
// the node was promoted without a sibling contribute nothing.
type InclusionProof struct {
	LeafIndex  int      `json:"leaf_index"`
	LeafHash   string   `json:"leaf_hash"`
	MerkleRoot string   `json:"merkle_root"`
	ProofPath  []string `json:"proof_path"`
}

// VerifyInclusionProof recomputes the root from the leaf and its siblings.
// When expectedRoot is non-empty the proof must also claim that root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}

	current := strings.ToLower(proof.LeafHash)
	for _, sibling := range proof.ProofPath {
		h, err := HashNode(current, strings.ToLower(sibling))
		if err != nil {
			return false
		}
		current = h
	}

	return strings.EqualFold(current, proof.MerkleRoot)
}
