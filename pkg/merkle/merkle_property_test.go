package merkle_test

import (
	"math/rand"
	"testing"

	"github.com/Mindburn-Labs/anchor/pkg/merkle"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func hashAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = merkle.HashLeaf([]byte(v))
	}
	return out
}

// Property: BuildSet(shuffle(leaves)).Root == BuildSet(leaves).Root
func TestBuildSetPermutationInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("root is independent of leaf order", prop.ForAll(
		func(values []string, seed int64) bool {
			if len(values) == 0 {
				return true
			}
			leaves := hashAll(values)
			shuffled := append([]string(nil), leaves...)
			r := rand.New(rand.NewSource(seed))
			r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

			a, err1 := merkle.BuildSet(leaves)
			b, err2 := merkle.BuildSet(shuffled)
			if err1 != nil || err2 != nil {
				return false
			}
			return a.Root == b.Root
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// Property: VerifyInclusionProof(Proof(i), root) for every leaf i
func TestProofsAlwaysVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("generated proofs verify", prop.ForAll(
		func(values []string) bool {
			if len(values) == 0 {
				return true
			}
			tree, err := merkle.BuildSet(hashAll(values))
			if err != nil {
				return false
			}
			for i := range tree.Leaves {
				proof, err := tree.Proof(i)
				if err != nil || !merkle.VerifyInclusionProof(*proof, tree.Root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
