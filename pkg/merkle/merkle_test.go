package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leavesN(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = HashLeaf([]byte(fmt.Sprintf(`{"i":%d}`, i)))
	}
	return out
}

func TestBuild_Empty(t *testing.T) {
	_, err := Build(nil)
	require.ErrorIs(t, err, ErrEmptyTree)
}

func TestBuild_SingleLeafIsRoot(t *testing.T) {
	l := leavesN(1)
	tree, err := Build(l)
	require.NoError(t, err)
	assert.Equal(t, l[0], tree.Root)

	proof, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, proof.ProofPath)
	assert.True(t, VerifyInclusionProof(*proof, tree.Root))
}

func TestBuild_ThreeLeavesPromotesOdd(t *testing.T) {
	l := leavesN(3)
	tree, err := Build(l)
	require.NoError(t, err)

	//       Root
	//      /    \
	//     N1     L3 (promoted)
	//    /  \
	//   L1  L2
	n1, err := HashNode(l[0], l[1])
	require.NoError(t, err)
	root, err := HashNode(n1, l[2])
	require.NoError(t, err)

	assert.Equal(t, root, tree.Root)
	require.Len(t, tree.Levels, 3)
}

func TestBuild_SwapWithinPair(t *testing.T) {
	l := leavesN(4)
	a, err := Build(l)
	require.NoError(t, err)
	b, err := Build([]string{l[1], l[0], l[3], l[2]})
	require.NoError(t, err)
	assert.Equal(t, a.Root, b.Root)
}

func TestBuildSet_OrderIndependent(t *testing.T) {
	l := leavesN(6)
	a, err := BuildSet(l)
	require.NoError(t, err)
	b, err := BuildSet([]string{l[5], l[3], l[0], l[4], l[1], l[2]})
	require.NoError(t, err)
	assert.Equal(t, a.Root, b.Root)

	// input order is preserved for the caller
	assert.Equal(t, leavesN(6), l)
}

func TestBuild_RejectsMalformedLeaf(t *testing.T) {
	_, err := Build([]string{"not-hex"})
	require.Error(t, err)
	_, err = Build([]string{"abcd"})
	require.Error(t, err)
}

func TestHashNode_Symmetric(t *testing.T) {
	l := leavesN(2)
	ab, err := HashNode(l[0], l[1])
	require.NoError(t, err)
	ba, err := HashNode(l[1], l[0])
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestLeafAndNodeAreDomainSeparated(t *testing.T) {
	l := leavesN(2)
	node, err := HashNode(l[0], l[1])
	require.NoError(t, err)
	assert.NotEqual(t, node, HashLeaf([]byte(l[0]+l[1])))
}

func TestProof_AllLeavesVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 7, 8, 13} {
		tree, err := Build(leavesN(n))
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			require.NoError(t, err)
			assert.True(t, VerifyInclusionProof(*proof, tree.Root), "n=%d i=%d", n, i)
		}
	}
}

func TestProof_Tampered(t *testing.T) {
	l := leavesN(5)
	tree, err := Build(l)
	require.NoError(t, err)

	proof, err := tree.Proof(2)
	require.NoError(t, err)

	bad := *proof
	bad.LeafHash = l[0]
	assert.False(t, VerifyInclusionProof(bad, tree.Root))

	wrongRoot := *proof
	assert.False(t, VerifyInclusionProof(wrongRoot, l[4]))

	garbled := *proof
	garbled.ProofPath = append([]string{"zz"}, proof.ProofPath[1:]...)
	assert.False(t, VerifyInclusionProof(garbled, ""))
}

func TestProof_OutOfRange(t *testing.T) {
	tree, err := Build(leavesN(2))
	require.NoError(t, err)
	_, err = tree.Proof(2)
	require.Error(t, err)
	_, err = tree.Proof(-1)
	require.Error(t, err)
}

func TestIndexOf(t *testing.T) {
	l := leavesN(3)
	tree, err := Build(l)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.IndexOf(l[1]))
	assert.Equal(t, -1, tree.IndexOf(HashLeaf([]byte("missing"))))
}
