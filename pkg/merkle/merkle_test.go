package merkle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
)

func TestThreeLeafTree(t *testing.T) {
	tree := BuildMerkleTree(map[string]string{"c": "3", "a": "1", "b": "2"})

	l0, l1, l2 := LeafHash("a", "1"), LeafHash("b", "2"), LeafHash("c", "3")
	require.Len(t, tree.Leaves, 3)
	assert.Equal(t, []string{l0, l1, l2}, tree.Levels[0])
	assert.Equal(t, []string{NodeHash(l0, l1), NodeHash(l2, l2)}, tree.Levels[1])
	assert.Equal(t, NodeHash(NodeHash(l0, l1), NodeHash(l2, l2)), tree.Root)
	assert.Equal(t, 2, tree.Depth)
	// Padding must not leak into the leaf level.
	assert.Len(t, tree.Levels[0], 3)
}

func TestDegenerateTrees(t *testing.T) {
	empty := BuildMerkleTree(nil)
	assert.Equal(t, EmptyRoot, empty.Root)
	assert.Equal(t, 0, empty.Depth)

	one := BuildMerkleTree(map[string]string{"only.md": "d"})
	assert.Equal(t, LeafHash("only.md", "d"), one.Root)
	assert.Equal(t, 1, one.Depth)

	two := BuildMerkleTree(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, 1, two.Depth)
}

func TestRootSensitivity(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"}
	root := BuildMerkleTree(base).Root
	assert.Equal(t, root, BuildMerkleTree(base).Root)

	for p := range base {
		changed := map[string]string{}
		for k, v := range base {
			changed[k] = v
		}
		changed[p] = "x"
		assert.NotEqual(t, root, BuildMerkleTree(changed).Root, "leaf %s", p)
	}

	leaves := BuildMerkleTree(base).Leaves
	leaves[0], leaves[1] = leaves[1], leaves[0]
	assert.NotEqual(t, root, BuildFromLeaves(leaves).Root)
}

func TestInclusionProofs(t *testing.T) {
	tree := BuildMerkleTree(map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"})
	for _, l := range tree.Leaves {
		proof, err := tree.Proof(l.Path)
		require.NoError(t, err)
		assert.True(t, VerifyInclusionProof(proof, tree.Root), "leaf %s", l.Path)

		proof.LeafHash = LeafHash(l.Path, "forged")
		assert.False(t, VerifyInclusionProof(proof, tree.Root))
	}

	_, err := tree.Proof("missing")
	require.Error(t, err)

	proof, err := tree.Proof("a")
	require.NoError(t, err)
	assert.False(t, VerifyInclusionProof(proof, "deadbeef"))
}

func TestAnchorPartialAndSelfExclusion(t *testing.T) {
	root := t.TempDir()
	for rel, body := range map[string]string{
		"a.md":             "alpha\n",
		"b.md":             "beta\n",
		"MERKLE_ANCHOR.md": "root: previous\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte(body), 0o644))
	}
	n := canonicalize.Default()
	rc := conform.RunContext{ID: "r"}
	ctx := context.Background()

	full, err := Anchor(ctx, root, []string{"*.md"}, "MERKLE_ANCHOR.md", n, rc)
	require.NoError(t, err)
	assert.Equal(t, conform.StatusPass, full.Status)
	require.Len(t, full.Tree.Leaves, 2)

	// Rewriting the output document never moves the root.
	require.NoError(t, os.WriteFile(filepath.Join(root, "MERKLE_ANCHOR.md"), []byte("root: "+full.Tree.Root+"\n"), 0o644))
	again, err := Anchor(ctx, root, []string{"*.md"}, "MERKLE_ANCHOR.md", n, rc)
	require.NoError(t, err)
	assert.Equal(t, full.Tree.Root, again.Tree.Root)

	partial, err := Anchor(ctx, root, []string{"a.md", "b.md", "gone.md"}, "MERKLE_ANCHOR.md", n, rc)
	require.NoError(t, err)
	assert.Equal(t, conform.StatusPartial, partial.Status)
	assert.Equal(t, []string{"gone.md"}, partial.Skipped)
	assert.Equal(t, full.Tree.Root, partial.Tree.Root)

	rec := partial.Record("anchor")
	assert.Equal(t, conform.ReasonMissingFile, rec.ReasonCode)
	assert.Equal(t, 1, rec.ExitCode())

	empty, err := Anchor(ctx, root, nil, "", n, rc)
	require.NoError(t, err)
	assert.Equal(t, EmptyRoot, empty.Tree.Root)
	assert.Equal(t, conform.ReasonEmptyScope, empty.Record("anchor").ReasonCode)
}
