package receipts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
)

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestBuildTwoEntries(t *testing.T) {
	hx, hy := sum("X"), sum("Y")
	c := Build(map[string]string{"b.md": hy, "a.md": hx})

	require.Len(t, c.Entries, 2)
	assert.Equal(t, "a.md", c.Entries[0].Path)
	assert.Equal(t, sum("GENESIS:"+hx), c.Entries[0].ChainHash)
	assert.Equal(t, sum(c.Entries[0].ChainHash+":"+hy), c.Entries[1].ChainHash)
	assert.Equal(t, c.Entries[1].ChainHash, c.Final)
	assert.Equal(t, sum("a.md\nb.md\n"), c.ScopeManifestHash)
}

func TestBuildEmptyScope(t *testing.T) {
	c := Build(nil)
	assert.True(t, c.Empty())
	assert.Equal(t, EmptySentinel, c.Final)
}

func TestBuildOrdersBytewise(t *testing.T) {
	c := Build(map[string]string{"b": "1", "B": "2", "a": "3", "_": "4"})
	var got []string
	for _, e := range c.Entries {
		got = append(got, e.Path)
	}
	assert.Equal(t, []string{"B", "_", "a", "b"}, got)
}

func TestTamperLocalization(t *testing.T) {
	digests := map[string]string{}
	for i := 0; i < 6; i++ {
		digests[fmt.Sprintf("doc%02d.md", i)] = sum(fmt.Sprint(i))
	}
	base := Build(digests)

	for k := 0; k < 6; k++ {
		tampered := map[string]string{}
		for p, d := range digests {
			tampered[p] = d
		}
		tampered[fmt.Sprintf("doc%02d.md", k)] = sum("tampered")
		got := Build(tampered)

		for i := 0; i < 6; i++ {
			if i < k {
				assert.Equal(t, base.Entries[i].ChainHash, got.Entries[i].ChainHash, "k=%d i=%d", k, i)
			} else {
				assert.NotEqual(t, base.Entries[i].ChainHash, got.Entries[i].ChainHash, "k=%d i=%d", k, i)
			}
		}
		div := Verify(base, got)
		require.NotNil(t, div)
		assert.Equal(t, k, div.Index)
		require.ErrorIs(t, div.Err(), conform.ErrChainDivergence)
	}
}

func TestVerifyIdenticalAndTruncated(t *testing.T) {
	a := Build(map[string]string{"a": "1", "b": "2"})
	b := Build(map[string]string{"a": "1", "b": "2"})
	assert.Nil(t, Verify(a, b))

	short := Build(map[string]string{"a": "1"})
	div := Verify(a, short)
	require.NotNil(t, div)
	assert.Equal(t, 1, div.Index)
	assert.Equal(t, "b", div.Path)

	div = Verify(Build(nil), short)
	require.NotNil(t, div)
	assert.Equal(t, 0, div.Index)
}

func TestBuildFromRoot(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("docs/a.md", "alpha at 2026-01-01T00:00:00Z\n")
	write("docs/b.md", "beta\n")
	write("docs/RECEIPT_CHAIN.md", "self\n")

	rc := conform.RunContext{ID: "r1"}
	n := canonicalize.Default()
	c1, arts, err := BuildFromRoot(root, []string{"docs/*.md"}, n, rc, "docs/RECEIPT_CHAIN.md")
	require.NoError(t, err)
	require.Len(t, arts, 2)
	require.Len(t, c1.Entries, 2)

	// A volatile-only rewrite keeps the chain.
	write("docs/a.md", "alpha at 2026-09-09T09:09:09Z\n")
	c2, _, err := BuildFromRoot(root, []string{"docs/*.md"}, n, rc, "docs/RECEIPT_CHAIN.md")
	require.NoError(t, err)
	assert.Nil(t, Verify(c1, c2))

	_, _, err = BuildFromRoot(root, []string{"docs/a.md", "docs/gone.md"}, n, rc)
	require.ErrorIs(t, err, conform.ErrMissingFile)
}
