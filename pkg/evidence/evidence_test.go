package evidence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/merkle"
	"github.com/Mindburn-Labs/custody/pkg/receipts"
)

func testChain() *receipts.Chain {
	return receipts.Build(map[string]string{
		"a.md":       strings.Repeat("a", 64),
		"b|pipe.md":  strings.Repeat("b", 64),
		"docs/c.txt": strings.Repeat("c", 64),
	})
}

func TestChainRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "RECEIPT_CHAIN.md")
	c := testChain()
	require.NoError(t, WriteChain(path, c))

	got, err := ReadChain(path)
	require.NoError(t, err)
	assert.Equal(t, c.Final, got.Final)
	assert.Equal(t, c.Entries, got.Entries)

	tables := ParseTables(RenderChain(c))
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"position", "path", "digest", "chain_hash"}, tables[0].Header)
	assert.Equal(t, "b|pipe.md", tables[0].Rows[1][1])
}

func TestChainPathsWithMarkdownSyntax(t *testing.T) {
	paths := []string{
		"pkg/__init__.py",
		"docs/_draft_.md",
		"notes/*starred*.md",
		"a**b**c.txt",
		"tick`name`.md",
		"`edge.md",
		"amp&lt;.md",
		`back\slash_x_.md`,
	}
	digests := map[string]string{}
	for _, p := range paths {
		digests[p] = strings.Repeat("d", 64)
	}
	c := receipts.Build(digests)
	path := filepath.Join(t.TempDir(), "RECEIPT_CHAIN.md")
	require.NoError(t, WriteChain(path, c))

	got, err := ReadChain(path)
	require.NoError(t, err)
	assert.Equal(t, c.Entries, got.Entries)

	rows := ParseTables(RenderChain(c))[0].Rows
	for i, e := range c.Entries {
		assert.Equal(t, e.Path, rows[i][1])
	}
}

func TestChainDriftDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "RECEIPT_CHAIN.md")
	c := testChain()
	require.NoError(t, WriteChain(path, c))

	md, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(md), "| 0 | `a.md` |", "| 0 | `z.md` |", 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	_, err = ReadChain(path)
	require.ErrorIs(t, err, conform.ErrDocumentFormatDrift)
}

func TestEmptyChainDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "RECEIPT_CHAIN.md")
	require.NoError(t, WriteChain(path, receipts.Build(nil)))
	got, err := ReadChain(path)
	require.NoError(t, err)
	assert.Equal(t, receipts.EmptySentinel, got.Final)
}

func TestReadChainMissing(t *testing.T) {
	_, err := ReadChain(filepath.Join(t.TempDir(), "RECEIPT_CHAIN.md"))
	require.ErrorIs(t, err, conform.ErrMissingFile)
}

func TestCheckFormat(t *testing.T) {
	require.NoError(t, CheckFormat("1.0.0"))
	require.NoError(t, CheckFormat("1.4.2"))
	require.ErrorIs(t, CheckFormat("2.0.0"), conform.ErrDocumentFormatDrift)
	require.ErrorIs(t, CheckFormat("not-a-version"), conform.ErrDocumentFormatDrift)
}

func TestAnchorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MERKLE_ANCHOR.md")
	res := &merkle.AnchorResult{
		Tree:    merkle.BuildMerkleTree(map[string]string{"a": "1", "b": "2", "c": "3"}),
		Status:  conform.StatusPartial,
		Skipped: []string{"gone.md"},
	}
	rec := NewAnchorRecord(res)
	require.NoError(t, WriteAnchor(path, rec))

	got, err := ReadAnchor(path)
	require.NoError(t, err)
	assert.Equal(t, res.Tree.Root, got.MerkleRoot)
	assert.Equal(t, 2, got.TreeDepth)
	assert.Equal(t, []string{"gone.md"}, got.Skipped)

	md, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(md), "tree_depth: 2", "tree_depth: 3", 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))
	_, err = ReadAnchor(path)
	require.ErrorIs(t, err, conform.ErrDocumentFormatDrift)
}

func TestParseScalars(t *testing.T) {
	got := ParseScalars([]byte("# T\n\nfinal_chain_hash: abc\nnot a scalar\nentry_count: 2\n"))
	assert.Equal(t, map[string]string{"final_chain_hash": "abc", "entry_count": "2"}, got)
}
