// Package evidence renders and reads the chain and Merkle evidence documents.
//
// Every document is written twice: a markdown file for reviewers and a JSON
// sibling that is authoritative for verification. Reads cross-check the
// markdown tables against the JSON so a hand-edited table is reported as
// format drift instead of silently disagreeing with the record.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/merkle"
	"github.com/Mindburn-Labs/custody/pkg/receipts"
	"github.com/Mindburn-Labs/custody/pkg/util/atomicfile"
)

const (
	// FormatVersion is stamped into every evidence record.
	FormatVersion = "1.0.0"
	// DigestPrefixLen is the number of hex characters shown in tables.
	DigestPrefixLen = 12
)

var supportedFormats = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	sc, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return sc
}

// CheckFormat rejects records written by an incompatible format version.
func CheckFormat(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return conform.Wrap(conform.ReasonDocumentFormatDrift, err, "format_version %q", version)
	}
	if !supportedFormats.Check(v) {
		return conform.Newf(conform.ReasonDocumentFormatDrift, "format_version %s is not supported (want %s)", v, supportedFormats)
	}
	return nil
}

// JSONPath returns the JSON sibling of a markdown document path.
func JSONPath(mdPath string) string {
	return strings.TrimSuffix(mdPath, filepath.Ext(mdPath)) + ".json"
}

// ChainRecord is the JSON form of a receipt chain document.
type ChainRecord struct {
	FormatVersion string `json:"format_version"`
	receipts.Chain
}

// RenderChain renders the markdown form of a chain.
func RenderChain(c *receipts.Chain) []byte {
	var b strings.Builder
	b.WriteString("# Receipt Chain\n\n")
	fmt.Fprintf(&b, "format_version: %s\n", FormatVersion)
	fmt.Fprintf(&b, "entry_count: %d\n", len(c.Entries))
	fmt.Fprintf(&b, "final_chain_hash: %s\n", c.Final)
	fmt.Fprintf(&b, "scope_manifest_hash: %s\n\n", c.ScopeManifestHash)
	b.WriteString("| position | path | digest | chain_hash |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, e := range c.Entries {
		fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", e.Position, codeCell(e.Path), prefix(e.NormDigest), prefix(e.ChainHash))
	}
	return []byte(b.String())
}

// WriteChain writes the markdown document at mdPath and its JSON sibling.
func WriteChain(mdPath string, c *receipts.Chain) error {
	rec := ChainRecord{FormatVersion: FormatVersion, Chain: *c}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain record: %w", err)
	}
	if err := atomicfile.WriteFile(JSONPath(mdPath), append(data, '\n'), 0o644); err != nil {
		return err
	}
	return atomicfile.WriteFile(mdPath, RenderChain(c), 0o644)
}

// ReadChain loads a stored chain and cross-checks its markdown table.
func ReadChain(mdPath string) (*receipts.Chain, error) {
	var rec ChainRecord
	if err := readJSON(JSONPath(mdPath), &rec); err != nil {
		return nil, err
	}
	if err := CheckFormat(rec.FormatVersion); err != nil {
		return nil, err
	}
	md, err := readFile(mdPath)
	if err != nil {
		return nil, err
	}
	if err := checkChainDrift(md, &rec.Chain); err != nil {
		return nil, err
	}
	return &rec.Chain, nil
}

func checkChainDrift(md []byte, c *receipts.Chain) error {
	scalars := ParseScalars(md)
	if err := expectScalar(scalars, "final_chain_hash", c.Final); err != nil {
		return err
	}
	if err := expectScalar(scalars, "entry_count", strconv.Itoa(len(c.Entries))); err != nil {
		return err
	}
	tables := ParseTables(md)
	if len(c.Entries) == 0 {
		if len(tables) > 0 && len(tables[0].Rows) > 0 {
			return conform.Newf(conform.ReasonDocumentFormatDrift, "chain table has rows but the record is empty")
		}
		return nil
	}
	if len(tables) == 0 {
		return conform.Newf(conform.ReasonDocumentFormatDrift, "chain document has no table")
	}
	rows := tables[0].Rows
	if len(rows) != len(c.Entries) {
		return conform.Newf(conform.ReasonDocumentFormatDrift, "chain table has %d rows, record has %d entries", len(rows), len(c.Entries))
	}
	for i, e := range c.Entries {
		want := []string{strconv.Itoa(e.Position), e.Path, prefix(e.NormDigest), prefix(e.ChainHash)}
		if !equalRow(rows[i], want) {
			return conform.Newf(conform.ReasonDocumentFormatDrift, "chain table row %d is %v, record says %v", i, rows[i], want)
		}
	}
	return nil
}

// AnchorRecord is the JSON form of a Merkle anchor document.
type AnchorRecord struct {
	FormatVersion     string              `json:"format_version"`
	Status            conform.Status      `json:"status"`
	MerkleRoot        string              `json:"merkle_root"`
	TreeDepth         int                 `json:"tree_depth"`
	ScopeManifestHash string              `json:"scope_manifest_hash"`
	Leaves            []merkle.MerkleLeaf `json:"leaves"`
	Skipped           []string            `json:"skipped,omitempty"`
}

// NewAnchorRecord converts an anchor result into its stored form.
func NewAnchorRecord(r *merkle.AnchorResult) AnchorRecord {
	return AnchorRecord{
		FormatVersion:     FormatVersion,
		Status:            r.Status,
		MerkleRoot:        r.Tree.Root,
		TreeDepth:         r.Tree.Depth,
		ScopeManifestHash: r.ScopeManifestHash,
		Leaves:            r.Tree.Leaves,
		Skipped:           r.Skipped,
	}
}

// RenderAnchor renders the markdown form of an anchor record.
func RenderAnchor(rec AnchorRecord) []byte {
	var b strings.Builder
	b.WriteString("# Merkle Anchor\n\n")
	fmt.Fprintf(&b, "format_version: %s\n", FormatVersion)
	fmt.Fprintf(&b, "status: %s\n", rec.Status)
	fmt.Fprintf(&b, "leaf_count: %d\n", len(rec.Leaves))
	fmt.Fprintf(&b, "merkle_root: %s\n", rec.MerkleRoot)
	fmt.Fprintf(&b, "tree_depth: %d\n", rec.TreeDepth)
	fmt.Fprintf(&b, "scope_manifest_hash: %s\n\n", rec.ScopeManifestHash)
	b.WriteString("| index | path | leaf_hash |\n")
	b.WriteString("|---|---|---|\n")
	for i, l := range rec.Leaves {
		fmt.Fprintf(&b, "| %d | %s | %s |\n", i, codeCell(l.Path), prefix(l.LeafHash))
	}
	if len(rec.Skipped) > 0 {
		b.WriteString("\n## Skipped\n\n")
		for _, s := range rec.Skipped {
			fmt.Fprintf(&b, "- %s\n", codeCell(s))
		}
	}
	return []byte(b.String())
}

// WriteAnchor writes the markdown document at mdPath and its JSON sibling.
func WriteAnchor(mdPath string, rec AnchorRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal anchor record: %w", err)
	}
	if err := atomicfile.WriteFile(JSONPath(mdPath), append(data, '\n'), 0o644); err != nil {
		return err
	}
	return atomicfile.WriteFile(mdPath, RenderAnchor(rec), 0o644)
}

// ReadAnchor loads a stored anchor record and cross-checks its markdown.
func ReadAnchor(mdPath string) (*AnchorRecord, error) {
	var rec AnchorRecord
	if err := readJSON(JSONPath(mdPath), &rec); err != nil {
		return nil, err
	}
	if err := CheckFormat(rec.FormatVersion); err != nil {
		return nil, err
	}
	md, err := readFile(mdPath)
	if err != nil {
		return nil, err
	}
	scalars := ParseScalars(md)
	if err := expectScalar(scalars, "merkle_root", rec.MerkleRoot); err != nil {
		return nil, err
	}
	if err := expectScalar(scalars, "tree_depth", strconv.Itoa(rec.TreeDepth)); err != nil {
		return nil, err
	}
	if tables := ParseTables(md); len(rec.Leaves) > 0 && (len(tables) == 0 || len(tables[0].Rows) != len(rec.Leaves)) {
		return nil, conform.Newf(conform.ReasonDocumentFormatDrift, "anchor leaf table does not match %d recorded leaves", len(rec.Leaves))
	}
	return &rec, nil
}

func expectScalar(scalars map[string]string, key, want string) error {
	got, ok := scalars[key]
	if !ok {
		return conform.Newf(conform.ReasonDocumentFormatDrift, "document lacks %s", key)
	}
	if got != want {
		return conform.Newf(conform.ReasonDocumentFormatDrift, "document %s is %s, record says %s", key, got, want)
	}
	return nil
}

func equalRow(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, conform.Wrap(conform.ReasonMissingFile, err, "evidence document %s", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func readJSON(path string, v any) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return conform.Wrap(conform.ReasonMalformedInput, err, "decode %s", path)
	}
	return nil
}
