package canonicalize

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// EvidenceArtifact is one digested artifact. It is immutable once built
// and owned by the pipeline run that produced it.
type EvidenceArtifact struct {
	Path           string `json:"path"`
	RawBytes       []byte `json:"-"`
	NormalizedText string `json:"-"`
	SHA256Raw      string `json:"sha256_raw"`
	SHA256Norm     string `json:"sha256_norm"`

	volatile bool
}

// Volatile reports whether normalization replaced volatile content. Line
// endings, trailing whitespace and JSON layout do not count: raw and
// normalized digests of such a file differ, yet it is not volatile.
func (a *EvidenceArtifact) Volatile() bool {
	return a.volatile
}

// Digests holds the raw and normalized SHA-256 digests of an artifact.
type Digests struct {
	Raw  string `json:"sha256_raw"`
	Norm string `json:"sha256_norm"`
}

// ComputeDigests returns the dual digests of an artifact.
func ComputeDigests(a *EvidenceArtifact) Digests {
	return Digests{Raw: a.SHA256Raw, Norm: a.SHA256Norm}
}

// Digest canonicalizes raw bytes found at rel (a slash-separated path
// relative to the artifact root). Paths matching a registered record
// schema are canonicalized as structured records; everything else goes
// through the text normalizer.
func (n *Normalizer) Digest(rel string, raw []byte, rc conform.RunContext) (*EvidenceArtifact, error) {
	if !utf8.Valid(raw) {
		return nil, conform.Newf(conform.ReasonMalformedInput, "%s: not valid UTF-8", rel)
	}

	var normalized, layout string
	if schema, ok := n.schemaFor(rel); ok {
		if err := n.checkSchema(rel, schema); err != nil {
			return nil, err
		}
		canon, err := CanonicalRecord(raw, schema, rc.Token())
		if err != nil {
			return nil, conform.Wrap(conform.CodeOf(err), err, "%s", rel)
		}
		plain, err := CanonicalRecord(raw, RecordSchema{}, rc.Token())
		if err != nil {
			return nil, conform.Wrap(conform.CodeOf(err), err, "%s", rel)
		}
		normalized, layout = string(canon)+"\n", string(plain)+"\n"
	} else {
		text, err := n.Normalize(string(raw), rc)
		if err != nil {
			return nil, conform.Wrap(conform.CodeOf(err), err, "%s", rel)
		}
		normalized, layout = text, Layout(string(raw))
	}

	return &EvidenceArtifact{
		Path:           rel,
		RawBytes:       raw,
		NormalizedText: normalized,
		SHA256Raw:      HashBytes(raw),
		SHA256Norm:     HashString(normalized),
		volatile:       normalized != layout,
	}, nil
}

// LoadArtifact reads root/rel and digests it. A missing file yields a
// MissingFile error wrapping fs.ErrNotExist.
func (n *Normalizer) LoadArtifact(root, rel string, rc conform.RunContext) (*EvidenceArtifact, error) {
	raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, conform.Wrap(conform.ReasonMissingFile, err, "%s", rel)
		}
		return nil, conform.Wrap(conform.ReasonMalformedInput, err, "read %s", rel)
	}
	return n.Digest(rel, raw, rc)
}
