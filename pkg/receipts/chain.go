// Package receipts builds and verifies hash-chained receipts over an
// ordered artifact scope.
//
// Entries are ordered by byte-wise path comparison. The first entry links to
// a fixed genesis prefix, every later entry to its predecessor's hash, so
// changing entry k moves every hash from k onward and none before it.
package receipts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// EmptySentinel is the final hash of a chain over an empty scope.
const EmptySentinel = "EMPTY"

const genesisPrefix = "GENESIS:"

// Entry is one link of the receipt chain.
type Entry struct {
	Position   int    `json:"position"`
	Path       string `json:"path"`
	NormDigest string `json:"norm_digest"`
	ChainHash  string `json:"chain_hash"`
}

// Chain is an ordered receipt chain plus its scalar summaries.
type Chain struct {
	Entries           []Entry `json:"entries"`
	Final             string  `json:"final_chain_hash"`
	ScopeManifestHash string  `json:"scope_manifest_hash"`
}

// Empty reports whether the chain covers no artifacts.
func (c *Chain) Empty() bool { return len(c.Entries) == 0 }

// Build chains the normalized digests of a scope. Paths are sorted
// byte-wise; the caller's map order is irrelevant.
func Build(digests map[string]string) *Chain {
	paths := make([]string, 0, len(digests))
	for p := range digests {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	c := &Chain{
		Entries:           make([]Entry, 0, len(paths)),
		Final:             EmptySentinel,
		ScopeManifestHash: canonicalize.ScopeManifestHash(paths),
	}
	prev := ""
	for i, p := range paths {
		h := link(i, prev, digests[p])
		c.Entries = append(c.Entries, Entry{Position: i, Path: p, NormDigest: digests[p], ChainHash: h})
		prev = h
	}
	if len(c.Entries) > 0 {
		c.Final = prev
	}
	return c
}

func link(position int, prev, digest string) string {
	var sum [32]byte
	if position == 0 {
		sum = sha256.Sum256([]byte(genesisPrefix + digest))
	} else {
		sum = sha256.Sum256([]byte(prev + ":" + digest))
	}
	return hex.EncodeToString(sum[:])
}

// BuildFromRoot digests every scope file under root and chains the results.
// The chain is strict: a missing scope file is an error, never a skip.
func BuildFromRoot(root string, scope []string, n *canonicalize.Normalizer, rc conform.RunContext, exclude ...string) (*Chain, []*canonicalize.EvidenceArtifact, error) {
	resolved, err := canonicalize.ResolveScope(root, scope, exclude...)
	if err != nil {
		return nil, nil, err
	}
	if len(resolved.Missing) > 0 {
		return nil, nil, conform.Newf(conform.ReasonMissingFile,
			"receipt chain scope file %s does not exist (%d missing)", resolved.Missing[0], len(resolved.Missing))
	}

	digests := make(map[string]string, len(resolved.Paths))
	artifacts := make([]*canonicalize.EvidenceArtifact, 0, len(resolved.Paths))
	for _, rel := range resolved.Paths {
		a, err := n.LoadArtifact(root, rel, rc)
		if err != nil {
			return nil, nil, err
		}
		digests[rel] = a.SHA256Norm
		artifacts = append(artifacts, a)
	}
	return Build(digests), artifacts, nil
}

// Divergence localizes the first point where two chains disagree.
type Divergence struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	Stored     string `json:"stored_chain_hash"`
	Recomputed string `json:"recomputed_chain_hash"`
}

// Err converts the divergence into a ChainDivergence error.
func (d *Divergence) Err() error {
	return conform.Newf(conform.ReasonChainDivergence,
		"receipt chain diverges at position %d (%s): stored %s, recomputed %s",
		d.Index, d.Path, short(d.Stored), short(d.Recomputed))
}

// Verify compares a stored chain against an independently recomputed one and
// returns the first diverging position, or nil when they are identical.
func Verify(stored, recomputed *Chain) *Divergence {
	n := len(stored.Entries)
	if len(recomputed.Entries) < n {
		n = len(recomputed.Entries)
	}
	for i := 0; i < n; i++ {
		s, r := stored.Entries[i], recomputed.Entries[i]
		if s.Path != r.Path || s.ChainHash != r.ChainHash {
			return &Divergence{Index: i, Path: r.Path, Stored: s.ChainHash, Recomputed: r.ChainHash}
		}
	}
	switch {
	case len(stored.Entries) > n:
		s := stored.Entries[n]
		return &Divergence{Index: n, Path: s.Path, Stored: s.ChainHash, Recomputed: ""}
	case len(recomputed.Entries) > n:
		r := recomputed.Entries[n]
		return &Divergence{Index: n, Path: r.Path, Stored: "", Recomputed: r.ChainHash}
	case stored.Final != recomputed.Final:
		return &Divergence{Index: n, Stored: stored.Final, Recomputed: recomputed.Final}
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "<none>"
	}
	return h
}

func (c *Chain) String() string {
	return fmt.Sprintf("chain(%d entries, final=%s)", len(c.Entries), short(c.Final))
}
