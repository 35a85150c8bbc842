package epoch

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// seal is the rendered set of derived documents for one fingerprint.
type seal struct {
	closeout []byte
	verdict  []byte
}

func renderSeal(m *Manifest, s *State, fingerprint string) seal {
	prior := m.Prior
	if prior == "" {
		prior = "GENESIS"
	}

	var c strings.Builder
	fmt.Fprintf(&c, "# Epoch Closeout: %s\n\n", m.ID)
	fmt.Fprintf(&c, "epoch_id: %s\n", m.ID)
	fmt.Fprintf(&c, "prior_epoch: %s\n", prior)
	fmt.Fprintf(&c, "prior_fingerprint: %s\n", s.PriorFingerprint)
	fmt.Fprintf(&c, "material_count: %d\n", len(s.Artifacts))
	fmt.Fprintf(&c, "receipt_chain_final: %s\n", s.Chain.Final)
	fmt.Fprintf(&c, "merkle_root: %s\n", s.Tree.Root)
	fmt.Fprintf(&c, "canonical_fingerprint: %s\n\n", fingerprint)
	c.WriteString("## Bindings\n\n")
	keys := make([]string, 0, len(m.Bindings))
	for k := range m.Bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&c, "- %s = %s\n", k, m.Bindings[k])
	}
	c.WriteString("\n## Materials\n\n| path | sha256_norm |\n|---|---|\n")
	for _, a := range s.Artifacts {
		fmt.Fprintf(&c, "| %s | %s |\n", a.Path, a.SHA256Norm)
	}

	var v strings.Builder
	fmt.Fprintf(&v, "# Epoch Verdict: %s\n\n", m.ID)
	v.WriteString("verdict: SEALED\n")
	fmt.Fprintf(&v, "canonical_fingerprint: %s\n", fingerprint)

	return seal{closeout: []byte(c.String()), verdict: []byte(v.String())}
}

// renderSums renders a sha256sum-compatible listing of raw digests.
func renderSums(files map[string][]byte) []byte {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "%s  %s\n", canonicalize.HashBytes(files[p]), p)
	}
	return []byte(b.String())
}

// parseSums reads a sha256sum listing into path -> digest.
func parseSums(data []byte) (map[string]string, error) {
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		digest, path, ok := strings.Cut(line, "  ")
		if !ok || !ValidFingerprint(digest) {
			return nil, conform.Newf(conform.ReasonMalformedInput, "%s: malformed line %q", SumsFile, line)
		}
		out[path] = digest
	}
	return out, sc.Err()
}
