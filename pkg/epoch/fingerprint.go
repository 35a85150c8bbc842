package epoch

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// GenesisFingerprint is the prior fingerprint of an epoch with no predecessor.
var GenesisFingerprint = strings.Repeat("0", 64)

// Placeholder stands in for the fingerprint on the first fixpoint pass.
const Placeholder = "PENDING"

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidFingerprint reports whether s is 64 lowercase hex characters.
func ValidFingerprint(s string) bool { return fingerprintPattern.MatchString(s) }

// Document is one structural document in normalized form.
type Document struct {
	Path       string
	Normalized string
}

// Inputs are everything an epoch fingerprint depends on.
type Inputs struct {
	EpochID          string
	PriorFingerprint string
	Bindings         map[string]string
	Documents        []Document
}

// Fingerprint computes the canonical fingerprint of an epoch. Layout:
//
//	epoch_id=<id>
//	prior_fingerprint=<hex>
//	<key>=<value>            every binding, keys in byte order
//	### <path> <byte length>  every document, paths in byte order
//	<normalized text>
//
// It is a pure function of its inputs.
func Fingerprint(in Inputs) string {
	lines := make([]string, 0, len(in.Bindings)+2)
	lines = append(lines, "epoch_id="+in.EpochID, "prior_fingerprint="+in.PriorFingerprint)
	for k, v := range in.Bindings {
		lines = append(lines, k+"="+v)
	}
	sort.Strings(lines)

	docs := append([]Document(nil), in.Documents...)
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	for _, d := range docs {
		fmt.Fprintf(h, "### %s %d\n", d.Path, len(d.Normalized))
		h.Write([]byte(d.Normalized))
	}
	return hex.EncodeToString(h.Sum(nil))
}

var recordedLine = regexp.MustCompile(`^canonical_fingerprint: (\S+)$`)

// RecordedFingerprint extracts the canonical_fingerprint line of a sealed
// document. Exactly one such line must be present.
func RecordedFingerprint(doc []byte) (string, error) {
	var found []string
	sc := bufio.NewScanner(bytes.NewReader(doc))
	for sc.Scan() {
		if m := recordedLine.FindStringSubmatch(strings.TrimRight(sc.Text(), "\r")); m != nil {
			found = append(found, m[1])
		}
	}
	switch len(found) {
	case 0:
		return "", conform.Newf(conform.ReasonMalformedInput, "document has no canonical_fingerprint line")
	case 1:
		return found[0], nil
	default:
		return "", conform.Newf(conform.ReasonMalformedInput, "document has %d canonical_fingerprint lines", len(found))
	}
}
