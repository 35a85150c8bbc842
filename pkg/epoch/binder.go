// Package epoch seals rounds of evidence into a hash-linked sequence.
//
// Each epoch lives in its own directory under the epoch root. Its canonical
// fingerprint binds the predecessor's verified fingerprint, the epoch's own
// scalar bindings and the normalized text of every structural document.
// Sealing writes CLOSEOUT.md and VERDICT.md (both embedding the fingerprint)
// and a SHA256SUMS listing through a capped fixpoint loop; verification
// recomputes everything read-only and demands three-way parity.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/fsnap"
	"github.com/Mindburn-Labs/custody/pkg/merkle"
	"github.com/Mindburn-Labs/custody/pkg/receipts"
	"github.com/Mindburn-Labs/custody/pkg/util/atomicfile"
)

// DefaultMaxIterations caps the fixpoint seal loop.
const DefaultMaxIterations = 3

// Gate is consulted before any mutating operation. A non-nil error blocks it.
type Gate interface {
	Check() error
}

// Options configures a Binder.
type Options struct {
	// Dir is the directory holding one subdirectory per epoch.
	Dir string
	// RequiredBindings must be present in every manifest.
	RequiredBindings []string
	// Exclude lists top-level files kept out of the fingerprint. Nil means
	// DefaultExclude.
	Exclude []string
	// MaxIterations caps the fixpoint loop. Zero means DefaultMaxIterations.
	MaxIterations int
	// CI forbids update when set.
	CI bool
	// Gates run before update, in order.
	Gates []Gate
}

// Binder computes, seals and verifies epochs.
type Binder struct {
	opts       Options
	normalizer *canonicalize.Normalizer
	logger     *slog.Logger
}

// NewBinder returns a Binder that normalizes documents with n.
func NewBinder(n *canonicalize.Normalizer, opts Options) *Binder {
	if opts.Exclude == nil {
		opts.Exclude = DefaultExclude
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &Binder{
		opts:       opts,
		normalizer: n,
		logger:     slog.Default().With("component", "epoch"),
	}
}

// Path returns the directory of epoch id.
func (b *Binder) Path(id string) string { return filepath.Join(b.opts.Dir, id) }

// State is the recomputed state of one epoch.
type State struct {
	Manifest         *Manifest
	PriorFingerprint string
	Artifacts        []*canonicalize.EvidenceArtifact
	Chain            *receipts.Chain
	Tree             *merkle.MerkleTree
	Fingerprint      string
}

// Result summarizes a verify or update.
type Result struct {
	ID               string `json:"epoch_id"`
	Prior            string `json:"prior_epoch,omitempty"`
	PriorFingerprint string `json:"prior_fingerprint"`
	Fingerprint      string `json:"canonical_fingerprint"`
	ChainFinal       string `json:"receipt_chain_final"`
	MerkleRoot       string `json:"merkle_root"`
	Materials        int    `json:"material_count"`
	Iterations       int    `json:"fixpoint_iterations,omitempty"`
}

func (s *State) result() *Result {
	return &Result{
		ID:               s.Manifest.ID,
		Prior:            s.Manifest.Prior,
		PriorFingerprint: s.PriorFingerprint,
		Fingerprint:      s.Fingerprint,
		ChainFinal:       s.Chain.Final,
		MerkleRoot:       s.Tree.Root,
		Materials:        len(s.Artifacts),
	}
}

// RunContext returns the run context used for an epoch's documents. The
// token depends only on the epoch id so fingerprints never vary per run.
func RunContext(id string) conform.RunContext {
	return conform.RunContext{ID: id, SourceEpoch: id}
}

// Compute recomputes the state of epoch id from disk without writing.
func (b *Binder) Compute(ctx context.Context, id string) (*State, error) {
	dir := b.Path(id)
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	for _, k := range b.opts.RequiredBindings {
		if _, ok := m.Bindings[k]; !ok {
			return nil, conform.Newf(conform.ReasonMalformedInput, "epoch %s lacks required binding %s", id, k)
		}
	}
	prior, err := b.PriorFingerprint(m)
	if err != nil {
		return nil, err
	}

	files, err := b.materials(ctx, dir)
	if err != nil {
		return nil, err
	}
	return b.state(m, prior, files, nil)
}

// state digests files (plus overlay, which wins) and fingerprints the result.
func (b *Binder) state(m *Manifest, prior string, files, overlay map[string][]byte) (*State, error) {
	merged := make(map[string][]byte, len(files)+len(overlay))
	for p, data := range files {
		merged[p] = data
	}
	for p, data := range overlay {
		if !b.excluded(p) {
			merged[p] = data
		}
	}

	paths := make([]string, 0, len(merged))
	for p := range merged {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	rc := RunContext(m.ID)
	s := &State{Manifest: m, PriorFingerprint: prior}
	docs := make([]Document, 0, len(paths))
	digests := make(map[string]string, len(paths))
	for _, p := range paths {
		a, err := b.normalizer.Digest(p, merged[p], rc)
		if err != nil {
			return nil, fmt.Errorf("epoch %s: %w", m.ID, err)
		}
		s.Artifacts = append(s.Artifacts, a)
		docs = append(docs, Document{Path: p, Normalized: a.NormalizedText})
		digests[p] = a.SHA256Norm
	}
	s.Chain = receipts.Build(digests)
	s.Tree = merkle.BuildMerkleTree(digests)
	s.Fingerprint = Fingerprint(Inputs{
		EpochID:          m.ID,
		PriorFingerprint: prior,
		Bindings:         m.Bindings,
		Documents:        docs,
	})
	return s, nil
}

func (b *Binder) excluded(rel string) bool {
	for _, e := range b.opts.Exclude {
		if rel == e {
			return true
		}
	}
	return false
}

// materials reads every structural document of an epoch. Hidden files and
// directories and the excluded derived documents are skipped.
func (b *Binder) materials(ctx context.Context, dir string) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if b.excluded(rel) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read epoch materials %s: %w", dir, err)
	}
	return files, nil
}

// PriorFingerprint resolves the verified fingerprint of m's predecessor.
// A genesis epoch yields GenesisFingerprint. The predecessor must be sealed
// with matching closeout and verdict fingerprints.
func (b *Binder) PriorFingerprint(m *Manifest) (string, error) {
	if m.Genesis() {
		return GenesisFingerprint, nil
	}
	closeout, verdict, err := b.recorded(m.Prior)
	if err != nil {
		return "", conform.Wrap(conform.ReasonPriorEpochInvalid, err, "prior epoch %s", m.Prior)
	}
	if closeout != verdict {
		return "", conform.Newf(conform.ReasonPriorEpochInvalid,
			"prior epoch %s: closeout %s and verdict %s disagree", m.Prior, closeout, verdict)
	}
	return closeout, nil
}

// recorded reads the fingerprints embedded in an epoch's sealed documents.
func (b *Binder) recorded(id string) (closeout, verdict string, err error) {
	dir := b.Path(id)
	read := func(name string) (string, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", conform.Wrap(conform.ReasonMissingFile, err, "epoch %s is not sealed: %s", id, name)
			}
			return "", err
		}
		fp, err := RecordedFingerprint(data)
		if err != nil {
			return "", fmt.Errorf("%s/%s: %w", id, name, err)
		}
		if !ValidFingerprint(fp) {
			return "", conform.Newf(conform.ReasonMalformedInput, "%s/%s: fingerprint %q is not 64 lowercase hex", id, name, fp)
		}
		return fp, nil
	}
	if closeout, err = read(CloseoutFile); err != nil {
		return "", "", err
	}
	if verdict, err = read(VerdictFile); err != nil {
		return "", "", err
	}
	return closeout, verdict, nil
}

// Verify recomputes epoch id and checks it against its sealed documents.
// It runs under a filesystem guard: anything it changes besides its own
// lease file is a ReadOnlyViolation.
func (b *Binder) Verify(ctx context.Context, id string) (*Result, error) {
	dir := b.Path(id)
	if _, err := os.Stat(dir); err != nil {
		return nil, conform.Wrap(conform.ReasonMissingFile, err, "epoch %s", id)
	}

	var res *Result
	allow := fsnap.AllowList{LeaseFile + "*"}
	err := fsnap.Guard(ctx, dir, allow, func(ctx context.Context) error {
		lease, err := Acquire(dir, false)
		if err != nil {
			return err
		}
		defer lease.Release()

		res, err = b.verify(ctx, id)
		return err
	})
	if err != nil {
		b.logger.WarnContext(ctx, "epoch verify failed", "epoch", id, "reason_code", conform.CodeOf(err), "error", err)
		return res, err
	}
	b.logger.InfoContext(ctx, "epoch verified", "epoch", id, "fingerprint", res.Fingerprint)
	return res, nil
}

func (b *Binder) verify(ctx context.Context, id string) (*Result, error) {
	s, err := b.Compute(ctx, id)
	if err != nil {
		return nil, err
	}
	res := s.result()

	closeout, verdict, err := b.recorded(id)
	if err != nil {
		return res, err
	}
	if closeout != verdict || closeout != s.Fingerprint {
		return res, conform.Newf(conform.ReasonCanonicalMismatch,
			"epoch %s: closeout %s, verdict %s, recomputed %s", id, short(closeout), short(verdict), short(s.Fingerprint))
	}

	sums, err := os.ReadFile(filepath.Join(b.Path(id), SumsFile))
	if err != nil {
		return res, conform.Wrap(conform.ReasonMissingFile, err, "epoch %s: %s", id, SumsFile)
	}
	if err := b.checkSums(id, sums); err != nil {
		return res, err
	}
	return res, nil
}

// checkSums verifies every listed raw digest against the files on disk.
func (b *Binder) checkSums(id string, data []byte) error {
	listed, err := parseSums(data)
	if err != nil {
		return err
	}
	dir := b.Path(id)
	for p, want := range listed {
		if path.IsAbs(p) || strings.HasPrefix(path.Clean(p), "../") {
			return conform.Newf(conform.ReasonMalformedInput, "%s lists path %q outside the epoch", SumsFile, p)
		}
		raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return conform.Wrap(conform.ReasonMissingFile, err, "epoch %s: %s lists %s", id, SumsFile, p)
		}
		if got := canonicalize.HashBytes(raw); got != want {
			return conform.Newf(conform.ReasonCanonicalMismatch, "epoch %s: %s raw digest %s, %s says %s", id, p, short(got), SumsFile, short(want))
		}
	}
	return nil
}

// Update seals epoch id: it renders CLOSEOUT.md and VERDICT.md with the
// converged fingerprint plus SHA256SUMS, staging all three and renaming them
// into place only once the fixpoint converged and ctx is still live.
func (b *Binder) Update(ctx context.Context, id string) (*Result, error) {
	if b.opts.CI {
		return nil, conform.Newf(conform.ReasonUpdateForbiddenCI, "epoch update is disabled when CI is set")
	}
	for _, g := range b.opts.Gates {
		if err := g.Check(); err != nil {
			return nil, err
		}
	}

	dir := b.Path(id)
	if _, err := os.Stat(dir); err != nil {
		return nil, conform.Wrap(conform.ReasonMissingFile, err, "epoch %s", id)
	}
	lease, err := Acquire(dir, true)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	for _, k := range b.opts.RequiredBindings {
		if _, ok := m.Bindings[k]; !ok {
			return nil, conform.Newf(conform.ReasonMalformedInput, "epoch %s lacks required binding %s", id, k)
		}
	}
	prior, err := b.PriorFingerprint(m)
	if err != nil {
		return nil, err
	}
	files, err := b.materials(ctx, dir)
	if err != nil {
		return nil, err
	}

	s, docs, iterations, err := b.fixpoint(m, prior, files)
	if err != nil {
		return nil, err
	}

	all := make(map[string][]byte, len(files)+2)
	for p, data := range files {
		all[p] = data
	}
	all[CloseoutFile] = docs.closeout
	all[VerdictFile] = docs.verdict

	writes := []struct {
		name string
		data []byte
	}{
		{SumsFile, renderSums(all)},
		{CloseoutFile, docs.closeout},
		// VERDICT lands last; an epoch without one reads as unsealed.
		{VerdictFile, docs.verdict},
	}
	pending := make([]*atomicfile.Pending, 0, len(writes))
	discard := func() {
		for _, p := range pending {
			p.Discard()
		}
	}
	for _, w := range writes {
		p, err := atomicfile.Stage(filepath.Join(dir, w.name), w.data, 0o644)
		if err != nil {
			discard()
			return nil, fmt.Errorf("stage %s: %w", w.name, err)
		}
		pending = append(pending, p)
	}
	if err := ctx.Err(); err != nil {
		discard()
		b.logger.WarnContext(ctx, "epoch seal abandoned", "epoch", id, "error", err)
		return nil, err
	}
	if err := atomicfile.CommitAll(pending); err != nil {
		return nil, fmt.Errorf("commit seal of %s: %w", id, err)
	}

	res := s.result()
	res.Iterations = iterations
	b.logger.InfoContext(ctx, "epoch sealed", "epoch", id, "fingerprint", res.Fingerprint, "iterations", iterations)
	return res, nil
}

// fixpoint renders the seal documents until the fingerprint they embed
// equals the fingerprint recomputed with them in place.
func (b *Binder) fixpoint(m *Manifest, prior string, files map[string][]byte) (*State, seal, int, error) {
	base, err := b.state(m, prior, files, nil)
	if err != nil {
		return nil, seal{}, 0, err
	}
	candidate := Placeholder
	docs := renderSeal(m, base, candidate)
	for i := 1; i <= b.opts.MaxIterations; i++ {
		s, err := b.state(m, prior, files, map[string][]byte{CloseoutFile: docs.closeout, VerdictFile: docs.verdict})
		if err != nil {
			return nil, seal{}, i, err
		}
		if s.Fingerprint == candidate {
			return s, docs, i, nil
		}
		candidate = s.Fingerprint
		docs = renderSeal(m, s, candidate)
	}
	return nil, seal{}, b.opts.MaxIterations, conform.Newf(conform.ReasonNonConvergence,
		"epoch %s: fingerprint did not converge within %d iterations", m.ID, b.opts.MaxIterations)
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
