package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/Mindburn-Labs/custody/pkg/archive"
	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/epoch"
	"github.com/Mindburn-Labs/custody/pkg/ledger"
)

func runEpochCmd(args []string, stdout, stderr io.Writer) int {
	verb, rest, ok := parseVerb("epoch", args, stderr)
	if !ok {
		return 2
	}
	var (
		g        globalFlags
		id       string
		all      bool
		noLedger bool
		publish  bool
	)
	fs := newFlagSet("epoch "+verb, &g, stderr)
	fs.StringVar(&id, "epoch", "", "epoch id")
	if verb == "verify" {
		fs.BoolVar(&all, "all", false, "verify every epoch under the epoch directory")
	} else {
		fs.BoolVar(&noLedger, "no-ledger", false, "do not record the sealed epoch in the ledger")
		fs.BoolVar(&publish, "publish", false, "publish the sealed epoch to the archive")
	}
	if ok, code := parse(fs, rest); !ok {
		return code
	}
	if id == "" && !all {
		_, _ = fmt.Fprintln(stderr, "Error: --epoch is required")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()
	stage := "epoch_" + verb
	e, code := setup(ctx, stage, g, stdout, stderr)
	if e == nil {
		return code
	}
	return e.stage(ctx, stage, id, func(ctx context.Context) conform.StatusRecord {
		if verb == "verify" {
			if err := e.guardVerify(); err != nil {
				return conform.RecordFor(stage, err)
			}
		}
		n, err := e.normalizer()
		if err != nil {
			return conform.RecordFor(stage, err)
		}
		b := epoch.NewBinder(n, e.cfg.BinderOptions())
		switch {
		case verb == "update":
			return e.epochUpdate(ctx, b, id, !noLedger, publish)
		case all:
			return e.epochVerifyAll(ctx, b)
		default:
			res, err := b.Verify(ctx, id)
			return epochRecord(stage, res, err)
		}
	})
}

func epochRecord(stage string, res *epoch.Result, err error) conform.StatusRecord {
	rec := conform.RecordFor(stage, err)
	if err == nil {
		rec.Message = "epoch " + res.ID + " fingerprint verified"
	}
	if res != nil {
		rec = rec.
			WithDetail("epoch_id", res.ID).
			WithDetail("canonical_fingerprint", res.Fingerprint).
			WithDetail("prior_fingerprint", res.PriorFingerprint).
			WithDetail("receipt_chain_final", res.ChainFinal).
			WithDetail("merkle_root", res.MerkleRoot)
	}
	return rec
}

func (e *env) epochUpdate(ctx context.Context, b *epoch.Binder, id string, record, publish bool) conform.StatusRecord {
	const stage = "epoch_update"
	res, err := b.Update(ctx, id)
	if err != nil {
		return epochRecord(stage, res, err)
	}
	rec := epochRecord(stage, res, nil).WithDetail("fixpoint_iterations", res.Iterations)
	rec.Message = "epoch " + id + " sealed"

	if record {
		l, err := e.openLedger(ctx)
		if err != nil {
			return conform.RecordFor(stage, err)
		}
		defer func() { _ = l.Close() }()
		entry, err := l.Append(ctx, ledger.EpochRecord{
			EpochID:          res.ID,
			Prior:            res.Prior,
			PriorFingerprint: res.PriorFingerprint,
			Fingerprint:      res.Fingerprint,
			ChainFinal:       res.ChainFinal,
			MerkleRoot:       res.MerkleRoot,
			SealedAt:         epoch.RunContext(id).Now(),
		})
		if err != nil {
			return conform.RecordFor(stage, err)
		}
		rec = rec.WithDetail("ledger_seq", entry.Seq).WithDetail("ledger_entry_hash", entry.EntryHash)
	}

	if publish {
		addr, err := e.publish(ctx, b, res)
		if err != nil {
			return conform.RecordFor(stage, err)
		}
		rec = rec.WithDetail("archive_address", addr)
	}
	return rec
}

func (e *env) publish(ctx context.Context, b *epoch.Binder, res *epoch.Result) (string, error) {
	store, err := archive.NewStore(ctx, e.cfg.Root, e.cfg.Archive)
	if err != nil {
		return "", err
	}
	addr, _, err := archive.PublishEpoch(ctx, store, b.Path(res.ID), res, archive.PublishOptions{Compress: e.cfg.Archive.Compress})
	return addr, err
}

// epochVerifyAll verifies every epoch directory in name order and stops at
// the first failure.
func (e *env) epochVerifyAll(ctx context.Context, b *epoch.Binder) conform.StatusRecord {
	const stage = "epoch_verify"
	ids, err := listEpochs(e.cfg.Path(e.cfg.Epoch.Dir))
	if err != nil {
		return conform.RecordFor(stage, err)
	}
	if len(ids) == 0 {
		rec := conform.Pass(stage, "no epochs")
		rec.ReasonCode = conform.ReasonEmptyScope
		return rec
	}
	var last *epoch.Result
	for i, id := range ids {
		res, err := b.Verify(ctx, id)
		if err != nil {
			return epochRecord(stage, res, err).WithDetail("verified_before_failure", i)
		}
		last = res
	}
	rec := epochRecord(stage, last, nil).WithDetail("epochs", len(ids))
	rec.Message = fmt.Sprintf("%d epochs verified", len(ids))
	return rec
}

func listEpochs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, ent.Name(), epoch.ManifestFile)); err == nil {
			ids = append(ids, ent.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
