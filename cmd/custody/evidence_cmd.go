package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/evidence"
	"github.com/Mindburn-Labs/custody/pkg/fsnap"
	"github.com/Mindburn-Labs/custody/pkg/merkle"
	"github.com/Mindburn-Labs/custody/pkg/receipts"
	"github.com/Mindburn-Labs/custody/pkg/replay"
)

// evidenceRunID fixes the run token for chain and anchor documents so an
// update and a later verify normalize volatile markers identically.
const evidenceRunID = "evidence"

// parseVerb splits "verify|update" off args.
func parseVerb(cmd string, args []string, stderr io.Writer) (string, []string, bool) {
	if len(args) == 0 || (args[0] != "verify" && args[0] != "update") {
		_, _ = fmt.Fprintf(stderr, "Usage: custody %s <verify|update> [flags]\n", cmd)
		return "", nil, false
	}
	return args[0], args[1:], true
}

// guardUpdate applies the preconditions shared by every mutating command.
func (e *env) guardUpdate() error {
	if e.cfg.CI {
		return conform.Newf(conform.ReasonUpdateForbiddenCI, "update is disabled when CI is set")
	}
	return e.guardVerify()
}

// guardVerify refuses to report a verdict while a kill lock is active: a
// matching fingerprint says nothing once replay has seen divergence.
func (e *env) guardVerify() error {
	return replay.LockGate{Dir: e.cfg.Path(e.cfg.Replay.LockDir)}.Check()
}

func runChainCmd(args []string, stdout, stderr io.Writer) int {
	verb, rest, ok := parseVerb("chain", args, stderr)
	if !ok {
		return 2
	}
	var g globalFlags
	fs := newFlagSet("chain "+verb, &g, stderr)
	if ok, code := parse(fs, rest); !ok {
		return code
	}
	ctx, cancel := signalContext()
	defer cancel()
	e, code := setup(ctx, "chain_"+verb, g, stdout, stderr)
	if e == nil {
		return code
	}
	return e.stage(ctx, "chain_"+verb, "", func(ctx context.Context) conform.StatusRecord {
		if verb == "update" {
			return e.chainUpdate(ctx)
		}
		return e.chainVerify(ctx)
	})
}

func (e *env) chainExclude() []string {
	out := e.cfg.Chain.Output
	return append([]string{out, evidence.JSONPath(out)}, e.cfg.Chain.Exclude...)
}

func (e *env) recomputeChain() (*receipts.Chain, error) {
	n, err := e.normalizer()
	if err != nil {
		return nil, err
	}
	chain, _, err := receipts.BuildFromRoot(e.cfg.Root, e.cfg.Chain.Scope, n, conform.RunContext{ID: evidenceRunID}, e.chainExclude()...)
	return chain, err
}

func chainRecord(stage string, c *receipts.Chain, message string) conform.StatusRecord {
	rec := conform.Pass(stage, message)
	if c.Empty() {
		rec.ReasonCode = conform.ReasonEmptyScope
	}
	return rec.
		WithDetail("entry_count", len(c.Entries)).
		WithDetail("final_chain_hash", c.Final).
		WithDetail("scope_manifest_hash", c.ScopeManifestHash)
}

func (e *env) chainUpdate(ctx context.Context) conform.StatusRecord {
	const stage = "chain_update"
	if err := e.guardUpdate(); err != nil {
		return conform.RecordFor(stage, err)
	}
	chain, err := e.recomputeChain()
	if err != nil {
		return conform.RecordFor(stage, err)
	}
	if err := ctx.Err(); err != nil {
		return conform.RecordFor(stage, err)
	}
	if err := evidence.WriteChain(e.cfg.Path(e.cfg.Chain.Output), chain); err != nil {
		return conform.RecordFor(stage, err)
	}
	return chainRecord(stage, chain, "receipt chain written")
}

func (e *env) chainVerify(ctx context.Context) conform.StatusRecord {
	const stage = "chain_verify"
	if err := e.guardVerify(); err != nil {
		return conform.RecordFor(stage, err)
	}
	var (
		chain *receipts.Chain
		div   *receipts.Divergence
	)
	err := fsnap.Guard(ctx, e.cfg.Root, e.cfg.ReadOnlyAllowList(), func(context.Context) error {
		stored, err := evidence.ReadChain(e.cfg.Path(e.cfg.Chain.Output))
		if err != nil {
			return err
		}
		if chain, err = e.recomputeChain(); err != nil {
			return err
		}
		if div = receipts.Verify(stored, chain); div != nil {
			return div.Err()
		}
		return nil
	})
	if err != nil {
		rec := conform.RecordFor(stage, err)
		if div != nil {
			rec = rec.WithDetail("divergence", div)
		}
		return rec
	}
	return chainRecord(stage, chain, "receipt chain matches")
}

func runAnchorCmd(args []string, stdout, stderr io.Writer) int {
	verb, rest, ok := parseVerb("anchor", args, stderr)
	if !ok {
		return 2
	}
	var g globalFlags
	fs := newFlagSet("anchor "+verb, &g, stderr)
	if ok, code := parse(fs, rest); !ok {
		return code
	}
	ctx, cancel := signalContext()
	defer cancel()
	e, code := setup(ctx, "anchor_"+verb, g, stdout, stderr)
	if e == nil {
		return code
	}
	return e.stage(ctx, "anchor_"+verb, "", func(ctx context.Context) conform.StatusRecord {
		if verb == "update" {
			return e.anchorUpdate(ctx)
		}
		return e.anchorVerify(ctx)
	})
}

func (e *env) recomputeAnchor(ctx context.Context) (*merkle.AnchorResult, error) {
	n, err := e.normalizer()
	if err != nil {
		return nil, err
	}
	out := e.cfg.Anchor.Output
	// The JSON sibling is part of the anchor's own output.
	exclude := append([]string{evidence.JSONPath(out)}, e.cfg.Anchor.Exclude...)
	return merkle.Anchor(ctx, e.cfg.Root, e.cfg.Anchor.Scope, out, n, conform.RunContext{ID: evidenceRunID}, exclude...)
}

func (e *env) anchorUpdate(ctx context.Context) conform.StatusRecord {
	const stage = "anchor_update"
	if err := e.guardUpdate(); err != nil {
		return conform.RecordFor(stage, err)
	}
	res, err := e.recomputeAnchor(ctx)
	if err != nil {
		return conform.RecordFor(stage, err)
	}
	if err := ctx.Err(); err != nil {
		return conform.RecordFor(stage, err)
	}
	if err := evidence.WriteAnchor(e.cfg.Path(e.cfg.Anchor.Output), evidence.NewAnchorRecord(res)); err != nil {
		return conform.RecordFor(stage, err)
	}
	return res.Record(stage)
}

func (e *env) anchorVerify(ctx context.Context) conform.StatusRecord {
	const stage = "anchor_verify"
	if err := e.guardVerify(); err != nil {
		return conform.RecordFor(stage, err)
	}
	var res *merkle.AnchorResult
	err := fsnap.Guard(ctx, e.cfg.Root, e.cfg.ReadOnlyAllowList(), func(ctx context.Context) error {
		stored, err := evidence.ReadAnchor(e.cfg.Path(e.cfg.Anchor.Output))
		if err != nil {
			return err
		}
		if res, err = e.recomputeAnchor(ctx); err != nil {
			return err
		}
		if stored.MerkleRoot != res.Tree.Root {
			return conform.Newf(conform.ReasonMerkleRootMismatch, "stored merkle root %s, recomputed %s",
				stored.MerkleRoot, res.Tree.Root)
		}
		return nil
	})
	if err != nil {
		return conform.RecordFor(stage, err)
	}
	return res.Record(stage)
}
