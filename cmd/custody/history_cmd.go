package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/epoch"
	"github.com/Mindburn-Labs/custody/pkg/ledger"
)

func (e *env) openLedger(ctx context.Context) (ledger.Ledger, error) {
	dsn := e.cfg.Ledger.DSN
	if e.cfg.Ledger.Driver == ledger.DriverSQLite {
		dsn = e.cfg.Path(dsn)
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}
	return ledger.Open(ctx, e.cfg.Ledger.Driver, dsn)
}

// runHistoryCmd implements `custody history verify`: the ledger's hash
// links, and with --deep every recorded epoch against its directory.
func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: custody history verify [--deep] [flags]")
		return 2
	}
	var (
		g    globalFlags
		deep bool
	)
	fs := newFlagSet("history verify", &g, stderr)
	fs.BoolVar(&deep, "deep", false, "also re-verify each recorded epoch directory")
	if ok, code := parse(fs, args[1:]); !ok {
		return code
	}

	ctx, cancel := signalContext()
	defer cancel()
	const stage = "history_verify"
	e, code := setup(ctx, stage, g, stdout, stderr)
	if e == nil {
		return code
	}
	return e.stage(ctx, stage, "", func(ctx context.Context) conform.StatusRecord {
		if err := e.guardVerify(); err != nil {
			return conform.RecordFor(stage, err)
		}
		l, err := e.openLedger(ctx)
		if err != nil {
			return conform.RecordFor(stage, err)
		}
		defer func() { _ = l.Close() }()

		records, err := l.List(ctx)
		if err != nil {
			return conform.RecordFor(stage, err)
		}
		if err := ledger.VerifyLinks(records); err != nil {
			return conform.RecordFor(stage, err)
		}
		if len(records) == 0 {
			rec := conform.Pass(stage, "ledger is empty")
			rec.ReasonCode = conform.ReasonEmptyScope
			return rec
		}

		if deep {
			n, err := e.normalizer()
			if err != nil {
				return conform.RecordFor(stage, err)
			}
			b := epoch.NewBinder(n, e.cfg.BinderOptions())
			for _, r := range records {
				res, err := b.Verify(ctx, r.EpochID)
				if err != nil {
					return conform.RecordFor(stage, err).WithDetail("epoch_id", r.EpochID)
				}
				if res.Fingerprint != r.Fingerprint {
					return conform.RecordFor(stage, conform.Newf(conform.ReasonLedgerLinkBroken,
						"epoch %s verifies as %s but the ledger recorded %s", r.EpochID, res.Fingerprint, r.Fingerprint))
				}
			}
		}

		tail := records[len(records)-1]
		return conform.Pass(stage, fmt.Sprintf("%d sealed epochs linked", len(records))).
			WithDetail("head_epoch", tail.EpochID).
			WithDetail("head_fingerprint", tail.Fingerprint).
			WithDetail("head_entry_hash", tail.EntryHash)
	})
}
