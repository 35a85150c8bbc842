package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/custody/pkg/archive"
	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/epoch"
)

// runPublishCmd verifies a sealed epoch and uploads it to the archive.
func runPublishCmd(args []string, stdout, stderr io.Writer) int {
	var (
		g  globalFlags
		id string
	)
	fs := newFlagSet("publish", &g, stderr)
	fs.StringVar(&id, "epoch", "", "epoch id (required)")
	if ok, code := parse(fs, args); !ok {
		return code
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --epoch is required")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, code := setup(ctx, "publish", g, stdout, stderr)
	if e == nil {
		return code
	}
	return e.stage(ctx, "publish", id, func(ctx context.Context) conform.StatusRecord {
		if err := e.guardVerify(); err != nil {
			return conform.RecordFor("publish", err)
		}
		n, err := e.normalizer()
		if err != nil {
			return conform.RecordFor("publish", err)
		}
		b := epoch.NewBinder(n, e.cfg.BinderOptions())
		res, err := b.Verify(ctx, id)
		if err != nil {
			return epochRecord("publish", res, err)
		}
		addr, err := e.publish(ctx, b, res)
		if err != nil {
			return conform.RecordFor("publish", err)
		}
		rec := epochRecord("publish", res, nil).WithDetail("archive_address", addr)
		rec.Message = "epoch " + id + " published"
		return rec
	})
}

// runFetchCmd restores a published epoch into --dest.
func runFetchCmd(args []string, stdout, stderr io.Writer) int {
	var (
		g    globalFlags
		addr string
		dest string
	)
	fs := newFlagSet("fetch", &g, stderr)
	fs.StringVar(&addr, "address", "", "publication address (required)")
	fs.StringVar(&dest, "dest", "", "destination directory (required)")
	if ok, code := parse(fs, args); !ok {
		return code
	}
	if addr == "" || dest == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --address and --dest are required")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, code := setup(ctx, "fetch", g, stdout, stderr)
	if e == nil {
		return code
	}
	return e.stage(ctx, "fetch", "", func(ctx context.Context) conform.StatusRecord {
		store, err := archive.NewStore(ctx, e.cfg.Root, e.cfg.Archive)
		if err != nil {
			return conform.RecordFor("fetch", err)
		}
		pub, err := archive.Fetch(ctx, store, addr, dest)
		if err != nil {
			return conform.RecordFor("fetch", err)
		}
		return conform.Pass("fetch", fmt.Sprintf("epoch %s restored (%d objects)", pub.EpochID, len(pub.Objects))).
			WithDetail("epoch_id", pub.EpochID).
			WithDetail("canonical_fingerprint", pub.Fingerprint)
	})
}
