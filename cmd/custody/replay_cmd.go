package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/epoch"
	"github.com/Mindburn-Labs/custody/pkg/replay"
)

// runReplayCmd implements `custody replay`.
//
//	custody replay --stage epoch --epoch e-0002 [--seal]
//	custody replay --stage command [--label build] [-- argv...]
//
// The command stage runs argv (or replay.command from the config) once per
// repetition.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	var (
		g     globalFlags
		kind  string
		id    string
		seal  bool
		runs  int
		label string
	)
	fs := newFlagSet("replay", &g, stderr)
	fs.StringVar(&kind, "stage", "epoch", "stage to replay: epoch or command")
	fs.StringVar(&id, "epoch", "", "epoch id for --stage epoch")
	fs.BoolVar(&seal, "seal", false, "use the high-confidence run count")
	fs.IntVar(&runs, "runs", 0, "override the number of runs")
	fs.StringVar(&label, "label", "command", "name of the command stage")
	if ok, code := parse(fs, args); !ok {
		return code
	}
	if runs < 0 || runs == 1 {
		_, _ = fmt.Fprintln(stderr, "Error: --runs must be at least 2")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, code := setup(ctx, "replay", g, stdout, stderr)
	if e == nil {
		return code
	}

	var stage replay.Stage
	switch kind {
	case "epoch":
		if id == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --epoch is required for --stage epoch")
			return 2
		}
		n, err := e.normalizer()
		if err != nil {
			return e.finish(conform.RecordFor("replay", err), id)
		}
		opts := e.cfg.BinderOptions()
		// The in-process stage only reads; the kill lock must not stop the
		// replay that is meant to clear it.
		opts.Gates = nil
		stage = &replay.PipelineStage{Binder: epoch.NewBinder(n, opts), EpochID: id}
	case "command":
		argv := fs.Args()
		if len(argv) == 0 {
			argv = e.cfg.Replay.Command
		}
		if len(argv) == 0 {
			_, _ = fmt.Fprintln(stderr, "Error: no command given (pass it after -- or set replay.command)")
			return 2
		}
		stage = &replay.CommandStage{Label: label, Argv: argv, Dir: e.cfg.Root}
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown stage %q\n", kind)
		return 2
	}

	opts := e.cfg.ReplayOptions(seal)
	if runs > 0 {
		opts.Runs = runs
	}
	return e.stage(ctx, "replay", id, func(ctx context.Context) conform.StatusRecord {
		res, err := replay.NewVerifier(opts).Verify(ctx, stage)
		return replayRecord(res, err)
	})
}

func replayRecord(res *replay.Result, err error) conform.StatusRecord {
	rec := conform.RecordFor("replay", err)
	if res == nil {
		return rec
	}
	if err == nil {
		rec.Message = fmt.Sprintf("%d runs of %s matched", len(res.Runs), res.Stage)
	}
	fps := make([]string, 0, len(res.Runs))
	for _, r := range res.Runs {
		if r.Succeeded {
			fps = append(fps, r.Fingerprint)
		} else {
			fps = append(fps, "<"+strings.ToLower(r.FailureClass)+">")
		}
	}
	return rec.
		WithDetail("state", string(res.State)).
		WithDetail("invocation_id", res.InvocationID).
		WithDetail("run_fingerprints", fps).
		WithDetail("consecutive_failures", res.ConsecutiveFailures).
		WithDetail("lock_was_active", res.LockWasActive).
		WithDetail("lock_written", res.LockWritten).
		WithDetail("lock_cleared", res.LockCleared)
}
