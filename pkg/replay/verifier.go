// Package replay runs a pipeline stage repeatedly and demands bit-identical
// canonical fingerprints.
//
// Every invocation ends in exactly one of three states. A full match clears
// any kill lock; a mismatch, or a second consecutive execution failure,
// writes one. Commands that mutate evidence consult the lock through
// LockGate and refuse to run while it exists.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// State is the outcome of one replay invocation.
type State string

const (
	StateRunning             State = "RUNNING"
	StateAllPassMatch        State = "ALL_PASS_MATCH"
	StateAllPassMismatch     State = "ALL_PASS_MISMATCH"
	StateAnyExecutionFailure State = "ANY_EXECUTION_FAILURE"
)

const (
	DefaultRuns     = 2
	DefaultSealRuns = 3
	// escalateAfter consecutive execution failures write a kill lock.
	escalateAfter = 2
)

// Run is one repetition of the stage.
type Run struct {
	Index        int    `json:"run_index"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Succeeded    bool   `json:"succeeded"`
	FailureClass string `json:"failure_class,omitempty"`
	Error        string `json:"error,omitempty"`
	WorkRoot     string `json:"work_root"`
}

// Result is the outcome of Verify.
type Result struct {
	Stage               string `json:"stage"`
	InvocationID        string `json:"invocation_id"`
	State               State  `json:"state"`
	Runs                []Run  `json:"runs"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LockWasActive       bool   `json:"lock_was_active"`
	LockWritten         bool   `json:"lock_written"`
	LockCleared         bool   `json:"lock_cleared"`
}

// Options configures a Verifier.
type Options struct {
	// Runs is the number of repetitions. Zero means DefaultRuns.
	Runs int
	// Timeout bounds each run. Zero means no bound beyond ctx.
	Timeout time.Duration
	// LockDir holds the kill lock and the replay state file.
	LockDir string
	// WorkDir is the parent of per-run work roots. Empty means os.TempDir.
	WorkDir string
	// Clock stamps kill locks. Nil means time.Now.
	Clock func() time.Time
}

// Verifier runs determinism replays.
type Verifier struct {
	opts   Options
	logger *slog.Logger
}

func NewVerifier(opts Options) *Verifier {
	if opts.Runs <= 0 {
		opts.Runs = DefaultRuns
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Verifier{opts: opts, logger: slog.Default().With("component", "replay")}
}

// Verify runs stage Runs times in sequence and classifies the outcome. The
// returned error is nil only for ALL_PASS_MATCH; otherwise it carries
// DeterminismMismatch, ExecutionFailure or TimeoutFailure. Cancelling ctx
// aborts without touching the kill lock or the failure count.
func (v *Verifier) Verify(ctx context.Context, stage Stage) (*Result, error) {
	if err := os.MkdirAll(v.opts.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	prior, lockErr := ReadKillLock(v.opts.LockDir)
	if lockErr != nil {
		v.logger.WarnContext(ctx, "replay: kill lock unreadable, treating as active", "error", lockErr)
	}
	hist, err := readHistory(v.opts.LockDir)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Stage:         stage.Name(),
		InvocationID:  uuid.NewString(),
		State:         StateRunning,
		LockWasActive: prior != nil,
	}
	if prior != nil {
		v.logger.WarnContext(ctx, "replay: kill lock active, a full pass will clear it",
			"failure_class", prior.FailureClass, "locked_by", prior.InvocationID)
	}

	for i := 0; i < v.opts.Runs; i++ {
		run, err := v.runOnce(ctx, stage, res.InvocationID, i)
		if err != nil {
			return nil, err
		}
		res.Runs = append(res.Runs, run)
	}

	res.State = classifyRuns(res.Runs)
	var outcome error
	switch res.State {
	case StateAllPassMatch:
		hist.ConsecutiveFailures = 0
		cleared, err := clearKillLock(v.opts.LockDir)
		if err != nil {
			return nil, fmt.Errorf("clear kill lock: %w", err)
		}
		res.LockCleared = cleared
		for _, r := range res.Runs {
			_ = os.RemoveAll(r.WorkRoot)
		}
		_ = os.Remove(filepath.Join(v.opts.WorkDir, res.InvocationID))

	case StateAllPassMismatch:
		hist.ConsecutiveFailures = 0
		outcome = conform.Newf(conform.ReasonDeterminismMismatch,
			"%s: %d runs succeeded with differing fingerprints %s", stage.Name(), len(res.Runs), strings.Join(fingerprints(res.Runs), ", "))
		res.LockWritten = true

	case StateAnyExecutionFailure:
		hist.ConsecutiveFailures++
		class := conform.ReasonExecutionFailure
		var msgs []string
		for _, r := range res.Runs {
			if r.Succeeded {
				continue
			}
			if r.FailureClass == conform.ReasonTimeoutFailure {
				class = conform.ReasonTimeoutFailure
			}
			msgs = append(msgs, r.Error)
		}
		outcome = conform.Newf(class, "%s", strings.Join(msgs, "; "))
		res.LockWritten = hist.ConsecutiveFailures >= escalateAfter
	}
	res.ConsecutiveFailures = hist.ConsecutiveFailures

	if res.LockWritten {
		lock := &KillLock{
			FailureClass:        conform.CodeOf(outcome),
			Stage:               stage.Name(),
			InvocationID:        res.InvocationID,
			RunFingerprints:     fingerprints(res.Runs),
			ConsecutiveFailures: hist.ConsecutiveFailures,
			CreatedAt:           v.opts.Clock().UTC(),
		}
		for _, r := range res.Runs {
			lock.WorkRoots = append(lock.WorkRoots, r.WorkRoot)
		}
		if err := writeKillLock(v.opts.LockDir, lock); err != nil {
			return nil, errors.Join(outcome, fmt.Errorf("write kill lock: %w", err))
		}
		v.logger.ErrorContext(ctx, "replay: kill lock written",
			"stage", stage.Name(), "failure_class", lock.FailureClass, "invocation", res.InvocationID)
	}

	hist.LastState = res.State
	hist.LastInvocation = res.InvocationID
	if err := writeHistory(v.opts.LockDir, hist); err != nil {
		return nil, errors.Join(outcome, fmt.Errorf("write replay state: %w", err))
	}

	v.logger.InfoContext(ctx, "replay finished",
		"stage", stage.Name(), "state", res.State, "runs", len(res.Runs), "consecutive_failures", hist.ConsecutiveFailures)
	return res, outcome
}

func (v *Verifier) runOnce(ctx context.Context, stage Stage, invocation string, idx int) (Run, error) {
	spec := RunSpec{
		Index:        idx,
		InvocationID: invocation,
		WorkRoot:     filepath.Join(v.opts.WorkDir, invocation, fmt.Sprintf("run-%d", idx)),
	}
	run := Run{Index: idx, WorkRoot: spec.WorkRoot}
	if err := os.MkdirAll(spec.WorkRoot, 0o755); err != nil {
		return run, fmt.Errorf("create work root: %w", err)
	}

	runCtx := ctx
	cancel := func() {}
	if v.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, v.opts.Timeout)
	}
	defer cancel()

	fp, err := stage.Run(runCtx, spec)
	if ctx.Err() != nil {
		return run, ctx.Err()
	}
	if err != nil {
		run.FailureClass = classify(runCtx, err)
		run.Error = runError(stage.Name(), idx, err)
		v.logger.WarnContext(ctx, "replay run failed", "stage", stage.Name(), "run", idx, "failure_class", run.FailureClass, "error", err)
		return run, nil
	}
	run.Succeeded = true
	run.Fingerprint = fp
	return run, nil
}

func classifyRuns(runs []Run) State {
	for _, r := range runs {
		if !r.Succeeded {
			return StateAnyExecutionFailure
		}
	}
	for _, r := range runs[1:] {
		if r.Fingerprint != runs[0].Fingerprint {
			return StateAllPassMismatch
		}
	}
	return StateAllPassMatch
}

func fingerprints(runs []Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.Fingerprint
	}
	return out
}
