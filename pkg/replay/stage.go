package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/epoch"
)

// RunSpec describes one repetition of a stage.
type RunSpec struct {
	Index        int
	InvocationID string
	WorkRoot     string
}

// Stage is one pipeline stage that yields a canonical fingerprint.
type Stage interface {
	Name() string
	Run(ctx context.Context, spec RunSpec) (fingerprint string, err error)
}

// PipelineStage recomputes an epoch fingerprint in process, read-only.
type PipelineStage struct {
	Binder  *epoch.Binder
	EpochID string
}

func (s *PipelineStage) Name() string { return "epoch:" + s.EpochID }

func (s *PipelineStage) Run(ctx context.Context, _ RunSpec) (string, error) {
	st, err := s.Binder.Compute(ctx, s.EpochID)
	if err != nil {
		return "", err
	}
	return st.Fingerprint, nil
}

// WorkRootEnv names the per-run scratch directory passed to commands.
const WorkRootEnv = "CUSTODY_WORK_ROOT"

var fingerprintLine = regexp.MustCompile(`^canonical_fingerprint: ([0-9a-f]{64})\s*$`)

// CommandStage runs an external command once per repetition. The command
// must print "canonical_fingerprint: <hex>" on stdout; the last such line
// wins. Each run gets its own work root in CUSTODY_WORK_ROOT.
type CommandStage struct {
	Label string
	Argv  []string
	Dir   string
	Env   []string
}

func (s *CommandStage) Name() string { return s.Label }

func (s *CommandStage) Run(ctx context.Context, spec RunSpec) (string, error) {
	if len(s.Argv) == 0 {
		return "", conform.Newf(conform.ReasonConfigInvalid, "stage %s has no command", s.Label)
	}
	//nolint:gosec // G204: the command comes from operator configuration
	cmd := exec.CommandContext(ctx, s.Argv[0], s.Argv[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(append(os.Environ(), s.Env...),
		WorkRootEnv+"="+spec.WorkRoot,
		"CUSTODY_RUN_INDEX="+strconv.Itoa(spec.Index),
		"CUSTODY_INVOCATION_ID="+spec.InvocationID,
	)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", conform.Wrap(conform.ReasonExecutionFailure, err, "%s run %d: %s", s.Label, spec.Index, tail(stderr.Bytes()))
	}

	fp := ""
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		if m := fingerprintLine.FindStringSubmatch(sc.Text()); m != nil {
			fp = m[1]
		}
	}
	if fp == "" {
		return "", conform.Newf(conform.ReasonExecutionFailure, "%s run %d printed no canonical_fingerprint line", s.Label, spec.Index)
	}
	return fp, nil
}

func tail(b []byte) string {
	const max = 512
	b = bytes.TrimSpace(b)
	if len(b) > max {
		b = b[len(b)-max:]
	}
	if len(b) == 0 {
		return "no stderr"
	}
	return string(b)
}

// classify maps a run error to its failure class. Timeouts are their own
// class; everything else that stops a run is an execution failure.
func classify(runCtx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return conform.ReasonTimeoutFailure
	}
	return conform.ReasonExecutionFailure
}

func runError(stage string, idx int, err error) string {
	return fmt.Sprintf("%s run %d: %v", stage, idx, err)
}
