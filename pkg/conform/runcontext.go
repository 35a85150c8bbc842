package conform

import (
	"fmt"
	"regexp"
	"time"
)

// RunContext is threaded explicitly through every custody operation.
// Nothing reads a run identifier or a clock from package state.
type RunContext struct {
	// ID is the deterministic run identifier. It becomes the run token
	// that replaces volatile markers, so it must be identical across
	// replay runs of the same inputs.
	ID string
	// SourceEpoch names the epoch whose evidence is being processed.
	SourceEpoch string
	// ClockOverride pins Now for tests and replays. Nil means wall clock.
	ClockOverride func() time.Time
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// NewRunContext validates id and returns a RunContext.
func NewRunContext(id, sourceEpoch string) (RunContext, error) {
	if !runIDPattern.MatchString(id) {
		return RunContext{}, Newf(ReasonConfigInvalid, "run id %q must match %s", id, runIDPattern)
	}
	return RunContext{ID: id, SourceEpoch: sourceEpoch}, nil
}

// Token is the replacement for volatile markers.
func (rc RunContext) Token() string {
	if rc.ID == "" {
		return "RUN"
	}
	return "RUN-" + rc.ID
}

// Now returns the overridden time when set, otherwise the UTC wall clock.
// Callers use it only for volatile fields (sealed_at, lock timestamps).
func (rc RunContext) Now() time.Time {
	if rc.ClockOverride != nil {
		return rc.ClockOverride().UTC()
	}
	return time.Now().UTC()
}

// WithClock returns a copy with a pinned clock.
func (rc RunContext) WithClock(clock func() time.Time) RunContext {
	rc.ClockOverride = clock
	return rc
}

func (rc RunContext) String() string {
	return fmt.Sprintf("run=%s epoch=%s", rc.ID, rc.SourceEpoch)
}
