package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/util/atomicfile"
)

const (
	KillLockFile = "KILL_LOCK.json"
	StateFile    = "REPLAY_STATE.json"
)

// KillLock is the persistent failure marker. While it exists every mutating
// or verifying command refuses to run; only a fully passing replay removes it.
type KillLock struct {
	FailureClass        string    `json:"failure_class"`
	Stage               string    `json:"stage"`
	InvocationID        string    `json:"invocation_id"`
	RunFingerprints     []string  `json:"run_fingerprints"`
	WorkRoots           []string  `json:"work_roots"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CreatedAt           time.Time `json:"created_at"`
}

// KillLockPath returns the lock location inside dir.
func KillLockPath(dir string) string { return filepath.Join(dir, KillLockFile) }

// ReadKillLock returns the active lock in dir, or nil when there is none.
func ReadKillLock(dir string) (*KillLock, error) {
	data, err := os.ReadFile(KillLockPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var lock KillLock
	if err := json.Unmarshal(data, &lock); err != nil {
		// An unreadable lock is still a lock.
		return &KillLock{FailureClass: conform.ReasonMalformedInput}, fmt.Errorf("corrupt kill lock: %w", err)
	}
	return &lock, nil
}

func writeKillLock(dir string, lock *KillLock) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kill lock: %w", err)
	}
	return atomicfile.WriteFile(KillLockPath(dir), append(data, '\n'), 0o644)
}

func clearKillLock(dir string) (bool, error) {
	err := os.Remove(KillLockPath(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// LockGate blocks mutating and verifying operations while a kill lock exists.
type LockGate struct {
	Dir string
}

// Check returns a KillLockActive error when a lock is present.
func (g LockGate) Check() error {
	lock, err := ReadKillLock(g.Dir)
	if lock == nil && err != nil {
		return err
	}
	if lock == nil {
		return nil
	}
	return conform.Newf(conform.ReasonKillLockActive,
		"kill lock %s (%s, stage %s, invocation %s)", KillLockPath(g.Dir), lock.FailureClass, lock.Stage, lock.InvocationID)
}

// history counts consecutive execution-level failures across invocations.
type history struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastState           State  `json:"last_state"`
	LastInvocation      string `json:"last_invocation"`
}

func readHistory(dir string) (history, error) {
	var h history
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return h, nil
		}
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("corrupt replay state: %w", err)
	}
	return h, nil
}

func writeHistory(dir string, h history) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(filepath.Join(dir, StateFile), append(data, '\n'), 0o644)
}
