// Package fsnap enforces read-only execution by snapshotting a directory
// tree before and after a function runs and diffing the two.
//
// Paths the caller owns are passed explicitly as an AllowList; every other
// addition, removal or modification is a ReadOnlyViolation.
package fsnap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// domainKey separates snapshot hashes from any other BLAKE3 use.
var domainKey = []byte("custody.fsnap.content.v1........")

// Entry is the recorded state of one regular file.
type Entry struct {
	Size int64
	Mode fs.FileMode
	Hash [32]byte
}

// Snapshot maps slash-separated relative paths to their state.
type Snapshot map[string]Entry

// Take snapshots every regular file and symlink under root.
func Take(root string) (Snapshot, error) {
	snap := Snapshot{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		e := Entry{Size: info.Size(), Mode: info.Mode()}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			e.Hash, err = hashReader(strings.NewReader(target))
			if err != nil {
				return err
			}
		} else {
			e.Hash, err = hashFile(p)
			if err != nil {
				return err
			}
		}
		snap[filepath.ToSlash(rel)] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fsnap: snapshot %s: %w", root, err)
	}
	return snap, nil
}

func hashFile(p string) ([32]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return [32]byte{}, err
	}
	defer f.Close()
	return hashReader(f)
}

func hashReader(r io.Reader) ([32]byte, error) {
	var out [32]byte
	hasher, err := blake3.NewKeyed(domainKey)
	if err != nil {
		return out, err
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return out, err
	}
	copy(out[:], hasher.Sum(nil))
	return out, nil
}

// ChangeKind classifies a difference between two snapshots.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Removed  ChangeKind = "removed"
	Modified ChangeKind = "modified"
)

// Change is one path that differs between snapshots.
type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

func (c Change) String() string { return string(c.Kind) + " " + c.Path }

// Diff lists every path that differs between before and after, sorted.
func Diff(before, after Snapshot) []Change {
	var changes []Change
	for p, b := range before {
		a, ok := after[p]
		switch {
		case !ok:
			changes = append(changes, Change{Path: p, Kind: Removed})
		case a != b:
			changes = append(changes, Change{Path: p, Kind: Modified})
		}
	}
	for p := range after {
		if _, ok := before[p]; !ok {
			changes = append(changes, Change{Path: p, Kind: Added})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// AllowList names the paths a guarded function may mutate. Entries are
// path.Match patterns; an entry ending in "/" allows everything below it.
type AllowList []string

// Allows reports whether p may change.
func (a AllowList) Allows(p string) bool {
	for _, pattern := range a {
		if strings.HasSuffix(pattern, "/") {
			if strings.HasPrefix(p, pattern) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// Violations filters changes down to those not covered by the allow-list.
func (a AllowList) Violations(changes []Change) []Change {
	var out []Change
	for _, c := range changes {
		if !a.Allows(c.Path) {
			out = append(out, c)
		}
	}
	return out
}

// Guard runs fn between two snapshots of root. Any change outside allow is
// reported as a ReadOnlyViolation, joined with fn's own error if it failed.
func Guard(ctx context.Context, root string, allow AllowList, fn func(context.Context) error) error {
	before, err := Take(root)
	if err != nil {
		return err
	}
	runErr := fn(ctx)
	after, err := Take(root)
	if err != nil {
		return errors.Join(runErr, err)
	}

	violations := allow.Violations(Diff(before, after))
	if len(violations) == 0 {
		return runErr
	}
	names := make([]string, len(violations))
	for i, v := range violations {
		names[i] = v.String()
	}
	violation := conform.Newf(conform.ReasonReadOnlyViolation,
		"read-only run mutated %d path(s): %s", len(violations), strings.Join(names, ", "))
	return errors.Join(violation, runErr)
}
