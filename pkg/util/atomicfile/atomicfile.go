// Package atomicfile writes files so that a concurrent reader never
// observes a partial write: data goes to a temp file in the target
// directory, is synced, then renamed over the destination.
package atomicfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteFile writes data to path atomically.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	p, err := Stage(path, data, perm)
	if err != nil {
		return err
	}
	return p.Commit()
}

// Pending is a staged write that has not replaced its destination yet.
type Pending struct {
	Path string
	tmp  string
	done bool
}

// Stage writes data to a temp file next to path and returns the pending
// write. Nothing at path changes until Commit.
func Stage(path string, data []byte, perm os.FileMode) (*Pending, error) {
	dir := filepath.Dir(path)
	//nolint:gosec // G301: evidence directories are shared read-only trees
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmp := f.Name()
	cleanup := func(cause error) (*Pending, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nil, cause
	}
	if _, err := f.Write(data); err != nil {
		return cleanup(fmt.Errorf("write temp for %s: %w", path, err))
	}
	if err := f.Sync(); err != nil {
		return cleanup(fmt.Errorf("sync temp for %s: %w", path, err))
	}
	if err := f.Chmod(perm); err != nil {
		return cleanup(fmt.Errorf("chmod temp for %s: %w", path, err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("close temp for %s: %w", path, err)
	}
	return &Pending{Path: path, tmp: tmp}, nil
}

// Commit renames the temp file over the destination and syncs the
// directory.
func (p *Pending) Commit() error {
	if p.done {
		return errors.New("atomicfile: pending write already finished")
	}
	p.done = true
	if err := os.Rename(p.tmp, p.Path); err != nil {
		_ = os.Remove(p.tmp)
		return fmt.Errorf("rename %s: %w", p.Path, err)
	}
	return syncDir(filepath.Dir(p.Path))
}

// Discard removes the temp file. Safe to call after Commit.
func (p *Pending) Discard() {
	if p.done {
		return
	}
	p.done = true
	_ = os.Remove(p.tmp)
}

// CommitAll commits pending in order. When one commit fails, the
// destinations already replaced get their previous content back (or are
// removed if they did not exist) and the remaining writes are discarded.
func CommitAll(pending []*Pending) error {
	backups := make([]backup, 0, len(pending))
	for _, p := range pending {
		b, err := takeBackup(p.Path)
		if err != nil {
			discardAll(pending)
			return err
		}
		backups = append(backups, b)
	}
	for i, p := range pending {
		if err := p.Commit(); err != nil {
			discardAll(pending[i+1:])
			return errors.Join(err, restore(backups[:i]))
		}
	}
	return nil
}

type backup struct {
	path   string
	data   []byte
	perm   os.FileMode
	exists bool
}

func takeBackup(path string) (backup, error) {
	b := backup{path: path}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return b, nil
		}
		return b, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return b, nil
	}
	if b.data, err = os.ReadFile(path); err != nil {
		return b, fmt.Errorf("back up %s: %w", path, err)
	}
	b.perm, b.exists = info.Mode().Perm(), true
	return b, nil
}

func restore(backups []backup) error {
	var errs []error
	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		if b.exists {
			errs = append(errs, WriteFile(b.path, b.data, b.perm))
			continue
		}
		if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("roll back %s: %w", b.path, err))
		}
	}
	return errors.Join(errs...)
}

func discardAll(pending []*Pending) {
	for _, p := range pending {
		p.Discard()
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer func() { _ = d.Close() }()
	// Some filesystems reject fsync on directories; the rename is already
	// visible, so that is not an error.
	_ = d.Sync()
	return nil
}
