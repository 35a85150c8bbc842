//go:build unix

package epoch

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// Lease is an advisory lock on one epoch directory. Exclusive leases are
// held by update; shared leases by verify.
type Lease struct {
	f *os.File
}

// Acquire takes a non-blocking flock on dir/.lock. A held conflicting lease
// fails immediately with EpochLocked.
func Acquire(dir string, exclusive bool) (*Lease, error) {
	f, err := os.OpenFile(filepath.Join(dir, LeaseFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, conform.Newf(conform.ReasonEpochLocked, "epoch %s is held by another process", filepath.Base(dir))
		}
		return nil, err
	}
	return &Lease{f: f}, nil
}

// Release drops the lock. The lock file itself stays in place.
func (l *Lease) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() { l.f = nil }()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
