//go:build !unix

package epoch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// Lease is an exclusive lock file on one epoch directory. Platforms without
// flock get exclusive create semantics; shared leases are not distinguished.
type Lease struct {
	path string
}

func Acquire(dir string, exclusive bool) (*Lease, error) {
	p := filepath.Join(dir, LeaseFile+".held")
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, conform.Newf(conform.ReasonEpochLocked, "epoch %s is held by another process", filepath.Base(dir))
		}
		return nil, err
	}
	f.Close()
	return &Lease{path: p}, nil
}

func (l *Lease) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	defer func() { l.path = "" }()
	return os.Remove(l.path)
}
