// Package archive publishes sealed epochs to content-addressed storage.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/util/atomicfile"
)

// ErrNotFound is returned by Get for an address the store does not hold.
var ErrNotFound = errors.New("archive: object not found")

// Store is a content-addressed blob store. Addresses have the form
// "sha256:<hex>" over the stored bytes.
type Store interface {
	// Put persists data and returns its address. Putting the same bytes
	// twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Exists(ctx context.Context, addr string) (bool, error)
}

const addrPrefix = "sha256:"

// Address returns the content address of data.
func Address(data []byte) string {
	return addrPrefix + canonicalize.HashBytes(data)
}

var errBadAddress = errors.New("archive: invalid address")

// parseAddress returns the hex digest of addr.
func parseAddress(addr string) (string, error) {
	raw, ok := strings.CutPrefix(addr, addrPrefix)
	if !ok {
		return "", fmt.Errorf("%w: format %s", errBadAddress, addr)
	}
	if len(raw) != 64 {
		return "", fmt.Errorf("%w: length %s", errBadAddress, addr)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %w", errBadAddress, err)
	}
	return raw, nil
}

// FileStore keeps blobs as <hex>.blob files under a directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) blob(raw string) string {
	return filepath.Join(s.baseDir, raw+".blob")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	addr := Address(data)
	path := s.blob(strings.TrimPrefix(addr, addrPrefix))
	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return addr, nil
}

func (s *FileStore) Get(_ context.Context, addr string) ([]byte, error) {
	raw, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.blob(raw))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return data, err
}

func (s *FileStore) Exists(_ context.Context, addr string) (bool, error) {
	raw, err := parseAddress(addr)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.blob(raw))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
