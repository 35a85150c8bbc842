package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/epoch"
	"github.com/Mindburn-Labs/custody/pkg/util/atomicfile"
)

var logger = slog.Default().With("component", "archive")

// PublicationFormat is the format version of publication manifests.
const PublicationFormat = "1.0.0"

// Object is one file of a published epoch.
type Object struct {
	Path     string `json:"path"`
	Address  string `json:"address"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding,omitempty"`
}

// Publication is the manifest stored alongside a published epoch. Its own
// address is the handle returned by PublishEpoch.
type Publication struct {
	FormatVersion string   `json:"format_version"`
	EpochID       string   `json:"epoch_id"`
	Prior         string   `json:"prior_epoch,omitempty"`
	Fingerprint   string   `json:"canonical_fingerprint"`
	MerkleRoot    string   `json:"merkle_root"`
	Objects       []Object `json:"objects"`
}

// PublishOptions tunes PublishEpoch.
type PublishOptions struct {
	Compress    bool
	Concurrency int // default 4
}

// PublishEpoch uploads every file of a verified epoch directory and then
// its publication manifest. res must come from a successful verify of the
// same directory.
func PublishEpoch(ctx context.Context, store Store, dir string, res *epoch.Result, opts PublishOptions) (string, *Publication, error) {
	files, err := listFiles(dir)
	if err != nil {
		return "", nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	objects := make([]Object, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, rel := range files {
		i, rel := i, rel
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			obj := Object{Path: rel, SHA256: canonicalize.HashBytes(data), Size: int64(len(data))}
			blob := data
			if opts.Compress {
				blob, obj.Encoding = encode(data)
			}
			if obj.Address, err = store.Put(gctx, blob); err != nil {
				return fmt.Errorf("publish %s: %w", rel, err)
			}
			objects[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}

	pub := &Publication{
		FormatVersion: PublicationFormat,
		EpochID:       res.ID,
		Prior:         res.Prior,
		Fingerprint:   res.Fingerprint,
		MerkleRoot:    res.MerkleRoot,
		Objects:       objects,
	}
	manifest, err := canonicalize.JCS(pub)
	if err != nil {
		return "", nil, err
	}
	addr, err := store.Put(ctx, manifest)
	if err != nil {
		return "", nil, fmt.Errorf("publish manifest: %w", err)
	}
	logger.InfoContext(ctx, "epoch published", "epoch", res.ID, "objects", len(objects), "address", addr)
	return addr, pub, nil
}

// Fetch restores a published epoch into dest and checks every object
// against its recorded digest.
func Fetch(ctx context.Context, store Store, addr, dest string) (*Publication, error) {
	data, err := store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if Address(data) != addr {
		return nil, conform.Newf(conform.ReasonCanonicalMismatch, "publication manifest does not match address %s", addr)
	}
	var pub Publication
	if err := json.Unmarshal(data, &pub); err != nil {
		return nil, conform.Wrap(conform.ReasonMalformedInput, err, "publication manifest %s", addr)
	}

	for _, obj := range pub.Objects {
		clean := path.Clean(obj.Path)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, conform.Newf(conform.ReasonMalformedInput, "publication object path %q escapes destination", obj.Path)
		}
		blob, err := store.Get(ctx, obj.Address)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", obj.Path, err)
		}
		content, err := decode(blob, obj.Encoding, obj.Size)
		if err != nil {
			return nil, conform.Wrap(conform.ReasonMalformedInput, err, "%s", obj.Path)
		}
		if got := canonicalize.HashBytes(content); got != obj.SHA256 {
			return nil, conform.Newf(conform.ReasonCanonicalMismatch, "%s: archived digest %s, content %s", obj.Path, obj.SHA256[:12], got[:12])
		}
		if err := atomicfile.WriteFile(filepath.Join(dest, filepath.FromSlash(clean)), content, 0o644); err != nil {
			return nil, err
		}
	}
	return &pub, nil
}

// listFiles returns the sorted slash paths of every non-hidden regular file
// under dir.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list epoch %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
