package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/epoch"
)

func sealEpoch(t *testing.T, dir string) *epoch.Result {
	t.Helper()
	require.NoError(t, epoch.WriteManifest(filepath.Join(dir, "e-0001"), &epoch.Manifest{
		ID:       "e-0001",
		Bindings: map[string]string{"policy_hash": "p1"},
	}))
	report := "Generated 2026-03-01T10:00:00Z\n" + strings.Repeat("row: stable evidence line\n", 64)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "e-0001", "report.md"), []byte(report), 0o644))

	res, err := epoch.NewBinder(canonicalize.Default(), epoch.Options{Dir: dir}).Update(context.Background(), "e-0001")
	require.NoError(t, err)
	return res
}

func TestFileStorePutIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	addr, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, Address([]byte("hello")), addr)

	again, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	ok, err := s.Exists(ctx, addr)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := Address([]byte("absent"))
	ok, err = s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, missing)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "md5:abc")
	require.Error(t, err)
}

func TestPublishAndFetchRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "zstd"}[compress], func(t *testing.T) {
			ctx := context.Background()
			src := t.TempDir()
			res := sealEpoch(t, src)
			store, err := NewFileStore(t.TempDir())
			require.NoError(t, err)

			addr, pub, err := PublishEpoch(ctx, store, filepath.Join(src, "e-0001"), res, PublishOptions{Compress: compress})
			require.NoError(t, err)
			assert.Equal(t, res.Fingerprint, pub.Fingerprint)

			var paths []string
			for _, obj := range pub.Objects {
				paths = append(paths, obj.Path)
			}
			assert.Equal(t, []string{epoch.CloseoutFile, epoch.ManifestFile, epoch.SumsFile, epoch.VerdictFile, "report.md"}, paths)
			if compress {
				assert.Equal(t, EncodingZstd, findObject(t, pub, "report.md").Encoding)
			}

			dest := t.TempDir()
			fetched, err := Fetch(ctx, store, addr, filepath.Join(dest, "e-0001"))
			require.NoError(t, err)
			assert.Equal(t, pub, fetched)

			restored, err := epoch.NewBinder(canonicalize.Default(), epoch.Options{Dir: dest}).Verify(ctx, "e-0001")
			require.NoError(t, err)
			assert.Equal(t, res.Fingerprint, restored.Fingerprint)
		})
	}
}

func findObject(t *testing.T, pub *Publication, path string) Object {
	t.Helper()
	for _, obj := range pub.Objects {
		if obj.Path == path {
			return obj
		}
	}
	t.Fatalf("object %s not published", path)
	return Object{}
}

// swapStore serves a substitute blob for one address.
type swapStore struct {
	Store
	addr string
	blob []byte
}

func (s swapStore) Get(ctx context.Context, addr string) ([]byte, error) {
	if addr == s.addr {
		return s.blob, nil
	}
	return s.Store.Get(ctx, addr)
}

func TestFetchRejectsTamperedObject(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	res := sealEpoch(t, src)
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	addr, pub, err := PublishEpoch(ctx, store, filepath.Join(src, "e-0001"), res, PublishOptions{})
	require.NoError(t, err)

	tampered := swapStore{Store: store, addr: findObject(t, pub, "report.md").Address, blob: []byte("forged\n")}
	_, err = Fetch(ctx, tampered, addr, t.TempDir())
	require.ErrorIs(t, err, conform.ErrCanonicalMismatch)
	assert.Contains(t, err.Error(), "report.md")
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	s, err := NewStore(ctx, root, Config{})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", s)
	assert.Equal(t, filepath.Join(root, ".custody", "archive"), fs.baseDir)

	_, err = NewStore(ctx, root, Config{Type: StoreTypeS3})
	require.ErrorIs(t, err, conform.ErrConfigInvalid)

	_, err = NewStore(ctx, root, Config{Type: "tape"})
	require.ErrorIs(t, err, conform.ErrConfigInvalid)
}
