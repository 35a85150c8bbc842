package canonicalize

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// Scope is a resolved, ASCII-ordered set of artifact paths relative to a root.
type Scope struct {
	Paths   []string
	Missing []string
}

// ResolveScope expands scope entries against root. Entries containing glob
// metacharacters are expanded with filepath.Glob; literal entries that do not
// exist are reported in Missing. Excluded paths never appear in either list.
// Both lists are sorted byte-wise and deduplicated.
func ResolveScope(root string, entries []string, exclude ...string) (Scope, error) {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[filepath.ToSlash(filepath.Clean(e))] = true
	}

	present := map[string]bool{}
	missing := map[string]bool{}
	for _, entry := range entries {
		rel := filepath.ToSlash(filepath.Clean(entry))
		if strings.HasPrefix(rel, "../") || filepath.IsAbs(entry) {
			return Scope{}, conform.Newf(conform.ReasonConfigInvalid, "scope entry %q escapes the artifact root", entry)
		}
		if strings.ContainsAny(rel, "*?[") {
			matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return Scope{}, conform.Wrap(conform.ReasonConfigInvalid, err, "scope pattern %q", entry)
			}
			for _, m := range matches {
				if info, err := os.Stat(m); err != nil || info.IsDir() {
					continue
				}
				r, err := filepath.Rel(root, m)
				if err != nil {
					return Scope{}, err
				}
				if r = filepath.ToSlash(r); !skip[r] {
					present[r] = true
				}
			}
			continue
		}
		if skip[rel] {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				missing[rel] = true
				continue
			}
			return Scope{}, err
		}
		present[rel] = true
	}
	return Scope{Paths: sortedKeys(present), Missing: sortedKeys(missing)}, nil
}

// ScopeManifestHash is the SHA-256 of the newline-terminated, ASCII-ordered
// path list. It pins which files a chain or anchor covered.
func ScopeManifestHash(paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	var b strings.Builder
	for _, p := range sorted {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return HashString(b.String())
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
