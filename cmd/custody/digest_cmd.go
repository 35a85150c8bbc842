package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// runDigestCmd prints the raw and normalized digests of each file, using
// the configured canonicalizer. Paths are relative to the working directory.
func runDigestCmd(args []string, stdout, stderr io.Writer) int {
	var (
		g     globalFlags
		runID string
	)
	fs := newFlagSet("digest", &g, stderr)
	fs.StringVar(&runID, "run-id", evidenceRunID, "run id whose token replaces volatile markers")
	if ok, code := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: custody digest [flags] <file>...")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, code := setup(ctx, "digest", g, stdout, stderr)
	if e == nil {
		return code
	}
	return e.stage(ctx, "digest", "", func(context.Context) conform.StatusRecord {
		rc, err := conform.NewRunContext(runID, "")
		if err != nil {
			return conform.RecordFor("digest", err)
		}
		n, err := e.normalizer()
		if err != nil {
			return conform.RecordFor("digest", err)
		}
		digests := make(map[string]canonicalize.Digests, fs.NArg())
		volatile := 0
		for _, p := range fs.Args() {
			raw, err := os.ReadFile(p)
			if err != nil {
				if os.IsNotExist(err) {
					return conform.RecordFor("digest", conform.Wrap(conform.ReasonMissingFile, err, "%s", p))
				}
				return conform.RecordFor("digest", err)
			}
			a, err := n.Digest(filepath.ToSlash(p), raw, rc)
			if err != nil {
				return conform.RecordFor("digest", err)
			}
			if a.Volatile() {
				volatile++
			}
			digests[a.Path] = canonicalize.ComputeDigests(a)
		}
		return conform.Pass("digest", fmt.Sprintf("%d files digested, %d with volatile content", len(digests), volatile)).
			WithDetail("digests", digests)
	})
}
