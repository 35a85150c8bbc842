// Command purecheck keeps the digest path free of I/O-at-a-distance.
//
// Packages that compute canonical digests, chain hashes, Merkle roots and
// epoch fingerprints must produce the same bytes on every host. They may
// read files but must not reach the network, spawn processes, read the
// clock through a telemetry stack, or draw randomness.
//
// Usage:
//
//	go run ./tools/purecheck [-root <module-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// purePackages are checked, relative to the module root.
var purePackages = []string{
	"pkg/canonicalize",
	"pkg/receipts",
	"pkg/merkle",
	"pkg/conform",
}

// forbidden imports. An entry matches itself and its subpackages; an
// entry ending in "/" is a plain prefix.
var forbidden = []string{
	"math/rand",
	"crypto/rand",
	"net",
	"os/exec",
	"database/sql",
	"go.opentelemetry.io/",
	"github.com/aws/",
	"cloud.google.com/",
	"github.com/Mindburn-Labs/custody/pkg/replay",
	"github.com/Mindburn-Labs/custody/pkg/ledger",
	"github.com/Mindburn-Labs/custody/pkg/archive",
}

// Violation is one forbidden import.
type Violation struct {
	File   string
	Line   int
	Import string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q", v.File, v.Line, v.Import)
}

func main() {
	root := flag.String("root", ".", "module root directory")
	flag.Parse()

	violations, err := check(*root, purePackages)
	if err != nil {
		fmt.Fprintf(os.Stderr, "purecheck: %v\n", err)
		os.Exit(2)
	}
	for _, v := range violations {
		fmt.Println("PURITY VIOLATION:", v)
	}
	if len(violations) > 0 {
		fmt.Printf("%d violation(s)\n", len(violations))
		os.Exit(1)
	}
	fmt.Println("purecheck passed")
}

func check(root string, pkgs []string) ([]Violation, error) {
	var out []Violation
	fset := token.NewFileSet()
	for _, pkg := range pkgs {
		dir := filepath.Join(root, filepath.FromSlash(pkg))
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return err
			}
			for _, imp := range f.Imports {
				ip := strings.Trim(imp.Path.Value, `"`)
				if isForbidden(ip) {
					rel, _ := filepath.Rel(root, path)
					out = append(out, Violation{File: filepath.ToSlash(rel), Line: fset.Position(imp.Pos()).Line, Import: ip})
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func isForbidden(ip string) bool {
	for _, f := range forbidden {
		if strings.HasSuffix(f, "/") {
			if strings.HasPrefix(ip, f) {
				return true
			}
			continue
		}
		if ip == f || strings.HasPrefix(ip, f+"/") {
			return true
		}
	}
	return false
}
