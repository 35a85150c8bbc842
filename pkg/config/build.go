package config

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/epoch"
	"github.com/Mindburn-Labs/custody/pkg/fsnap"
	"github.com/Mindburn-Labs/custody/pkg/replay"
)

// Normalizer builds the canonicalizer described by the config.
func (c *Config) Normalizer() (*canonicalize.Normalizer, error) {
	opts := canonicalize.Options{
		RunIDFields:     c.Canonicalize.RunIDFields,
		ForbiddenTokens: c.Canonicalize.ForbiddenTokens,
		RecordSchemas:   c.Canonicalize.Records,
	}
	for _, r := range c.Canonicalize.Rules {
		rule, err := canonicalize.NewRegexRule(r.Name, r.Pattern, r.Replace)
		if err != nil {
			return nil, conform.Wrap(conform.ReasonConfigInvalid, err, "rule %s", r.Name)
		}
		opts.ExtraRules = append(opts.ExtraRules, rule)
	}
	return canonicalize.New(opts)
}

// BinderOptions returns epoch options. Mutating commands are gated by the
// replay kill lock.
func (c *Config) BinderOptions() epoch.Options {
	return epoch.Options{
		Dir:              c.Path(c.Epoch.Dir),
		RequiredBindings: c.Epoch.RequiredBindings,
		MaxIterations:    c.Epoch.MaxFixpointIterations,
		CI:               c.CI,
		Gates:            []epoch.Gate{replay.LockGate{Dir: c.Path(c.Replay.LockDir)}},
	}
}

// ReplayOptions returns verifier options. seal selects SealRuns.
func (c *Config) ReplayOptions(seal bool) replay.Options {
	runs := c.Replay.Runs
	if seal {
		runs = c.Replay.SealRuns
	}
	return replay.Options{
		Runs:    runs,
		Timeout: time.Duration(c.Replay.Timeout),
		LockDir: c.Path(c.Replay.LockDir),
		WorkDir: c.Path(c.Replay.WorkDir),
	}
}

// ReadOnlyAllowList names the paths under Root that other custody processes
// may write while a verify runs: replay state, the SQLite ledger, epoch
// leases and staged temp files. Paths outside Root are never snapshotted.
func (c *Config) ReadOnlyAllowList() fsnap.AllowList {
	var allow fsnap.AllowList
	for _, dir := range []string{c.Replay.LockDir, c.Replay.WorkDir} {
		if rel, ok := c.underRoot(dir); ok {
			allow = append(allow, rel+"/")
		}
	}
	if c.Ledger.Driver == "sqlite" {
		dsn := strings.TrimPrefix(c.Ledger.DSN, "file:")
		if i := strings.IndexByte(dsn, '?'); i >= 0 {
			dsn = dsn[:i]
		}
		if rel, ok := c.underRoot(dsn); ok {
			allow = append(allow, rel+"*")
		}
	}
	if rel, ok := c.underRoot(c.Epoch.Dir); ok {
		allow = append(allow, rel+"/*/"+epoch.LeaseFile+"*", rel+"/*/.*.tmp-*")
	}
	for _, out := range []string{c.Chain.Output, c.Anchor.Output} {
		if rel, ok := c.underRoot(out); ok {
			allow = append(allow, path.Dir(rel)+"/.*.tmp-*")
		}
	}
	return allow
}

// underRoot returns p relative to Root in slash form, or false when p is
// empty, the root itself, or outside it.
func (c *Config) underRoot(p string) (string, bool) {
	if p == "" || strings.Contains(p, "://") {
		return "", false
	}
	rel, err := filepath.Rel(c.Root, c.Path(p))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
