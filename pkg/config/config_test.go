package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/custody/pkg/archive"
	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/fsnap"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"CUSTODY_ROOT", "CUSTODY_LOG_LEVEL", "CUSTODY_LEDGER_DSN", "CUSTODY_ARCHIVE_TYPE", "CI"} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.False(t, cfg.CI)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custody.yaml"), []byte(`
format_version: "1.2.0"
root: workspace
chain:
  scope: ["reports/*.md"]
epoch:
  dir: epochs
  required_bindings: [policy_hash]
  max_fixpoint_iterations: 4
replay:
  runs: 3
  timeout: 90s
  command: ["make", "evidence"]
canonicalize:
  rules:
    - name: build_host
      pattern: 'host=\S+'
      replace: 'host={token}'
  records:
    "metrics/*.json":
      volatile: [meta.generated_at]
policy:
  accept: 'status == "PASS" || status == "PARTIAL"'
`), 0o644))

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "custody.yaml"), cfg.Source)
	assert.Equal(t, filepath.Join(dir, "workspace"), cfg.Root)
	assert.Equal(t, []string{"reports/*.md"}, cfg.Chain.Scope)
	assert.Equal(t, 4, cfg.Epoch.MaxFixpointIterations)
	assert.Equal(t, 90*time.Second, time.Duration(cfg.Replay.Timeout))
	assert.Equal(t, 3, cfg.Replay.Runs)
	assert.Equal(t, 3, cfg.Replay.SealRuns, "unset keys keep defaults")

	n, err := cfg.Normalizer()
	require.NoError(t, err)
	assert.Contains(t, n.Rules(), "build_host")

	opts := cfg.BinderOptions()
	assert.Equal(t, filepath.Join(dir, "workspace", "epochs"), opts.Dir)
	assert.Len(t, opts.Gates, 1)
	assert.Equal(t, 3, cfg.ReplayOptions(true).Runs)
}

func TestLoadJSONCWithComments(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "custody.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
	// sealed evidence lives here
	"format_version": "1.0.0",
	"ledger": {"driver": "postgres", "dsn": "postgres://db/custody"},
	"archive": {"type": "s3", "s3": {"bucket": "evidence"}, "compress": true,},
}`), 0o644))

	cfg, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Ledger.Driver)
	assert.Equal(t, archive.StoreTypeS3, cfg.Archive.Type)
	assert.True(t, cfg.Archive.Compress)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		body string
	}{
		{"unknown key", ".yaml", "format_version: \"1.0.0\"\nchians: {}\n"},
		{"bad enum", ".yaml", "format_version: \"1.0.0\"\nledger: {driver: mysql}\n"},
		{"too few runs", ".yaml", "format_version: \"1.0.0\"\nreplay: {runs: 1}\n"},
		{"fractional iterations", ".jsonc", `{"format_version": "1.0.0", "epoch": {"max_fixpoint_iterations": 2.5}}`},
		{"future format", ".yaml", "format_version: \"2.0.0\"\n"},
		{"bad duration", ".jsonc", `{"format_version": "1.0.0", "replay": {"timeout": "soon"}}`},
		{"broken yaml", ".yaml", "chain: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Parse([]byte(tt.body), tt.ext, Default())
			require.ErrorIs(t, err, conform.ErrConfigInvalid)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CUSTODY_ROOT", "/srv/evidence")
	t.Setenv("CUSTODY_LOG_LEVEL", "debug")
	t.Setenv("CUSTODY_LEDGER_DSN", "postgres://ledger:5432/custody")
	t.Setenv("CUSTODY_ARCHIVE_TYPE", "gcs")
	t.Setenv("CI", "true")

	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "/srv/evidence", cfg.Root)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Ledger.Driver)
	assert.Equal(t, archive.StoreTypeGCS, cfg.Archive.Type)
	assert.True(t, cfg.CI)
	assert.True(t, cfg.BinderOptions().CI)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, conform.ErrConfigInvalid)
}

func TestReadOnlyAllowList(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	cfg, err := Load(root, "")
	require.NoError(t, err)
	allow := cfg.ReadOnlyAllowList()

	for _, p := range []string{
		".custody/REPLAY_STATE.json",
		".custody/ledger.db-wal",
		cfg.Epoch.Dir + "/e-0001/.lock",
		cfg.Epoch.Dir + "/e-0001/.lock.held",
		cfg.Epoch.Dir + "/e-0001/.VERDICT.json.tmp-123",
	} {
		assert.True(t, allow.Allows(p), p)
	}
	for _, p := range []string{
		"docs/a.md",
		cfg.Epoch.Dir + "/e-0001/VERDICT.json",
		cfg.Chain.Output,
	} {
		assert.False(t, allow.Allows(p), p)
	}

	writeFile := func(rel string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	writeFile("docs/a.md")
	err = fsnap.Guard(context.Background(), root, allow, func(context.Context) error {
		writeFile(".custody/REPLAY_STATE.json")
		writeFile(cfg.Epoch.Dir + "/e-0001/.lock")
		return nil
	})
	require.NoError(t, err)

	err = fsnap.Guard(context.Background(), root, allow, func(context.Context) error {
		writeFile("docs/b.md")
		return nil
	})
	require.ErrorIs(t, err, conform.ErrReadOnlyViolation)
}

func TestReadOnlyAllowListSkipsPathsOutsideRoot(t *testing.T) {
	cfg := Default()
	cfg.Root = t.TempDir()
	cfg.Replay.LockDir = filepath.Join(t.TempDir(), "locks")
	cfg.Ledger.Driver = "postgres"
	cfg.Ledger.DSN = "postgres://custody@db/custody"
	allow := cfg.ReadOnlyAllowList()
	for _, p := range allow {
		assert.NotContains(t, p, "..", p)
	}
	assert.False(t, allow.Allows(".custody/REPLAY_STATE.json"))
}
