package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/epoch"
	"github.com/Mindburn-Labs/custody/pkg/replay"
)

const testConfig = `format_version: "1.0.0"
chain:
  scope: ["docs/*.md"]
  output: evidence/RECEIPT_CHAIN.md
anchor:
  scope: ["docs/a.md", "docs/b.md", "docs/gone.md"]
  output: evidence/MERKLE_ANCHOR.md
epoch:
  dir: epochs
  required_bindings: [policy_hash]
`

func workspace(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"CI", "CUSTODY_ROOT", "CUSTODY_LOG_LEVEL", "CUSTODY_LEDGER_DSN", "CUSTODY_ARCHIVE_TYPE"} {
		t.Setenv(k, "")
	}
	root := t.TempDir()
	write(t, root, "custody.yaml", testConfig)
	write(t, root, "docs/a.md", "# A\nGenerated 2026-03-01T10:00:00Z\n")
	write(t, root, "docs/b.md", "# B\nrun_id: 7f3c\n")
	return root
}

func write(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

// run executes the CLI with --json and decodes the status record.
func run(t *testing.T, root string, args ...string) (int, conform.StatusRecord) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	argv := append([]string{"custody"}, args...)
	argv = append(argv, "--root", root, "--json")
	code := Run(argv, &stdout, &stderr)
	var rec conform.StatusRecord
	if stdout.Len() > 0 {
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &rec), "stdout: %s\nstderr: %s", stdout.String(), stderr.String())
	}
	return code, rec
}

func TestUsageErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, Run([]string{"custody"}, &out, &errOut))
	assert.Equal(t, 2, Run([]string{"custody", "bogus"}, &out, &errOut))
	assert.Equal(t, 2, Run([]string{"custody", "chain", "rebuild"}, &out, &errOut))
	assert.Equal(t, 2, Run([]string{"custody", "epoch", "verify"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"custody", "help"}, &out, &errOut))
}

func TestChainUpdateVerifyAndTamper(t *testing.T) {
	root := workspace(t)

	code, rec := run(t, root, "chain", "update")
	require.Equal(t, 0, code, rec.Message)
	assert.EqualValues(t, 2, rec.Details["entry_count"])

	code, rec = run(t, root, "chain", "verify")
	require.Equal(t, 0, code, rec.Message)

	// Volatile-only edits keep the chain intact.
	write(t, root, "docs/a.md", "# A\nGenerated 2026-04-02T11:30:00Z\n")
	code, _ = run(t, root, "chain", "verify")
	assert.Equal(t, 0, code)

	write(t, root, "docs/b.md", "# B\nrun_id: 7f3c\nextra line\n")
	code, rec = run(t, root, "chain", "verify")
	assert.Equal(t, 1, code)
	assert.Equal(t, conform.StatusFail, rec.Status)
	assert.Equal(t, conform.ReasonChainDivergence, rec.ReasonCode)
	div := rec.Details["divergence"].(map[string]any)
	assert.EqualValues(t, 1, div["index"])
	assert.Equal(t, "docs/b.md", div["path"])
}

func TestAnchorPartialFollowsPolicy(t *testing.T) {
	root := workspace(t)

	code, rec := run(t, root, "anchor", "update")
	assert.Equal(t, 1, code, "default policy rejects PARTIAL")
	assert.Equal(t, conform.StatusPartial, rec.Status)
	assert.Equal(t, conform.ReasonMissingFile, rec.ReasonCode)

	write(t, root, "custody.yaml", testConfig+`policy:
  accept: 'status == "PASS" || (status == "PARTIAL" && reason_code == "MISSING_FILE")'
`)
	code, rec = run(t, root, "anchor", "verify")
	assert.Equal(t, 0, code, rec.Message)
	assert.Equal(t, conform.StatusPartial, rec.Status)
}

func TestPolicyCannotAcceptMismatch(t *testing.T) {
	root := workspace(t)
	write(t, root, "custody.yaml", testConfig+"policy:\n  accept: 'true'\n")

	code, rec := run(t, root, "chain", "update")
	require.Equal(t, 0, code, rec.Message)

	write(t, root, "docs/a.md", "# A changed\n")
	code, rec = run(t, root, "chain", "verify")
	assert.Equal(t, 1, code)
	assert.Equal(t, conform.StatusFail, rec.Status)
	assert.Equal(t, conform.ReasonChainDivergence, rec.ReasonCode)
	assert.NotContains(t, rec.Details, "policy")

	write(t, root, ".custody/"+replay.KillLockFile, `{"failure_class":"DETERMINISM_MISMATCH"}`)
	code, rec = run(t, root, "chain", "verify")
	assert.Equal(t, 1, code)
	assert.Equal(t, conform.StatusBlocked, rec.Status)
}

func sealableEpoch(t *testing.T, root, id, prior string) {
	t.Helper()
	require.NoError(t, epoch.WriteManifest(filepath.Join(root, "epochs", id), &epoch.Manifest{
		ID:       id,
		Prior:    prior,
		Bindings: map[string]string{"policy_hash": "p1"},
	}))
	write(t, root, "epochs/"+id+"/sim.txt", "pnl=42 after 12ms\n")
}

func TestEpochLifecycle(t *testing.T) {
	root := workspace(t)
	sealableEpoch(t, root, "e-0001", "")
	sealableEpoch(t, root, "e-0002", "e-0001")

	for _, id := range []string{"e-0001", "e-0002"} {
		code, rec := run(t, root, "epoch", "update", "--epoch", id)
		require.Equal(t, 0, code, rec.Message)
		assert.True(t, epoch.ValidFingerprint(rec.Details["canonical_fingerprint"].(string)))
		assert.NotEmpty(t, rec.Details["ledger_entry_hash"])
	}

	code, rec := run(t, root, "epoch", "verify", "--all")
	require.Equal(t, 0, code, rec.Message)
	assert.EqualValues(t, 2, rec.Details["epochs"])

	code, rec = run(t, root, "history", "verify", "--deep")
	require.Equal(t, 0, code, rec.Message)
	assert.Equal(t, "e-0002", rec.Details["head_epoch"])

	code, rec = run(t, root, "publish", "--epoch", "e-0002")
	require.Equal(t, 0, code, rec.Message)
	addr := rec.Details["archive_address"].(string)

	dest := t.TempDir()
	code, rec = run(t, root, "fetch", "--address", addr, "--dest", filepath.Join(dest, "e-0002"))
	require.Equal(t, 0, code, rec.Message)
	assert.Equal(t, "e-0002", rec.Details["epoch_id"])
}

func TestEpochUpdateBlocked(t *testing.T) {
	root := workspace(t)
	sealableEpoch(t, root, "e-0001", "")

	t.Setenv("CI", "true")
	code, rec := run(t, root, "epoch", "update", "--epoch", "e-0001")
	assert.Equal(t, 1, code)
	assert.Equal(t, conform.StatusBlocked, rec.Status)
	assert.Equal(t, conform.ReasonUpdateForbiddenCI, rec.ReasonCode)
	t.Setenv("CI", "")

	write(t, root, ".custody/"+replay.KillLockFile, `{"failure_class":"DETERMINISM_MISMATCH","stage":"epoch:e-0001"}`)
	code, rec = run(t, root, "epoch", "update", "--epoch", "e-0001")
	assert.Equal(t, 1, code)
	assert.Equal(t, conform.ReasonKillLockActive, rec.ReasonCode)

	code, rec = run(t, root, "chain", "update")
	assert.Equal(t, 1, code)
	assert.Equal(t, conform.ReasonKillLockActive, rec.ReasonCode)

	for _, args := range [][]string{
		{"chain", "verify"},
		{"anchor", "verify"},
		{"epoch", "verify", "--epoch", "e-0001"},
		{"epoch", "verify", "--all"},
		{"history", "verify"},
	} {
		code, rec = run(t, root, args...)
		assert.Equal(t, 1, code, args)
		assert.Equal(t, conform.StatusBlocked, rec.Status, args)
		assert.Equal(t, conform.ReasonKillLockActive, rec.ReasonCode, args)
	}

	// A passing replay surfaces the old lock and clears it.
	code, rec = run(t, root, "replay", "--stage", "epoch", "--epoch", "e-0001", "--seal")
	require.Equal(t, 0, code, rec.Message)
	assert.Equal(t, true, rec.Details["lock_was_active"])
	assert.Equal(t, true, rec.Details["lock_cleared"])
	assert.Len(t, rec.Details["run_fingerprints"], 3)

	code, rec = run(t, root, "epoch", "update", "--epoch", "e-0001")
	assert.Equal(t, 0, code, rec.Message)
}

func TestDigest(t *testing.T) {
	root := workspace(t)
	code, rec := run(t, root, "digest", filepath.Join(root, "docs", "a.md"))
	require.Equal(t, 0, code, rec.Message)
	assert.Contains(t, rec.Message, "1 with volatile content")

	code, rec = run(t, root, "digest", filepath.Join(root, "docs", "nope.md"))
	assert.Equal(t, 1, code)
	assert.Equal(t, conform.ReasonMissingFile, rec.ReasonCode)
}

func TestInvalidConfigIsRuntimeError(t *testing.T) {
	root := workspace(t)
	write(t, root, "custody.yaml", "format_version: \"9.0.0\"\n")
	code, rec := run(t, root, "chain", "verify")
	assert.Equal(t, 2, code)
	assert.Equal(t, conform.ReasonConfigInvalid, rec.ReasonCode)
}
