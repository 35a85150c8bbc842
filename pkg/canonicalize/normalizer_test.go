package canonicalize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

var testRC = conform.RunContext{ID: "e-0001"}

func TestNormalizeReplacesVolatileMarkers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"timestamp", "Generated at 2026-03-01T10:00:00Z\n", "Generated at RUN-e-0001\n"},
		{"timestamp with fraction and offset", "at 2026-03-01 10:00:00.123+02:00 done", "at RUN-e-0001 done\n"},
		{"elapsed paren", "step ok (12ms)", "step ok (RUN-e-0001)\n"},
		{"elapsed after", "retried after 250 ms", "retried after RUN-e-0001\n"},
		{"run id field", "run_id: 7f3a-b2", "run_id: RUN-e-0001\n"},
		{"quoted run id field", `"runId": "abc123"`, `"runId": "RUN-e-0001"` + "\n"},
		{"semantic untouched", "result: PASS", "result: PASS\n"},
	}
	n := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.in, testRC)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeWhitespaceAndLineEndings(t *testing.T) {
	n := Default()

	got, err := n.Normalize("a  \r\nb\t\rc\n\n\n", testRC)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", got)

	got, err = n.Normalize("", testRC)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = n.Normalize("\n\n  \n", testRC)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestNormalizeIdempotent(t *testing.T) {
	n := Default()
	in := "run_id=abc\nGenerated 2026-03-01T10:00:00Z (3ms)\r\n\n"
	once, err := n.Normalize(in, testRC)
	require.NoError(t, err)
	twice, err := n.Normalize(once, testRC)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestNormalizeGuardsSemanticLines(t *testing.T) {
	n := Default()

	_, err := n.Normalize("threshold: 0.95 evaluated 2026-03-01T10:00:00Z\n", testRC)
	require.ErrorIs(t, err, conform.ErrStructuralIntegrityViolation)

	_, err = n.Normalize("max_retries = 3 (12ms)\n", testRC)
	require.ErrorIs(t, err, conform.ErrStructuralIntegrityViolation)

	// No rule touches the line, so the guard does not fire.
	got, err := n.Normalize("Threshold: 0.95\n", testRC)
	require.NoError(t, err)
	assert.Equal(t, "Threshold: 0.95\n", got)
}

func TestNormalizeExtraRules(t *testing.T) {
	host, err := NewRegexRule("hostname", `host=[a-z0-9-]+`, "host={token}")
	require.NoError(t, err)
	n, err := New(Options{ExtraRules: []Rule{host}})
	require.NoError(t, err)

	got, err := n.Normalize("host=ci-runner-7", testRC)
	require.NoError(t, err)
	assert.Equal(t, "host=RUN-e-0001\n", got)
	assert.Equal(t, []string{"iso8601_timestamp", "elapsed_paren_ms", "elapsed_after_ms", "run_id_field", "hostname"}, n.Rules())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Options{ForbiddenTokens: []string{"("}})
	require.ErrorIs(t, err, conform.ErrConfigInvalid)

	_, err = New(Options{RecordSchemas: map[string]RecordSchema{"[": {}}})
	require.ErrorIs(t, err, conform.ErrConfigInvalid)
}

func TestDigestDualHashes(t *testing.T) {
	n := Default()
	a, err := n.Digest("a.md", []byte("run at 2026-03-01T10:00:00Z\n"), testRC)
	require.NoError(t, err)
	b, err := n.Digest("a.md", []byte("run at 2026-04-11T08:30:00Z\n"), testRC)
	require.NoError(t, err)

	assert.NotEqual(t, a.SHA256Raw, b.SHA256Raw)
	assert.Equal(t, a.SHA256Norm, b.SHA256Norm)
	assert.True(t, a.Volatile())

	// Layout differences move the raw digest only and are not volatile.
	for _, raw := range []string{"result: PASS", "result: PASS\r\n", "result: PASS  \n\n\n"} {
		d, err := n.Digest("a.md", []byte(raw), testRC)
		require.NoError(t, err)
		assert.NotEqual(t, d.SHA256Raw, d.SHA256Norm, "%q", raw)
		assert.False(t, d.Volatile(), "%q", raw)
	}

	// A semantic edit moves both digests.
	c, err := n.Digest("a.md", []byte("run at 2026-03-01T10:00:00Z\nresult: FAIL\n"), testRC)
	require.NoError(t, err)
	assert.NotEqual(t, a.SHA256Norm, c.SHA256Norm)

	// Already-canonical input hashes the same both ways.
	d, err := n.Digest("b.md", []byte("result: PASS\n"), testRC)
	require.NoError(t, err)
	assert.Equal(t, d.SHA256Raw, d.SHA256Norm)
	assert.Equal(t, Digests{Raw: d.SHA256Raw, Norm: d.SHA256Norm}, ComputeDigests(d))
}

func TestDigestRejectsInvalidUTF8(t *testing.T) {
	_, err := Default().Digest("bin.md", []byte{0xff, 0xfe, 'a'}, testRC)
	require.ErrorIs(t, err, conform.ErrMalformedInput)
}

func TestLoadArtifact(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "a.md"), []byte("hello\n"), 0o644))

	n := Default()
	a, err := n.LoadArtifact(root, "docs/a.md", testRC)
	require.NoError(t, err)
	assert.Equal(t, "docs/a.md", a.Path)
	assert.Equal(t, HashString("hello\n"), a.SHA256Norm)

	_, err = n.LoadArtifact(root, "docs/missing.md", testRC)
	require.ErrorIs(t, err, conform.ErrMissingFile)
	require.ErrorIs(t, err, os.ErrNotExist)
}
