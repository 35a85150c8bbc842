package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

func TestCanonicalRecordReplacesTaggedFields(t *testing.T) {
	schema := RecordSchema{Volatile: []string{"generated_at", "runs.*.duration_ms"}}
	a := []byte(`{"verdict":"PASS","generated_at":"2026-03-01T10:00:00Z","runs":[{"id":1,"duration_ms":12},{"id":2,"duration_ms":40}]}`)
	b := []byte(`{"runs":[{"duration_ms":99,"id":1},{"id":2,"duration_ms":7}],"generated_at":"yesterday","verdict":"PASS"}`)

	ca, err := CanonicalRecord(a, schema, "RUN")
	require.NoError(t, err)
	cb, err := CanonicalRecord(b, schema, "RUN")
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"generated_at":"RUN","runs":[{"duration_ms":"RUN","id":1},{"duration_ms":"RUN","id":2}],"verdict":"PASS"}`, string(ca))
}

func TestCanonicalRecordKeepsUntaggedFields(t *testing.T) {
	schema := RecordSchema{Volatile: []string{"generated_at"}}
	pass, err := CanonicalRecord([]byte(`{"verdict":"PASS","generated_at":"x"}`), schema, "RUN")
	require.NoError(t, err)
	fail, err := CanonicalRecord([]byte(`{"verdict":"FAIL","generated_at":"y"}`), schema, "RUN")
	require.NoError(t, err)
	assert.NotEqual(t, string(pass), string(fail))
}

func TestCanonicalRecordNFC(t *testing.T) {
	composed, err := CanonicalRecord([]byte(`{"name":"caf\u00e9"}`), RecordSchema{}, "RUN")
	require.NoError(t, err)
	decomposed, err := CanonicalRecord([]byte(`{"name":"cafe\u0301"}`), RecordSchema{}, "RUN")
	require.NoError(t, err)
	assert.Equal(t, string(composed), string(decomposed))
}

func TestCanonicalRecordRejectsNFCKeyCollision(t *testing.T) {
	data := []byte(`{"meta":{"caf\u00e9":1,"cafe\u0301":2}}`)
	for i := 0; i < 50; i++ {
		_, err := CanonicalRecord(data, RecordSchema{}, "RUN")
		require.ErrorIs(t, err, conform.ErrMalformedInput)
	}

	_, err := CanonicalRecord([]byte(`[{"caf\u00e9":1},{"cafe\u0301":2}]`), RecordSchema{}, "RUN")
	require.NoError(t, err, "equal keys in different objects do not collide")
}

func TestCanonicalRecordMalformed(t *testing.T) {
	_, err := CanonicalRecord([]byte(`{"a":`), RecordSchema{}, "RUN")
	require.ErrorIs(t, err, conform.ErrMalformedInput)

	_, err = CanonicalRecord([]byte(`{} {}`), RecordSchema{}, "RUN")
	require.ErrorIs(t, err, conform.ErrMalformedInput)
}

func TestDigestUsesRecordSchema(t *testing.T) {
	n, err := New(Options{RecordSchemas: map[string]RecordSchema{
		"reports/*.json": {Volatile: []string{"generated_at"}},
	}})
	require.NoError(t, err)

	a, err := n.Digest("reports/r.json", []byte(`{"generated_at":"a","ok":true}`), testRC)
	require.NoError(t, err)
	b, err := n.Digest("reports/r.json", []byte("{\n  \"ok\": true,\n  \"generated_at\": \"b\"\n}\n"), testRC)
	require.NoError(t, err)
	assert.Equal(t, a.SHA256Norm, b.SHA256Norm)
	assert.Equal(t, `{"generated_at":"RUN-e-0001","ok":true}`+"\n", a.NormalizedText)
	assert.True(t, a.Volatile())

	// Reformatting alone is not volatile.
	c, err := n.Digest("reports/r.json", []byte("{\n  \"ok\": true\n}\n"), testRC)
	require.NoError(t, err)
	assert.NotEqual(t, c.SHA256Raw, c.SHA256Norm)
	assert.False(t, c.Volatile())
}

func TestDigestRejectsSemanticVolatileTag(t *testing.T) {
	n, err := New(Options{RecordSchemas: map[string]RecordSchema{
		"*.json": {Volatile: []string{"policy.threshold"}},
	}})
	require.NoError(t, err)
	_, err = n.Digest("r.json", []byte(`{"policy":{"threshold":0.9}}`), testRC)
	require.ErrorIs(t, err, conform.ErrStructuralIntegrityViolation)
}
