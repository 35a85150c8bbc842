package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<b> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
		}
		b1, err := JCS(v)
		if err != nil {
			return
		}
		b2, err := JCS(v)
		if err != nil {
			t.Fatal("JCS failed on second call only")
		}
		if string(b1) != string(b2) {
			t.Errorf("JCS non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}
		var check interface{}
		if err := json.Unmarshal(b1, &check); err != nil {
			t.Errorf("JCS output is not valid JSON: %s", b1)
		}
	})
}

func FuzzNormalizeIdempotent(f *testing.F) {
	f.Add("Generated 2026-03-01T10:00:00Z\r\nstatus: ok (12ms)\n\n")
	f.Add("run_id: abc-123\nresult=PASS   \n")
	f.Add("threshold: 0.95\n")
	f.Add("")

	n := Default()
	rc := conform.RunContext{ID: "fuzz"}
	f.Fuzz(func(t *testing.T, text string) {
		once, err := n.Normalize(text, rc)
		if err != nil {
			return
		}
		twice, err := n.Normalize(once, rc)
		if err != nil {
			t.Fatalf("normalized output rejected: %v", err)
		}
		if once != twice {
			t.Errorf("not idempotent:\n  once:  %q\n  twice: %q", once, twice)
		}
	})
}
