package canonicalize

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// RecordSchema tags fields of a structured record as volatile.
// Each entry is a dotted path ("meta.generated_at"); "*" matches every key
// of an object or every element of an array at that level.
type RecordSchema struct {
	Volatile []string `yaml:"volatile" json:"volatile"`
}

// CanonicalRecord replaces every volatile-tagged field of the JSON record
// with token, NFC-normalizes all strings, and returns RFC 8785 bytes.
// Untagged fields are never altered beyond canonical encoding.
func CanonicalRecord(data []byte, schema RecordSchema, token string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, conform.Wrap(conform.ReasonMalformedInput, err, "decode structured record")
	}
	if dec.More() {
		return nil, conform.Newf(conform.ReasonMalformedInput, "structured record has trailing data")
	}

	for _, field := range schema.Volatile {
		doc = replacePath(doc, strings.Split(field, "."), token)
	}
	doc, err := nfc(doc)
	if err != nil {
		return nil, err
	}
	return JCS(doc)
}

func replacePath(node interface{}, parts []string, token string) interface{} {
	if len(parts) == 0 {
		return token
	}
	head, rest := parts[0], parts[1:]
	switch v := node.(type) {
	case map[string]interface{}:
		if head == "*" {
			for k := range v {
				v[k] = replacePath(v[k], rest, token)
			}
			return v
		}
		if child, ok := v[head]; ok {
			v[head] = replacePath(child, rest, token)
		}
		return v
	case []interface{}:
		if head == "*" {
			for i := range v {
				v[i] = replacePath(v[i], rest, token)
			}
		}
		return v
	default:
		return node
	}
}

// nfc normalizes every string and key. Two keys of one object that
// normalize to the same text are rejected; keeping either would depend on
// map iteration order.
func nfc(node interface{}) (interface{}, error) {
	switch v := node.(type) {
	case string:
		return norm.NFC.String(v), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(v))
		for _, k := range keys {
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, conform.Newf(conform.ReasonMalformedInput,
					"structured record has keys that are equal after NFC normalization: %q", nk)
			}
			child, err := nfc(v[k])
			if err != nil {
				return nil, err
			}
			out[nk] = child
		}
		return out, nil
	case []interface{}:
		for i := range v {
			child, err := nfc(v[i])
			if err != nil {
				return nil, err
			}
			v[i] = child
		}
		return v, nil
	default:
		return node, nil
	}
}
