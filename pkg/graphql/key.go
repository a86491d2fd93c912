package graphql

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CacheKey derives a deterministic digest for an operation from its
// normalized query text and variables. Two logically identical operations
// (same text, same variables, any map ordering) produce the same key.
func CacheKey(query string, variables map[string]any) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(query)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalJSON(variables)))
	return hex.EncodeToString(h.Sum(nil))
}

// Key derives the cache key for an operation.
func (o Operation) Key() string {
	return CacheKey(o.Query, o.Variables)
}

// canonicalJSON serializes a value with all map keys recursively sorted, so
// the byte form is independent of Go map iteration order. encoding/json
// already sorts map[string]any keys, but values decoded from json.RawMessage
// or nested interfaces are normalized here explicitly.
func canonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, k)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			b.Write(val)
			return
		}
		writeCanonical(b, decoded)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			// Unmarshalable values still need a stable representation.
			writeJSONString(b, fmt.Sprintf("%v", val))
			return
		}
		b.Write(encoded)
	}
}

func writeJSONString(b *strings.Builder, s string) {
	encoded, _ := json.Marshal(s)
	b.Write(encoded)
}
