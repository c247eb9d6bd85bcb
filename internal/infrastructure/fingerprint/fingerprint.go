// Package fingerprint derives stable content hashes from chat-completion
// request bodies so recorded responses can be replayed for equivalent
// requests. Equality is purely syntactic over the normalized body.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ignoredKeys are stripped at every nesting depth before hashing. They vary
// between otherwise identical requests and must not affect the digest.
var ignoredKeys = map[string]bool{
	"stream":     true,
	"request_id": true,
	"timestamp":  true,
}

// Normalize returns a canonical form of v: maps lose the ignored keys,
// sequences are mapped element-wise, primitives pass through. Key ordering
// is handled at serialisation time (encoding/json emits map keys sorted).
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if ignoredKeys[k] {
				continue
			}
			out[k] = Normalize(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = Normalize(child)
		}
		return out
	default:
		return v
	}
}

// Hash computes the lowercase hex SHA-256 of the compact canonical JSON
// serialisation of the normalized value.
func Hash(v any) (string, error) {
	data, err := json.Marshal(Normalize(v))
	if err != nil {
		return "", fmt.Errorf("serialise normalized body: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes parses a raw JSON body and hashes it. This is the entry point
// for request bodies arriving over HTTP.
func HashBytes(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("parse request body: %w", err)
	}
	return Hash(v)
}
