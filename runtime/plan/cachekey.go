package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CacheKey derives the deterministic cache key for a schema/instructions/
// options/profile tuple. Two requests with equal inputs always produce the
// same key, so plan-cache hits are a pure function of the request shape.
//
// Keys are hex SHA-256 digests of the canonical JSON encoding of the tuple.
// encoding/json sorts map keys, which makes the encoding stable for the
// map-shaped schemas and option payloads the kernel accepts.
func CacheKey(outputSchema map[string]any, instructions string, options any, profile string) string {
	payload := struct {
		Schema       map[string]any `json:"schema"`
		Instructions string         `json:"instructions,omitempty"`
		Options      any            `json:"options,omitempty"`
		Profile      string         `json:"profile,omitempty"`
	}{
		Schema:       outputSchema,
		Instructions: instructions,
		Options:      options,
		Profile:      profile,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Non-serializable descriptors degrade to a type-tagged fallback so
		// the key is still deterministic for the same request value.
		data = []byte(fmt.Sprintf("unserializable:%T:%d:%s:%s", options, len(outputSchema), instructions, profile))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
