package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// InputHash computes a deterministic digest of a semantic request payload.
// The payload is round-tripped through encoding/json so that object key
// order and insignificant whitespace do not change the digest.
func InputHash(payload json.RawMessage) (string, error) {
	canonical := []byte("null")
	if len(payload) > 0 {
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return "", fmt.Errorf("canonicalize payload: %w", err)
		}
		var err error
		canonical, err = json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("canonicalize payload: %w", err)
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VersionFingerprint digests the versions of all dependencies an operation's
// output depends on (engine version, threshold set, registry, schema). Any
// deploy that bumps a part invalidates prior cache hits.
func VersionFingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
