package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// KeyPrefix namespaces dedup keys. The full key is a stable identifier
// callers may persist.
const KeyPrefix = "action-exec:"

// GenerateKey computes the dedup key for an action identity: the prefix plus
// the hex SHA-256 of a canonical JSON encoding of the definition id, the
// inputs, and the sorted dependency set. Map keys are sorted at every nesting
// level, so the key is identical across calls and processes.
func GenerateKey(actionDefinitionID string, inputs map[string]interface{}, dependencies []string) (string, error) {
	// The copy starts from a non-nil empty slice so nil dependencies encode
	// as [] rather than null.
	deps := append([]string{}, dependencies...)
	sort.Strings(deps)

	// encoding/json serializes map keys in sorted order, which makes the
	// encoding canonical as long as the input survives a JSON round trip.
	canonical := map[string]interface{}{
		"actionDefinitionId": actionDefinitionID,
		"dependencies":       deps,
		"inputs":             inputs,
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("cannot canonicalize action identity: %w", err)
	}

	sum := sha256.Sum256(encoded)
	return KeyPrefix + hex.EncodeToString(sum[:]), nil
}
