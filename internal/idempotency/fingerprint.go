package idempotency

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Fingerprint derives the idempotency key of a request from its identity and
// content. encoding/json emits struct fields in declaration order and sorts
// map keys, so byte-identical resubmissions hash identically.
func Fingerprint(identity string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(identity))
	h.Write([]byte{'\n'})
	h.Write(body)
	return fmt.Sprintf("%s#%x", identity, h.Sum(nil)), nil
}
