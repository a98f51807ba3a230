package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with old hashes.
const (
	DomainModel    = "procflow/model/v1"
	DomainDispatch = "procflow/dispatch/v1"
)

// Hash computes SHA-256(domain || 0x00 || canonical(v)) as lowercase hex.
func Hash(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DispatchKey is the idempotency key for one dispatch attempt of one node
// occurrence. Re-sending the same attempt yields the same key, so receivers
// can deduplicate.
func DispatchKey(instanceUUID, nodeID string, entryNo, attempt int) string {
	key, err := Hash(DomainDispatch, Object{
		"instance": String(instanceUUID),
		"node":     String(nodeID),
		"entry_no": Int(entryNo),
		"attempt":  Int(attempt),
	})
	if err != nil {
		// Only strings and ints above; canonical marshaling cannot fail.
		panic(err)
	}
	return key
}
