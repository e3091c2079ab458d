package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ChainEntry is the hashed view of one decision audit entry. Entries form a
// chain: each entry's hash covers the previous entry's hash, so mutating any
// field after the fact breaks verification of everything downstream.
type ChainEntry struct {
	RequestID    string
	Decision     string
	Actor        string
	DecidedAt    string // canonical form, see CanonicalTime
	PreviousHash string // empty for the first entry
	EntryHash    string
}

// CanonicalTime renders t in the fixed form used for hashing. The string is
// stored alongside the hash so verification never re-derives it from a
// database timestamp.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeEntryHash produces the 64-hex digest of a decision entry over a
// canonical serialization: the five fields joined by "|" in fixed order.
func ComputeEntryHash(requestID, decision, actor, decidedAt, previousHash string) string {
	payload := strings.Join([]string{requestID, decision, actor, decidedAt, previousHash}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// VerifyAuditChain reports whether entries form an intact chain: every
// entry's hash recomputes to its stored value, and every entry's
// PreviousHash equals the prior entry's EntryHash (empty for the first).
// An empty chain is trivially valid.
func VerifyAuditChain(entries []ChainEntry) bool {
	prev := ""
	for _, e := range entries {
		if e.PreviousHash != prev {
			return false
		}
		recomputed := ComputeEntryHash(e.RequestID, e.Decision, e.Actor, e.DecidedAt, e.PreviousHash)
		if recomputed != e.EntryHash {
			return false
		}
		prev = e.EntryHash
	}
	return true
}
