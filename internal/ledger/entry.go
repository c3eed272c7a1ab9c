package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the canonical well-known hash of the genesis entry.
// It serves as the trust anchor of the chain; all subsequent entry
// hashes chain from this constant rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single link in the ledger's hash chain. Every committed
// alert record produces one entry whose DataHash fingerprints the
// record content and whose PrevHash ties it to its predecessor.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	LogID     string    `json:"log_id"`
	AgentID   string    `json:"agent_id"`
	DataHash  string    `json:"data_hash"` // SHA-256 of the committed record content
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// TxHash is the transaction identifier returned to committers: the
// 0x-prefixed chain hash of the entry.
func (e *Entry) TxHash() string {
	return "0x" + e.Hash
}

// hashEntry computes a deterministic SHA-256 hash over an entry's
// fields. Must never be called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.LogID, e.AgentID, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// recordDataHash fingerprints the content of a record for chaining.
// The record's own payload fingerprint is included, so replacing the
// raw payload after the fact breaks the chain twice over.
func recordDataHash(logID, agentID string, level uint8, description, fpHex, rawLog string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s", logID, agentID, level, description, fpHex, rawLog)
	return hex.EncodeToString(h.Sum(nil))
}
