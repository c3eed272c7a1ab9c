// Package fingerprint computes the content digests used for tamper
// detection. A fingerprint is the SHA-256 of a log's full content; any
// divergence between a recomputed fingerprint and the ledger-recorded
// one signals tampering of the raw payload, not of the stored digest.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest returns the SHA-256 fingerprint of payload.
// Pure and deterministic: the same payload always yields the same
// digest, across calls and across process restarts.
func Digest(payload string) [Size]byte {
	return sha256.Sum256([]byte(payload))
}

// Hex renders a digest in the 0x-prefixed lowercase hex form used on
// the wire and in ledger records.
func Hex(d [Size]byte) string {
	return "0x" + hex.EncodeToString(d[:])
}

// ParseHex decodes a 0x-prefixed hex digest. ok is false when s is not
// a well-formed digest of exactly Size bytes.
func ParseHex(s string) (d [Size]byte, ok bool) {
	if len(s) != 2+2*Size || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return d, false
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return d, false
	}
	copy(d[:], raw)
	return d, true
}

// Placeholder derives a deterministic hex identifier from a log
// reference. It is the fallback used when the ledger record for an
// event cannot be read: still stable and non-empty, but derived from
// the reference string alone. It must never be presented as a
// ledger-verified fingerprint.
func Placeholder(ref string) string {
	return "0x" + hex.EncodeToString([]byte(ref))
}
