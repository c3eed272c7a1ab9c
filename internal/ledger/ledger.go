// Package ledger defines the client contract for the append-only alert
// ledger and provides two implementations of it.
//
// The ledger is the system's source of truth: every committed alert
// record is hash-chained from a well-known genesis entry, so any
// tampering is detectable via VerifyChain. Commits emit events that
// downstream indexers replay historically and consume live.
//
// Two implementations of the Client interface are provided:
//   - Memory: in-process, for testing and single-process deployments.
//   - Postgres: durable, for production use.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sentinelchain/sentinel/internal/fingerprint"
)

// Sentinel errors returned by Client operations.
var (
	// ErrUnavailable means the ledger could not be reached or a commit
	// did not confirm within its deadline. Retryable.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrRejected means the ledger refused the transaction, e.g.
	// malformed arguments. Not retried automatically.
	ErrRejected = errors.New("ledger rejected transaction")

	// ErrNotFound means a read query matched no record. A normal
	// outcome, not a failure.
	ErrNotFound = errors.New("log record not found")
)

// Kind identifies an event stream emitted by the ledger.
type Kind string

const (
	// KindAlertTriggered is emitted once for every committed record.
	KindAlertTriggered Kind = "alert_triggered"

	// KindCriticalAlert is additionally emitted when a committed
	// record's description contains a critical keyword.
	KindCriticalAlert Kind = "critical_alert"
)

// Kinds lists every event stream a ledger emits, in a stable order.
var Kinds = []Kind{KindAlertTriggered, KindCriticalAlert}

// LogRef identifies the record an event belongs to. The critical-alert
// stream exposes the log ID only in digest form (Hashed=true), matching
// the indexed-topic behaviour of the upstream ledger program; consumers
// must branch on Hashed and must not treat a hashed reference as a
// verified content fingerprint.
type LogRef struct {
	Value  string `json:"value"`
	Hashed bool   `json:"hashed"`
}

// Event is a single entry in a ledger event stream. Seq is the global
// ledger position of the event and is strictly increasing across all
// kinds; it is the ordering marker consumers deduplicate on.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	LogRef    LogRef    `json:"log_ref"`
	AgentID   string    `json:"agent_id,omitempty"`
	Level     uint8     `json:"level,omitempty"`
	Keyword   string    `json:"keyword,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is a committed alert record as stored on the ledger.
// Immutable once committed. The log ID is externally supplied and
// treated as opaque; the ledger does not guarantee uniqueness, and a
// re-used ID overwrites the readable record (the chain keeps both).
type Record struct {
	LogID       string                  `json:"log_id"`
	AgentID     string                  `json:"agent_id"`
	Level       uint8                   `json:"level"`
	Description string                  `json:"description"`
	Fingerprint [fingerprint.Size]byte  `json:"-"`
	RawLog      string                  `json:"raw_log"`
	Timestamp   time.Time               `json:"timestamp"`
	Seq         uint64                  `json:"seq"`
}

// FingerprintHex returns the record's fingerprint in wire form.
func (r *Record) FingerprintHex() string {
	return fingerprint.Hex(r.Fingerprint)
}

// Receipt confirms a durable commit.
type Receipt struct {
	TxHash string `json:"tx_hash"`
	LogID  string `json:"log_id"`
	Seq    uint64 `json:"seq"`
}

// Subscription is a handle to a live event stream registration.
type Subscription interface {
	// Cancel unregisters the subscription. Safe to call more than once.
	Cancel()
}

// Client is the typed handle to the append-only ledger. Both Memory and
// Postgres implement this interface, so ingestion and indexing logic is
// testable against an in-memory ledger.
type Client interface {
	// Commit durably appends an alert record. It blocks until the
	// ledger has accepted the transaction; this is the one operation
	// allowed to have high, variable latency, bounded by ctx. A ctx
	// deadline surfaces as ErrUnavailable, a refused write as
	// ErrRejected.
	Commit(ctx context.Context, logID, agentID string, level uint8, description string, fp [fingerprint.Size]byte, rawLog string) (*Receipt, error)

	// FetchRecord returns the record stored under logID, or ErrNotFound.
	FetchRecord(ctx context.Context, logID string) (*Record, error)

	// VerifyDigest delegates digest comparison to the ledger. candidate
	// is a 0x-prefixed hex digest. false with nil error is a legitimate
	// mismatch; ErrNotFound means no record exists under logID.
	VerifyDigest(ctx context.Context, logID, candidate string) (bool, error)

	// HistoricalEvents returns every event of the given kind emitted
	// since genesis up to call time, ordered by Seq. Finite, one-shot.
	HistoricalEvents(ctx context.Context, kind Kind) ([]Event, error)

	// Subscribe registers handler for every event of the given kind
	// with Seq greater than afterSeq: first the stored backlog, then
	// live events, in emission order, with no gap between the two.
	// afterSeq 0 replays the full stream; a consumer that has already
	// replayed history passes its replay high-water mark. Different
	// kinds may be delivered concurrently. Delivery survives transient
	// connection loss via internal backoff-and-resume; it stops when
	// ctx is done or Cancel is called.
	Subscribe(ctx context.Context, kind Kind, afterSeq uint64, handler func(Event)) (Subscription, error)
}

// Chain exposes the tamper-evidence surface of a ledger: the hash chain
// the records are committed into. Read-only.
type Chain interface {
	// VerifyChain walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	VerifyChain(ctx context.Context) error

	// Len returns the number of chain entries, including genesis.
	Len(ctx context.Context) (int, error)

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)

	// Entry returns the chain entry at the given zero-based index.
	Entry(ctx context.Context, index int) (*Entry, error)
}

// criticalKeywords are the description substrings that make the ledger
// emit a critical_alert event alongside the regular alert_triggered.
// Fixed in the ledger program; mirrored here for both implementations.
var criticalKeywords = []string{
	"malware", "ransomware", "rootkit", "backdoor", "injection", "exfiltrat",
}

// criticalKeyword reports the first critical keyword found in
// description, if any.
func criticalKeyword(description string) (string, bool) {
	lower := strings.ToLower(description)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

// hashedRef converts a plain log ID into the digest-only reference form
// used by the critical_alert stream.
func hashedRef(logID string) LogRef {
	d := fingerprint.Digest(logID)
	return LogRef{Value: fingerprint.Hex(d), Hashed: true}
}

// digestsEqual compares two digest strings, tolerating 0x-prefix and
// case differences.
func digestsEqual(a, b string) bool {
	da, oka := fingerprint.ParseHex(a)
	db, okb := fingerprint.ParseHex(b)
	if oka && okb {
		return da == db
	}
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}
