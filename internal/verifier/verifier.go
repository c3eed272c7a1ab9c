// Package verifier re-derives and compares log fingerprints against the
// ledger. A failed comparison is a legitimate outcome, not an error:
// "not verified" and "could not reach the ledger" never collapse into
// one value.
package verifier

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sentinelchain/sentinel/internal/fingerprint"
	"github.com/sentinelchain/sentinel/internal/ledger"
)

// Verification modes recorded on results.
const (
	ModePayload = "payload"
	ModeDigest  = "digest"
)

// Result is an integrity verdict for one log record.
type Result struct {
	LogID    string `json:"logId"`
	Verified bool   `json:"verified"`
	Mode     string `json:"mode"`
}

// Verifier checks claimed payloads or digests against ledger records.
type Verifier struct {
	client ledger.Client
	logger *zap.Logger
}

// New creates a Verifier on the given ledger client.
func New(client ledger.Client, logger *zap.Logger) *Verifier {
	return &Verifier{client: client, logger: logger}
}

// VerifyPayload recomputes the fingerprint of a claimed-original
// payload and compares it against the ledger record under logID.
// A missing record or a mismatch yields Verified=false with nil error;
// the error return is reserved for transport-level failure.
func (v *Verifier) VerifyPayload(ctx context.Context, logID, payload string) (Result, error) {
	d := fingerprint.Digest(payload)
	return v.check(ctx, logID, fingerprint.Hex(d), ModePayload)
}

// VerifyDigest compares a previously retrieved digest against the
// ledger record under logID. Same error semantics as VerifyPayload.
func (v *Verifier) VerifyDigest(ctx context.Context, logID, candidate string) (Result, error) {
	return v.check(ctx, logID, candidate, ModeDigest)
}

func (v *Verifier) check(ctx context.Context, logID, candidate, mode string) (Result, error) {
	res := Result{LogID: logID, Mode: mode}

	ok, err := v.client.VerifyDigest(ctx, logID, candidate)
	switch {
	case err == nil:
		res.Verified = ok
		return res, nil
	case errors.Is(err, ledger.ErrNotFound):
		// No record under this id: not verified, but a normal outcome.
		return res, nil
	default:
		v.logger.Warn("verification query failed",
			zap.String("log_id", logID),
			zap.Error(err),
		)
		return res, err
	}
}
