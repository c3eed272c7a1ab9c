package verifier_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/sentinelchain/sentinel/internal/fingerprint"
	"github.com/sentinelchain/sentinel/internal/ledger"
	"github.com/sentinelchain/sentinel/internal/verifier"
)

var ctx = context.Background()

func newLedgerWith(t *testing.T, logID, rawLog string) *ledger.Memory {
	t.Helper()
	l := ledger.NewMemory()
	if _, err := l.Commit(ctx, logID, "agent-1", 5, "desc", fingerprint.Digest(rawLog), rawLog); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestVerifyPayload_intact(t *testing.T) {
	raw := "Sep  1 10:15:02 web01 sshd[991]: Failed password for root"
	v := verifier.New(newLedgerWith(t, "log-1", raw), zap.NewNop())

	res, err := v.VerifyPayload(ctx, "log-1", raw)
	if err != nil {
		t.Fatalf("VerifyPayload: %v", err)
	}
	if !res.Verified {
		t.Error("intact payload not verified")
	}
	if res.Mode != verifier.ModePayload || res.LogID != "log-1" {
		t.Errorf("result = %+v", res)
	}
}

func TestVerifyPayload_singleByteTamper(t *testing.T) {
	raw := "Sep  1 10:15:02 web01 sshd[991]: Failed password for root"
	v := verifier.New(newLedgerWith(t, "log-1", raw), zap.NewNop())

	tampered := raw[:len(raw)-1] + "x"
	res, err := v.VerifyPayload(ctx, "log-1", tampered)
	if err != nil {
		t.Fatalf("a mismatch must not be an error: %v", err)
	}
	if res.Verified {
		t.Error("tampered payload verified")
	}
}

func TestVerifyDigest(t *testing.T) {
	raw := "original payload"
	v := verifier.New(newLedgerWith(t, "log-1", raw), zap.NewNop())

	good := fingerprint.Hex(fingerprint.Digest(raw))
	res, err := v.VerifyDigest(ctx, "log-1", good)
	if err != nil || !res.Verified {
		t.Errorf("good digest: res=%+v err=%v", res, err)
	}
	if res.Mode != verifier.ModeDigest {
		t.Errorf("mode = %q", res.Mode)
	}

	bad := fingerprint.Hex(fingerprint.Digest("something else"))
	res, err = v.VerifyDigest(ctx, "log-1", bad)
	if err != nil {
		t.Fatalf("a mismatch must not be an error: %v", err)
	}
	if res.Verified {
		t.Error("wrong digest verified")
	}
}

func TestVerify_unknownLogIsNotVerified(t *testing.T) {
	v := verifier.New(ledger.NewMemory(), zap.NewNop())

	res, err := v.VerifyPayload(ctx, "never-committed", "anything")
	if err != nil {
		t.Fatalf("unknown log must be a verdict, not an error: %v", err)
	}
	if res.Verified {
		t.Error("unknown log verified")
	}
}

// unreachableLedger simulates a ledger that cannot be reached at all.
type unreachableLedger struct{}

func (unreachableLedger) Commit(context.Context, string, string, uint8, string, [fingerprint.Size]byte, string) (*ledger.Receipt, error) {
	return nil, ledger.ErrUnavailable
}
func (unreachableLedger) FetchRecord(context.Context, string) (*ledger.Record, error) {
	return nil, ledger.ErrUnavailable
}
func (unreachableLedger) VerifyDigest(context.Context, string, string) (bool, error) {
	return false, ledger.ErrUnavailable
}
func (unreachableLedger) HistoricalEvents(context.Context, ledger.Kind) ([]ledger.Event, error) {
	return nil, ledger.ErrUnavailable
}
func (unreachableLedger) Subscribe(context.Context, ledger.Kind, uint64, func(ledger.Event)) (ledger.Subscription, error) {
	return nil, ledger.ErrUnavailable
}

func TestVerify_transportFailureIsAnError(t *testing.T) {
	v := verifier.New(unreachableLedger{}, zap.NewNop())

	res, err := v.VerifyPayload(ctx, "log-1", "payload")
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if res.Verified {
		t.Error("unreachable ledger produced a positive verdict")
	}
}
