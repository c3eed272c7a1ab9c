package indexer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelchain/sentinel/internal/fingerprint"
	"github.com/sentinelchain/sentinel/internal/ledger"
	"github.com/sentinelchain/sentinel/internal/metrics"
	"github.com/sentinelchain/sentinel/internal/webhooks"
)

// resolveTimeout bounds the per-event record lookup done for display
// and webhook payloads. Lookup failure never fails the fold.
const resolveTimeout = 5 * time.Second

// Hash provenance markers. A derived placeholder is never equivalent
// evidence to a ledger-recorded fingerprint and is labelled as such
// everywhere it surfaces.
const (
	HashFromLedger = "ledger"
	HashDerived    = "derived"
)

// WebhookDispatchFunc is an optional callback for pushing live alert
// notifications. Replayed history is never dispatched.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// Indexer replays historical ledger events into an Aggregator, then
// merges the live subscription into it. Exactly-once accounting across
// the replay/live hand-off relies on the ledger's sequence marker:
// every live event whose Seq is at or below the replay high-water mark
// for its kind is discarded.
type Indexer struct {
	client ledger.Client
	agg    *Aggregator
	logger *zap.Logger

	onWebhook WebhookDispatchFunc

	mu        sync.Mutex
	highWater map[ledger.Kind]uint64
	subs      []ledger.Subscription

	ready atomic.Bool
}

// New creates an Indexer over the given ledger client and aggregate.
func New(client ledger.Client, agg *Aggregator, logger *zap.Logger) *Indexer {
	return &Indexer{
		client:    client,
		agg:       agg,
		logger:    logger,
		highWater: make(map[ledger.Kind]uint64),
	}
}

// SetWebhookDispatch configures the live-notification callback.
func (ix *Indexer) SetWebhookDispatch(fn WebhookDispatchFunc) {
	ix.onWebhook = fn
}

// Ready reports whether bootstrap has completed. The read API must not
// serve aggregates before this returns true: a half-replayed aggregate
// is not a valid snapshot.
func (ix *Indexer) Ready() bool {
	return ix.ready.Load()
}

// Bootstrap replays all historical events of every tracked kind, in
// ledger order, exactly once. An error here is fatal to readiness; the
// caller must not start live consumption or serve reads after a failed
// bootstrap.
func (ix *Indexer) Bootstrap(ctx context.Context) error {
	for _, kind := range ledger.Kinds {
		events, err := ix.client.HistoricalEvents(ctx, kind)
		if err != nil {
			return fmt.Errorf("replay %s: %w", kind, err)
		}
		for _, ev := range events {
			ix.fold(ctx, ev, "replay")
			ix.mu.Lock()
			if ev.Seq > ix.highWater[kind] {
				ix.highWater[kind] = ev.Seq
			}
			ix.mu.Unlock()
		}
		ix.logger.Info("replayed historical events",
			zap.String("kind", string(kind)),
			zap.Int("count", len(events)),
		)
	}
	ix.ready.Store(true)
	return nil
}

// Start registers the live subscriptions, each resuming from the
// replay high-water mark of its kind so the replay/live hand-off is
// gap-free. Must be called after a successful Bootstrap. Delivery
// interruptions are retried inside the ledger client; Stop cancels the
// subscriptions.
func (ix *Indexer) Start(ctx context.Context) error {
	if !ix.Ready() {
		return fmt.Errorf("indexer not bootstrapped")
	}
	for _, kind := range ledger.Kinds {
		kind := kind
		ix.mu.Lock()
		resumeFrom := ix.highWater[kind]
		ix.mu.Unlock()
		sub, err := ix.client.Subscribe(ctx, kind, resumeFrom, func(ev ledger.Event) {
			ix.onLive(ev)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
		ix.mu.Lock()
		ix.subs = append(ix.subs, sub)
		ix.mu.Unlock()
		ix.logger.Info("live subscription active", zap.String("kind", string(kind)))
	}
	return nil
}

// Stop cancels all live subscriptions.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	subs := ix.subs
	ix.subs = nil
	ix.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// onLive merges one live event. The subscription resumes from the
// replay high-water mark, so duplicates should not occur; the sequence
// check stays as a second line of defence so nothing is ever counted
// twice even if the ledger re-delivers.
func (ix *Indexer) onLive(ev ledger.Event) {
	ix.mu.Lock()
	if ev.Seq <= ix.highWater[ev.Kind] {
		ix.mu.Unlock()
		metrics.RecordEventDeduped()
		ix.logger.Debug("duplicate live event discarded",
			zap.Uint64("seq", ev.Seq),
			zap.String("kind", string(ev.Kind)),
		)
		return
	}
	ix.highWater[ev.Kind] = ev.Seq
	ix.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	hash, provenance := ix.fold(ctx, ev, "live")

	if ix.onWebhook == nil {
		return
	}
	payload := map[string]string{
		"log_ref":         ev.LogRef.Value,
		"hash":            hash,
		"hash_provenance": provenance,
	}
	switch ev.Kind {
	case ledger.KindAlertTriggered:
		payload["agent_id"] = ev.AgentID
		payload["level"] = fmt.Sprintf("%d", ev.Level)
		ix.onWebhook(ctx, webhooks.EventAlertStored, payload)
	case ledger.KindCriticalAlert:
		payload["keyword"] = ev.Keyword
		ix.onWebhook(ctx, webhooks.EventAlertCritical, payload)
	}
}

// fold classifies one event into the aggregate and resolves its content
// hash for logging. The fold itself never fails: hash resolution is
// best-effort and falls back to a derived placeholder.
func (ix *Indexer) fold(ctx context.Context, ev ledger.Event, phase string) (hash, provenance string) {
	hash, provenance = ix.resolveHash(ctx, ev.LogRef)

	switch ev.Kind {
	case ledger.KindAlertTriggered:
		ix.agg.FoldLevel(ev.Level)
		ix.logger.Info("alert indexed",
			zap.String("phase", phase),
			zap.Uint64("seq", ev.Seq),
			zap.Uint8("level", ev.Level),
			zap.String("agent_id", ev.AgentID),
			zap.String("hash", hash),
			zap.String("hash_provenance", provenance),
		)
	case ledger.KindCriticalAlert:
		ix.agg.FoldCritical()
		ix.logger.Warn("critical alert indexed",
			zap.String("phase", phase),
			zap.Uint64("seq", ev.Seq),
			zap.String("keyword", ev.Keyword),
			zap.String("hash", hash),
			zap.String("hash_provenance", provenance),
		)
	default:
		ix.logger.Warn("unknown event kind skipped", zap.String("kind", string(ev.Kind)))
	}

	metrics.RecordEventIndexed(string(ev.Kind), phase)
	return hash, provenance
}

// resolveHash resolves the content fingerprint behind an event's log
// reference. A hashed reference is not a usable lookup key, and a
// record read can also fail for plain references (pruned record,
// re-used id); both cases fall back to a deterministic placeholder
// derived from the reference itself, marked HashDerived so it is never
// mistaken for ledger evidence.
func (ix *Indexer) resolveHash(ctx context.Context, ref ledger.LogRef) (string, string) {
	if ref.Hashed {
		return fingerprint.Placeholder(ref.Value), HashDerived
	}
	rec, err := ix.client.FetchRecord(ctx, ref.Value)
	if err != nil {
		ix.logger.Debug("record lookup failed, using derived placeholder",
			zap.String("log_ref", ref.Value),
			zap.Error(err),
		)
		return fingerprint.Placeholder(ref.Value), HashDerived
	}
	return rec.FingerprintHex(), HashFromLedger
}
