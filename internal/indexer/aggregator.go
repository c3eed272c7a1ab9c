// Package indexer folds ledger events into a live severity aggregate.
// On startup it replays all historical events exactly once, then merges
// the live subscription into the same aggregate without double counting.
package indexer

import (
	"sync"

	"github.com/sentinelchain/sentinel/internal/metrics"
)

// Classification thresholds. Fixed in this design; a future revision
// may make them configurable.
const (
	criticalThreshold = 7
	mediumThreshold   = 4
)

// Snapshot is a point-in-time copy of the severity aggregate.
type Snapshot struct {
	Low      uint64 `json:"low"`
	Medium   uint64 `json:"medium"`
	Critical uint64 `json:"critical"`
}

// Aggregator owns the process-wide severity counters. All mutation goes
// through one mutex: the critical-by-level and critical-by-keyword
// paths increment the same counter, so a single lock covers both.
type Aggregator struct {
	mu       sync.Mutex
	low      uint64
	medium   uint64
	critical uint64
}

// NewAggregator returns a zeroed Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// FoldLevel classifies a numeric alert level into the aggregate:
// level >= 7 is critical, 4 <= level < 7 is medium, below 4 is low.
func (a *Aggregator) FoldLevel(level uint8) {
	a.mu.Lock()
	switch {
	case level >= criticalThreshold:
		a.critical++
	case level >= mediumThreshold:
		a.medium++
	default:
		a.low++
	}
	a.publishLocked()
	a.mu.Unlock()
}

// FoldCritical increments the critical counter directly. Used for
// keyword-triggered critical events, which bypass level classification.
func (a *Aggregator) FoldCritical() {
	a.mu.Lock()
	a.critical++
	a.publishLocked()
	a.mu.Unlock()
}

// Snapshot returns the current counters. Never blocks longer than the
// copy; safe to call concurrently with folding.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{Low: a.low, Medium: a.medium, Critical: a.critical}
}

// publishLocked mirrors the counters to the Prometheus gauges.
// Caller must hold a.mu.
func (a *Aggregator) publishLocked() {
	metrics.SetSeverityGauge("low", float64(a.low))
	metrics.SetSeverityGauge("medium", float64(a.medium))
	metrics.SetSeverityGauge("critical", float64(a.critical))
}
