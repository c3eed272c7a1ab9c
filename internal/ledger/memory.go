package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// subBuffer is the per-subscription delivery buffer. A commit whose
// subscriber is this far behind waits for the buffer to drain, but it
// does so without holding the ledger lock, so the subscriber can keep
// reading records and catch up.
const subBuffer = 1024

// Memory is an in-memory, thread-safe ledger. It implements both Client
// and Chain and is primarily useful for testing and for single-process
// deployments that do not require durable persistence across restarts.
type Memory struct {
	mu      sync.RWMutex
	entries []*Entry
	records map[string]*Record
	events  []Event
	subs    map[Kind]map[int]*memorySub
	nextSub int

	// Commits take a ticket under mu and send their events strictly in
	// ticket order, coordinated by turnCond. A sender waiting its turn
	// or blocked on a full subscriber buffer holds neither mu nor
	// turnMu, so readers and subscriber handlers always make progress.
	turnMu     sync.Mutex
	turnCond   *sync.Cond
	emitTicket uint64
	emitTurn   uint64
}

var (
	_ Client = (*Memory)(nil)
	_ Chain  = (*Memory)(nil)
)

// NewMemory creates a Memory ledger initialised with the canonical
// genesis entry. The genesis entry is at index 0 and its hash is
// GenesisHash.
func NewMemory() *Memory {
	l := &Memory{
		records: make(map[string]*Record),
		subs:    make(map[Kind]map[int]*memorySub),
	}
	l.turnCond = sync.NewCond(&l.turnMu)
	genesis := &Entry{
		Index:     0,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		LogID:     "",
		AgentID:   "sentinel-genesis",
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // genesis hash is the well-known constant, not computed
	}
	l.entries = append(l.entries, genesis)
	return l
}

// outbound is one appended event plus the subscribers registered for
// its kind at append time.
type outbound struct {
	ev   Event
	subs []*memorySub
}

// Commit implements Client.
func (l *Memory) Commit(ctx context.Context, logID, agentID string, level uint8, description string, fp [32]byte, rawLog string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if logID == "" {
		return nil, fmt.Errorf("%w: empty log id", ErrRejected)
	}
	if agentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrRejected)
	}

	l.mu.Lock()

	// Truncated to what timestamptz storage keeps, so a persisted entry
	// re-hashes to the same value it was committed with.
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := &Record{
		LogID:       logID,
		AgentID:     agentID,
		Level:       level,
		Description: description,
		Fingerprint: fp,
		RawLog:      rawLog,
		Timestamp:   now,
	}

	prev := l.entries[len(l.entries)-1]
	entry := &Entry{
		Index:     len(l.entries),
		Timestamp: now,
		LogID:     logID,
		AgentID:   agentID,
		DataHash:  recordDataHash(logID, agentID, level, description, rec.FingerprintHex(), rawLog),
		PrevHash:  prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)

	rec.Seq = uint64(entry.Index)
	l.records[logID] = rec

	out := []outbound{l.append(Event{
		Kind:      KindAlertTriggered,
		LogRef:    LogRef{Value: logID},
		AgentID:   agentID,
		Level:     level,
		Timestamp: now,
	})}
	if kw, ok := criticalKeyword(description); ok {
		out = append(out, l.append(Event{
			Kind:      KindCriticalAlert,
			LogRef:    hashedRef(logID),
			Keyword:   kw,
			Timestamp: now,
		}))
	}

	// The ticket is assigned under mu, so ticket order equals seq order.
	ticket := l.emitTicket
	l.emitTicket++
	l.mu.Unlock()

	l.turnMu.Lock()
	for l.emitTurn != ticket {
		l.turnCond.Wait()
	}
	l.turnMu.Unlock()

	for _, o := range out {
		for _, sub := range o.subs {
			select {
			case sub.ch <- o.ev:
			case <-sub.done:
			case <-ctx.Done():
				// The commit is already recorded; a stalled subscriber
				// must not hold the caller past its deadline. The event
				// stays in the log for later resumption.
			}
		}
	}

	l.turnMu.Lock()
	l.emitTurn++
	l.turnCond.Broadcast()
	l.turnMu.Unlock()

	return &Receipt{TxHash: entry.TxHash(), LogID: logID, Seq: uint64(entry.Index)}, nil
}

// append assigns the next seq, appends ev to the event log and snapshots
// the current subscribers of its kind. Caller must hold l.mu.
func (l *Memory) append(ev Event) outbound {
	ev.Seq = uint64(len(l.events) + 1)
	l.events = append(l.events, ev)
	subs := make([]*memorySub, 0, len(l.subs[ev.Kind]))
	for _, sub := range l.subs[ev.Kind] {
		subs = append(subs, sub)
	}
	return outbound{ev: ev, subs: subs}
}

// FetchRecord implements Client.
func (l *Memory) FetchRecord(_ context.Context, logID string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[logID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, logID)
	}
	cp := *rec
	return &cp, nil
}

// VerifyDigest implements Client.
func (l *Memory) VerifyDigest(ctx context.Context, logID, candidate string) (bool, error) {
	rec, err := l.FetchRecord(ctx, logID)
	if err != nil {
		return false, err
	}
	return digestsEqual(candidate, rec.FingerprintHex()), nil
}

// HistoricalEvents implements Client.
func (l *Memory) HistoricalEvents(_ context.Context, kind Kind) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memorySub struct {
	ch     chan Event
	done   chan struct{}
	cancel func()
}

// Cancel implements Subscription.
func (s *memorySub) Cancel() { s.cancel() }

// Subscribe implements Client. The handler runs on a dedicated
// goroutine: first the stored backlog past afterSeq, then live events
// in emission order.
func (l *Memory) Subscribe(ctx context.Context, kind Kind, afterSeq uint64, handler func(Event)) (Subscription, error) {
	l.mu.Lock()

	id := l.nextSub
	l.nextSub++

	sub := &memorySub{ch: make(chan Event, subBuffer), done: make(chan struct{})}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[kind], id)
			l.mu.Unlock()
			close(sub.done)
		})
	}

	if l.subs[kind] == nil {
		l.subs[kind] = make(map[int]*memorySub)
	}
	l.subs[kind][id] = sub

	// Snapshot the backlog while registered under the same lock: every
	// event is either in the snapshot or arrives on the channel, never
	// neither, never both.
	var backlog []Event
	for _, ev := range l.events {
		if ev.Kind == kind && ev.Seq > afterSeq {
			backlog = append(backlog, ev)
		}
	}
	l.mu.Unlock()

	go func() {
		for _, ev := range backlog {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				sub.cancel()
				return
			default:
			}
			handler(ev)
		}
		for {
			select {
			case ev := <-sub.ch:
				handler(ev)
			case <-sub.done:
				return
			case <-ctx.Done():
				sub.cancel()
				return
			}
		}
	}()

	return sub, nil
}

// VerifyChain implements Chain. It walks the chain and checks that all
// hashes are consistent. The genesis entry is validated against
// GenesisHash.
func (l *Memory) VerifyChain(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		prev := l.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}

// Len implements Chain.
func (l *Memory) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Root implements Chain.
func (l *Memory) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}

// Entry implements Chain.
func (l *Memory) Entry(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("%w: chain index %d", ErrNotFound, index)
	}
	return l.entries[index], nil
}
