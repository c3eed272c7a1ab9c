package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentinelchain/sentinel/internal/fingerprint"
	"github.com/sentinelchain/sentinel/internal/ledger"
)

var ctx = context.Background()

func commit(t *testing.T, l *ledger.Memory, logID, agentID string, level uint8, description, rawLog string) *ledger.Receipt {
	t.Helper()
	rcpt, err := l.Commit(ctx, logID, agentID, level, description, fingerprint.Digest(rawLog), rawLog)
	if err != nil {
		t.Fatalf("Commit(%q): %v", logID, err)
	}
	return rcpt
}

func TestMemory_genesis(t *testing.T) {
	l := ledger.NewMemory()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("fresh ledger has %d entries, want 1", n)
	}

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != ledger.GenesisHash {
		t.Errorf("fresh ledger root = %q, want genesis hash", root)
	}
	if len(ledger.GenesisHash) != 64 || strings.Trim(ledger.GenesisHash, "0") != "" {
		t.Errorf("genesis hash is not 64 hex zeros: %q", ledger.GenesisHash)
	}

	if err := l.VerifyChain(ctx); err != nil {
		t.Errorf("fresh ledger failed verification: %v", err)
	}
}

func TestMemory_commitAndFetch(t *testing.T) {
	l := ledger.NewMemory()

	raw := "Sep  1 10:15:02 host sshd[991]: Failed password for root"
	rcpt := commit(t, l, "log-1", "agent-007", 8, "sshd: brute force attempt", raw)

	if rcpt.LogID != "log-1" {
		t.Errorf("receipt log id = %q", rcpt.LogID)
	}
	if !strings.HasPrefix(rcpt.TxHash, "0x") {
		t.Errorf("receipt tx hash not 0x-prefixed: %q", rcpt.TxHash)
	}

	rec, err := l.FetchRecord(ctx, "log-1")
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if rec.AgentID != "agent-007" || rec.Level != 8 || rec.RawLog != raw {
		t.Errorf("stored record does not match commit: %+v", rec)
	}
	if rec.Fingerprint != fingerprint.Digest(raw) {
		t.Error("stored fingerprint differs from digest of raw payload")
	}

	if _, err := l.FetchRecord(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("FetchRecord(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemory_commitRejectsEmptyIDs(t *testing.T) {
	l := ledger.NewMemory()
	fp := fingerprint.Digest("x")

	if _, err := l.Commit(ctx, "", "agent", 1, "d", fp, "x"); !errors.Is(err, ledger.ErrRejected) {
		t.Errorf("empty log id: got %v, want ErrRejected", err)
	}
	if _, err := l.Commit(ctx, "log-1", "", 1, "d", fp, "x"); !errors.Is(err, ledger.ErrRejected) {
		t.Errorf("empty agent id: got %v, want ErrRejected", err)
	}
}

func TestMemory_chainGrowsAndVerifies(t *testing.T) {
	l := ledger.NewMemory()

	commit(t, l, "a", "agent-1", 3, "low noise", "raw a")
	commit(t, l, "b", "agent-2", 5, "medium noise", "raw b")
	commit(t, l, "c", "agent-1", 9, "rootkit detected", "raw c")

	n, _ := l.Len(ctx)
	if n != 4 {
		t.Fatalf("chain length = %d, want 4 (genesis + 3)", n)
	}
	if err := l.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	// Each entry links to its predecessor.
	for i := 1; i < n; i++ {
		curr, err := l.Entry(ctx, i)
		if err != nil {
			t.Fatal(err)
		}
		prev, err := l.Entry(ctx, i-1)
		if err != nil {
			t.Fatal(err)
		}
		if curr.PrevHash != prev.Hash {
			t.Errorf("entry %d prev hash does not match entry %d", i, i-1)
		}
	}

	if _, err := l.Entry(ctx, 99); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Entry(99) = %v, want ErrNotFound", err)
	}
}

func TestMemory_verifyDigest(t *testing.T) {
	l := ledger.NewMemory()
	commit(t, l, "log-1", "agent-1", 5, "desc", "original payload")

	good := fingerprint.Hex(fingerprint.Digest("original payload"))
	ok, err := l.VerifyDigest(ctx, "log-1", good)
	if err != nil || !ok {
		t.Errorf("matching digest: ok=%v err=%v", ok, err)
	}

	// Also accepted without the 0x prefix and in upper case.
	ok, err = l.VerifyDigest(ctx, "log-1", strings.ToUpper(strings.TrimPrefix(good, "0x")))
	if err != nil || !ok {
		t.Errorf("unprefixed upper-case digest: ok=%v err=%v", ok, err)
	}

	bad := fingerprint.Hex(fingerprint.Digest("tampered payload"))
	ok, err = l.VerifyDigest(ctx, "log-1", bad)
	if err != nil {
		t.Fatalf("mismatch must not be an error: %v", err)
	}
	if ok {
		t.Error("tampered digest verified")
	}

	if _, err := l.VerifyDigest(ctx, "missing", good); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("unknown log: got %v, want ErrNotFound", err)
	}
}

func TestMemory_eventEmission(t *testing.T) {
	l := ledger.NewMemory()

	commit(t, l, "a", "agent-1", 3, "routine scan finished", "raw a")
	commit(t, l, "b", "agent-2", 9, "Ransomware signature matched", "raw b")

	triggered, err := l.HistoricalEvents(ctx, ledger.KindAlertTriggered)
	if err != nil {
		t.Fatal(err)
	}
	if len(triggered) != 2 {
		t.Fatalf("alert_triggered events = %d, want 2", len(triggered))
	}
	if triggered[0].LogRef.Hashed {
		t.Error("alert_triggered carries a hashed log ref")
	}
	if triggered[0].LogRef.Value != "a" || triggered[1].LogRef.Value != "b" {
		t.Errorf("unexpected refs: %q, %q", triggered[0].LogRef.Value, triggered[1].LogRef.Value)
	}
	if triggered[0].Level != 3 || triggered[1].Level != 9 {
		t.Errorf("levels not carried on events: %d, %d", triggered[0].Level, triggered[1].Level)
	}

	critical, err := l.HistoricalEvents(ctx, ledger.KindCriticalAlert)
	if err != nil {
		t.Fatal(err)
	}
	if len(critical) != 1 {
		t.Fatalf("critical_alert events = %d, want 1", len(critical))
	}
	if critical[0].Keyword != "ransomware" {
		t.Errorf("keyword = %q, want ransomware (case-insensitive match)", critical[0].Keyword)
	}
	if !critical[0].LogRef.Hashed {
		t.Error("critical_alert ref must be hashed")
	}
	if critical[0].LogRef.Value == "b" {
		t.Error("critical_alert ref leaked the plain log id")
	}
}

func TestMemory_seqStrictlyIncreasing(t *testing.T) {
	l := ledger.NewMemory()

	commit(t, l, "a", "agent-1", 2, "nothing of note", "raw a")
	commit(t, l, "b", "agent-1", 9, "backdoor connection", "raw b")
	commit(t, l, "c", "agent-1", 5, "policy violation", "raw c")

	var all []ledger.Event
	for _, kind := range ledger.Kinds {
		evs, err := l.HistoricalEvents(ctx, kind)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, evs...)
	}
	if len(all) != 4 {
		t.Fatalf("total events = %d, want 4", len(all))
	}

	seen := make(map[uint64]bool)
	for _, ev := range all {
		if ev.Seq == 0 {
			t.Error("event without a seq marker")
		}
		if seen[ev.Seq] {
			t.Errorf("seq %d assigned twice", ev.Seq)
		}
		seen[ev.Seq] = true
	}
}

func TestMemory_subscribeDeliversBacklogThenLive(t *testing.T) {
	l := ledger.NewMemory()
	commit(t, l, "before", "agent-1", 4, "committed before subscribe", "raw")

	var mu sync.Mutex
	var got []ledger.Event
	sub, err := l.Subscribe(ctx, ledger.KindAlertTriggered, 0, func(ev ledger.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	commit(t, l, "after", "agent-1", 6, "committed after subscribe", "raw")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	// Backlog first, then the live event, in seq order.
	if got[0].LogRef.Value != "before" || got[1].LogRef.Value != "after" {
		t.Errorf("delivery order: %q, %q", got[0].LogRef.Value, got[1].LogRef.Value)
	}
	if got[0].Seq >= got[1].Seq {
		t.Errorf("seq not increasing across backlog boundary: %d, %d", got[0].Seq, got[1].Seq)
	}
}

// A subscription resuming from a cursor must deliver every stored event
// past it, however many accumulated while the consumer was away.
func TestMemory_subscribeResumesWithoutGap(t *testing.T) {
	l := ledger.NewMemory()

	commit(t, l, "log-0", "agent-1", 2, "first commit", "raw")
	first, err := l.HistoricalEvents(ctx, ledger.KindAlertTriggered)
	if err != nil {
		t.Fatal(err)
	}
	cursor := first[0].Seq

	const backlog = 300
	for i := 0; i < backlog; i++ {
		commit(t, l, fmt.Sprintf("log-%d", i+1), "agent-1", 2, "bulk commit", "raw")
	}

	var mu sync.Mutex
	var got []ledger.Event
	sub, err := l.Subscribe(ctx, ledger.KindAlertTriggered, cursor, func(ev ledger.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= backlog
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != backlog {
		t.Fatalf("delivered %d events past cursor, want %d", len(got), backlog)
	}
	for i, ev := range got {
		if ev.Seq <= cursor {
			t.Fatalf("event %d has seq %d at or before cursor %d", i, ev.Seq, cursor)
		}
		if i > 0 && ev.Seq != got[i-1].Seq+1 {
			t.Fatalf("gap in delivery: seq %d follows %d", ev.Seq, got[i-1].Seq)
		}
	}
}

// Commits must keep completing while a slow subscriber falls far behind
// its delivery buffer, including when its handler reads the ledger.
func TestMemory_commitSurvivesSlowReadingSubscriber(t *testing.T) {
	l := ledger.NewMemory()

	var handled atomic.Int64
	sub, err := l.Subscribe(ctx, ledger.KindAlertTriggered, 0, func(ev ledger.Event) {
		// Reading a record takes the ledger read lock, as real consumers do.
		if _, err := l.FetchRecord(ctx, ev.LogRef.Value); err != nil {
			t.Errorf("FetchRecord(%q): %v", ev.LogRef.Value, err)
		}
		time.Sleep(200 * time.Microsecond)
		handled.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	const commits = 1500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < commits; i++ {
			commit(t, l, fmt.Sprintf("log-%d", i), "agent-1", 3, "steady stream", "raw")
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("commits stalled behind a slow subscriber; %d events handled", handled.Load())
	}

	deadline := time.Now().Add(5 * time.Second)
	for handled.Load() < commits && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := handled.Load(); n != commits {
		t.Errorf("handler saw %d events, want %d", n, commits)
	}
}

// A commit whose context expires while a subscriber buffer is full must
// return instead of waiting on the subscriber forever.
func TestMemory_commitHonorsDeadlineWithStalledSubscriber(t *testing.T) {
	l := ledger.NewMemory()

	block := make(chan struct{})
	sub, err := l.Subscribe(ctx, ledger.KindAlertTriggered, 0, func(ledger.Event) {
		<-block
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()
	defer close(block)

	// One event is stuck in the handler; fill the delivery buffer behind it.
	for i := 0; i < 1026; i++ {
		commitCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		_, err := l.Commit(commitCtx, fmt.Sprintf("log-%d", i), "agent-1", 3, "filling", fingerprint.Digest("raw"), "raw")
		cancel()
		if err != nil {
			t.Fatalf("Commit(%d): %v", i, err)
		}
	}

	// The record is durable even though its event could not be delivered.
	if _, err := l.FetchRecord(ctx, "log-1025"); err != nil {
		t.Errorf("record missing after deadline-bounded commit: %v", err)
	}
	if err := l.VerifyChain(ctx); err != nil {
		t.Errorf("chain invalid after deadline-bounded commits: %v", err)
	}
}

func TestMemory_cancelStopsDelivery(t *testing.T) {
	l := ledger.NewMemory()

	var mu sync.Mutex
	count := 0
	sub, err := l.Subscribe(ctx, ledger.KindAlertTriggered, 0, func(ledger.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	commit(t, l, "a", "agent-1", 1, "first", "raw")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	sub.Cancel()
	sub.Cancel() // idempotent

	commit(t, l, "b", "agent-1", 1, "second", "raw")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("handler ran %d times after cancel, want 1", count)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
