package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sentinelchain/sentinel/internal/fingerprint"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to
// serialise concurrent Commit calls. The value is arbitrary but must be
// consistent across all writer instances.
const advisoryLockKey = int64(7_405_118_230)

// resubscribeMax caps the exponential backoff between reconnect
// attempts of the live subscription loop.
const resubscribeMax = 30 * time.Second

var programRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Postgres is a durable ledger backed by PostgreSQL. It implements
// Client and Chain. Commits are serialised with an advisory lock inside
// a single transaction; live events ride on LISTEN/NOTIFY with a
// sequence cursor, so delivery resumes without gaps after connection
// loss.
type Postgres struct {
	pool       *pgxpool.Pool
	program    string // chain namespace; also the NOTIFY channel suffix
	credential string // committer identity stamped on chain entries
	logger     *zap.Logger
}

var (
	_ Client = (*Postgres)(nil)
	_ Chain  = (*Postgres)(nil)
)

// NewPostgres creates a Postgres ledger on the given pool. program must
// match ^[a-z0-9_]+$ — it namespaces the notification channel so
// several chains can share one database.
func NewPostgres(pool *pgxpool.Pool, program, credential string, logger *zap.Logger) (*Postgres, error) {
	if !programRe.MatchString(program) {
		return nil, fmt.Errorf("invalid ledger program %q", program)
	}
	return &Postgres{pool: pool, program: program, credential: credential, logger: logger}, nil
}

func (l *Postgres) channel() string {
	return "sentinel_events_" + l.program
}

// EnsureSchema creates the ledger tables and the genesis entry if they
// do not exist yet. Idempotent.
func (l *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sentinel_chain (
			idx       bigint PRIMARY KEY,
			ts        timestamptz NOT NULL,
			log_id    text NOT NULL,
			agent_id  text NOT NULL,
			data_hash text NOT NULL,
			prev_hash text NOT NULL,
			hash      text NOT NULL,
			committer text NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sentinel_records (
			log_id      text PRIMARY KEY,
			agent_id    text NOT NULL,
			level       smallint NOT NULL,
			description text NOT NULL,
			fingerprint text NOT NULL,
			raw_log     text NOT NULL,
			ts          timestamptz NOT NULL,
			seq         bigint NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sentinel_events (
			seq        bigserial PRIMARY KEY,
			kind       text NOT NULL,
			log_ref    text NOT NULL,
			ref_hashed boolean NOT NULL,
			agent_id   text NOT NULL DEFAULT '',
			level      smallint NOT NULL DEFAULT 0,
			keyword    text NOT NULL DEFAULT '',
			ts         timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sentinel_events_kind_seq ON sentinel_events (kind, seq)`,
	}
	for _, s := range stmts {
		if _, err := l.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO sentinel_chain (idx, ts, log_id, agent_id, data_hash, prev_hash, hash, committer)
		 VALUES (0, now(), '', 'sentinel-genesis', $1, $1, $1, '')
		 ON CONFLICT (idx) DO NOTHING`,
		GenesisHash,
	)
	if err != nil {
		return fmt.Errorf("insert genesis: %w", err)
	}
	return nil
}

// Commit implements Client. It acquires the advisory lock, reads the
// chain tail, inserts the chain entry, the readable record and the
// emitted events, and notifies live subscribers — all in one
// transaction.
func (l *Postgres) Commit(ctx context.Context, logID, agentID string, level uint8, description string, fp [fingerprint.Size]byte, rawLog string) (*Receipt, error) {
	if logID == "" {
		return nil, fmt.Errorf("%w: empty log id", ErrRejected)
	}
	if agentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrRejected)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent commits with a transaction-scoped advisory
	// lock. Released automatically on commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, classify("acquire advisory lock", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM sentinel_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, classify("read chain tail", err)
	}

	// timestamptz stores microseconds; hashing a finer timestamp would
	// make every re-read entry fail verification.
	now := time.Now().UTC().Truncate(time.Microsecond)
	fpHex := fingerprint.Hex(fp)
	entry := &Entry{
		Index:     prevIdx + 1,
		Timestamp: now,
		LogID:     logID,
		AgentID:   agentID,
		DataHash:  recordDataHash(logID, agentID, level, description, fpHex, rawLog),
		PrevHash:  prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO sentinel_chain (idx, ts, log_id, agent_id, data_hash, prev_hash, hash, committer)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Index, entry.Timestamp, entry.LogID, entry.AgentID,
		entry.DataHash, entry.PrevHash, entry.Hash, l.credential,
	); err != nil {
		return nil, classify("insert chain entry", err)
	}

	// The readable record is keyed by log id; a re-used id overwrites
	// the record while the chain keeps both commits.
	if _, err := tx.Exec(ctx,
		`INSERT INTO sentinel_records (log_id, agent_id, level, description, fingerprint, raw_log, ts, seq)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (log_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id, level = EXCLUDED.level,
			description = EXCLUDED.description, fingerprint = EXCLUDED.fingerprint,
			raw_log = EXCLUDED.raw_log, ts = EXCLUDED.ts, seq = EXCLUDED.seq`,
		logID, agentID, int16(level), description, fpHex, rawLog, now, entry.Index,
	); err != nil {
		return nil, classify("insert record", err)
	}

	if err := l.insertEvent(ctx, tx, Event{
		Kind:      KindAlertTriggered,
		LogRef:    LogRef{Value: logID},
		AgentID:   agentID,
		Level:     level,
		Timestamp: now,
	}); err != nil {
		return nil, err
	}
	if kw, ok := criticalKeyword(description); ok {
		if err := l.insertEvent(ctx, tx, Event{
			Kind:      KindCriticalAlert,
			LogRef:    hashedRef(logID),
			Keyword:   kw,
			Timestamp: now,
		}); err != nil {
			return nil, err
		}
	}

	// Delivered to listeners when the transaction commits.
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, '')", l.channel()); err != nil {
		return nil, classify("notify", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit tx", err)
	}

	l.logger.Debug("ledger commit confirmed",
		zap.Int("idx", entry.Index),
		zap.String("log_id", logID),
		zap.String("agent_id", agentID),
	)
	return &Receipt{TxHash: entry.TxHash(), LogID: logID, Seq: uint64(entry.Index)}, nil
}

func (l *Postgres) insertEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO sentinel_events (kind, log_ref, ref_hashed, agent_id, level, keyword, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(ev.Kind), ev.LogRef.Value, ev.LogRef.Hashed,
		ev.AgentID, int16(ev.Level), ev.Keyword, ev.Timestamp,
	); err != nil {
		return classify("insert event", err)
	}
	return nil
}

// FetchRecord implements Client.
func (l *Postgres) FetchRecord(ctx context.Context, logID string) (*Record, error) {
	var rec Record
	var level int16
	var fpHex string
	err := l.pool.QueryRow(ctx,
		`SELECT log_id, agent_id, level, description, fingerprint, raw_log, ts, seq
		 FROM sentinel_records WHERE log_id = $1`, logID,
	).Scan(&rec.LogID, &rec.AgentID, &level, &rec.Description, &fpHex, &rec.RawLog, &rec.Timestamp, &rec.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, logID)
	}
	if err != nil {
		return nil, classify("fetch record", err)
	}
	rec.Level = uint8(level)
	if d, ok := fingerprint.ParseHex(fpHex); ok {
		rec.Fingerprint = d
	}
	return &rec, nil
}

// VerifyDigest implements Client.
func (l *Postgres) VerifyDigest(ctx context.Context, logID, candidate string) (bool, error) {
	rec, err := l.FetchRecord(ctx, logID)
	if err != nil {
		return false, err
	}
	return digestsEqual(candidate, rec.FingerprintHex()), nil
}

// HistoricalEvents implements Client.
func (l *Postgres) HistoricalEvents(ctx context.Context, kind Kind) ([]Event, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT seq, kind, log_ref, ref_hashed, agent_id, level, keyword, ts
		 FROM sentinel_events WHERE kind = $1 ORDER BY seq ASC`, string(kind),
	)
	if err != nil {
		return nil, classify("query events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, classify("scan event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate events", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	var kind string
	var level int16
	if err := row.Scan(&ev.Seq, &kind, &ev.LogRef.Value, &ev.LogRef.Hashed,
		&ev.AgentID, &level, &ev.Keyword, &ev.Timestamp); err != nil {
		return Event{}, err
	}
	ev.Kind = Kind(kind)
	ev.Level = uint8(level)
	return ev, nil
}

type pgSub struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Cancel implements Subscription.
func (s *pgSub) Cancel() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe implements Client. The delivery loop LISTENs on the chain's
// notification channel and advances a sequence cursor starting at
// afterSeq, so events are delivered in order and exactly once per
// subscription while the connection holds; after connection loss it
// backs off, reconnects and resumes from the cursor.
func (l *Postgres) Subscribe(ctx context.Context, kind Kind, afterSeq uint64, handler func(Event)) (Subscription, error) {
	cursor := afterSeq

	subCtx, cancel := context.WithCancel(ctx)
	sub := &pgSub{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		backoff := time.Second
		for {
			if subCtx.Err() != nil {
				return
			}
			err := l.deliverLoop(subCtx, kind, &cursor, handler)
			if subCtx.Err() != nil {
				return
			}
			l.logger.Warn("ledger subscription interrupted, reconnecting",
				zap.String("kind", string(kind)),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-time.After(backoff):
			case <-subCtx.Done():
				return
			}
			backoff *= 2
			if backoff > resubscribeMax {
				backoff = resubscribeMax
			}
		}
	}()

	return sub, nil
}

// deliverLoop holds one dedicated connection: it drains events past the
// cursor, then blocks on notifications until the connection breaks or
// ctx is done.
func (l *Postgres) deliverLoop(ctx context.Context, kind Kind, cursor *uint64, handler func(Event)) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel()}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		if err := l.drain(ctx, kind, cursor, handler); err != nil {
			return err
		}
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
	}
}

// drain delivers every stored event of the kind past the cursor.
func (l *Postgres) drain(ctx context.Context, kind Kind, cursor *uint64, handler func(Event)) error {
	rows, err := l.pool.Query(ctx,
		`SELECT seq, kind, log_ref, ref_hashed, agent_id, level, keyword, ts
		 FROM sentinel_events WHERE kind = $1 AND seq > $2 ORDER BY seq ASC`,
		string(kind), *cursor,
	)
	if err != nil {
		return fmt.Errorf("query new events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("scan new event: %w", err)
		}
		handler(ev)
		*cursor = ev.Seq
	}
	return rows.Err()
}

// VerifyChain implements Chain. It streams all rows ordered by idx and
// validates the hash chain. O(n) in chain length.
func (l *Postgres) VerifyChain(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT idx, ts, log_id, agent_id, data_hash, prev_hash, hash
		 FROM sentinel_chain ORDER BY idx ASC`,
	)
	if err != nil {
		return classify("query chain", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr := &Entry{}
		if err := rows.Scan(&curr.Index, &curr.Timestamp, &curr.LogID, &curr.AgentID,
			&curr.DataHash, &curr.PrevHash, &curr.Hash); err != nil {
			return classify("scan chain row", err)
		}

		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
	}
	return rows.Err()
}

// Len implements Chain.
func (l *Postgres) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM sentinel_chain").Scan(&n); err != nil {
		return 0, classify("count chain entries", err)
	}
	return n, nil
}

// Root implements Chain.
func (l *Postgres) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM sentinel_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", classify("get chain root", err)
	}
	return hash, nil
}

// Entry implements Chain.
func (l *Postgres) Entry(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	err := l.pool.QueryRow(ctx,
		`SELECT idx, ts, log_id, agent_id, data_hash, prev_hash, hash
		 FROM sentinel_chain WHERE idx = $1`, index,
	).Scan(&entry.Index, &entry.Timestamp, &entry.LogID, &entry.AgentID,
		&entry.DataHash, &entry.PrevHash, &entry.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: chain index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, classify("get chain entry", err)
	}
	return entry, nil
}

// classify maps a driver error onto the ledger error taxonomy:
// integrity violations mean the write was refused (ErrRejected),
// everything else — timeouts, broken connections — is ErrUnavailable.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %s: %v", ErrRejected, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
