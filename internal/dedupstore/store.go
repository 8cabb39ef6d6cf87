package dedupstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/logaggregator/aggregator/internal/aggregator"
	"github.com/logaggregator/aggregator/migrations"
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second

	// DefaultQueryLimit is applied to query_events when the caller omits limit.
	DefaultQueryLimit = 100
	// MinQueryLimit and MaxQueryLimit bound the clamped query_events limit.
	MinQueryLimit = 1
	MaxQueryLimit = 1000

	// Counter names tracked in system_stats.
	CounterReceived         = "received"
	CounterUniqueProcessed  = "unique_processed"
	CounterDuplicateDropped = "duplicate_dropped"
)

// CheckResult is the outcome of an atomic check-and-mark call.
type CheckResult int

const (
	// New indicates the (topic, event_id) pair was not previously seen.
	New CheckResult = iota
	// Duplicate indicates the pair had already been marked.
	Duplicate
)

func (r CheckResult) String() string {
	if r == New {
		return "New"
	}

	return "Duplicate"
}

// ErrNoDatabaseConnection is returned when a nil connection is supplied.
var ErrNoDatabaseConnection = errors.New("dedupstore: database connection is required")

// Store is the PostgreSQL-backed dedup store: the system's correctness
// anchor. check_and_mark is atomic via a unique-constraint insert whose
// conflict path is observable through RowsAffected; payload and counter
// writes are kept in separate tables so the hot path only ever touches the
// marker table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	config *Config

	// countersMu guards the in-memory counter cache and, in Checkpoint
	// mode, the buffer of deltas not yet flushed to system_stats. The
	// cache is seeded from disk at Open and is the authoritative source
	// read back by /stats and /health, per the design note that the
	// in-memory reflection must be initialized from disk at open time.
	countersMu    sync.Mutex
	counters      map[string]int64
	pendingFlush  map[string]int64
	mutationCount int

	closeOnce sync.Once
}

// Open acquires the dedup store's underlying storage handle: it connects
// to PostgreSQL, idempotently applies the embedded schema, and seeds the
// in-memory counter cache from the durable system_stats table.
func Open(config *Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := slog.Default()

	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("dedupstore: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("dedupstore: failed to ping database: %w", err)
	}

	if err := migrations.Apply(db, config.MigrationTable); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("dedupstore: schema setup failed: %w", err)
	}

	store := &Store{
		db:           db,
		logger:       logger,
		config:       config,
		counters:     make(map[string]int64),
		pendingFlush: make(map[string]int64),
	}

	if err := store.loadCountersFromDisk(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("dedupstore: failed to load counters: %w", err)
	}

	return store, nil
}

// Close flushes any buffered counter mutations and releases the
// connection pool. After Close returns, every preceding mutation is
// durable. Safe to call multiple times.
func (s *Store) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
		defer cancel()

		if err := s.flushCounters(ctx); err != nil {
			closeErr = fmt.Errorf("dedupstore: flush on close failed: %w", err)
		}

		if err := s.db.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("dedupstore: close failed: %w", err)
		}
	})

	return closeErr
}

// HealthCheck verifies the database connection without touching domain
// tables, suitable for a liveness probe.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CheckAndMark is the atomic check-and-mark primitive. It inserts a
// processed marker under the unique constraint on (topic, event_id);
// concurrent callers for the same key see exactly one New and the rest
// Duplicate. Marker writes are never batched, in either durability mode.
func (s *Store) CheckAndMark(ctx context.Context, topic, eventID string) (CheckResult, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (topic, event_id, first_seen_at)
		VALUES ($1, $2, now())
		ON CONFLICT (topic, event_id) DO NOTHING
	`, topic, eventID)
	if err != nil {
		if isUniqueViolation(err) {
			return Duplicate, nil
		}

		return Duplicate, fmt.Errorf("dedupstore: check_and_mark failed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return Duplicate, fmt.Errorf("dedupstore: check_and_mark rows affected: %w", err)
	}

	if rows == 1 {
		return New, nil
	}

	return Duplicate, nil
}

// StoreEvent writes the full stored event under its unique key. Must only
// be called after CheckAndMark returned New; attempting to store under an
// existing key is a silent no-op, a belt-and-braces guard against
// reordering. Never batched.
func (s *Store) StoreEvent(ctx context.Context, event aggregator.StoredEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_payloads (topic, event_id, timestamp, source, payload, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (topic, event_id) DO NOTHING
	`, event.Topic, event.EventID, event.Timestamp, event.Source, []byte(event.Payload), event.ProcessedAt)
	if err != nil {
		return fmt.Errorf("dedupstore: store_event failed: %w", err)
	}

	return nil
}

// IncrementCounter durably adjusts a named counter by delta, which may be
// negative (callers back out a count they provisionally added, e.g. the
// HTTP handler compensating for events that never made it onto the queue).
// The applied delta is floor-clamped so a counter never goes negative. In
// Strict mode the write is committed before return. In Checkpoint mode the
// delta is applied to the in-memory cache immediately (so /stats and
// /health observe it right away) but the durable write is buffered and
// flushed every CheckpointEvery mutations or on Close.
func (s *Store) IncrementCounter(ctx context.Context, name string, delta int64) error {
	s.countersMu.Lock()

	current := s.counters[name]

	applied := delta
	if current+delta < 0 {
		applied = -current
	}

	s.counters[name] = current + applied

	if s.config.Durability == Strict {
		value := s.counters[name]
		s.countersMu.Unlock()

		return s.persistCounter(ctx, name, value)
	}

	s.pendingFlush[name] += applied
	s.mutationCount++

	shouldFlush := s.mutationCount >= s.config.CheckpointEvery
	s.countersMu.Unlock()

	if shouldFlush {
		return s.flushCounters(ctx)
	}

	return nil
}

// LoadCounter reads the current value of a counter from the in-memory
// cache, which is seeded from disk at Open and kept current by every
// IncrementCounter call regardless of durability mode. Unseen counters
// return 0.
func (s *Store) LoadCounter(_ context.Context, name string) (int64, error) {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()

	return s.counters[name], nil
}

// QueryEvents returns up to limit stored events, optionally filtered to a
// topic, sorted by timestamp descending with (topic, event_id) as a
// stable tiebreak. limit is clamped to [MinQueryLimit, MaxQueryLimit].
func (s *Store) QueryEvents(ctx context.Context, topic string, limit int) ([]aggregator.StoredEvent, error) {
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, event_id, timestamp, source, payload, processed_at
		FROM event_payloads
		WHERE $1 = '' OR topic = $1
		ORDER BY timestamp DESC, topic ASC, event_id ASC
		LIMIT $2
	`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("dedupstore: query_events failed: %w", err)
	}
	defer rows.Close()

	events := make([]aggregator.StoredEvent, 0, limit)

	for rows.Next() {
		var (
			e       aggregator.StoredEvent
			payload []byte
		)

		if err := rows.Scan(&e.Topic, &e.EventID, &e.Timestamp, &e.Source, &payload, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("dedupstore: query_events scan failed: %w", err)
		}

		e.Payload = payload
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dedupstore: query_events iteration failed: %w", err)
	}

	return events, nil
}

// Topics returns the distinct topics observed so far.
func (s *Store) Topics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT topic FROM event_payloads ORDER BY topic`)
	if err != nil {
		return nil, fmt.Errorf("dedupstore: topics query failed: %w", err)
	}
	defer rows.Close()

	var topics []string

	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("dedupstore: topics scan failed: %w", err)
		}

		topics = append(topics, topic)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dedupstore: topics iteration failed: %w", err)
	}

	return topics, nil
}

// loadCountersFromDisk seeds the in-memory cache from system_stats.
func (s *Store) loadCountersFromDisk(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM system_stats`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.countersMu.Lock()
	defer s.countersMu.Unlock()

	for rows.Next() {
		var (
			key   string
			value int64
		)

		if err := rows.Scan(&key, &value); err != nil {
			return err
		}

		s.counters[key] = value
	}

	return rows.Err()
}

// persistCounter durably upserts a single counter's absolute value.
func (s *Store) persistCounter(ctx context.Context, name string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_stats (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("dedupstore: persist counter %q failed: %w", name, err)
	}

	return nil
}

// flushCounters durably upserts every buffered counter delta in a single
// transaction and clears the pending buffer. Safe to call with an empty
// buffer (no-op).
func (s *Store) flushCounters(ctx context.Context) error {
	s.countersMu.Lock()

	if len(s.pendingFlush) == 0 {
		s.countersMu.Unlock()

		return nil
	}

	deltas := s.pendingFlush
	s.pendingFlush = make(map[string]int64)
	s.mutationCount = 0
	s.countersMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dedupstore: begin flush transaction: %w", err)
	}

	for name, delta := range deltas {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO system_stats (key, value)
			VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = system_stats.value + EXCLUDED.value
		`, name, delta); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("dedupstore: flush counter %q failed: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dedupstore: commit flush transaction: %w", err)
	}

	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}

	if limit < MinQueryLimit {
		return MinQueryLimit
	}

	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}

	return limit
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation. CheckAndMark's ON CONFLICT DO NOTHING ordinarily absorbs the
// (topic, event_id) race itself, but this is the fallback for the rare
// driver/isolation-level combination that still surfaces it as an error
// rather than a zero-row result.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
