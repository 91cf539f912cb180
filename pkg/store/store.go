// Package store persists leads, dedup records, per-source health, export
// audit rows, and the enrichment cache in one embedded SQLite database.
// All mutations are funneled through a single writer goroutine; reads go
// straight to the database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/sources"
)

// ErrNotFound is returned when a lead id has no row.
var ErrNotFound = errors.New("store: lead not found")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("store: closed")

// Store owns the database handle and the writer goroutine.
type Store struct {
	db     *sql.DB
	cfg    config.StoreConfig
	logger *slog.Logger
	now    func() time.Time

	writes  chan func()
	closing chan struct{}
	done    chan struct{}

	canonical keyedLocks
}

// Open opens (creating if necessary) the database at cfg.Path and starts
// the writer.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The single-writer contract makes one connection sufficient and
	// sidesteps SQLITE_BUSY between our own connections.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		cfg:     cfg,
		logger:  logger.With("component", "store"),
		now:     time.Now,
		writes:  make(chan func(), 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	go s.writer()
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS leads (
		lead_id             TEXT PRIMARY KEY,
		source_id           TEXT NOT NULL,
		normalized_url      TEXT NOT NULL,
		source_record_id    TEXT NOT NULL DEFAULT '',
		normalized_title    TEXT NOT NULL,
		normalized_location TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		export_tries        INTEGER NOT NULL DEFAULT 0,
		first_seen_at       TEXT NOT NULL,
		last_updated_at     TEXT NOT NULL,
		doc                 JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leads_url ON leads(normalized_url);
	CREATE INDEX IF NOT EXISTS idx_leads_record ON leads(source_id, source_record_id);
	CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
	CREATE INDEX IF NOT EXISTS idx_leads_updated ON leads(last_updated_at);

	CREATE TABLE IF NOT EXISTS dedup_records (
		duplicate_lead_id TEXT PRIMARY KEY,
		canonical_lead_id TEXT NOT NULL,
		similarity        REAL NOT NULL,
		recorded_at       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS source_state (
		source_id            TEXT PRIMARY KEY,
		last_success_at      TEXT,
		last_attempt_at      TEXT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_error           TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS export_state (
		lead_id      TEXT NOT NULL,
		crm_name     TEXT NOT NULL,
		attempted_at TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		detail       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_export_state_lead ON export_state(lead_id);

	CREATE TABLE IF NOT EXISTS enrich_cache (
		op         TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      JSON NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (op, key)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) writer() {
	defer close(s.done)
	for fn := range s.writes {
		fn()
	}
}

// Close stops accepting mutations, drains the queue, and closes the
// database.
func (s *Store) Close() error {
	select {
	case <-s.closing:
		return nil
	default:
	}
	close(s.closing)
	close(s.writes)
	<-s.done
	return s.db.Close()
}

// write runs fn on the writer goroutine and waits for it.
func (s *Store) write(ctx context.Context, fn func() error) error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	errc := make(chan error, 1)
	select {
	case s.writes <- func() { errc <- fn() }:
	case <-s.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// GetLead loads one lead by id.
func (s *Store) GetLead(ctx context.Context, leadID string) (*leads.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM leads WHERE lead_id = ?`, leadID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var l leads.Lead
	if err := json.Unmarshal([]byte(doc), &l); err != nil {
		return nil, fmt.Errorf("decode lead %s: %w", leadID, err)
	}
	return &l, nil
}

// SaveLead writes the lead's current state. The row must already exist
// for updates; inserts happen through Upsert so dedup cannot be skipped.
func (s *Store) SaveLead(ctx context.Context, l *leads.Lead) error {
	return s.write(ctx, func() error { return s.putLead(l) })
}

func (s *Store) putLead(l *leads.Lead) error {
	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode lead %s: %w", l.LeadID, err)
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO leads (lead_id, source_id, normalized_url, source_record_id,
			normalized_title, normalized_location, status, export_tries,
			first_seen_at, last_updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lead_id) DO UPDATE SET
			normalized_url = excluded.normalized_url,
			source_record_id = excluded.source_record_id,
			normalized_title = excluded.normalized_title,
			normalized_location = excluded.normalized_location,
			status = excluded.status,
			export_tries = excluded.export_tries,
			last_updated_at = excluded.last_updated_at,
			doc = excluded.doc`,
		l.LeadID, l.SourceID, leads.NormalizeURL(l.SourceURL), l.SourceRecordID,
		leads.NormalizeText(l.Title), leads.NormalizeText(l.Location.String()),
		string(l.Status), l.ExportTries,
		fmtTime(l.FirstSeenAt), fmtTime(l.LastUpdatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("save lead %s: %w", l.LeadID, err)
	}
	return nil
}

// ListByStatus returns up to limit leads in the given status, oldest
// first, so retries keep their original order.
func (s *Store) ListByStatus(ctx context.Context, status leads.Status, limit int) ([]*leads.Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM leads WHERE status = ?
		ORDER BY first_seen_at ASC, lead_id ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*leads.Lead
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var l leads.Lead
		if err := json.Unmarshal([]byte(doc), &l); err != nil {
			return nil, fmt.Errorf("decode lead: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// CountByStatus reports the status histogram for the shutdown report.
func (s *Store) CountByStatus(ctx context.Context) (map[leads.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM leads GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[leads.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[leads.Status(status)] = n
	}
	return out, rows.Err()
}

// SaveSourceState persists one source's health snapshot.
func (s *Store) SaveSourceState(ctx context.Context, sourceID string, st sources.State) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(context.Background(), `
			INSERT INTO source_state (source_id, last_success_at, last_attempt_at, consecutive_failures, last_error)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_id) DO UPDATE SET
				last_success_at = excluded.last_success_at,
				last_attempt_at = excluded.last_attempt_at,
				consecutive_failures = excluded.consecutive_failures,
				last_error = excluded.last_error`,
			sourceID, fmtTime(st.LastSuccessAt), fmtTime(st.LastAttemptAt),
			st.ConsecutiveFailures, st.LastError)
		if err != nil {
			return fmt.Errorf("save source state %s: %w", sourceID, err)
		}
		return nil
	})
}

// LoadSourceStates returns every persisted source snapshot, for registry
// restore at startup.
func (s *Store) LoadSourceStates(ctx context.Context) (map[string]sources.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, last_success_at, last_attempt_at, consecutive_failures, last_error
		FROM source_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sources.State)
	for rows.Next() {
		var id, success, attempt, lastErr string
		var failures int
		if err := rows.Scan(&id, &success, &attempt, &failures, &lastErr); err != nil {
			return nil, err
		}
		out[id] = sources.State{
			LastSuccessAt:       parseTime(success),
			LastAttemptAt:       parseTime(attempt),
			ConsecutiveFailures: failures,
			LastError:           lastErr,
		}
	}
	return out, rows.Err()
}

// RecordExportAttempt appends one export audit row.
func (s *Store) RecordExportAttempt(ctx context.Context, leadID, crmName, outcome, detail string) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(context.Background(), `
			INSERT INTO export_state (lead_id, crm_name, attempted_at, outcome, detail)
			VALUES (?, ?, ?, ?, ?)`,
			leadID, crmName, fmtTime(s.now()), outcome, detail)
		if err != nil {
			return fmt.Errorf("record export attempt %s: %w", leadID, err)
		}
		return nil
	})
}

// keyedLocks hands out one mutex per canonical identity so concurrent
// upserts of the same project serialize without a global lock.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
