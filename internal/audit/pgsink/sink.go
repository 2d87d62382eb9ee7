// Package pgsink persists audit events to PostgreSQL.
package pgsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hipaadirect/direct-go/internal/audit"
)

// Schema creates the audit table. Rows are never updated or deleted by this package.
const Schema = `
CREATE TABLE IF NOT EXISTS direct_audit_events (
	seq            BIGINT PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	ts             TIMESTAMPTZ NOT NULL,
	kind           TEXT NOT NULL,
	actor          TEXT NOT NULL DEFAULT '',
	success        BOOLEAN NOT NULL,
	error_kind     TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	attributes     JSONB,
	prev_hash      TEXT NOT NULL,
	hash           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS direct_audit_events_correlation_idx ON direct_audit_events (correlation_id);
`

const columns = "seq, id, ts, kind, actor, success, error_kind, correlation_id, attributes, prev_hash, hash"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Sink writes audit events into direct_audit_events.
type Sink struct {
	db    querier
	close func()
}

// New wraps an existing pool. Close does not close the pool.
func New(pool *pgxpool.Pool) *Sink {
	return &Sink{db: pool, close: func() {}}
}

// Connect opens a pool for dsn, applies Schema and returns a sink that owns the pool.
func Connect(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgsink: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsink: ping: %w", err)
	}
	s := &Sink{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies Schema.
func (s *Sink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgsink: migrate: %w", err)
	}
	return nil
}

// Write inserts e. A duplicate seq is an error.
func (s *Sink) Write(ctx context.Context, e audit.Event) error {
	var attrs []byte
	if len(e.Attributes) > 0 {
		var err error
		if attrs, err = json.Marshal(e.Attributes); err != nil {
			return fmt.Errorf("pgsink: encode attributes: %w", err)
		}
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO direct_audit_events ("+columns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		int64(e.Seq), e.ID, e.Timestamp, string(e.Kind), e.Actor, e.Outcome.Success,
		e.Outcome.ErrorKind, e.CorrelationID, attrs, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("pgsink: insert seq %d: %w", e.Seq, err)
	}
	return nil
}

// buildQuery renders a SELECT for f with positional arguments.
func buildQuery(f audit.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY($%d)", kinds)
	}
	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts < $%d", f.Until)
	}
	if f.FromSeq > 0 {
		add("seq >= $%d", int64(f.FromSeq))
	}
	q := "SELECT " + columns + " FROM direct_audit_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY seq", args
}

func scanEvent(row pgx.Row) (audit.Event, error) {
	var (
		e     audit.Event
		seq   int64
		kind  string
		attrs []byte
	)
	err := row.Scan(&seq, &e.ID, &e.Timestamp, &kind, &e.Actor, &e.Outcome.Success,
		&e.Outcome.ErrorKind, &e.CorrelationID, &attrs, &e.PrevHash, &e.Hash)
	if err != nil {
		return audit.Event{}, err
	}
	e.Seq = uint64(seq)
	e.Kind = audit.Kind(kind)
	e.Timestamp = e.Timestamp.UTC()
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return audit.Event{}, fmt.Errorf("decode attributes: %w", err)
		}
		if len(e.Attributes) == 0 {
			e.Attributes = nil
		}
	}
	return e, nil
}

// Scan streams matching rows in seq order.
func (s *Sink) Scan(ctx context.Context, f audit.Filter) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		q, args := buildQuery(f)
		rows, err := s.db.Query(ctx, q, args...)
		if err != nil {
			yield(audit.Event{}, fmt.Errorf("pgsink: query: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				yield(audit.Event{}, fmt.Errorf("pgsink: scan: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(audit.Event{}, fmt.Errorf("pgsink: rows: %w", err))
		}
	}
}

// Head returns the highest-seq row.
func (s *Sink) Head(ctx context.Context) (audit.Event, bool, error) {
	row := s.db.QueryRow(ctx, "SELECT "+columns+" FROM direct_audit_events ORDER BY seq DESC LIMIT 1")
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Event{}, false, nil
	}
	if err != nil {
		return audit.Event{}, false, fmt.Errorf("pgsink: head: %w", err)
	}
	return e, true, nil
}

// Close releases the pool when the sink owns it.
func (s *Sink) Close() error {
	s.close()
	return nil
}
