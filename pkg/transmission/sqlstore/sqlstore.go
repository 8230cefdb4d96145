// Package sqlstore is a SQLite-backed transmission.Store.
//
// Lease claims are a single guarded UPDATE whose WHERE clause re-checks the status and
// lease expiry observed by the preceding SELECT. Zero affected rows means another
// worker claimed the row first.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transmissions (
	id                  TEXT PRIMARY KEY,
	kind                TEXT NOT NULL,
	thread_id           TEXT NOT NULL,
	client_request_id   TEXT UNIQUE,
	payload             TEXT NOT NULL,
	mode_decision       TEXT NOT NULL DEFAULT '{}',
	status              TEXT NOT NULL,
	status_code         INTEGER NOT NULL DEFAULT 0,
	retryable           INTEGER NOT NULL DEFAULT 0,
	error_code          TEXT NOT NULL DEFAULT '',
	error_detail        TEXT NOT NULL DEFAULT '',
	lease_owner         TEXT NOT NULL DEFAULT '',
	lease_expires_at_ms INTEGER,
	attempt_count       INTEGER NOT NULL DEFAULT 0,
	response_text       TEXT NOT NULL DEFAULT '',
	trace_run_id        TEXT NOT NULL DEFAULT '',
	created_at_ms       INTEGER NOT NULL,
	updated_at_ms       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transmissions_queue ON transmissions(status, created_at_ms);
CREATE INDEX IF NOT EXISTS idx_transmissions_thread ON transmissions(thread_id);

CREATE TABLE IF NOT EXISTS trace_runs (
	transmission_id TEXT PRIMARY KEY,
	id              TEXT NOT NULL,
	level           TEXT NOT NULL,
	started_at_ms   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trace_run_events (
	run_id          TEXT NOT NULL,
	transmission_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	data            TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS evidence (
	transmission_id TEXT PRIMARY KEY,
	thread_id       TEXT NOT NULL,
	graph           TEXT NOT NULL,
	created_at_ms   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_thread ON evidence(thread_id, created_at_ms);

CREATE TABLE IF NOT EXISTS envelopes (
	transmission_id TEXT PRIMARY KEY,
	data            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	transmission_id TEXT NOT NULL,
	name            TEXT NOT NULL,
	data            TEXT NOT NULL,
	PRIMARY KEY (transmission_id, name)
);
`

const transmissionColumns = `id, kind, thread_id, client_request_id, payload, mode_decision, status,
	status_code, retryable, error_code, error_detail, lease_owner, lease_expires_at_ms,
	attempt_count, response_text, trace_run_id, created_at_ms, updated_at_ms`

// Store implements transmission.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if necessary) the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, pkt *transmission.Packet, md transmission.ModeDecision) (*transmission.Transmission, bool, error) {
	t, err := transmission.NewTransmission(pkt, md, s.now())
	if err != nil {
		return nil, false, err
	}
	modeJSON, err := json.Marshal(t.ModeDecision)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal mode_decision: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transmissions (id, kind, thread_id, client_request_id, payload, mode_decision,
			status, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_request_id) DO NOTHING`,
		t.ID, string(t.Kind), t.ThreadID, nullString(t.ClientRequestID), t.Payload, string(modeJSON),
		string(t.Status), t.CreatedAtMs, t.UpdatedAtMs,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert transmission: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		existing, err := s.getBy(ctx, "client_request_id", t.ClientRequestID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing transmission: %w", err)
		}
		return existing, false, nil
	}
	return t, true, nil
}

func (s *Store) LeaseNext(ctx context.Context, req transmission.LeaseRequest) (transmission.LeaseResult, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	statuses := transmission.EligibleStatuses(req)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+3)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, string(req.Kind), string(req.Kind), nowMs)

	var id, previous string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status FROM transmissions
		WHERE status IN (`+placeholders+`)
		  AND (? = '' OR kind = ?)
		  AND (lease_expires_at_ms IS NULL OR lease_expires_at_ms < ?)
		ORDER BY created_at_ms, rowid
		LIMIT 1`, args...).Scan(&id, &previous)
	if errors.Is(err, sql.ErrNoRows) {
		return transmission.LeaseResult{Outcome: transmission.LeaseEmpty}, nil
	}
	if err != nil {
		return transmission.LeaseResult{}, fmt.Errorf("failed to find lease candidate: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transmissions
		SET status = ?, lease_owner = ?, lease_expires_at_ms = ?,
			attempt_count = attempt_count + 1, updated_at_ms = ?
		WHERE id = ? AND status = ?
		  AND (lease_expires_at_ms IS NULL OR lease_expires_at_ms < ?)`,
		string(transmission.StatusProcessing), req.OwnerID, now.Add(req.Duration).UnixMilli(), nowMs,
		id, previous, nowMs,
	)
	if err != nil {
		return transmission.LeaseResult{}, fmt.Errorf("failed to lease transmission %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return transmission.LeaseResult{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return transmission.LeaseResult{Outcome: transmission.LeaseContention}, nil
	}

	t, err := s.Get(ctx, id)
	if err != nil {
		return transmission.LeaseResult{}, fmt.Errorf("failed to reload leased transmission: %w", err)
	}
	return transmission.LeaseResult{
		Outcome:        transmission.LeaseLeased,
		Transmission:   t,
		PreviousStatus: transmission.Status(previous),
	}, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, u transmission.StatusUpdate) error {
	if err := transmission.ValidateUpdate(u); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transmissions
		SET status = ?, status_code = ?, retryable = ?, error_code = ?, error_detail = ?,
			response_text = ?, lease_owner = '', lease_expires_at_ms = NULL, updated_at_ms = ?
		WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(u.Status), u.StatusCode, u.Retryable, u.ErrorCode, u.ErrorDetail,
		u.ResponseText, s.now().UnixMilli(),
		id, string(transmission.StatusProcessing), u.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transmission %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Nothing matched: report why.
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := transmission.CheckUpdate(current, u); err != nil {
		return err
	}
	return fmt.Errorf("update of %s lost a race", id)
}

func (s *Store) Get(ctx context.Context, id string) (*transmission.Transmission, error) {
	return s.getBy(ctx, "id", id)
}

func (s *Store) getBy(ctx context.Context, column, value string) (*transmission.Transmission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transmissionColumns+` FROM transmissions WHERE `+column+` = ?`, value)
	t, err := scanTransmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transmission %s: %w", value, transmission.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) List(ctx context.Context, f transmission.ListFilter) ([]*transmission.Transmission, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.SinceMs > 0 {
		where = append(where, "created_at_ms >= ?")
		args = append(args, f.SinceMs)
	}
	if f.UntilMs > 0 {
		where = append(where, "created_at_ms <= ?")
		args = append(args, f.UntilMs)
	}

	query := `SELECT ` + transmissionColumns + ` FROM transmissions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at_ms, rowid`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transmissions: %w", err)
	}
	defer rows.Close()

	var out []*transmission.Transmission
	for rows.Next() {
		t, err := scanTransmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) FindByPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM transmissions WHERE substr(id, 1, ?) = ? ORDER BY created_at_ms`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to search transmissions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CreateTraceRun(ctx context.Context, run trace.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE transmissions SET trace_run_id = ? WHERE id = ?`, run.ID, run.TransmissionID)
	if err != nil {
		return fmt.Errorf("failed to link trace run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transmission %s: %w", run.TransmissionID, transmission.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trace_runs (transmission_id, id, level, started_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(transmission_id) DO UPDATE SET id = excluded.id, level = excluded.level,
			started_at_ms = excluded.started_at_ms`,
		run.TransmissionID, run.ID, string(run.Level), run.StartedAtMs)
	if err != nil {
		return fmt.Errorf("failed to write trace run: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetTraceRun(ctx context.Context, transmissionID string) (*trace.Run, error) {
	var run trace.Run
	var level string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, transmission_id, level, started_at_ms FROM trace_runs WHERE transmission_id = ?`, transmissionID,
	).Scan(&run.ID, &run.TransmissionID, &level, &run.StartedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trace run for %s: %w", transmissionID, transmission.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trace run: %w", err)
	}
	run.Level = trace.Level(level)
	return &run, nil
}

func (s *Store) AppendTraceEvent(ctx context.Context, e trace.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_run_events (run_id, transmission_id, seq, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING`,
		e.RunID, e.TransmissionID, e.Seq, string(data))
	if err != nil {
		return fmt.Errorf("failed to append trace event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trace event %s/%d: %w", e.RunID, e.Seq, transmission.ErrDuplicateTraceEvent)
	}
	return nil
}

func (s *Store) ListTraceEvents(ctx context.Context, transmissionID string) ([]trace.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.data FROM trace_run_events e
		JOIN transmissions t ON t.id = e.transmission_id AND t.trace_run_id = e.run_id
		WHERE e.transmission_id = ? ORDER BY e.seq`, transmissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace events: %w", err)
	}
	defer rows.Close()

	var events []trace.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		var e trace.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) PutEvidence(ctx context.Context, transmissionID, threadID string, g *evidence.Graph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence (transmission_id, thread_id, graph, created_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(transmission_id) DO UPDATE SET thread_id = excluded.thread_id, graph = excluded.graph`,
		transmissionID, threadID, string(data), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write evidence: %w", err)
	}
	return nil
}

func (s *Store) GetEvidence(ctx context.Context, transmissionID string) (*evidence.Graph, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT graph FROM evidence WHERE transmission_id = ?`, transmissionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evidence for %s: %w", transmissionID, transmission.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence: %w", err)
	}
	var g evidence.Graph
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
	}
	return &g, nil
}

func (s *Store) ListEvidenceByThread(ctx context.Context, threadID string) ([]transmission.EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transmission_id, thread_id, graph, created_at_ms FROM evidence
		WHERE thread_id = ? ORDER BY created_at_ms, transmission_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to read thread evidence: %w", err)
	}
	defer rows.Close()

	var out []transmission.EvidenceRecord
	for rows.Next() {
		var rec transmission.EvidenceRecord
		var data string
		if err := rows.Scan(&rec.TransmissionID, &rec.ThreadID, &data, &rec.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		rec.Graph = &evidence.Graph{}
		if err := json.Unmarshal([]byte(data), rec.Graph); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutEnvelope(ctx context.Context, transmissionID string, env *transmission.OutputEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO envelopes (transmission_id, data) VALUES (?, ?)`, transmissionID, string(data))
	if err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

func (s *Store) GetEnvelope(ctx context.Context, transmissionID string) (*transmission.OutputEnvelope, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM envelopes WHERE transmission_id = ?`, transmissionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("envelope for %s: %w", transmissionID, transmission.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	var env transmission.OutputEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

func (s *Store) PutArtifact(ctx context.Context, transmissionID, name string, data json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (transmission_id, name, data) VALUES (?, ?, ?)`,
		transmissionID, name, string(data))
	if err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, transmissionID, name string) (json.RawMessage, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE transmission_id = ? AND name = ?`, transmissionID, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s for %s: %w", name, transmissionID, transmission.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return json.RawMessage(data), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransmission(row rowScanner) (*transmission.Transmission, error) {
	var (
		t            transmission.Transmission
		kind, status string
		requestID    sql.NullString
		modeJSON     string
		retryable    bool
		leaseExpires sql.NullInt64
	)
	err := row.Scan(&t.ID, &kind, &t.ThreadID, &requestID, &t.Payload, &modeJSON, &status,
		&t.StatusCode, &retryable, &t.ErrorCode, &t.ErrorDetail, &t.LeaseOwner, &leaseExpires,
		&t.AttemptCount, &t.ResponseText, &t.TraceRunID, &t.CreatedAtMs, &t.UpdatedAtMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transmission: %w", err)
	}

	t.Kind = transmission.PacketKind(kind)
	t.Status = transmission.Status(status)
	t.ClientRequestID = requestID.String
	t.Retryable = retryable
	if leaseExpires.Valid {
		v := leaseExpires.Int64
		t.LeaseExpiresAtMs = &v
	}
	if err := json.Unmarshal([]byte(modeJSON), &t.ModeDecision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mode_decision: %w", err)
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ transmission.Store = (*Store)(nil)
