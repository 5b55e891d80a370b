package audit

import (
	"database/sql"
	"fmt"
	"iter"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nerv-lab/tachikoma/internal/router"
)

// Store is the SQLite-backed sink. It satisfies Sink; failures to
// persist come back as AuditSinkUnavailable so the dispatcher can
// surface them without failing the command.
type Store struct {
	db *sql.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id          TEXT PRIMARY KEY,
	timestamp   TEXT NOT NULL,
	target      TEXT NOT NULL,
	vendor      TEXT,
	kind        TEXT NOT NULL,
	params      TEXT,
	status      TEXT NOT NULL,
	err_kind    TEXT,
	attempts    INTEGER NOT NULL DEFAULT 0,
	actor       TEXT,
	snapshot_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_entries(target);
CREATE INDEX IF NOT EXISTS idx_audit_kind   ON audit_entries(kind);
CREATE INDEX IF NOT EXISTS idx_audit_ts     ON audit_entries(timestamp);
`

// NewStore opens (or creates) the audit database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	// WAL keeps readers (audit queries) from blocking the dispatcher's
	// writes; busy_timeout covers the remaining write contention.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record implements Sink.
func (s *Store) Record(entry Entry) error {
	enrich(&entry)
	_, err := s.db.Exec(`
		INSERT INTO audit_entries
			(id, timestamp, target, vendor, kind, params, status, err_kind, attempts, actor, snapshot_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Target,
		string(entry.Vendor),
		string(entry.Kind),
		entry.Params,
		entry.Status,
		entry.ErrKind,
		entry.Attempts,
		entry.Actor,
		entry.SnapshotID,
	)
	if err != nil {
		return router.E(router.ErrAuditSinkUnavailable, fmt.Sprintf("persist audit entry: %v", err), err)
	}
	return nil
}

// Query implements Sink. Each range over the returned sequence re-runs
// the underlying query, so the sequence is restartable.
func (s *Store) Query(f Filter) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		query := `SELECT id, timestamp, target, vendor, kind, params, status, err_kind, attempts, actor, snapshot_id
			FROM audit_entries WHERE 1=1`
		var args []any
		if f.Target != "" {
			query += " AND target = ?"
			args = append(args, f.Target)
		}
		if f.Kind != "" {
			query += " AND kind = ?"
			args = append(args, string(f.Kind))
		}
		if f.Status != "" {
			query += " AND status = ?"
			args = append(args, f.Status)
		}
		if f.Actor != "" {
			query += " AND actor = ?"
			args = append(args, f.Actor)
		}
		if !f.Since.IsZero() {
			query += " AND timestamp >= ?"
			args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
		}
		if !f.Until.IsZero() {
			query += " AND timestamp <= ?"
			args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
		}
		query += " ORDER BY timestamp ASC"
		if f.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", f.Limit)
		}

		rows, err := s.db.Query(query, args...)
		if err != nil {
			return
		}
		defer rows.Close()

		for rows.Next() {
			var e Entry
			var ts, vendor string
			if err := rows.Scan(&e.ID, &ts, &e.Target, &vendor, &e.Kind,
				&e.Params, &e.Status, &e.ErrKind, &e.Attempts, &e.Actor, &e.SnapshotID); err != nil {
				return
			}
			e.Vendor = router.Vendor(vendor)
			e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
			if !yield(e) {
				return
			}
		}
	}
}

// Count returns the total number of stored entries.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM audit_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Close implements Sink.
func (s *Store) Close() error { return s.db.Close() }
