package gate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

// AuditEntry records one terminal transition of a PendingCommand.
type AuditEntry struct {
	ID       string
	Identity string
	Kind     Kind
	Command  string
	Tier     Tier
	Outcome  Outcome
	Reason   string
	At       time.Time
}

// AuditLog persists audit entries.
type AuditLog interface {
	Record(ctx context.Context, e AuditEntry) error
	Recent(ctx context.Context, n int) ([]AuditEntry, error)
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS command_audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id  TEXT NOT NULL,
	identity    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	command     TEXT NOT NULL,
	tier        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
)`

// SQLiteAudit writes audit entries to the command_audit table.
type SQLiteAudit struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
}

// OpenSQLiteAudit opens or creates an audit database at path.
func OpenSQLiteAudit(path string, logger *slog.Logger) (*SQLiteAudit, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	a, err := NewSQLiteAudit(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.owned = true
	return a, nil
}

// NewSQLiteAudit uses an open database and ensures the table exists.
func NewSQLiteAudit(db *sql.DB, logger *slog.Logger) (*SQLiteAudit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	return &SQLiteAudit{db: db, logger: logger.With("component", "audit")}, nil
}

// Record inserts e. Long commands are truncated.
func (a *SQLiteAudit) Record(ctx context.Context, e AuditEntry) error {
	command := e.Command
	if len(command) > 500 {
		command = command[:500] + "...[truncated]"
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO command_audit (command_id, identity, kind, command, tier, outcome, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Identity, string(e.Kind), command, string(e.Tier), string(e.Outcome), e.Reason,
		e.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest n entries, newest first.
func (a *SQLiteAudit) Recent(ctx context.Context, n int) ([]AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT command_id, identity, kind, command, tier, outcome, reason, created_at
		FROM command_audit
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                            AuditEntry
			kind, tier, outcome, created string
		)
		if err := rows.Scan(&e.ID, &e.Identity, &kind, &e.Command, &tier, &outcome, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Kind, e.Tier, e.Outcome = Kind(kind), Tier(tier), Outcome(outcome)
		e.At, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than maxAge.
func (a *SQLiteAudit) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := a.db.ExecContext(ctx, `DELETE FROM command_audit WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		a.logger.Info("audit log pruned", "removed", n)
	}
	return n, nil
}

// Close closes the database if OpenSQLiteAudit opened it.
func (a *SQLiteAudit) Close() error {
	if a.owned {
		return a.db.Close()
	}
	return nil
}

// MemoryAudit keeps the newest entries in memory.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
}

// NewMemoryAudit keeps at most max entries (1000 when max <= 0).
func NewMemoryAudit(max int) *MemoryAudit {
	if max <= 0 {
		max = 1000
	}
	return &MemoryAudit{max: max}
}

func (m *MemoryAudit) Record(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if len(m.entries) > m.max {
		m.entries = append([]AuditEntry(nil), m.entries[len(m.entries)-m.max:]...)
	}
	return nil
}

func (m *MemoryAudit) Recent(_ context.Context, n int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// Entries returns all kept entries, oldest first.
func (m *MemoryAudit) Entries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.entries...)
}
