package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver with FTS5 support.
)

// SQLiteStore is a local Service backed by SQLite. Retrieval uses FTS5 BM25
// ranking when the build supports it and falls back to LIKE matching.
type SQLiteStore struct {
	db           *sql.DB
	logger       *slog.Logger
	ftsAvailable bool
}

// NewSQLiteStore opens or creates the memory database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s, err := NewSQLiteStoreFromDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an open database and ensures the schema exists.
func NewSQLiteStoreFromDB(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger.With("component", "memory-sqlite")}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			identity   TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_identity ON memories(identity);
	`)
	if err != nil {
		return err
	}

	// FTS5 is optional; some SQLite builds don't include it.
	_, err = s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			text,
			content='memories',
			content_rowid='id',
			tokenize='porter unicode61'
		);
		CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, text) VALUES (new.id, new.text);
		END;
		CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, text) VALUES('delete', old.id, old.text);
		END;
	`)
	if err != nil {
		s.ftsAvailable = false
		s.logger.Warn("FTS5 not available, falling back to LIKE search", "error", err)
	} else {
		s.ftsAvailable = true
	}
	return nil
}

// Store saves an exchange as a single memory.
func (s *SQLiteStore) Store(ctx context.Context, identity string, ex Exchange) error {
	text := "User: " + strings.TrimSpace(ex.UserText) + "\nAssistant: " + strings.TrimSpace(ex.Response)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (identity, text, created_at) VALUES (?, ?, ?)`,
		identity, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Query returns up to limit memories of identity relevant to text.
func (s *SQLiteStore) Query(ctx context.Context, identity, text string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = MaxContextRecords
	}
	words := keywords(text)
	if len(words) == 0 {
		return nil, nil
	}
	if s.ftsAvailable {
		records, err := s.queryFTS(ctx, identity, words, limit)
		if err == nil {
			return records, nil
		}
		s.logger.Debug("fts query failed, using LIKE", "error", err)
	}
	return s.queryLike(ctx, identity, words, limit)
}

func (s *SQLiteStore) queryFTS(ctx context.Context, identity string, words []string, limit int) ([]Record, error) {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.text, m.created_at, rank
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.rowid
		WHERE memories_fts MATCH ? AND m.identity = ?
		ORDER BY rank
		LIMIT ?
	`, strings.Join(quoted, " OR "), identity, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id   int64
			r    Record
			rank float64
		)
		if err := rows.Scan(&id, &r.Text, &r.CreatedAt, &rank); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.ID = strconv.FormatInt(id, 10)
		r.Identity = identity
		// bm25 rank is negative; more negative is better.
		r.Score = -rank
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryLike(ctx context.Context, identity string, words []string, limit int) ([]Record, error) {
	conds := make([]string, len(words))
	args := []any{identity}
	for i, w := range words {
		conds[i] = "LOWER(text) LIKE ?"
		args = append(args, "%"+w+"%")
	}
	args = append(args, limit*4)

	q := fmt.Sprintf(`
		SELECT id, text, created_at FROM memories
		WHERE identity = ? AND (%s)
		ORDER BY id DESC
		LIMIT ?
	`, strings.Join(conds, " OR "))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("LIKE search: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id int64
			r  Record
		)
		if err := rows.Scan(&id, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.ID = strconv.FormatInt(id, 10)
		r.Identity = identity
		lower := strings.ToLower(r.Text)
		matches := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				matches++
			}
		}
		r.Score = float64(matches) / float64(len(words))
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of memories stored for identity.
func (s *SQLiteStore) Count(ctx context.Context, identity string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE identity = ?`, identity).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "can": true, "was": true, "one": true, "our": true,
	"has": true, "have": true, "what": true, "with": true, "this": true, "that": true,
	"from": true, "they": true, "will": true, "would": true, "there": true, "about": true,
	"my": true, "me": true, "is": true, "it": true, "to": true, "of": true, "in": true,
}

// keywords lower-cases text and keeps distinct alphanumeric words that are
// not stop words.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
