package healthlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"daemonkit/internal/health"
)

// DefaultLimit caps Recent when the caller passes a non-positive limit.
const DefaultLimit = 50

// Entry is one recorded aggregate transition.
type Entry struct {
	ID         int64
	Daemon     string
	RecordedAt time.Time
	Status     health.Status
	// Previous is empty for the first transition after a start.
	Previous  health.Status
	Unhealthy []string
	Checks    []CheckSnapshot
}

// CheckSnapshot is the per-check state captured with a transition.
type CheckSnapshot struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Status   health.Status `json:"status"`
	Message  string        `json:"message,omitempty"`
}

// Store is the SQLite-backed journal for one daemon name.
type Store struct {
	db     *sql.DB
	path   string
	daemon string
	retain int
}

// Open creates or opens the journal at path. Entries beyond retain per daemon
// are pruned on each Record; retain <= 0 keeps everything.
func Open(path, daemon string, retain int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, daemon: daemon, retain: retain}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the journal file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends a transition from previous to report's aggregate status.
func (s *Store) Record(ctx context.Context, previous health.Status, report health.Report) (*Entry, error) {
	entry := &Entry{
		Daemon:     s.daemon,
		RecordedAt: time.Now().UTC(),
		Status:     report.Status,
		Previous:   previous,
		Unhealthy:  report.Unhealthy(),
	}
	for _, check := range report.Checks {
		if check.Pending {
			continue
		}
		entry.Checks = append(entry.Checks, CheckSnapshot{
			Name:     check.Name,
			Critical: check.Critical,
			Status:   check.Result.Status,
			Message:  check.Result.Message,
		})
	}

	unhealthyJSON, err := marshalList(entry.Unhealthy)
	if err != nil {
		return nil, fmt.Errorf("marshal unhealthy checks: %w", err)
	}
	checksJSON, err := marshalList(entry.Checks)
	if err != nil {
		return nil, fmt.Errorf("marshal check snapshot: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (daemon, recorded_at, status, previous, unhealthy_json, checks_json)
        VALUES (?, ?, ?, ?, ?, ?)`,
		s.daemon,
		entry.RecordedAt.Format(time.RFC3339Nano),
		string(entry.Status),
		nullableString(string(previous)),
		unhealthyJSON,
		checksJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transition: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	if s.retain > 0 {
		if _, err := s.Prune(ctx, s.retain); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Recent returns up to limit transitions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, daemon, recorded_at, status, previous, unhealthy_json, checks_json
        FROM transitions WHERE daemon = ? ORDER BY id DESC LIMIT ?`,
		s.daemon, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return entries, nil
}

// Prune deletes all but the newest keep transitions and returns how many
// rows were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transitions WHERE daemon = ? AND id NOT IN (
            SELECT id FROM transitions WHERE daemon = ? ORDER BY id DESC LIMIT ?
        )`,
		s.daemon, s.daemon, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		entry         Entry
		recordedAt    string
		status        string
		previous      sql.NullString
		unhealthyJSON string
		checksJSON    string
	)
	if err := row.Scan(&entry.ID, &entry.Daemon, &recordedAt, &status, &previous, &unhealthyJSON, &checksJSON); err != nil {
		return Entry{}, fmt.Errorf("scan transition: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse recorded_at %q: %w", recordedAt, err)
	}
	entry.RecordedAt = ts
	entry.Status = health.Status(status)
	if previous.Valid {
		entry.Previous = health.Status(previous.String)
	}
	if err := json.Unmarshal([]byte(unhealthyJSON), &entry.Unhealthy); err != nil {
		return Entry{}, fmt.Errorf("decode unhealthy checks for %d: %w", entry.ID, err)
	}
	if err := json.Unmarshal([]byte(checksJSON), &entry.Checks); err != nil {
		return Entry{}, fmt.Errorf("decode check snapshot for %d: %w", entry.ID, err)
	}
	return entry, nil
}

func marshalList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
