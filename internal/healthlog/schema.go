package healthlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// migrations[i] upgrades a journal from user_version i to i+1.
var migrations = []string{
	schemaSQL,
}

// requiredColumns are read by Recent; a journal missing any of them was not
// written by this package.
var requiredColumns = []string{"id", "daemon", "recorded_at", "status", "previous", "unhealthy_json", "checks_json"}

// ErrSchemaMismatch indicates the journal was written by an incompatible build.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// initSchema brings the journal up to len(migrations) using sqlite's
// user_version as the version counter. An existing transitions table is
// checked before and after migrating so a foreign database is never altered.
func (s *Store) initSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read journal version: %w", err)
	}
	latest := len(migrations)
	if version > latest {
		return fmt.Errorf("%w: journal has version %d, this build knows %d (delete %s to reset it)",
			ErrSchemaMismatch, version, latest, s.path)
	}
	columns, err := s.columns(ctx)
	if err != nil {
		return err
	}
	if len(columns) > 0 {
		if err := s.checkColumns(columns); err != nil {
			return err
		}
	}
	if version == latest {
		return nil
	}
	if err := s.migrate(ctx, version); err != nil {
		return err
	}
	if columns, err = s.columns(ctx); err != nil {
		return err
	}
	return s.checkColumns(columns)
}

func (s *Store) migrate(ctx context.Context, from int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for v := from; v < len(migrations); v++ {
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("migrate journal to version %d: %w", v+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return fmt.Errorf("record journal version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// columns lists the transitions table's column names; empty when the table
// does not exist yet.
func (s *Store) columns(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(transitions)")
	if err != nil {
		return nil, fmt.Errorf("inspect transitions table: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defValue sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defValue, &pk); err != nil {
			return nil, fmt.Errorf("scan transitions column: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inspect transitions table: %w", err)
	}
	return present, nil
}

func (s *Store) checkColumns(present map[string]bool) error {
	var missing []string
	for _, col := range requiredColumns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s lacks transitions columns %s", ErrSchemaMismatch, s.path, strings.Join(missing, ", "))
	}
	return nil
}
