package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	ensureMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version    TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	listAppliedMigrationsSQL = `SELECT version FROM schema_migrations;`

	recordMigrationSQL = `INSERT INTO schema_migrations (version) VALUES ($1);`
)

// Migrate applies pending .sql files from dir in lexical order. Each file runs
// inside its own transaction and is recorded in schema_migrations, so reruns
// skip everything already applied.
func (s *Store) Migrate(ctx context.Context, dir string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	if _, execErr := pool.Exec(ctx, ensureMigrationsTableSQL); execErr != nil {
		return 0, fmt.Errorf("ensure schema_migrations: %w", execErr)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	count := 0
	for _, name := range files {
		if applied[name] {
			continue
		}

		content, readErr := os.ReadFile(filepath.Join(dir, name))
		if readErr != nil {
			return count, fmt.Errorf("read migration %s: %w", name, readErr)
		}

		tx, txErr := pool.Begin(ctx)
		if txErr != nil {
			return count, fmt.Errorf("begin migration %s: %w", name, txErr)
		}

		if _, execErr := tx.Exec(ctx, string(content)); execErr != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("exec migration %s: %w", name, execErr)
		}
		if _, execErr := tx.Exec(ctx, recordMigrationSQL, name); execErr != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("record migration %s: %w", name, execErr)
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return count, fmt.Errorf("commit migration %s: %w", name, commitErr)
		}
		count++
	}

	return count, nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAppliedMigrationsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list applied migrations: %w", queryErr)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return applied, nil
}
