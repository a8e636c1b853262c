package db

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/RONIN/errors"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("creates the full agent schema on a fresh database", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		for _, table := range []string{"schema_migrations", "jobs", "stage_events", "agent_identity", "stage_events_archive"} {
			var exists int
			err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&exists)
			require.NoError(t, err)
			assert.Equal(t, 1, exists, "table %s should exist after migrations", table)
		}
	})

	t.Run("records each applied migration version", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
		require.NoError(t, err)
		defer rows.Close()

		var versions []string
		for rows.Next() {
			var v string
			require.NoError(t, rows.Scan(&v))
			versions = append(versions, v)
		}
		require.NoError(t, rows.Err())

		assert.Equal(t, []string{"000", "001", "002", "003", "004"}, versions)
	})

	t.Run("open errors include stack traces", func(t *testing.T) {
		// A directory is never a valid database file, so the first pragma
		// fails no matter who runs the test
		db, err := OpenWithMigrations(t.TempDir(), nil)
		require.Error(t, err)
		assert.Nil(t, db)

		stackTrace := errors.GetReportableStackTrace(err)
		assert.NotNil(t, stackTrace, "migration errors should have stack traces")

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "connection.go", "stack should reference source file")
	})
}

func TestMigrate(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		// Run migrations twice
		err = Migrate(db, nil)
		require.NoError(t, err)

		err = Migrate(db, nil)
		require.NoError(t, err, "running migrations multiple times should be safe")

		// Second run must not re-record versions
		var count int
		err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 5, count)
	})

	t.Run("enforces the jobs foreign key on stage_events", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(
			"INSERT INTO stage_events (id, job_id, stage, outcome, created_at) VALUES (?, ?, ?, ?, ?)",
			"evt-1", "no-such-job", "applied", "success", "2026-01-15T13:04:35Z",
		)
		require.Error(t, err, "stage_events must reject unknown job ids")
	})

	t.Run("migration errors have context", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)

		// Close the database before trying to migrate
		db.Close()

		err = Migrate(db, nil)
		require.Error(t, err)
	})
}
