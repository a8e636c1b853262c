package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migrate applies any pending schema migrations in filename order.
// A nil logger runs the migrations silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	files, err := migrationFiles()
	if err != nil {
		return err
	}

	applied := 0
	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		pending, err := isPending(db, version)
		if err != nil {
			// schema_migrations does not exist until 000 creates it
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
			pending = true
		}
		if !pending {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", filename,
					"version", version,
				)
			}
			continue
		}

		if err := applyMigration(db, filename, version, logger); err != nil {
			return err
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"applied", applied,
			"total_migrations", len(files),
		)
	}
	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func isPending(db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func applyMigration(db *sql.DB, filename, version string, logger *zap.SugaredLogger) error {
	sqlBytes, err := migrations.ReadFile(filepath.Join("sqlite/migrations", filename))
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}

	if logger != nil {
		logger.Infow("Applying migration",
			"migration", filename,
			"version", version,
		)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", filename)
	}

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", filename)
	}

	// migration 000 creates schema_migrations, then records itself
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", filename)
	}

	return errors.Wrapf(tx.Commit(), "commit %s", filename)
}
