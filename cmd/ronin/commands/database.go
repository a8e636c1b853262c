package commands

import (
	"database/sql"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/db"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/logger"
)

// openDatabase opens and migrates the agent database. An empty dbPath
// falls back to the configured path, then to ronin.db in the working
// directory.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "ronin.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
