package db

import (
	"strings"

	"github.com/teranos/RONIN/errors"
)

// ErrDatabaseClosed is returned when operations hit a closed database.
// During shutdown the connection is closed while the poll loop and the
// status broadcaster may still have a tick in flight.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether an error means the database connection
// is gone. The string check is a fallback for raw driver errors that
// cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "sql: database is closed")
}
