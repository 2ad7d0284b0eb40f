//go:build cgo_sqlite

package storage

import (
	// CGO SQLite driver, faster FTS5 queries on large histories.
	_ "github.com/mattn/go-sqlite3"
)

// DriverName selects the registered SQLite driver for this build.
const DriverName = "sqlite3"
