//go:build !cgo_sqlite

package storage

import (
	// Pure-Go SQLite driver, no CGO toolchain required.
	_ "modernc.org/sqlite"
)

// DriverName selects the registered SQLite driver for this build.
const DriverName = "sqlite"
