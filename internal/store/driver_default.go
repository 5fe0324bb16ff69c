//go:build !(sqlite_vec && cgo)

package store

// Pure-Go SQLite driver. No cgo toolchain required.
import (
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"
