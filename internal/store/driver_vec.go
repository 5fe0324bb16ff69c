//go:build sqlite_vec && cgo

package store

// cgo SQLite driver with the sqlite-vec extension registered. Build with
// -tags sqlite_vec to enable vec0 virtual tables for ANN search.
import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

func init() {
	vec.Auto()
}
