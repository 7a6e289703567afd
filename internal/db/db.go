package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Missions, steps and the event log share one sqlite file under the
// workspace's dot directory.
const (
	dirName  = ".opsline"
	fileName = "opsline.db"
)

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dirName, fileName)
}

// Open opens the workspace database, creating the dot directory on
// first use. Foreign keys are enforced.
func Open(workspace string) (*sql.DB, error) {
	p := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", "file:"+p+"?cache=shared&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; a single connection keeps concurrent
	// mission workers from tripping SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
