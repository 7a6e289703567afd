package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Schema scripts are embedded as sql/NNNN_description.sql and applied
// in filename order. Applied-version bookkeeping lives in sqlite's
// user_version pragma, so a fresh database needs no bootstrap table.

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate brings the database schema up to the latest embedded version.
// Each script runs in its own transaction together with its version
// bump, so a failed script leaves the database at the prior version.
func Migrate(db *sql.DB) error {
	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	current, err := Version(db)
	if err != nil {
		return err
	}
	for _, name := range names {
		version, err := scriptVersion(name)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		script, err := schemaFS.ReadFile(name)
		if err != nil {
			return err
		}
		if err := apply(db, version, string(script)); err != nil {
			return fmt.Errorf("migration %s: %w", path.Base(name), err)
		}
		current = version
	}
	return nil
}

// Version reads the schema version of the database; 0 means empty.
func Version(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func apply(db *sql.DB, version int, script string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(script); err != nil {
		return err
	}
	// Pragmas do not take bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

func scriptVersion(name string) (int, error) {
	base := path.Base(name)
	prefix, _, ok := strings.Cut(base, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: name must start with NNNN_", base)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("migration %s: bad version prefix %q", base, prefix)
	}
	return v, nil
}
