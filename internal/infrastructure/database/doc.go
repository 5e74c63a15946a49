// Package database provides the SQLite connection behind the bridge's
// event log.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Versioned schema migrations read from an fs.FS
//   - A transaction helper
//
// The database is optional: the bridge runs without it, and nothing on the
// forwarding path touches it.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are NULLABLE or have defaults, and
// each .up.sql has a matching .down.sql.
package database
