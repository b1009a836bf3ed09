// Package database provides SQLite connectivity for the bridge.
//
// It owns the connection (WAL mode, busy timeout, single writer) and the
// schema migrations embedded by the migrations package. The device package
// stores its catalogue and state history through the *sql.DB exposed here.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive. Each version ships an .up.sql and a .down.sql
// file named YYYYMMDD_HHMMSS_description.
package database
