// Package sqlite implements store.Store on database/sql with the
// mattn/go-sqlite3 driver. Suitable for embedded deployments, CLI tools
// and tests. Every host sharing the database file must run on the same
// machine, since expiry is evaluated against the local clock.
//
//	store, err := sqlite.Open("/var/lib/taskhost/taskhost.db")
//	if err != nil { ... }
//	defer store.Close()
//	err = store.Migrate(ctx)
//
// A store built with New over a caller-owned *sql.DB never closes it.
package sqlite
