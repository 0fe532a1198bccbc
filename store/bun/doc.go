// Package bunstore implements store.Store using the Bun ORM with the
// PostgreSQL dialect, for services that already manage a *bun.DB.
//
// The caller owns the *bun.DB lifecycle; bunstore never closes it. Pass the
// db handle through the constructor:
//
//	import (
//	    "github.com/uptrace/bun"
//	    "github.com/uptrace/bun/dialect/pgdialect"
//	    "github.com/uptrace/bun/driver/pgdriver"
//	    bunstore "github.com/xraph/taskhost/store/bun"
//	)
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	store.Migrate(ctx)
//
// The schema matches the pgx-backed store, and claims use the same
// SELECT ... FOR UPDATE SKIP LOCKED statement, so the two backends can
// serve hosts sharing one database.
package bunstore
