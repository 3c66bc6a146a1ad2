// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/and161185/airchainpay/migrations"
)

// Store drivers with an embedded migration set.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type dialect struct {
	sqlDriver string
	goose     string
	dir       string
}

var dialects = map[string]dialect{
	DriverPostgres: {sqlDriver: "pgx", goose: "postgres", dir: "postgres"},
	DriverSQLite:   {sqlDriver: "sqlite3", goose: "sqlite3", dir: "sqlite"},
}

// Up runs all pending migrations for driver against dsn.
func Up(ctx context.Context, driver, dsn string) error {
	d, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("migrate: unsupported driver %q", driver)
	}
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return UpDB(ctx, db, driver)
}

// UpDB runs all pending migrations for driver on an already opened database.
func UpDB(ctx context.Context, db *sql.DB, driver string) error {
	d, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("migrate: unsupported driver %q", driver)
	}
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(d.goose); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, d.dir)
}
