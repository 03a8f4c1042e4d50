package sqlstore

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationFS embed.FS

//go:embed migrations/sqlite.sql
var sqliteSchemaFS embed.FS

// applyPostgresMigrations brings the schema up to date using the
// embedded golang-migrate migration set.
//
// Grounded on channeldb/db.go's dbVersions migration-runner idiom,
// retargeted from BoltDB bucket transactions to SQL DDL.
func applyPostgresMigrations(db *sql.DB) error {
	src, err := iofs.New(postgresMigrationFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("sqlstore: loading embedded migrations: %w", err)
	}

	drv, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("sqlstore: wrapping postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("sqlstore: constructing migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sqlstore: applying migrations: %w", err)
	}
	return nil
}

// applySQLiteSchema applies the single idempotent schema script used
// by the embedded/test backend. modernc.org/sqlite has no published
// golang-migrate database driver, so the sqlite path is a plain
// CREATE-TABLE-IF-NOT-EXISTS script rather than a versioned migration
// chain.
func applySQLiteSchema(db *sql.DB) error {
	schema, err := sqliteSchemaFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return fmt.Errorf("sqlstore: loading embedded schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		return fmt.Errorf("sqlstore: applying schema: %w", err)
	}
	return nil
}
