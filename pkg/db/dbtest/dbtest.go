// Package dbtest opens throwaway sqlite databases for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/db"
)

// Open returns a migrated sqlite database in t's temp dir. entities are
// AutoMigrated after the framework tables.
func Open(t testing.TB, entities ...any) *gorm.DB {
	t.Helper()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "trionyx.db") + "?_foreign_keys=on"
	database, err := db.Open(ctx, db.DriverSQLite, dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })

	if err := db.Migrate(ctx, database, entities...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}
