package migrations

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"trionyx/pkg/models"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

var (
	mu      sync.Mutex
	dialect = "postgres"
)

// SetDialect selects the gorm dialector used inside migrations.
func SetDialect(name string) {
	mu.Lock()
	defer mu.Unlock()
	dialect = name
}

func currentDialect() string {
	mu.Lock()
	defer mu.Unlock()
	return dialect
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if currentDialect() == "sqlite" {
		dialector = &sqlite.Dialector{Conn: tx}
	} else {
		dialector = postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true})
	}
	return gorm.Open(dialector, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(models.All()...)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	all := models.All()
	for i := len(all) - 1; i >= 0; i-- {
		if err := gormDB.WithContext(ctx).Migrator().DropTable(all[i]); err != nil {
			return err
		}
	}
	return gormDB.WithContext(ctx).Migrator().DropTable("user_groups", "user_permissions", "group_permissions")
}
