package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createSuppressionsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_suppressions",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SuppressionModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_suppressions_reason ON suppressions (reason)`,
				`CREATE INDEX IF NOT EXISTS idx_suppressions_expires_at ON suppressions (expires_at) WHERE expires_at IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SuppressionModel{})
		},
	}
}
