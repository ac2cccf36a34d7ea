package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createEmailDeliveriesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_email_deliveries",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_client_idempotency ON email_deliveries (client_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_deliveries_provider_message_id ON email_deliveries (provider_message_id) WHERE provider_message_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_deliveries_client_created ON email_deliveries (client_id, created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_deliveries_scheduled_due ON email_deliveries (scheduled_at) WHERE status = 'scheduled'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryModel{})
		},
	}
}
