package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createWebhookEventsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_webhook_events",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.WebhookEventModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_webhook_events_message_id ON webhook_events (message_id)`,
				`CREATE INDEX IF NOT EXISTS idx_webhook_events_provider_type ON webhook_events (provider, event_type, occurred_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WebhookEventModel{})
		},
	}
}
