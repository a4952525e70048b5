package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/halcyon-dev/courier/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_notifications",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_notifications_status_created ON notifications (status, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_notifications_target ON notifications (target)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_idempotency_key ON notifications (idempotency_key) WHERE idempotency_key IS NOT NULL`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.NotificationModel{})
			},
		},
		{
			ID: "000002_create_deliveries",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_deliveries_notification_id ON deliveries (notification_id)`,
					`CREATE INDEX IF NOT EXISTS idx_deliveries_status_channel ON deliveries (status, channel)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_notification_channel ON deliveries (notification_id, channel)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryModel{})
			},
		},
		{
			ID: "000003_create_delivery_attempts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryAttemptModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_attempts_delivery_id ON delivery_attempts (delivery_id)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_delivery_ordinal ON delivery_attempts (delivery_id, ordinal)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{})
			},
		},
	})

	return m.Migrate()
}
