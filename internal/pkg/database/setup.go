package database

import (
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// BillingModels are the tables owned by the billing service.
func BillingModels() []interface{} {
	return []interface{}{
		&models.UsageLog{},
		&models.CreditBalance{},
		&models.CreditPurchase{},
		&models.CreditUsage{},
		&models.BillingCustomer{},
		&models.BillingWebhookEvent{},
		&models.BillingScheduledPlanChange{},
	}
}

// Open connects to MySQL, retrying while the server comes up. With
// autoMigrate set the billing tables are created or updated in place; otherwise
// the schema is left to cmd/migrate.
func Open(cfg config.DatabaseConfig, autoMigrate bool) (*gorm.DB, error) {
	var db *gorm.DB
	var err error
	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       cfg.DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{})
		if err == nil {
			break
		}
		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return nil, err
	}

	if autoMigrate {
		if err := db.AutoMigrate(BillingModels()...); err != nil {
			return nil, err
		}
		log.Info("[Database] Billing tables migrated")
	}
	return db, nil
}
