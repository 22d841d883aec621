package services

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"campus_pay_portal/internal/models"
)

// InitDB opens the database for driver (postgres, mysql or sqlite) with connection pooling
func InitDB(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log),
		// Unique violations surface as gorm.ErrDuplicatedKey on every driver
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Get underlying sql.DB to configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		// sqlite allows a single writer; serialize through one connection
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("database connection established", zap.String("driver", dialector.Name()))
	return db, nil
}

// newGormLogger routes gorm's warnings and slow queries through zap. Lookups
// that miss are normal here and are not logged.
func newGormLogger(log *zap.Logger) logger.Interface {
	return logger.New(zap.NewStdLog(log.Named("gorm")), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// AutoMigrate runs database migrations for all payment models
func AutoMigrate(db *gorm.DB, log *zap.Logger) error {
	log.Info("running database migrations")

	err := db.AutoMigrate(
		&models.Order{},
		&models.PaymentSession{},
		&models.TransactionDetail{},
		&models.SecurityAuditLog{},
		&models.ServiceRequest{},
		&models.ActivationMarker{},
		&models.Refund{},
	)
	if err != nil {
		return err
	}

	log.Info("database migrations completed")
	return nil
}
