package app

import (
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"campus_pay_portal/internal/config"
	"campus_pay_portal/internal/services"
)

// App is the wired payment core shared by the server, the worker and paymentctl
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *gorm.DB
	Store  *services.Store
	Cache  *services.RedisCache

	Gateway    *services.HDFCService
	Events     services.EventPublisher
	Activator  *services.Activator
	Refunds    *services.RefundService
	Reconciler *services.Reconciler
	Sessions   *services.SessionService

	closers []func() error
}

// New connects to the database and optional Redis and Kafka, then builds the services
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := services.InitDB(cfg.DBDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, DB: db, Store: services.NewStore(db)}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	var counter services.AttemptCounter
	if cfg.RedisURL != "" {
		cache, err := services.NewRedisCache(cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, refund attempts fall back to the database", zap.Error(err))
		} else {
			a.Cache = cache
			counter = cache
			a.closers = append(a.closers, cache.Close)
		}
	}

	var directory services.Directory
	if cfg.Directory.URL != "" {
		client := services.NewDirectoryClient(cfg.Directory.URL, cfg.Directory.APIKey, 0)
		if a.Cache != nil {
			directory = services.NewCachedDirectory(client, a.Cache, cfg.Directory.CacheTTL)
		} else {
			directory = client
		}
	}

	a.Events = services.NopPublisher{}
	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		producer, err := services.NewKafkaProducer(brokers)
		if err != nil {
			logger.Warn("kafka unavailable, payment events are not published", zap.Error(err))
		} else {
			pub := services.NewKafkaPublisher(producer, cfg.Kafka.Topic)
			a.Events = pub
			a.closers = append(a.closers, pub.Close)
		}
	}

	a.Gateway = services.NewHDFCService(services.HDFCConfig{
		BaseURL:             cfg.HDFC.BaseURL,
		APIKey:              cfg.HDFC.APIKey,
		MerchantID:          cfg.HDFC.MerchantID,
		PaymentPageClientID: cfg.HDFC.PaymentPageClientID,
		ReturnURL:           cfg.HDFC.ReturnURL,
		Currency:            cfg.Payment.Currency,
		Timeout:             cfg.HDFC.Timeout,
	}, logger)

	a.Activator = services.NewActivator(a.Store, services.NewGormServiceRequestCreator(db), directory, services.ActivatorConfig{
		Level:         cfg.Activation.Level,
		Wait:          cfg.Activation.Wait,
		ClaimTTL:      cfg.Activation.ClaimTTL,
		CreateTimeout: cfg.Activation.CreateTimeout,
	}, logger)
	a.Refunds = services.NewRefundService(a.Store, a.Gateway, counter, a.Events, logger)
	a.Reconciler = services.NewReconciler(a.Store, a.Gateway, a.Activator, a.Refunds, a.Events, cfg.HDFC.ResponseKey, logger)
	a.Sessions = services.NewSessionService(a.Store, a.Gateway, cfg.Payment.Currency, cfg.Payment.TestMode, logger)
	return a, nil
}

// Migrate creates or updates the payment tables
func (a *App) Migrate() error {
	return services.AutoMigrate(a.DB, a.Logger)
}

// Close releases connections in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
