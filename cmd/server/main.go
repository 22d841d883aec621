package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"campus_pay_portal/internal/app"
	"campus_pay_portal/internal/config"
	"campus_pay_portal/internal/handlers"
	authMiddleware "campus_pay_portal/internal/middleware"
	"campus_pay_portal/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := services.NewLogger(cfg.AppEnv)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	core, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialise payment core", zap.Error(err))
	}
	defer core.Close()

	if err := core.Migrate(); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Initialize Firebase
	var verifier authMiddleware.TokenVerifier
	var issuer handlers.SessionIssuer
	authClient, err := services.InitFirebase(context.Background(), cfg.Firebase.CredentialsPath)
	if err != nil {
		logger.Warn("Firebase initialization failed, protected routes will answer 503", zap.Error(err))
	} else {
		verifier = authClient
		issuer = authClient
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = authMiddleware.JSONErrorHandler(logger)

	// Middleware
	e.Use(authMiddleware.RequestLogger(logger))
	e.Use(echomw.Recover())

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(issuer, !cfg.IsDevelopment(), logger)
	paymentHandler := handlers.NewPaymentHandler(core.Store, core.Sessions, core.Reconciler, core.Refunds, logger)

	// Public routes
	e.GET("/healthz", paymentHandler.Health)
	e.POST("/auth/login", authHandler.HandleLogin)
	e.POST("/auth/logout", authHandler.HandleLogout)
	e.GET("/api/payments/callback", paymentHandler.Callback)
	e.POST("/api/payments/callback", paymentHandler.Callback)

	// Protected routes
	protected := e.Group("/api/payments")
	protected.Use(authMiddleware.RequireAuth(verifier))
	protected.POST("/sessions", paymentHandler.CreateSession)
	protected.GET("/:order_id/status", paymentHandler.Status)
	protected.POST("/:order_id/refunds", paymentHandler.Refund)
	protected.GET("/:order_id/transactions", paymentHandler.Transactions)

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port), zap.String("env", cfg.AppEnv))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
