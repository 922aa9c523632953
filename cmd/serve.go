package cmd

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/controller"
	"github.com/advancedpay/ms-go-payment-core/app/idempotency"
	"github.com/advancedpay/ms-go-payment-core/app/provider"
	"github.com/advancedpay/ms-go-payment-core/app/reconcile"
	"github.com/advancedpay/ms-go-payment-core/app/repository"
	"github.com/advancedpay/ms-go-payment-core/app/service"
	"github.com/advancedpay/ms-go-payment-core/app/types"
	"github.com/advancedpay/ms-go-payment-core/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  "Start the Echo HTTP server exposing order, subscription, and provider webhook endpoints.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, paymentService, cleanup := mustCreatePaymentService()
	defer cleanup()

	paymentController := controller.NewPaymentController(paymentService)
	e := setupHTTPServer(paymentController, cfg.App.APIKey)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}

	logrus.Info("Server stopped")
}

func setupHTTPServer(paymentController *controller.PaymentController, apiKey string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	e.GET("/health", paymentController.Health)

	// Provider webhooks authenticate with their own signatures, not the
	// caller API key.
	webhooks := e.Group("/webhooks/providers")
	webhooks.POST("/:provider", paymentController.HandleProviderWebhook)

	orders := e.Group("/orders", requireRequestID(), requireAPIKey(apiKey))
	orders.POST("/charge", paymentController.Charge)
	orders.GET("", paymentController.ListOrders)
	orders.GET("/:id", paymentController.GetOrder)
	orders.POST("/:id/refund", paymentController.Refund)

	subscriptions := e.Group("/subscriptions", requireRequestID(), requireAPIKey(apiKey))
	subscriptions.POST("/:id/renew", paymentController.RenewSubscription)
	subscriptions.POST("/:id/cancel", paymentController.CancelSubscription)

	return e
}

func requireRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
			if requestID == "" {
				return ctx.JSON(http.StatusBadRequest, &types.ErrorResponse{Error: "x-request-id header is required"})
			}
			ctx.Response().Header().Set(echo.HeaderXRequestID, requestID)
			return next(ctx)
		}
	}
}

func requireAPIKey(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if apiKey == "" {
				return next(ctx)
			}
			presented := strings.TrimSpace(ctx.Request().Header.Get("X-API-Key"))
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				return ctx.JSON(http.StatusUnauthorized, &types.ErrorResponse{Error: "invalid api key"})
			}
			return next(ctx)
		}
	}
}

func mustCreatePaymentService() (*config.Config, *service.PaymentService, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	orderRepo := repository.NewOrderRepository(db)
	eventRepo := repository.NewPaymentEventRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)
	deliveryRepo := repository.NewWebhookDeliveryRepository(db)

	idemStore, idemRepo, closeIdem := buildIdempotencyStore(cfg, db)
	var idemPurger service.IdempotencyPurger
	if idemRepo != nil {
		idemPurger = idemRepo
	}

	stripeAdapter := provider.NewStripeAdapter(provider.StripeConfig{
		SecretKey:                 cfg.Stripe.SecretKey,
		WebhookSecret:             cfg.Stripe.WebhookSecret,
		APIBaseURL:                cfg.Stripe.APIBaseURL,
		SignatureToleranceSeconds: cfg.Stripe.SignatureToleranceSeconds,
		HTTPTimeout:               cfg.Stripe.HTTPTimeout,
	})
	paypalAdapter := provider.NewPayPalAdapter(provider.PayPalConfig{
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		WebhookID:    cfg.PayPal.WebhookID,
		APIBaseURL:   cfg.PayPal.APIBaseURL,
		HTTPTimeout:  cfg.PayPal.HTTPTimeout,
	})

	providerRegistry := provider.NewRegistry(stripeAdapter, paypalAdapter)
	reconciler := reconcile.NewReconciler(orderRepo, eventRepo)

	paymentService := service.NewPaymentService(
		orderRepo,
		subRepo,
		deliveryRepo,
		reconciler,
		idemStore,
		idemPurger,
		providerRegistry,
		cfg.Payments,
		cfg.App.APIKey,
	)

	cleanup := func() {
		closeIdem()
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return cfg, paymentService, cleanup
}

// buildIdempotencyStore picks the reservation backend. The SQL backend
// doubles as the purger for the purge job; the other backends expire
// keys on their own.
func buildIdempotencyStore(cfg *config.Config, db *sql.DB) (idempotency.Store, *repository.IdempotencyRepository, func()) {
	switch cfg.Payments.IdempotencyBackend {
	case "memory":
		return idempotency.NewMemoryStore(), nil, func() {}
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return idempotency.NewRedisStore(client), nil, func() {
			if err := client.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close redis client")
			}
		}
	default:
		repo := repository.NewIdempotencyRepository(db)
		return repo, repo, func() {}
	}
}

func configureLogging(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	return nil
}
