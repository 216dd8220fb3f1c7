package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/bookflow-platform/internal/api/router"
	"github.com/wolfman30/bookflow-platform/internal/app/bootstrap"
	"github.com/wolfman30/bookflow-platform/internal/appointments"
	"github.com/wolfman30/bookflow-platform/internal/audit"
	"github.com/wolfman30/bookflow-platform/internal/cancellation"
	appconfig "github.com/wolfman30/bookflow-platform/internal/config"
	"github.com/wolfman30/bookflow-platform/internal/customers"
	"github.com/wolfman30/bookflow-platform/internal/events"
	"github.com/wolfman30/bookflow-platform/internal/locks"
	"github.com/wolfman30/bookflow-platform/internal/notify"
	"github.com/wolfman30/bookflow-platform/internal/observability/metrics"
	"github.com/wolfman30/bookflow-platform/internal/payments"
	"github.com/wolfman30/bookflow-platform/internal/resolver"
	"github.com/wolfman30/bookflow-platform/internal/shops"
	"github.com/wolfman30/bookflow-platform/internal/slotrecovery"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting bookflow-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if cfg.IsProduction() && cfg.JobSecret == "" {
		logger.Error("JOB_SECRET is required in production")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	redisClient, err := bootstrap.BuildRedisClient(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Stores
	apptStore := appointments.NewStore(pool)
	paymentStore := payments.NewStore(pool)
	auditLog := audit.NewStore(pool)
	processedStore := events.NewProcessedStore(pool)
	outbox := events.NewOutboxStore(pool)
	customerStore := customers.NewStore(pool)
	shopStore := shops.NewStore(pool)
	recoveryStore := slotrecovery.NewStore(pool)
	tokenStore := cancellation.NewTokenStore(pool)

	// Metrics
	reg := prometheus.DefaultRegisterer
	resolverMetrics := metrics.NewResolverMetrics(reg)
	bookingMetrics := metrics.NewBookingMetrics(reg)
	recoveryMetrics := metrics.NewRecoveryMetrics(reg)

	// Notifications
	var smsSender notify.SMSSender
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		smsSender = notify.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
	}
	var emailSender notify.EmailSender
	switch cfg.EmailProvider {
	case "ses":
		awsCfg, err := bootstrap.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		if s := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SESFromName,
		}, logger); s != nil {
			emailSender = s
		}
	default:
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); s != nil {
			emailSender = s
		}
	}
	notifier := notify.NewService(smsSender, emailSender, customerStore, logger)

	// Bookings and payments
	bookingSvc := appointments.NewService(apptStore, shopStore, paymentStore, cfg.PublicBaseURL, logger)
	refundClient := payments.NewRefundClient(cfg.SquareBaseURL, cfg.SquareAccessToken, logger)

	// Slot recovery
	recovery := slotrecovery.NewRecovery(recoveryStore, apptStore, auditLog, outbox, recoveryMetrics, logger)
	cooldown := slotrecovery.NewCooldown(redisClient, cfg.AcceptCooldown, logger)
	acceptLock := locks.NewRedisLock(redisClient, cfg.AcceptLockTTL, logger)
	acceptor := slotrecovery.NewAcceptor(recoveryStore, apptStore, bookingSvc, auditLog, tokenStore, acceptLock, cooldown, recoveryMetrics, logger)
	dispatcher := slotrecovery.NewDispatcher(recoveryStore, apptStore, cooldown, smsSender, slotrecovery.DispatchConfig{
		Fanout:          cfg.OfferFanout,
		OfferTTL:        cfg.OfferTTL,
		ExcludeRiskTier: cfg.ExcludeRiskTier,
	}, recoveryMetrics, logger)

	var dispatchQueue slotrecovery.QueueSender
	var worker *slotrecovery.Worker
	if cfg.UseMemoryQueue || cfg.DispatchQueueURL == "" {
		q := slotrecovery.NewMemoryQueue(256)
		dispatchQueue = q
		worker = slotrecovery.NewWorker(recoveryStore, dispatcher, q, logger)
		logger.Info("dispatch queue: in-memory")
	} else {
		awsCfg, err := bootstrap.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		q := slotrecovery.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.DispatchQueueURL)
		dispatchQueue = q
		worker = slotrecovery.NewWorker(recoveryStore, dispatcher, q, logger)
		logger.Info("dispatch queue: SQS", "queue_url", cfg.DispatchQueueURL)
	}

	// Outcome resolver
	runLock := resolver.NewRunLock(pool)
	outcomeResolver := resolver.New(apptStore, paymentStore, auditLog, runLock, cfg.ResolverGraceMinutes, resolverMetrics, logger)

	// Cancellation engine
	cancelEngine := cancellation.NewEngine(apptStore, paymentStore, auditLog, tokenStore, refundClient, recovery, notifier, bookingMetrics, logger)

	// Handlers
	resolverHandler := resolver.NewHandler(outcomeResolver, cfg.IsProduction(), logger)
	cancelHandler := cancellation.NewHandler(cancelEngine, logger)
	squareWebhook := payments.NewSquareWebhookHandler(cfg.SquareWebhookKey, paymentStore, apptStore, auditLog, processedStore, recovery, notifier, logger)
	replyHandler := slotrecovery.NewReplyHandler(acceptor, customerStore, cfg.TwilioAuthToken, logger)
	recoveryAdmin := slotrecovery.NewAdminHandler(recoveryStore, logger)

	r := router.New(&router.Config{
		Logger:              logger,
		ResolverHandler:     resolverHandler,
		CancellationHandler: cancelHandler,
		SquareWebhook:       squareWebhook,
		SMSReplyHandler:     replyHandler,
		RecoveryAdmin:       recoveryAdmin,
		JobSecret:           cfg.JobSecret,
		AdminAuthSecret:     cfg.AdminJWTSecret,
		MetricsHandler:      promhttp.Handler(),
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	// Background loops: outbox delivery, dispatch worker, opening expiry.
	publisher := slotrecovery.NewDispatchPublisher(dispatchQueue, logger)
	deliverer := events.NewDeliverer(outbox, publisher, logger)
	go deliverer.Start(ctx)
	worker.Start(ctx)
	sweeper := slotrecovery.NewExpirySweeper(recoveryStore, recoveryMetrics, logger)
	go sweeper.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	worker.Wait()
	logger.Info("shutdown complete")
}
