// cmd/alertd/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"expense-alerts/internal/alert/job"
	"expense-alerts/internal/alert/lease"
	"expense-alerts/internal/alert/notify"
	"expense-alerts/internal/alert/scheduler"
	awsclients "expense-alerts/internal/common/aws"
	"expense-alerts/internal/common/config"
	"expense-alerts/internal/common/database"
	"expense-alerts/internal/common/logger"
	"expense-alerts/internal/common/observability"
	"expense-alerts/internal/server"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting alertd...",
		zap.String("jobName", cfg.Alerts.JobName),
		zap.String("leaseBackend", cfg.Alerts.LeaseBackend),
		zap.String("runAt", cfg.Alerts.RunAt),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Lease backend selection ---
	var leaseStore lease.Store
	switch cfg.Alerts.LeaseBackend {
	case "redis":
		leaseStore = lease.NewRedisStore(redis.Client)
	default:
		leaseStore = lease.NewPostgresStore(pg.DB)
	}
	leaseManager := lease.NewManager(leaseStore, log)

	// --- Notification transports ---
	notifier, smsNotifier, err := buildNotifiers(ctx, cfg)
	if err != nil {
		zapLog.Fatal("notification transport init failed", zap.Error(err))
	}

	// --- Orchestrator ---
	orchestrator := job.New(job.Dependencies{
		Repo:     job.NewPostgresRepository(pg.DB),
		Notifier: notifier,
		SMS:      smsNotifier,
		Lease:    leaseManager,
		Logger:   log,
		Obs:      obs,
	}, cfg.Alerts)

	// --- Scheduler ---
	sched := scheduler.New(cfg.Alerts.RunAt, cfg.Alerts.OffsetMinutes, log)
	if err := sched.Register(orchestrator.JobName(), orchestrator.RunWithLock); err != nil {
		zapLog.Fatal("job registration failed", zap.Error(err))
	}
	sched.Start(ctx)

	// --- Health & Metrics Server ---
	srv := server.New(cfg.Server.Address, sched, map[string]server.Pinger{
		"postgres": pg,
		"redis":    redis,
	}, log)
	go func() {
		if err := srv.Start(); err != nil {
			zapLog.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("http server shutdown failed", zap.Error(err))
	}
	sched.Wait()

	zapLog.Info("alertd stopped gracefully")
}

// buildNotifiers wires the configured email transport and, when enabled, the
// SNS SMS escalation path.
func buildNotifiers(ctx context.Context, cfg *config.Config) (job.Notifier, job.SMSNotifier, error) {
	var notifier job.Notifier
	switch cfg.Notifications.Email.Transport {
	case "smtp":
		notifier = notify.NewSMTPNotifier(cfg.Notifications)
	default:
		sesClient, err := awsclients.NewSESClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			return nil, nil, fmt.Errorf("ses client: %w", err)
		}
		notifier = notify.NewSESNotifier(sesClient, cfg.Notifications.Email.FromEmail)
	}

	if !cfg.Notifications.SMS.Enabled {
		return notifier, nil, nil
	}

	snsClient, err := awsclients.NewSNSClient(ctx, cfg.Notifications.AWS.Region)
	if err != nil {
		return nil, nil, fmt.Errorf("sns client: %w", err)
	}
	return notifier, notify.NewSNSNotifier(snsClient), nil
}
