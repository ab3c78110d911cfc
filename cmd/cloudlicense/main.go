package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/cloudLicense/internal/adapters/api"
	"github.com/poyrazK/cloudLicense/internal/adapters/notify"
	"github.com/poyrazK/cloudLicense/internal/adapters/queue"
	"github.com/poyrazK/cloudLicense/internal/adapters/ratelimit"
	"github.com/poyrazK/cloudLicense/internal/adapters/repository"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/poyrazK/cloudLicense/internal/core/services"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	webhookRetries  = 3
	webhookTimeout  = 10 * time.Second
	bucketCleanup   = time.Minute
	redisPingBudget = 3 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("cloudlicense exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}
	defer func() {
		if errClose := db.Close(); errClose != nil {
			logger.Error("failed to close database", "error", errClose)
		}
	}()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	if errPing := db.PingContext(ctx); errPing != nil {
		logger.Warn("could not ping database", "error", errPing)
	}

	store := repository.NewPostgresStore(db, cfg.Database.LockTimeout, cfg.Database.StatementTimeout)
	if cfg.Database.AutoMigrate {
		if errMigrate := store.Migrate(ctx); errMigrate != nil {
			return errMigrate
		}
	}

	notifier := notifierFor(cfg, logger)
	checks := map[string]api.HealthChecker{"postgres": store}

	var (
		rdb         *redis.Client
		taskQueue   ports.TaskQueue
		asynqClient *asynq.Client
		worker      *asynq.Server
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() {
			if errClose := rdb.Close(); errClose != nil {
				logger.Error("failed to close redis client", "error", errClose)
			}
		}()
		pingCtx, cancel := context.WithTimeout(ctx, redisPingBudget)
		if errPing := rdb.Ping(pingCtx).Err(); errPing != nil {
			logger.Warn("could not ping redis", "addr", cfg.Redis.Addr, "error", errPing)
		}
		cancel()

		asynqClient = asynq.NewClientFromRedisClient(rdb)
		taskQueue = queue.NewAsynqQueue(asynqClient)
		worker = queue.NewServer(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Worker.Concurrency, logger)
	} else {
		logger.Warn("redis not configured, side effects run inline and limits are per instance")
		taskQueue = queue.NewInlineQueue(store, notifier)
	}

	limits := limitersFor(cfg, rdb)
	if limits.redis != nil {
		checks["redis"] = limits.redis
	}

	postCommit := services.NewPostCommit(taskQueue, logger)
	hwid := services.NewHWIDValidator(cfg.HWID.Strict, limits.hwidChange, logger)
	keySvc := services.NewKeyService(store, store, nil, postCommit, logger)
	redeemSvc := services.NewRedemptionService(store, store, hwid, postCommit, logger)
	subSvc := services.NewSubscriptionService(store, hwid, postCommit, logger)

	sweeper, err := services.NewSweeper(subSvc, cfg.Sweep.Schedule, logger)
	if err != nil {
		return err
	}

	apiHandler := api.NewAPIHandler(api.Deps{
		Keys:          keySvc,
		Redemptions:   redeemSvc,
		Subscriptions: subSvc,
		APIKeys:       store,
		RedeemLimiter: limits.redeemIP,
		Checks:        checks,
		Logger:        logger,
	})
	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("management API listening", "addr", cfg.HTTP.Addr)
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", errServe)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	for _, tb := range limits.buckets {
		g.Go(func() error {
			tb.Run(gctx, bucketCleanup)
			return nil
		})
	}
	if worker != nil {
		g.Go(func() error {
			taskMux := asynq.NewServeMux()
			queue.NewHandlers(store, notifier, logger).Register(taskMux)
			if errStart := worker.Start(taskMux); errStart != nil {
				return fmt.Errorf("task worker failed: %w", errStart)
			}
			<-gctx.Done()
			worker.Shutdown()
			return nil
		})
	}

	errRun := g.Wait()

	// Let in-flight post-commit dispatches reach the queue before the client closes.
	postCommit.Wait()
	if asynqClient != nil {
		if errClose := asynqClient.Close(); errClose != nil {
			logger.Error("failed to close task client", "error", errClose)
		}
	}
	logger.Info("cloudlicense stopped")
	return errRun
}

func notifierFor(cfg *config.Config, logger *slog.Logger) ports.Notifier {
	if cfg.Notify.WebhookURL == "" {
		return notify.NewLogNotifier(logger)
	}
	return notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, webhookRetries, webhookTimeout)
}

type limiters struct {
	hwidChange ports.AttemptLimiter
	redeemIP   ports.AttemptLimiter
	redis      *ratelimit.RedisLimiter
	buckets    []*ratelimit.TokenBucket
}

// limitersFor builds the HWID change throttle and the per-IP redemption limiter,
// on Redis when a client is available and in process otherwise.
func limitersFor(cfg *config.Config, rdb *redis.Client) limiters {
	var l limiters
	if rdb != nil {
		hwid := ratelimit.NewRedisLimiter(rdb, "hwid_change", cfg.HWID.ChangeLimit, cfg.HWID.ChangeWindow)
		l.hwidChange = hwid
		l.redis = hwid
		if cfg.Redeem.IPLimit > 0 {
			l.redeemIP = ratelimit.NewRedisLimiter(rdb, "redeem_ip", cfg.Redeem.IPLimit, cfg.Redeem.IPWindow)
		}
		return l
	}

	hwid := ratelimit.NewTokenBucket(cfg.HWID.ChangeLimit, cfg.HWID.ChangeWindow, cfg.HWID.ChangeLimit)
	l.hwidChange = hwid
	l.buckets = append(l.buckets, hwid)
	if cfg.Redeem.IPLimit > 0 {
		ip := ratelimit.NewTokenBucket(cfg.Redeem.IPLimit, cfg.Redeem.IPWindow, cfg.Redeem.IPLimit)
		l.redeemIP = ip
		l.buckets = append(l.buckets, ip)
	}
	return l
}
