// Command orchestrator starts the RPA job orchestrator: the durable queue
// sweep, fleet coordinator, recovery manager, advanced scheduler, and the
// HTTP/WebSocket surface, all wired against one Postgres pool.
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

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/rpaflow/orchestrator-core/internal/assignment"
	"github.com/rpaflow/orchestrator-core/internal/audit"
	"github.com/rpaflow/orchestrator-core/internal/config"
	"github.com/rpaflow/orchestrator-core/internal/coordinator"
	"github.com/rpaflow/orchestrator-core/internal/domain"
	"github.com/rpaflow/orchestrator-core/internal/httpserver"
	"github.com/rpaflow/orchestrator-core/internal/observability"
	"github.com/rpaflow/orchestrator-core/internal/queue"
	"github.com/rpaflow/orchestrator-core/internal/recovery"
	"github.com/rpaflow/orchestrator-core/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	sqlDB, err := sql.Open("pgx", cfg.DBURL)
	if err != nil {
		slog.Error("db open failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := queue.Migrate(ctx, sqlDB); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	_ = sqlDB.Close()

	pool, err := queue.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db pool connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	qcfg := cfg.GetQueueConfig()
	jobQueue := queue.NewQueue(pool, qcfg.Retry, qcfg.LeaseDuration)

	auditLog := audit.NewLog(pool)

	acfg := cfg.GetAssignmentConfig()
	affinity := assignment.NewStateAffinityTracker(acfg.AffinityTTL)
	engine := assignment.NewEngine(acfg, affinity)

	ccfg := cfg.GetCoordinatorConfig()
	registry := coordinator.NewRegistry()
	hub := coordinator.NewHub()
	coord := coordinator.New(coordinator.Config{
		HeartbeatTimeout: ccfg.HeartbeatInterval * time.Duration(ccfg.MissedHeartbeats),
		SweepInterval:    ccfg.HeartbeatInterval,
		DispatchTimeout:  ccfg.WriteTimeout,
		LeaseDuration:    qcfg.LeaseDuration,
	}, registry, hub, jobQueue, engine, auditLog, affinity, logger)

	rcfg := cfg.GetRecoveryConfig()
	recoveryMgr := recovery.New(recovery.Config{SweepInterval: rcfg.HealthSweepInterval}, jobQueue, auditLog, coord.RobotFailed(), logger)

	scheduleStore := scheduler.NewStore(pool)
	calendars := scheduler.NewCalendarBook(nil)
	slaMonitor := scheduler.NewSLAMonitor(func(scheduleID string, status domain.SLAStatus) {
		slog.Warn("schedule SLA status changed", slog.String("schedule_id", scheduleID), slog.String("status", string(status)))
	})
	deps := scheduler.NewDependencyTracker(24 * time.Hour)

	var limiter scheduler.RateLimiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url, running scheduler without distributed rate limiting", slog.Any("error", err))
		} else {
			rdb := redis.NewClient(opts)
			limiter = scheduler.NewRedisLuaLimiter(rdb, pool, map[string]scheduler.BucketConfig{})
		}
	}

	scfg := cfg.GetSchedulerConfig()
	sched := scheduler.New(scheduler.Config{
		TickInterval:  scfg.TickInterval,
		CatchUpPolicy: scfg.CatchUpPolicy,
		DefaultTZ:     scfg.DefaultTZ,
	}, scheduleStore, jobQueue, calendars, slaMonitor, limiter, deps, auditLog, logger)

	runCtx, cancelRun := context.WithCancel(ctx)
	go coord.RunHeartbeatSweep(runCtx)
	go recoveryMgr.Run(runCtx)
	go sched.Run(runCtx)

	srv := httpserver.NewServer(cfg, jobQueue, coord, sched, auditLog)
	handler := httpserver.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
