package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"testforge/internal/broker/redis"
	serverHTTP "testforge/internal/delivery/server/http"
	"testforge/internal/dispatcher"
	"testforge/internal/lifecycle"
	"testforge/internal/scheduler"
	"testforge/internal/shared/async"
	runtimeconfig "testforge/internal/shared/config"
	shrderrors "testforge/internal/shared/errors"
	"testforge/internal/shared/logging"
	"testforge/internal/store/postgres"
)

// RunServer wires the State Store, Queue Broker, the three periodic
// services, and the HTTP request surface, then blocks until a shutdown
// signal arrives.
func RunServer(cfg runtimeconfig.Config) error {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting orchestrator server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var pool *pgxpool.Pool
	var broker *redis.Store
	var jobStore *postgres.JobStore
	var groupStore *postgres.GroupStore
	var agentStore *postgres.AgentStore

	requiredStages := []Stage{
		{
			Name: "state-store", Required: true,
			Init: func() error {
				// Postgres may still be coming up alongside this process
				// (e.g. both started by the same compose/k8s rollout); retry
				// connect+ping with backoff instead of failing on the first
				// attempt.
				retryLogger := logging.NewComponentLogger("Bootstrap")
				err := shrderrors.Retry(ctx, shrderrors.DefaultRetryConfig(), retryLogger, func(ctx context.Context) error {
					p, err := pgxpool.New(ctx, cfg.StoreDSN)
					if err != nil {
						return fmt.Errorf("connect postgres: %w", err)
					}
					if err := p.Ping(ctx); err != nil {
						p.Close()
						return fmt.Errorf("ping postgres: %w", err)
					}
					pool = p
					return nil
				})
				if err != nil {
					return err
				}
				jobStore = postgres.NewJobStore(pool)
				groupStore = postgres.NewGroupStore(pool)
				agentStore = postgres.NewAgentStore(pool)
				return nil
			},
		},
		{
			Name: "state-store-schema", Required: true,
			Init: func() error {
				if err := jobStore.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("ensure jobs schema: %w", err)
				}
				if err := groupStore.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("ensure job_groups schema: %w", err)
				}
				if err := agentStore.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("ensure agents schema: %w", err)
				}
				return nil
			},
		},
		{
			Name: "queue-broker", Required: true,
			Init: func() error {
				retryLogger := logging.NewComponentLogger("Bootstrap")
				return shrderrors.Retry(ctx, shrderrors.DefaultRetryConfig(), retryLogger, func(ctx context.Context) error {
					b := redis.New(redis.Config{Addr: cfg.BrokerAddr, DB: cfg.BrokerDB})
					if err := b.Ping(ctx); err != nil {
						b.Close()
						return fmt.Errorf("ping redis: %w", err)
					}
					broker = b
					return nil
				})
			},
		},
	}

	degraded := NewDegradedComponents()
	if err := RunStages(requiredStages, degraded, logger); err != nil {
		return err
	}
	defer pool.Close()
	defer broker.Close()

	var tracerProvider *sdktrace.TracerProvider
	observabilityStages := []Stage{
		{
			Name: "metrics-registry", Required: false,
			Init: func() error {
				// internal/metrics registers its collectors against the
				// default registerer at package init; this stage only
				// confirms that registerer is reachable before /metrics
				// starts serving it.
				if prometheus.DefaultRegisterer == nil {
					return fmt.Errorf("prometheus default registerer unavailable")
				}
				return nil
			},
		},
		{
			Name: "tracer-provider", Required: false,
			Init: func() error {
				tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
				otel.SetTracerProvider(tp)
				tracerProvider = tp
				return nil
			},
		},
	}
	if err := RunStages(observabilityStages, degraded, logger); err != nil {
		return err
	}
	if tracerProvider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracerProvider.Shutdown(shutdownCtx)
		}()
	}

	sched := scheduler.New(jobStore, groupStore, broker, scheduler.Config{
		Tick:        cfg.SchedulerTick,
		BatchSize:   cfg.SchedulerBatch,
		GroupKeyTTL: cfg.GroupKeyTTL,
	}, logging.NewComponentLogger("Scheduler"))

	disp := dispatcher.New(groupStore, agentStore, jobStore, broker, dispatcher.Config{
		Tick:    cfg.DispatcherTick,
		LockTTL: cfg.LockTTL,
	}, logging.NewComponentLogger("Dispatcher"))

	monitor := lifecycle.New(jobStore, groupStore, agentStore, broker, lifecycle.Config{
		RetryMonitorTick:  cfg.RetryMonitorTick,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		RetryMonitorBatch: cfg.RetryMonitorBatch,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, logging.NewComponentLogger("LifecycleMonitor"))

	backgroundCtx := context.Background()
	servicesStages := []Stage{
		{Name: "scheduler", Required: true, Init: func() error { return sched.Start(backgroundCtx) }},
		{Name: "dispatcher", Required: true, Init: func() error { return disp.Start(backgroundCtx) }},
		{Name: "retry-monitor", Required: true, Init: func() error { return monitor.Start(backgroundCtx) }},
	}
	if err := RunStages(servicesStages, degraded, logger); err != nil {
		return err
	}
	defer sched.Stop()
	defer disp.Stop()
	defer monitor.Stop()

	router := serverHTTP.NewRouter(serverHTTP.RouterDeps{
		Jobs:      jobStore,
		Agents:    agentStore,
		Lifecycle: monitor,
		Degraded:  degraded,
		Logger:    logging.NewComponentLogger("Router"),
	})

	if !degraded.IsEmpty() {
		logger.Warn("[Bootstrap] starting in degraded mode: %v", degraded.Map())
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return serveUntilSignal(server, logger)
}

// serveUntilSignal runs server.ListenAndServe in a panic-safe goroutine and
// blocks until either it exits or SIGINT/SIGTERM arrives, in which case it
// drains in-flight requests before returning.
func serveUntilSignal(server *http.Server, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("Server listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		logger.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := server.Shutdown(ctx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}

		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}
		logger.Info("Server stopped")
		return nil
	}
}
