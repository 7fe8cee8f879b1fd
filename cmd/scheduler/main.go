package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"basegraph.app/scheduler/common/id"
	"basegraph.app/scheduler/common/logger"
	"basegraph.app/scheduler/common/otel"
	"basegraph.app/scheduler/core/config"
	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/http/handler"
	"basegraph.app/scheduler/internal/http/middleware"
	httprouter "basegraph.app/scheduler/internal/http/router"
	"basegraph.app/scheduler/internal/model"
	"basegraph.app/scheduler/internal/orchestrator"
	"basegraph.app/scheduler/internal/queue"
	"basegraph.app/scheduler/internal/snapshot"
	"basegraph.app/scheduler/internal/worker"
)

func main() {
	service := flag.String("service", string(config.ServiceTypeServer), "server (HTTP plus optional stream worker) or worker (stream worker only)")
	flag.Parse()

	fmt.Printf("%s\n", banner)
	if err := run(config.ServiceType(*service)); err != nil {
		slog.Error("scheduler exited", "error", err)
		os.Exit(1)
	}
}

func run(serviceType config.ServiceType) error {
	ctx := context.Background()

	if serviceType != config.ServiceTypeServer && serviceType != config.ServiceTypeWorker {
		return fmt.Errorf("%w: unknown service %q", environment.ErrConfiguration, serviceType)
	}

	cfg, err := config.Load(serviceType)
	if err != nil {
		return fmt.Errorf("%w: loading config: %v", environment.ErrConfiguration, err)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing otel: %w", err)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "scheduler starting", "env", cfg.Env, "service", serviceType)
	if err := id.Init(cfg.NodeID); err != nil {
		return fmt.Errorf("initializing snowflake id generator: %w", err)
	}

	snap, err := snapshot.Load(cfg.Scheduler.SnapshotPath)
	if err != nil {
		return err
	}
	env, err := environment.New(snap)
	if err != nil {
		return fmt.Errorf("building scheduling environment: %w", err)
	}
	slog.InfoContext(ctx, "scheduling environment loaded",
		"snapshot", cfg.Scheduler.SnapshotPath,
		"periods", len(snap.Periods),
		"work_orders", len(snap.WorkOrders),
		"operational_resources", len(snap.OperationalResources))

	orch, err := orchestrator.New(env, orchestratorConfig(cfg.Scheduler))
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch.Start(runCtx)

	var redisClient *redis.Client
	if cfg.Pipeline.Enabled() {
		redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		slog.InfoContext(ctx, "redis connected", "stream", cfg.Pipeline.RequestStream)
	} else if serviceType == config.ServiceTypeWorker {
		return fmt.Errorf("%w: worker service requires REDIS_URL", environment.ErrConfiguration)
	}

	g, gctx := errgroup.WithContext(runCtx)

	var publisher queue.Publisher
	if redisClient != nil {
		publisher = queue.NewRedisPublisher(redisClient, cfg.Pipeline.StatusMaxLen, slog.Default())
		if err := startPipeline(gctx, g, cfg.Pipeline, redisClient, publisher, orch); err != nil {
			return err
		}
	}

	if serviceType == config.ServiceTypeServer {
		startServer(gctx, g, cfg, orch, redisClient, publisher)
	}

	err = g.Wait()
	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if stopErr := orch.Stop(); stopErr != nil {
		slog.ErrorContext(shutdownCtx, "agent shutdown error", "error", stopErr)
	}
	if telemetry != nil {
		if shutdownErr := telemetry.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", shutdownErr)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func orchestratorConfig(cfg config.SchedulerConfig) orchestrator.Config {
	resources := make([]model.Resource, 0, len(cfg.SupervisorResources))
	for _, r := range cfg.SupervisorResources {
		resources = append(resources, model.Resource(r))
	}
	return orchestrator.Config{
		Options: agent.Options{
			Seed:                         cfg.Seed,
			NumberOfUnassignedWorkOrders: cfg.NumberOfUnassignedWorkOrders,
			NumberOfRemovedWorkOrders:    cfg.NumberOfRemovedWorkOrders,
			NumberOfRemovedActivities:    cfg.NumberOfRemovedActivities,
			IterationBudget:              cfg.IterationBudget,
			IterationsPerStep:            cfg.IterationsPerStep,
			Tolerance:                    cfg.Tolerance,
			CrossAgentTimeout:            cfg.CrossAgentTimeout,
		},
		SupervisorResources: resources,
		StepInterval:        cfg.StepInterval,
		MailboxSize:         cfg.MailboxSize,
	}
}

// startPipeline runs the request worker, its reclaimer and the status
// publisher until gctx is done.
func startPipeline(gctx context.Context, g *errgroup.Group, cfg config.PipelineConfig, client *redis.Client, publisher queue.Publisher, orch *orchestrator.Orchestrator) error {
	consumer, err := queue.NewRedisConsumer(gctx, client, queue.ConsumerConfig{
		Stream:       cfg.RequestStream,
		Group:        cfg.RequestGroup,
		Consumer:     cfg.Consumer,
		DLQStream:    cfg.RequestDLQ,
		BatchSize:    10,
		Block:        5 * time.Second,
		RequeueDelay: 100 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("creating request consumer: %w", err)
	}

	w := worker.New(consumer, orch, publisher, worker.Config{MaxAttempts: cfg.MaxAttempts})
	reclaimer := worker.NewRedisReclaimer(client, worker.RedisReclaimerConfig{
		Stream:    cfg.RequestStream,
		Group:     cfg.RequestGroup,
		Consumer:  cfg.Consumer,
		MinIdle:   time.Minute,
		Interval:  30 * time.Second,
		BatchSize: 10,
	}, consumer, w.ProcessMessage)
	status := worker.NewStatusPublisher(orch, publisher, cfg.StatusStream, cfg.StatusInterval)

	g.Go(func() error {
		err := w.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		reclaimer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		status.Run(gctx)
		return nil
	})
	return nil
}

func startServer(gctx context.Context, g *errgroup.Group, cfg config.Config, orch *orchestrator.Orchestrator, client *redis.Client, publisher queue.Publisher) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	routerCfg := httprouter.RouterConfig{TraceHeaderName: cfg.Pipeline.TraceHeaderName}
	if client != nil {
		routerCfg.Enqueue = &handler.Enqueue{Publisher: publisher, Stream: cfg.Pipeline.RequestStream}
		routerCfg.StatusStream = handler.NewAgentStatusHandler(queue.NewRedisStatusReader(client, cfg.Pipeline.StatusStream))
	}

	router := gin.New()
	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	httprouter.SetupRoutes(router, orch, routerCfg)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Optimise requests may run a full iteration budget.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		slog.InfoContext(gctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
		}
		return nil
	})
}

const banner = `
 ___  ___ _  _ ___ ___  _   _ _    ___ ___
/ __|/ __| || | __|   \| | | | |  | __| _ \
\__ \ (__| __ | _|| |) | |_| | |__| _||   /
|___/\___|_||_|___|___/ \___/|____|___|_|_\
`
