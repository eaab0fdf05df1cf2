// Package main runs the agentflow control plane: the socket hub, the chat
// and device namespaces, the dispatch pipeline, the executor callback
// endpoints, and the background schedulers, all in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/auth"
	"github.com/weibocom/agentflow/internal/bootstrap"
	"github.com/weibocom/agentflow/internal/builder"
	"github.com/weibocom/agentflow/internal/callback"
	"github.com/weibocom/agentflow/internal/common/config"
	"github.com/weibocom/agentflow/internal/common/httpmw"
	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/common/tracing"
	"github.com/weibocom/agentflow/internal/dispatch"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/events"
	"github.com/weibocom/agentflow/internal/executor"
	"github.com/weibocom/agentflow/internal/livesocket"
	"github.com/weibocom/agentflow/internal/persistence"
	"github.com/weibocom/agentflow/internal/queue"
	"github.com/weibocom/agentflow/internal/resource"
	"github.com/weibocom/agentflow/internal/router"
	"github.com/weibocom/agentflow/internal/scheduler"
	"github.com/weibocom/agentflow/internal/secrets"
	"github.com/weibocom/agentflow/internal/store"
	"github.com/weibocom/agentflow/internal/task/repository"
	"github.com/weibocom/agentflow/internal/task/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentflow control plane")

	// The tracer reads the endpoint from the environment; surface the config
	// value there so YAML-configured deployments work too.
	if cfg.Tracing.Endpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// state layer
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	state := store.New(rdb, storeConfig(cfg.Redis), log)
	if err := state.Ping(ctx); err != nil {
		log.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	// persistence
	pool, dbCleanup, err := persistence.Provide(cfg.Database, log)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	defer func() {
		if err := dbCleanup(); err != nil {
			log.Error("database close failed", zap.Error(err))
		}
	}()

	// startup bootstrap: one replica runs the schema migration, everyone
	// loads the resource seed
	resources := resource.NewStore()
	var repo repository.Repository
	migrate := func(context.Context) error {
		r, err := repository.NewSQL(pool)
		if err != nil {
			return err
		}
		repo = r
		return nil
	}
	bootCfg := bootstrap.Config{
		SeedPath: cfg.Bootstrap.SeedPath,
		LockTTL:  time.Duration(cfg.Redis.StartupLockTTL) * time.Second,
	}
	if err := bootstrap.Run(ctx, bootCfg, state, resources, migrate, log); err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}
	if repo == nil {
		// follower path: the schema already exists, open the repository now
		r, err := repository.NewSQL(pool)
		if err != nil {
			log.Fatal("repository init failed", zap.Error(err))
		}
		repo = r
	}

	sec, err := secrets.NewMasterKeyProvider(configDir())
	if err != nil {
		log.Fatal("master key init failed", zap.Error(err))
	}
	am := auth.NewManager(cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.UserTokenDuration)*time.Second,
		time.Duration(cfg.Auth.TaskTokenDuration)*time.Second)

	svc := service.New(repo, log)

	// event bus: task-status mirror changes fan out to every member's
	// user room, across replicas when NATS is configured
	eventBus, busCleanup, err := events.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("event bus init failed", zap.Error(err))
	}
	defer busCleanup()
	pub := events.NewPublisher(eventBus, cfg.NATS.ClientID, log)
	svc.OnStatusChange(pub.TaskStatusChanged)

	// socket hub and namespaces
	hub := livesocket.NewHub(log)
	forwarder := events.NewForwarder(eventBus, svc, hub, log)
	if err := forwarder.Start(); err != nil {
		log.Fatal("status forwarder start failed", zap.Error(err))
	}
	defer forwarder.Stop()

	// dispatch pipeline
	rt := router.New(cfg.Executor.ChatShellURL, cfg.Executor.ManagerURL)
	dispatchClient := &http.Client{Timeout: time.Duration(cfg.Executor.DispatchTimeout) * time.Second}
	dispatcher := dispatch.New(rt, svc, state, hub, dispatchClient, log)
	dispatchFn := func(ctx context.Context, req *event.Request) error {
		return dispatcher.Dispatch(ctx, req, nil, "")
	}

	b := builder.New(resources, repo, sec, am, builder.Config{
		HistoryLimit: cfg.Session.HistoryLimit,
	}, log)

	wsHandler := livesocket.NewWSHandler(hub, am, log)
	livesocket.NewChatHandlers(hub, svc, state, resources, b, dispatcher, log)
	livesocket.NewDeviceHandlers(hub, svc, state, log)

	// container executor; the control plane degrades to device-relay and
	// inline SSE when the Docker daemon is unreachable
	var capacity queue.Capacity
	var reaper callback.ContainerReaper
	exec, err := executor.New(executorConfig(cfg), log)
	if err != nil {
		if cfg.Executor.Mode == "container" {
			log.Fatal("container execution mode requires a reachable docker daemon", zap.Error(err))
		}
		log.Warn("docker unavailable, container execution disabled", zap.Error(err))
	} else {
		capacity = executorCapacity{exec}
		if cfg.Heartbeat.RemoveContainer {
			reaper = exec
		}
		if cfg.Executor.Mode == "container" {
			dispatcher.UseContainers(exec)
			log.Info("callback dispatch runs in locally managed containers")
		}
	}

	// callback ingestion + dead-worker reaping
	cb := callback.NewHandler(hub, svc, state, log)
	monitor := callback.NewMonitor(callback.MonitorConfig{
		Interval: time.Duration(cfg.Heartbeat.CheckInterval) * time.Second,
		Timeout:  time.Duration(cfg.Heartbeat.Timeout) * time.Second,
		Grace:    time.Duration(cfg.Heartbeat.GracePeriod) * time.Second,
	}, state, svc, hub, reaper, log)
	monitor.Start()
	defer monitor.Stop()

	// delivery mode: push drains the Redis queues, pull polls the database
	var consumers []*queue.Consumer
	var sched *scheduler.Scheduler
	switch cfg.Queue.Mode {
	case "push":
		consumers, err = startConsumers(cfg, state, capacity, dispatchFn, svc, hub, log)
		if err != nil {
			log.Fatal("queue consumer init failed", zap.Error(err))
		}
	case "pull":
		puller, err := scheduler.NewPuller(scheduler.PullerConfig{
			Windows: []string{cfg.Queue.OfflineEvening, cfg.Queue.OfflineMorning},
		}, svc, b, dispatchFn, log)
		if err != nil {
			log.Fatal("puller init failed", zap.Error(err))
		}
		sched = scheduler.New(state, log)
		if err := sched.Add(puller.Job()); err != nil {
			log.Fatal("scheduler job registration failed", zap.Error(err))
		}
		sched.Start()
		defer sched.Stop()
	}
	defer func() {
		for _, c := range consumers {
			c.Stop()
		}
	}()

	// HTTP server: socket upgrades plus the executor-facing internal API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "agentflow"))
	engine.Use(httpmw.OtelTracing("agentflow"))

	livesocket.SetupRoutes(engine.Group("/ws"), wsHandler)
	callback.SetupRoutes(engine.Group("/internal"), cb)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentflow"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("queue_mode", cfg.Queue.Mode))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracer shutdown error", zap.Error(err))
	}
	log.Info("agentflow stopped")
}

// storeConfig maps the second-granularity config values onto the state
// layer's durations.
func storeConfig(rc config.RedisConfig) store.Config {
	cfg := store.DefaultConfig()
	if rc.HistoryTTL > 0 {
		cfg.HistoryTTL = time.Duration(rc.HistoryTTL) * time.Second
	}
	if rc.HistoryMaxMessages > 0 {
		cfg.HistoryMaxMessages = rc.HistoryMaxMessages
	}
	if rc.StreamingTTL > 0 {
		cfg.StreamingTTL = time.Duration(rc.StreamingTTL) * time.Second
	}
	if rc.CancelTTL > 0 {
		cfg.CancelTTL = time.Duration(rc.CancelTTL) * time.Second
	}
	if rc.TaskStreamingTTL > 0 {
		cfg.TaskStreamingTTL = time.Duration(rc.TaskStreamingTTL) * time.Second
	}
	if rc.HeartbeatTTL > 0 {
		cfg.HeartbeatTTL = time.Duration(rc.HeartbeatTTL) * time.Second
	}
	if rc.RunningMetaTTL > 0 {
		cfg.RunningMetaTTL = time.Duration(rc.RunningMetaTTL) * time.Second
	}
	return cfg
}

func executorConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		Host:            cfg.Docker.Host,
		APIVersion:      cfg.Docker.APIVersion,
		Image:           cfg.Docker.Image,
		NetworkMode:     cfg.Docker.NetworkMode,
		PortRangeStart:  cfg.Docker.PortRangeMin,
		PortRangeEnd:    cfg.Docker.PortRangeMax,
		CallbackURL:     cfg.Executor.CallbackURL,
		APIDomain:       cfg.Executor.TaskAPIDomain,
		WorkspacePath:   cfg.Docker.WorkspacePath,
		ExecutorVolume:  cfg.Docker.ExecutorVolume,
		MountDockerSock: cfg.Docker.MountDockerSock,
		RemoveOnCancel:  cfg.Heartbeat.RemoveContainer,
	}
}

// startConsumers launches the online consumer and the time-gated offline
// consumer for push-mode delivery.
func startConsumers(cfg *config.Config, state *store.Store, capacity queue.Capacity, dispatchFn queue.DispatchFunc, svc *service.Service, hub *livesocket.Hub, log *logger.Logger) ([]*queue.Consumer, error) {
	qc := cfg.Queue
	base := queue.Config{
		Pool:            qc.Pool,
		MaxConcurrent:   qc.MaxConcurrentTasks,
		MaxRetries:      qc.MaxRetries,
		BlockTimeout:    time.Duration(qc.BlockSeconds) * time.Second,
		DispatchTimeout: time.Duration(cfg.Executor.DispatchTimeout) * time.Second,
	}
	if qc.BackoffSeconds > 0 {
		base.BackpressureSleep = time.Duration(qc.BackoffSeconds) * time.Second
	}

	online := base
	online.Class = store.QueueOnline
	offline := base
	offline.Class = store.QueueOffline
	offline.Windows = []string{qc.OfflineEvening, qc.OfflineMorning}

	var out []*queue.Consumer
	for _, cc := range []queue.Config{online, offline} {
		c, err := queue.NewConsumer(cc, state, capacity, dispatchFn, svc, hub, log)
		if err != nil {
			return nil, err
		}
		c.Start()
		out = append(out, c)
	}
	return out, nil
}

// executorCapacity narrows the container executor's variadic count method to
// the consumer's backpressure interface.
type executorCapacity struct {
	e *executor.ContainerExecutor
}

func (c executorCapacity) GetExecutorCount(ctx context.Context) (int, error) {
	return c.e.GetExecutorCount(ctx)
}

// configDir is where the master key lives, next to the default sqlite path.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentflow"
	}
	return filepath.Join(home, ".agentflow")
}
