package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"hive/internal/common/cache"
	"hive/internal/common/db"
	commonmw "hive/internal/common/http/middleware"
	"hive/internal/common/mq"
	"hive/internal/common/storage"
	"hive/internal/grader/runner"
	"hive/internal/grader/service"
	"hive/internal/grader/workspace"
	harnessrepo "hive/internal/harness/repository"
	"hive/internal/submit/controller"
	submitrepo "hive/internal/submit/repository"
	pkgerrors "hive/pkg/errors"
	"hive/pkg/utils/logger"
	"hive/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/hive-server.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "hive-server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio: %w", err)
	}
	if err := objStorage.EnsureBucket(ctx, appCfg.Harness.Bucket); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	var events service.CompletionPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		producerCfg, err := appCfg.Kafka.producerConfig()
		if err != nil {
			return err
		}
		producer, err := mq.NewKafkaProducer(producerCfg)
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		events = submitrepo.NewEventPublisher(producer, appCfg.Kafka.Topic)
	} else {
		logger.Warn(ctx, "kafka brokers not configured, completion events disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := service.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	submissionRepo := submitrepo.NewSubmissionRepositoryWithTTL(mysqlDB, redisCache,
		appCfg.Grading.SubmissionCacheTTL, appCfg.Grading.SubmissionEmptyTTL)
	projectRepo := submitrepo.NewProjectRepository(mysqlDB, redisCache)
	uploads := submitrepo.NewSubmissionFileStore(objStorage, appCfg.Harness.Bucket)
	harnessStore, err := harnessrepo.NewHarnessStore(objStorage, appCfg.Harness)
	if err != nil {
		return fmt.Errorf("init harness store: %w", err)
	}

	workspaces, err := workspace.NewManager(appCfg.Grading.Workspace)
	if err != nil {
		return fmt.Errorf("init workspace manager: %w", err)
	}
	scriptRunner, err := runner.New(appCfg.Runner)
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}

	attempts := service.NewRegistry(redisCache, appCfg.Grading.InstanceID, appCfg.Grading.LeaseTTL, metrics)
	if orphans, err := attempts.ReconcileOrphans(ctx); err != nil {
		logger.Warn(ctx, "reconcile orphaned attempts failed", zap.Error(err))
	} else if len(orphans) > 0 {
		logger.Warn(ctx, "found orphaned attempts from a previous run", zap.Strings("submission_ids", orphans))
	}

	grader, err := service.NewService(service.Config{
		Projects:        projectRepo,
		Harness:         harnessStore,
		Submissions:     submissionRepo,
		Uploads:         uploads,
		Events:          events,
		Workspaces:      workspaces,
		Runner:          scriptRunner,
		Pool:            service.NewPool(appCfg.Grading.Workers, appCfg.Grading.QueueSize, appCfg.Grading.AdmitWait, metrics),
		Registry:        attempts,
		Metrics:         metrics,
		CompileTimeout:  appCfg.Grading.CompileTimeout,
		RunTimeout:      appCfg.Grading.RunTimeout,
		CompleteRetries: appCfg.Grading.CompleteRetries,
		CompleteBackoff: appCfg.Grading.CompleteBackoff,
		SideTimeout:     appCfg.Grading.SideTimeout,
		MaxFileBytes:    appCfg.Grading.MaxFileBytes,
	})
	if err != nil {
		return fmt.Errorf("init grading service: %w", err)
	}

	httpServer := buildHTTPServer(appCfg, registry, healthCheck(mysqlDB, redisCache),
		controller.NewSubmissionController(grader, submissionRepo, projectRepo),
		controller.NewProjectController(projectRepo, harnessStore, appCfg.Harness.MaxArchiveBytes),
		controller.NewAdminController(grader, submissionRepo, appCfg.Grading.StaleAfter),
	)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		logger.Info(ctx, "hive http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Int("workers", appCfg.Grading.Workers),
			zap.Int("queue", appCfg.Grading.QueueSize),
		)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		attempts.KeepAlive(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "http server shutdown failed", zap.Error(err))
		}
		if err := grader.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "grading pool did not drain before deadline",
				zap.Int("inflight", len(grader.Snapshot())), zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func buildHTTPServer(
	appCfg *AppConfig,
	registry *prometheus.Registry,
	health gin.HandlerFunc,
	submissions *controller.SubmissionController,
	projects *controller.ProjectController,
	admin *controller.AdminController,
) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddlewareWithConfig(commonmw.TraceContextConfig{
		AllowUserIDHeader: *appCfg.Server.TrustUserHeader,
		EchoHeaders:       true,
	}))
	router.Use(commonmw.RequestLogger())

	router.GET("/healthz", health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	controller.RegisterRoutes(router, submissions, projects, admin)

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}

func healthCheck(database db.Database, redisCache cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := database.Ping(ctx); err != nil {
			response.ErrorWithCode(c, pkgerrors.ServiceUnavailable, "database unavailable")
			return
		}
		if err := redisCache.Ping(ctx); err != nil {
			response.ErrorWithCode(c, pkgerrors.ServiceUnavailable, "redis unavailable")
			return
		}
		response.Success(c, gin.H{"status": "ok"})
	}
}
