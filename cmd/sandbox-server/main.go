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

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/common/cache"
	commonmw "github.com/pipixiangz/ppxoj-code-sandbox/internal/common/http/middleware"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/common/mq"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/command"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/container"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/controller"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/filter"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/observer"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/pipeline"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/process"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/repository"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/service"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/workspace"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/sandbox.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	workspaces, err := workspace.NewManager(appCfg.Workspace)
	if err != nil {
		logger.Error(context.Background(), "init workspace manager failed", zap.Error(err))
		return
	}
	resolver := command.NewResolver(appCfg.Languages)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observer.NewMetrics(registry)

	procRunner := process.NewRunner(appCfg.Process)
	strategies := []runner.Runner{procRunner}
	if appCfg.Container.Enabled {
		dockerClient, err := container.NewDockerClient()
		if err != nil {
			logger.Error(context.Background(), "init docker client failed", zap.Error(err))
			return
		}
		defer func() {
			_ = dockerClient.Close()
		}()
		if err := dockerClient.Ping(context.Background()); err != nil {
			logger.Error(context.Background(), "docker daemon unreachable", zap.Error(err))
			return
		}
		strategies = append(strategies, container.NewRunner(dockerClient, procRunner, resolver, appCfg.Container.Limits))
	}

	opts := []pipeline.Option{
		pipeline.WithObserver(metrics),
		pipeline.WithCaseTimeout(appCfg.Pipeline.CaseTimeout, appCfg.Pipeline.MaxCaseTimeout),
	}
	if words := filter.FromConfig(appCfg.Filter); words != nil {
		opts = append(opts, pipeline.WithPreCheck(words))
	}
	executor := pipeline.New(workspaces, resolver, opts...)

	deps := service.Deps{
		Pipeline:   executor,
		Languages:  resolver,
		Strategies: strategies,
		Recorder:   metrics,
	}

	if appCfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis.Client)
		if err != nil {
			logger.Error(context.Background(), "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		jobRepo, err := repository.NewJobRepository(redisCache, appCfg.Redis.JobTTL)
		if err != nil {
			logger.Error(context.Background(), "init job repository failed", zap.Error(err))
			return
		}
		deps.Jobs = jobRepo
	}

	var mqClient *mq.KafkaQueue
	if appCfg.Kafka.Enabled {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.Queue)
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Close()
		}()
		deps.Publisher = mqClient
	}

	sandboxSvc := service.NewService(appCfg.Service, deps)

	if mqClient != nil {
		err = mqClient.Subscribe(context.Background(), appCfg.Kafka.RequestTopic, sandboxSvc.HandleMessage, appCfg.Kafka.subscribeOptions())
		if err != nil {
			logger.Error(context.Background(), "subscribe kafka failed", zap.Error(err))
			return
		}
		if err := mqClient.Start(); err != nil {
			logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
			return
		}
	}

	httpServer := buildHTTPServer(appCfg, sandboxSvc, metrics, registry)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "sandbox http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Int("strategies", len(strategies)),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	if mqClient != nil {
		_ = mqClient.Stop()
	}
	if err := sandboxSvc.Shutdown(ctx); err != nil {
		logger.Warn(context.Background(), "background jobs did not finish before shutdown", zap.Error(err))
	}
}

func buildHTTPServer(cfg *AppConfig, svc *service.Service, metrics *observer.Metrics, registry *prometheus.Registry) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	limiter := commonmw.NewRateLimiter(cfg.RateLimit)
	guards := []gin.HandlerFunc{
		commonmw.RateLimitMiddleware(limiter, func() { metrics.Rejected("rate_limit") }),
		commonmw.SharedSecretMiddleware(cfg.Auth, func() { metrics.Rejected("unauthorized") }),
	}
	sandboxController := controller.NewSandboxController(svc)
	sandboxController.Register(router, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), guards...)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
