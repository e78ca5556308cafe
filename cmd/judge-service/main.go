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

	"judgebox/internal/common/cache"
	commonmw "judgebox/internal/common/http/middleware"
	"judgebox/internal/common/mq"
	"judgebox/internal/judge/controller"
	"judgebox/internal/judge/repository"
	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/sandbox/engine"
	"judgebox/internal/judge/sandbox/observer"
	"judgebox/internal/judge/sandbox/profile"
	"judgebox/internal/judge/sandbox/runner"
	"judgebox/internal/judge/sandbox/toolchain"
	"judgebox/internal/judge/service"
	problemcontroller "judgebox/internal/problem/controller"
	problemrepo "judgebox/internal/problem/repository"
	problemservice "judgebox/internal/problem/service"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"
	"judgebox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge.yaml"

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
		logger.Error(context.Background(), "judge service exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	registry, err := toolchain.NewRegistry(appCfg.Languages)
	if err != nil {
		return fmt.Errorf("init toolchain registry failed: %w", err)
	}
	eng, err := engine.New(appCfg.Sandbox.toEngineConfig())
	if err != nil {
		return fmt.Errorf("init sandbox engine failed: %w", err)
	}
	jobRunner := runner.NewRunnerWithObserver(eng, observer.LogMetricsRecorder{})
	profiles := profile.NewSet(appCfg.Limits.Compile, appCfg.Limits.Run).
		WithSeccomp(appCfg.Sandbox.CompileSeccompProfile, appCfg.Sandbox.SeccompProfile)
	worker := sandbox.NewWorker(jobRunner, registry, sandbox.WorkerConfig{
		Concurrency:       appCfg.Judge.Concurrency,
		SubmissionTimeout: appCfg.Judge.SubmissionTimeout,
		Profiles:          profiles,
	})
	worker.SetKiller(eng)

	var (
		redisCache   *cache.RedisCache
		statusRepo   repository.StatusRepository
		problemStore problemrepo.ProblemStore
	)
	if appCfg.Redis.Addr != "" {
		redisCache, err = cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		redisStatus, err := repository.NewRedisStatusRepository(redisCache, appCfg.Status.TTL)
		if err != nil {
			return fmt.Errorf("init status repository failed: %w", err)
		}
		statusRepo = redisStatus
		if problemStore, err = problemrepo.NewRedisProblemStore(redisCache, appCfg.Problems.TTL); err != nil {
			return fmt.Errorf("init problem store failed: %w", err)
		}
	} else {
		logger.Warn(ctx, "redis not configured, keeping status and problems in memory")
		statusRepo = repository.NewMemoryStatusRepository(appCfg.Status.TTL)
		problemStore = problemrepo.NewMemoryProblemStore()
	}

	var mqClient *mq.KafkaQueue
	if len(appCfg.Kafka.Brokers) > 0 {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = mqClient.Close()
		}()
	}

	svcCfg := service.Config{
		Executor:       worker,
		Languages:      registry,
		StatusRepo:     statusRepo,
		MaxInflight:    appCfg.Judge.MaxInflight,
		MaxCodeBytes:   appCfg.Judge.MaxCodeBytes,
		AcquireTimeout: appCfg.Judge.AcquireTimeout,
		StatusTimeout:  appCfg.Status.Timeout,
		MaxLimits:      appCfg.Limits.Max,
	}
	if mqClient != nil {
		svcCfg.Publisher = repository.NewMQResultPublisher(mqClient, appCfg.Status.ResultTopic)
		svcCfg.RetryQueue = mqClient
		svcCfg.Retry = service.RetryPolicy{
			Topic:      appCfg.Kafka.RetryTopic,
			DeadLetter: appCfg.Kafka.DeadLetter,
			MaxRetries: appCfg.Kafka.PoolRetryMax,
			BaseDelay:  appCfg.Kafka.PoolRetryBase,
			MaxDelay:   appCfg.Kafka.PoolRetryMaxD,
		}
	}
	judgeSvc, err := service.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("init judge service failed: %w", err)
	}
	worker.SetStatusReporter(judgeSvc)

	if mqClient != nil {
		opts := appCfg.Kafka.subscribeOptions()
		opts.Limiter = mq.NewTokenLimiter(appCfg.Judge.MaxInflight)
		topics := []string{appCfg.Kafka.RequestTopic}
		if appCfg.Kafka.RetryTopic != appCfg.Kafka.RequestTopic {
			topics = append(topics, appCfg.Kafka.RetryTopic)
		}
		for _, topic := range topics {
			if err := mqClient.SubscribeWithOptions(ctx, topic, judgeSvc.HandleMessage, opts); err != nil {
				return fmt.Errorf("subscribe kafka topic %s failed: %w", topic, err)
			}
		}
		if err := mqClient.Start(); err != nil {
			return fmt.Errorf("start kafka consumer failed: %w", err)
		}
		logger.Info(ctx, "kafka intake started", zap.Strings("topics", topics))
	}

	problemSvc := problemservice.NewProblemService(problemStore, judgeSvc)
	httpServer := buildHTTPServer(appCfg, judgeSvc, problemSvc, redisCache)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("backend", appCfg.Sandbox.Backend),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server stopped: %w", err)
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if mqClient != nil {
		_ = mqClient.Stop()
	}
	if err := judgeSvc.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "judge service shutdown failed", zap.Error(err))
	}
	return serveErr
}

func buildHTTPServer(appCfg *AppConfig, judgeSvc *service.Service, problemSvc *problemservice.ProblemService, redisCache *cache.RedisCache) *http.Server {
	cfg := appCfg.Server
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	router.GET("/health", func(c *gin.Context) {
		if redisCache != nil {
			if err := redisCache.Ping(c.Request.Context()); err != nil {
				response.Error(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "redis unavailable"))
				return
			}
		}
		response.Success(c, gin.H{"status": "ok"})
	})

	var limiter *commonmw.RateLimiter
	if redisCache != nil {
		limiter = commonmw.NewRateLimiter(redisCache, 0)
	}
	guard := commonmw.RateLimitMiddleware(limiter, "judge", appCfg.RateLimit)
	controller.NewJudgeController(judgeSvc).RegisterRoutes(router, guard)
	problemcontroller.NewProblemController(problemSvc).RegisterRoutes(router, guard)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
