package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/config"
	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/bitfantasy/nimo-crm/internal/crm/events"
	"github.com/bitfantasy/nimo-crm/internal/crm/handler"
	"github.com/bitfantasy/nimo-crm/internal/crm/pipeline"
	"github.com/bitfantasy/nimo-crm/internal/crm/repository"
	"github.com/bitfantasy/nimo-crm/internal/crm/service"
	"github.com/bitfantasy/nimo-crm/internal/middleware"
	"github.com/bitfantasy/nimo-crm/internal/scheduler"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting nimo-crm service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("db_driver", cfg.Database.Driver),
	)

	// 仓库
	var repos *repository.Repositories
	switch cfg.Database.Driver {
	case "memory":
		zapLogger.Warn("Using in-memory storage, data is lost on restart")
		repos = repository.NewMemoryRepositories()
	default:
		db, err := initDatabase(cfg.Database)
		if err != nil {
			zapLogger.Fatal("Failed to connect to database", zap.Error(err))
		}
		if err := entity.AutoMigrate(db); err != nil {
			zapLogger.Fatal("AutoMigrate CRM tables failed", zap.Error(err))
		}
		if err := entity.SeedStages(db); err != nil {
			zapLogger.Warn("Seed pipeline stages warning", zap.Error(err))
		}
		repos = repository.NewRepositories(db)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = initRedis(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			zapLogger.Warn("Redis unavailable, sweep lock disabled", zap.Error(err))
			rdb.Close()
			rdb = nil
		}
		cancel()
	}

	// 阶段引擎
	engineOpts := []pipeline.Option{
		pipeline.WithTimeout(cfg.Pipeline.Timeout()),
		pipeline.WithSweepWorkers(cfg.Pipeline.SweepWorkers),
	}
	if cfg.Pipeline.EnforceQuotationApproval {
		if rdb == nil {
			zapLogger.Fatal("pipeline.enforce_quotation_approval requires redis")
		}
		engineOpts = append(engineOpts, pipeline.WithQuotationChecker(service.NewRedisQuotationChecker(rdb)))
	}
	engine := pipeline.NewStageEngine(repos.Opportunity, repos.Stage, zapLogger.Named("pipeline"), engineOpts...)

	hub := events.NewHub(zapLogger.Named("sse"))

	var storage service.ObjectStorage
	if client := initMinIO(cfg.MinIO, zapLogger); client != nil {
		storage = client
	}

	svc := service.NewOpportunityService(repos, engine, hub, rdb, storage, service.Config{
		Bucket:       cfg.MinIO.Bucket,
		SweepLockTTL: cfg.Pipeline.SweepLockTTL,
	}, zapLogger.Named("crm"))

	// 定时超时扫描
	baseCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	sched := scheduler.New(baseCtx, zapLogger.Named("scheduler"))
	if _, err := sched.Add("pipeline-timeout-sweep", cfg.Pipeline.SweepCron, func(ctx context.Context) error {
		res, err := svc.RunTimeoutSweep(ctx)
		if errors.Is(err, service.ErrSweepRunning) {
			zapLogger.Info("Timeout sweep held by another instance, skipped")
			return nil
		}
		if err != nil {
			return err
		}
		zapLogger.Info("Scheduled sweep done", zap.Int("dropped", res.Dropped), zap.Int("failed", len(res.Failures)))
		return nil
	}); err != nil {
		zapLogger.Fatal("Failed to schedule timeout sweep", zap.Error(err))
	}
	sched.Start()

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery(zapLogger))
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/crm/events"})))

	registerRoutes(router, handler.NewHandlers(svc, hub), cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // SSE 长连接
	}

	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")
	stopJobs()
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}

	zapLogger.Info("Server exited")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// initMinIO 未配置 endpoint 时返回 nil，文档只登记不落盘
func initMinIO(cfg config.MinIOConfig, zapLogger *zap.Logger) *minio.Client {
	if cfg.Endpoint == "" {
		zapLogger.Warn("MinIO endpoint not configured, proposal files will not be stored")
		return nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		zapLogger.Warn("MinIO client init failed", zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		zapLogger.Warn("MinIO bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
		return client
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			zapLogger.Warn("MinIO make bucket failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
		}
	}
	return client
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, cfg *config.Config) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	api := r.Group("/api/v1")
	crm := api.Group("/crm", middleware.JWTAuth(cfg.JWT.Secret, cfg.JWT.Issuer))
	handler.RegisterRoutes(crm, h)
}
