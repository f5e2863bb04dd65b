package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-gate-api/api/swagger"
	"github.com/noah-isme/sma-gate-api/internal/handler"
	internalmiddleware "github.com/noah-isme/sma-gate-api/internal/middleware"
	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/internal/repository"
	"github.com/noah-isme/sma-gate-api/internal/service"
	"github.com/noah-isme/sma-gate-api/pkg/cache"
	"github.com/noah-isme/sma-gate-api/pkg/config"
	"github.com/noah-isme/sma-gate-api/pkg/database"
	"github.com/noah-isme/sma-gate-api/pkg/embedding"
	"github.com/noah-isme/sma-gate-api/pkg/jobs"
	"github.com/noah-isme/sma-gate-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-gate-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-gate-api/pkg/middleware/requestid"
	"github.com/noah-isme/sma-gate-api/pkg/storage"
	"github.com/noah-isme/sma-gate-api/pkg/vault"
)

// @title SMA Gate API
// @version 1.0.0
// @description Identity verification, QR credentials and occupancy tracking for campus services
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const (
	jobOccupancyReconcile = "occupancy_reconcile"
	jobExportsCleanup     = "exports_cleanup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database, 5*time.Second)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, caching and rate limiting disabled", zap.Error(err))
		redisClient = nil
	}

	templateVault, err := vault.New(cfg.Vault.Key)
	if err != nil {
		logr.Fatal("invalid VAULT_KEY", zap.Error(err))
	}

	metricsSvc := service.NewMetricsService()
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Stats.CacheTTL, logr, cacheRepo.Enabled())

	subjectRepo := repository.NewSubjectRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)
	biometricRepo := repository.NewBiometricRepository(db)
	occupancyRepo := repository.NewOccupancyRepository(db)
	accessEventRepo := repository.NewAccessEventRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	authSvc := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
	})
	auditSvc := service.NewAuditService(auditRepo, metricsSvc, logr)
	credentialSvc := service.NewCredentialService(credentialRepo, subjectRepo, auditSvc, metricsSvc, service.CredentialConfig{
		TTL:       cfg.Credentials.TTL,
		PrefixLen: cfg.Credentials.PrefixLen,
		BaseURL:   cfg.Credentials.BaseURL,
	}, logr)
	matcher := service.NewTemplateMatcher(templateVault, service.MatcherConfig{
		Threshold:       cfg.Biometric.Threshold,
		StrictThreshold: cfg.Biometric.StrictThreshold,
		MinQuality:      cfg.Biometric.MinQuality,
	})
	embedder := embedding.New(cfg.Embedding.URL, cfg.Embedding.Timeout, cfg.Embedding.Skip)
	biometricSvc := service.NewBiometricService(biometricRepo, subjectRepo, templateVault, embedder, matcher, auditSvc, validator.New(), logr)
	occupancySvc := service.NewOccupancyService(occupancyRepo, subjectRepo, auditSvc, metricsSvc, logr)
	accessEventSvc := service.NewAccessEventService(accessEventRepo, cacheSvc, cfg.Stats.CacheTTL, logr)
	verificationSvc := service.NewVerificationService(
		service.DefaultResolvers(credentialSvc, subjectRepo),
		biometricSvc,
		matcher,
		occupancySvc,
		accessEventSvc,
		auditSvc,
		metricsSvc,
		logr,
	)

	var (
		exportSvc   *service.ExportService
		exportQueue *jobs.Queue
	)
	if cfg.Exports.Enabled {
		files, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Fatal("failed to prepare export storage", zap.Error(err))
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportSvc = service.NewExportService(cacheRepo, accessEventSvc, files, signer, auditSvc, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			JobTTL:    cfg.Exports.JobTTL,
			FileTTL:   cfg.Exports.SignedURLTTL,
		}, logr)
		if cacheRepo.Enabled() {
			exportQueue = jobs.NewQueue("exports", exportSvc.Process, jobs.QueueConfig{
				Workers:    cfg.Exports.WorkerConcurrency,
				MaxRetries: cfg.Exports.WorkerRetries,
				RetryDelay: 2 * time.Second,
				OnGiveUp:   exportSvc.GiveUp,
				Logger:     logr,
			})
			exportQueue.Start(ctx)
			exportSvc.SetQueue(exportQueue)
		} else {
			logr.Warn("exports enabled without redis; export requests will be rejected")
		}
	}

	maintenance := jobs.NewQueue("maintenance", func(ctx context.Context, job jobs.Job) error {
		switch job.Type {
		case jobOccupancyReconcile:
			drifted, err := occupancySvc.ReconcileAll(ctx)
			if len(drifted) > 0 {
				logr.Info("occupancy counters repaired", zap.Int("services", len(drifted)))
			}
			return err
		case jobExportsCleanup:
			if exportSvc == nil {
				return nil
			}
			removed, err := exportSvc.Cleanup(ctx)
			if len(removed) > 0 {
				logr.Info("expired exports removed", zap.Int("files", len(removed)))
			}
			return err
		default:
			return fmt.Errorf("unknown maintenance job %q", job.Type)
		}
	}, jobs.QueueConfig{Workers: 1, Logger: logr})
	maintenance.Start(ctx)
	if err := maintenance.Every(cfg.Occupancy.ReconcileInterval, jobs.Job{Type: jobOccupancyReconcile}); err != nil {
		logr.Warn("occupancy reconciliation not scheduled", zap.Error(err))
	}
	if exportSvc != nil {
		if err := maintenance.Every(time.Hour, jobs.Job{Type: jobExportsCleanup}); err != nil {
			logr.Warn("export cleanup not scheduled", zap.Error(err))
		}
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))
	r.Use(internalmiddleware.WithResponseMeta())

	readiness := map[string]handler.ReadinessCheck{"postgres": db.PingContext}
	if cacheRepo.Enabled() {
		readiness["redis"] = cacheRepo.Ping
	}
	if !cfg.Embedding.Skip {
		readiness["embedding"] = embedder.Health
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, readiness)
	metricsHandler.WatchQueue("maintenance", maintenance)
	if exportQueue != nil {
		metricsHandler.WatchQueue("exports", exportQueue)
	}
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	credentialHandler := handler.NewCredentialHandler(credentialSvc, cfg.APIPrefix)
	biometricHandler := handler.NewBiometricHandler(biometricSvc)
	verificationHandler := handler.NewVerificationHandler(verificationSvc)
	occupancyHandler := handler.NewOccupancyHandler(occupancySvc)
	accessEventHandler := handler.NewAccessEventHandler(accessEventSvc)
	auditHandler := handler.NewAuditHandler(auditSvc)

	admin := internalmiddleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)
	staff := internalmiddleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleOperator)
	anyone := internalmiddleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleOperator, models.RoleStudent)
	staffOrSelf := func(param string) gin.HandlerFunc {
		return internalmiddleware.RBAC(param,
			string(models.RoleSuperAdmin), string(models.RoleAdmin), string(models.RoleOperator), internalmiddleware.Self)
	}

	api := r.Group(cfg.APIPrefix)
	secured := api.Group("")
	secured.Use(internalmiddleware.JWT(authSvc))
	{
		secured.POST("/credentials", staff, credentialHandler.Issue)
		secured.POST("/credentials/refresh", anyone, credentialHandler.Refresh)
		secured.GET("/credentials/validate/:code", staff, credentialHandler.Validate)
		secured.DELETE("/credentials/:code", admin, credentialHandler.Revoke)
		secured.GET("/credentials/:code/qr", anyone, credentialHandler.QRImage)
		secured.GET("/subjects/:id/credentials", staffOrSelf("id"), credentialHandler.ListForSubject)
		secured.GET("/me/credential", internalmiddleware.RequireRoles(models.RoleStudent), credentialHandler.Mine)

		secured.POST("/biometrics/:subjectId/enroll", staff, biometricHandler.Enroll)
		secured.GET("/biometrics/:subjectId", staffOrSelf("subjectId"), biometricHandler.Status)

		secured.POST("/verify",
			staff,
			internalmiddleware.RateLimit(cacheRepo, "verify", cfg.RateLimit.VerifyLimit, cfg.RateLimit.VerifyWindow, logr),
			verificationHandler.Verify,
		)

		secured.POST("/occupancy/entry", staff, occupancyHandler.Enter)
		secured.POST("/occupancy/exit", staff, occupancyHandler.Exit)
		secured.GET("/services/:id/occupancy", staff, occupancyHandler.Current)
		secured.POST("/services/:id/occupancy/reconcile", admin, occupancyHandler.Reconcile)

		secured.GET("/access-events", staff, accessEventHandler.List)
		secured.GET("/access-events/stats", staff, accessEventHandler.Stats)
		secured.GET("/audit-logs", admin, auditHandler.List)
		secured.GET("/metrics/summary", admin, metricsHandler.Summary)
	}

	if exportSvc != nil {
		exportHandler := handler.NewExportHandler(exportSvc)
		secured.POST("/exports/access-events", staff, exportHandler.RequestAccessEvents)
		secured.GET("/exports/:id", staff, exportHandler.Status)
		// the signed token is the credential for downloads
		api.GET("/export/:token", exportHandler.Download)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
	maintenance.Stop()
	if exportQueue != nil {
		exportQueue.Stop()
	}
}
