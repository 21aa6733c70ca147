package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Libertech-FR/sesame-identity-engine/config"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/middleware"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing/exporters"
	auditrepo "github.com/Libertech-FR/sesame-identity-engine/internal/repositories/audit"
	identityrepo "github.com/Libertech-FR/sesame-identity-engine/internal/repositories/identity"
	jobrepo "github.com/Libertech-FR/sesame-identity-engine/internal/repositories/job"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/audit"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/backends"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/duplicates"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/fusion"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/ingest"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/kafka"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/lifecycle"
	auditroutes "github.com/Libertech-FR/sesame-identity-engine/pkg/routes/audits"
	duplicateroutes "github.com/Libertech-FR/sesame-identity-engine/pkg/routes/duplicates"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/routes/health"
	identityroutes "github.com/Libertech-FR/sesame-identity-engine/pkg/routes/identities"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/storage"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/upsert"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/validation"
)

const version = "1.0.0"

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapConfig.Level = level
	}
	if cfg.LogFormat == "console" {
		zapConfig.Encoding = "console"
	}
	zapLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	var traceOpts []sdktrace.TracerProviderOption
	if cfg.Tracing.Endpoint != "" {
		exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.Tracing.Endpoint,
			Protocol: cfg.Tracing.Protocol,
			Insecure: cfg.Tracing.Insecure,
		})
		if err != nil {
			logger.WithContext(ctx).WithError(err).Error("Failed to create OTLP exporter")
			os.Exit(1)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	defer tp.Shutdown(ctx)
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	db, err := database.Connect(ctx, database.ConnectConfig{
		Host:            cfg.Database.Host,
		Port:            strconv.Itoa(cfg.Database.Port),
		UserName:        cfg.Database.User,
		Password:        cfg.Database.Password,
		Name:            cfg.Database.Name,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}, logger)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.Database.MigrationPath,
		DatabaseName:        cfg.Database.Name,
		Force:               cfg.Database.ForceVersion,
	})
	if err := migrations.Migrate(db); err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}

	auditRepo := auditrepo.NewRepository(db, logger)
	// Fingerprint-only writes are bookkeeping, not document changes, so the
	// recorder must not turn them into audit entries.
	recorder := audit.NewRecorder(auditRepo, logger, "fingerprint")
	identityRepo := identityrepo.NewRepository(db, logger, recorder)
	jobRepo := jobrepo.NewRepository(db, logger)

	jobProducer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.JobTopic,
	}, logger)
	defer jobProducer.Close()

	dispatcher := backends.NewKafkaDispatcher(jobRepo, jobProducer, logger)

	gateway := validation.NewSchemaGateway(cfg.Validator.ConfigDir, logger)
	files := storage.NewDisk(cfg.Storage.Root)

	pipeline := upsert.NewPipeline(identityRepo, gateway, files, logger)
	detector := duplicates.NewDetector(identityRepo, logger, cfg.Duplicate.AttributePaths)
	engine := fusion.NewEngine(identityRepo, dispatcher, logger)
	lifecycleService := lifecycle.NewService(identityRepo, dispatcher, logger)

	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to create DI container")
		os.Exit(1)
	}
	registrations := []func() error{
		func() error { return ectoinject.RegisterInstance[ectologger.Logger](container, logger) },
		func() error { return ectoinject.RegisterInstance[database.DB](container, db) },
		func() error { return ectoinject.RegisterInstance[*auditrepo.Repository](container, auditRepo) },
		func() error { return ectoinject.RegisterInstance[*identityrepo.Repository](container, identityRepo) },
		func() error { return ectoinject.RegisterInstance[*jobrepo.Repository](container, jobRepo) },
		func() error { return ectoinject.RegisterInstance[storage.Storage](container, files) },
		func() error { return ectoinject.RegisterInstance[*upsert.Pipeline](container, pipeline) },
		func() error { return ectoinject.RegisterInstance[*duplicates.Detector](container, detector) },
		func() error { return ectoinject.RegisterInstance[*fusion.Engine](container, engine) },
		func() error { return ectoinject.RegisterInstance[*lifecycle.Service](container, lifecycleService) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			logger.WithContext(ctx).WithError(err).Error("Failed to register dependency")
			os.Exit(1)
		}
	}

	var upsertConsumer, resultConsumer *kafka.Consumer
	var consumerHealth interface{ Health() bool }
	if cfg.Kafka.Enabled {
		ingestHandler := ingest.NewHandler(pipeline, logger)
		upsertConsumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.IdentityTopic,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		}, logger, ingestHandler.Handle)

		resultUpdater := backends.NewResultUpdater(jobRepo, identityRepo, logger)
		resultConsumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.JobResultTopic,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		}, logger, resultUpdater.Handle)

		if err := upsertConsumer.Start(ctx); err != nil {
			logger.WithContext(ctx).WithError(err).Error("Failed to start upsert consumer")
			os.Exit(1)
		}
		if err := resultConsumer.Start(ctx); err != nil {
			logger.WithContext(ctx).WithError(err).Error("Failed to start job result consumer")
			os.Exit(1)
		}
		consumerHealth = upsertConsumer
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomiddleware.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	checker := health.NewChecker(db.Unsafe(), consumerHealth, version)
	checker.RegisterRoutes(e)

	api := e.Group("/api/v1")
	identityroutes.Register(api.Group("/identities"))
	duplicateroutes.Register(api.Group("/duplicates"))
	auditroutes.Register(api.Group("/audits"))

	go func() {
		checker.SetReady(true)
		if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.WithContext(ctx).WithError(err).Error("Server stopped")
		}
	}()

	logger.WithContext(ctx).WithFields(map[string]any{
		"port":        cfg.Port,
		"environment": cfg.Environment,
	}).Info("Identity engine started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if upsertConsumer != nil {
		if err := upsertConsumer.Stop(); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("Failed to stop upsert consumer")
		}
	}
	if resultConsumer != nil {
		if err := resultConsumer.Stop(); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("Failed to stop job result consumer")
		}
	}

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to shut down server")
	}

	logger.WithContext(ctx).Info("Identity engine stopped")
}
