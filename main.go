package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-attendance/internal/config"
	"github.com/example/face-attendance/internal/embedding"
	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/grpcclient"
	"github.com/example/face-attendance/internal/handlers"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/mongostore"
	"github.com/example/face-attendance/internal/repository"
	"github.com/example/face-attendance/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "faceattend",
		Short:        "Face verification service for attendance",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml, json or toml)")

	load := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		logger, err := logging.NewLogger(cfg.Log.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("building logger: %w", err)
		}
		return cfg, logger, nil
	}

	root.AddCommand(newServeCmd(load), newVerifyCmd(load), newGalleryCmd(load))
	return root
}

type loader func() (*config.Config, *zap.Logger, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	source, closeSource, err := openGallery(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	extractor, closeDetector, err := openExtractor(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDetector()

	uc := usecase.NewVerificationUseCase(extractor, source, gallery.NewMatcher(cfg.Match.Threshold), cfg.Embedding.Dim, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = int64(cfg.Image.MaxBytes)
	handlers.RegisterRoutes(r, uc, cfg.Image.MaxBytes)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           withCORS(r, cfg.HTTP.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face attendance API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("store", cfg.Store.Backend),
		zap.Float64("threshold", cfg.Match.Threshold),
	)
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

func withCORS(h http.Handler, origins []string) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	})(h)
}

// openGallery connects the configured identity store and, when enabled,
// wraps it in the redis read-through cache.
func openGallery(ctx context.Context, cfg *config.Config, logger *zap.Logger) (gallery.Source, func(), error) {
	var (
		source  gallery.Source
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Store.Backend {
	case config.BackendMongo:
		store, client, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to mongo: %w", err)
		}
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
		source = store
	default:
		db, err := initDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			closers = append(closers, func() { _ = sqlDB.Close() })
		}
		repo := repository.NewIdentityRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("auto migrate failed: %w", err)
		}
		source = repo
	}

	if cfg.Cache.Enabled {
		redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := initRedis(redisCtx, cfg.Redis.Addr)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		if _, ok := source.(gallery.Revisioner); !ok {
			logger.Warn("gallery cache enabled but the store has no revision token, reading through", zap.String("store", cfg.Store.Backend))
		}
		source = usecase.NewCachedGallery(source, usecase.NewRedisCache(client), cfg.Cache.TTL, logger)
	}

	return source, closeAll, nil
}

func openExtractor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*embedding.Extractor, func(), error) {
	det, conn, err := grpcclient.DialDetector(ctx, cfg.Detector.Addr, cfg.Detector.Timeout, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to face detector: %w", err)
	}
	return embedding.NewExtractor(det, extractorConfig(cfg.Image)), func() { _ = conn.Close() }, nil
}

// extractorConfig maps image settings; max_side 0 turns downscaling off.
func extractorConfig(img config.ImageConfig) embedding.Config {
	maxSide := img.MaxSide
	if maxSide == 0 {
		maxSide = -1
	}
	return embedding.Config{MaxBytes: img.MaxBytes, MaxSide: maxSide}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Error("failed to connect to database", zap.Error(err))
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		zapLogger.Error("database ping failed", zap.Error(err))
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
