package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/logqr/internal/auth"
	"github.com/MarcoPoloResearchLab/logqr/internal/config"
	"github.com/MarcoPoloResearchLab/logqr/internal/database"
	"github.com/MarcoPoloResearchLab/logqr/internal/logging"
	"github.com/MarcoPoloResearchLab/logqr/internal/logs"
	"github.com/MarcoPoloResearchLab/logqr/internal/media"
	"github.com/MarcoPoloResearchLab/logqr/internal/qrcode"
	"github.com/MarcoPoloResearchLab/logqr/internal/reviews"
	"github.com/MarcoPoloResearchLab/logqr/internal/server"
	"github.com/MarcoPoloResearchLab/logqr/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "logqr-api",
		Short: "LogQR review collection backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(cmd.Context())
		},
	})

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Runtime environment (development, production)")
	cmd.PersistentFlags().String("app-base-url", defaults.GetString("app.base_url"), "Public frontend URL encoded in QR codes")
	cmd.PersistentFlags().String("firebase-project-id", defaults.GetString("firebase.project_id"), "Firebase project ID expected in ID tokens")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN (overrides env)")
	cmd.PersistentFlags().String("reviews-limiter", defaults.GetString("reviews.limiter"), "Review rate limiter backend (database, redis)")
	cmd.PersistentFlags().String("uploads-driver", defaults.GetString("uploads.driver"), "Photo storage backend (local, oss)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "environment", "environment")
	bindFlag(cmd, "app.base_url", "app-base-url")
	bindFlag(cmd, "firebase.project_id", "firebase-project-id")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "reviews.limiter", "reviews-limiter")
	bindFlag(cmd, "uploads.driver", "uploads-driver")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openDatabase(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(ctx, database.Options{
		Driver:          appConfig.DatabaseDriver,
		Path:            appConfig.DatabasePath,
		DSN:             appConfig.DatabaseDSN,
		MaxOpenConns:    appConfig.MaxOpenConns,
		MaxIdleConns:    appConfig.MaxIdleConns,
		ConnMaxLifetime: appConfig.ConnMaxLifetime,
	}, logger)
}

func runMigrations(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	return database.Close(db)
}

func openPhotoStore(appConfig config.AppConfig) (media.Store, *server.Uploads, error) {
	normalizer := media.Normalizer{MaxEdge: appConfig.PhotoMaxEdge, MaxBytes: appConfig.MaxPhotoBytes}
	if appConfig.UploadsDriver == "oss" {
		store, err := media.NewOSSStore(media.OSSConfig{
			Endpoint:   appConfig.OSSEndpoint,
			AccessKey:  appConfig.OSSAccessKey,
			SecretKey:  appConfig.OSSSecretKey,
			Bucket:     appConfig.OSSBucket,
			PublicBase: appConfig.OSSPublicBase,
			Prefix:     appConfig.OSSPrefix,
		}, normalizer)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}

	store, err := media.NewLocalStore(appConfig.UploadsDir, appConfig.UploadsURLPrefix, normalizer)
	if err != nil {
		return nil, nil, err
	}
	return store, &server.Uploads{Dir: store.Dir(), URLPrefix: store.URLPrefix()}, nil
}

func openLimiter(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (reviews.Limiter, func(), error) {
	if appConfig.ReviewLimiter != "redis" {
		return reviews.NewDatabaseLimiter(db), func() {}, nil
	}
	client, err := reviews.NewRedisClient(appConfig.RedisAddress, appConfig.RedisPassword, appConfig.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("review rate limiter using redis", zap.String("address", appConfig.RedisAddress))
	return reviews.NewRedisLimiter(client, appConfig.ReviewRateWindow), func() { _ = client.Close() }, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	verifier, err := auth.NewFirebaseVerifier(auth.FirebaseVerifierConfig{
		ProjectID: appConfig.FirebaseProjectID,
		JWKSURL:   appConfig.FirebaseJWKSURL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	generator, err := qrcode.NewGenerator(appConfig.AppBaseURL, 0)
	if err != nil {
		return err
	}

	photos, uploads, err := openPhotoStore(appConfig)
	if err != nil {
		return err
	}

	logService, err := logs.NewService(logs.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: logs.NewUUIDProvider(),
		QRCodes:    generator,
		Users:      userService,
		Photos:     photos,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := openLimiter(appConfig, db, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	reviewService, err := reviews.NewService(reviews.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: logs.NewUUIDProvider(),
		Logs:       logService,
		Limiter:    limiter,
		Photos:     photos,
		RateLimit:  appConfig.ReviewRateLimit,
		RateWindow: appConfig.ReviewRateWindow,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		Users:          userService,
		Logs:           logService,
		Reviews:        reviewService,
		Uploads:        uploads,
		AllowedOrigins: appConfig.AllowedOrigins,
		TrustedProxies: appConfig.TrustedProxies,
		MaxUploadBytes: appConfig.MaxPhotoBytes,
		Development:    appConfig.IsDevelopment(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("environment", appConfig.Environment))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
