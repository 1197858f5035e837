package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/collab"
	"github.com/MarcoPoloResearchLab/quire/internal/comments"
	"github.com/MarcoPoloResearchLab/quire/internal/config"
	"github.com/MarcoPoloResearchLab/quire/internal/database"
	"github.com/MarcoPoloResearchLab/quire/internal/documents"
	"github.com/MarcoPoloResearchLab/quire/internal/feed"
	"github.com/MarcoPoloResearchLab/quire/internal/logging"
	"github.com/MarcoPoloResearchLab/quire/internal/notify"
	"github.com/MarcoPoloResearchLab/quire/internal/persist"
	"github.com/MarcoPoloResearchLab/quire/internal/server"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quire-api",
		Short: "Quire realtime collaboration service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session JWT signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the cross-instance change feed")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().Duration("debounce", defaults.GetDuration("collab.debounce"), "Quiet period before content is written")
	cmd.PersistentFlags().Duration("min-write-interval", defaults.GetDuration("collab.min_write_interval"), "Minimum gap between content writes per document")
	cmd.PersistentFlags().String("instance-id", defaults.GetString("instance.id"), "Instance id on the change feed (generated when empty)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "collab.debounce", "debounce")
	bindFlag(cmd, "collab.min_write_interval", "min-write-interval")
	bindFlag(cmd, "instance.id", "instance-id")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	instanceID := appConfig.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	changeFeed, err := openFeed(appConfig.RedisURL, logger)
	if err != nil {
		return err
	}
	defer changeFeed.Close()

	idProvider := documents.NewUUIDProvider()
	store, err := documents.NewStore(documents.StoreConfig{
		Database:   db,
		Feed:       changeFeed,
		InstanceID: instanceID,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var hub *collab.Hub
	reconciler, err := persist.NewReconciler(persist.Config{
		Store:       store,
		Debounce:    appConfig.Debounce,
		MinInterval: appConfig.MinWriteInterval,
		Logger:      logger,
		OnFailure: func(failure persist.WriteFailure) {
			hub.ReportWriteFailure(failure.DocumentID, failure.Origin, failure.Err)
		},
	})
	if err != nil {
		return err
	}
	defer reconciler.Close()

	hub, err = collab.NewHub(collab.HubConfig{
		Access:     store,
		Changes:    store,
		Reconciler: reconciler,
		InstanceID: instanceID,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	notifications, err := notify.NewService(notify.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	commentService, err := comments.NewService(comments.ServiceConfig{
		Database:    db,
		Documents:   store,
		Content:     reconciler,
		Broadcaster: hub,
		Notifier:    notifications,
		IDProvider:  idProvider,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Documents:        store,
		Content:          reconciler,
		Comments:         commentService,
		Notifications:    notifications,
		Hub:              hub,
		IDProvider:       idProvider,
		AllowedOrigins:   appConfig.AllowedOrigins,
		SendBuffer:       appConfig.SendBuffer,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("instance_id", instanceID))
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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := reconciler.FlushAll(shutdownCtx); err != nil {
			logger.Warn("pending content not saved before shutdown", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

func openFeed(redisURL string, logger *zap.Logger) (feed.Feed, error) {
	if redisURL == "" {
		logger.Info("change feed is process local; set redis.url to share rooms across instances")
		return feed.NewMemoryFeed(), nil
	}
	redisFeed, err := feed.NewRedisFeed(redisURL, logger)
	if err != nil {
		return nil, err
	}
	return redisFeed, nil
}
