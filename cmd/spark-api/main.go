package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/spark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/config"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/database"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/server"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/users"
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
		Use:   "spark-api",
		Short: "Spark real-time collaboration hub",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

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
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("max-queued-per-user", defaults.GetInt("realtime.max_queued_per_user"), "Offline notifications kept per user")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("realtime.allowed_origins"), "Comma separated browser origins")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the shared online directory")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "issuer")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "realtime.max_queued_per_user", "max-queued-per-user")
	bindFlag(cmd, "realtime.allowed_origins", "allowed-origins")
	bindFlag(cmd, "redis.url", "redis-url")
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

func newTokenCommand() *cobra.Command {
	var subject auth.Subject
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject.UserID, "user-id", "", "User identifier (required)")
	cmd.Flags().StringVar(&subject.Email, "email", "", "User email")
	cmd.Flags().StringVar(&subject.DisplayName, "display-name", "", "User display name")
	cmd.Flags().StringVar(&subject.AvatarURL, "avatar-url", "", "User avatar URL")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	history, err := notifications.NewService(notifications.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hubConfig := realtime.HubConfig{
		Clock:            time.Now,
		Logger:           logger,
		IDProvider:       realtime.NewUUIDProvider(),
		History:          history,
		MaxQueuedPerUser: appConfig.MaxQueuedPerUser,
	}
	deps := server.Dependencies{
		Validator:      validator,
		Profiles:       profiles,
		History:        history,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}

	if appConfig.RedisURL != "" {
		onlineDirectory, err := directory.NewRedisDirectory(signalCtx, appConfig.RedisURL, instanceID(), appConfig.DirectoryTTL)
		if err != nil {
			return err
		}
		defer onlineDirectory.Close()
		hubConfig.Directory = onlineDirectory
		deps.Directory = onlineDirectory
		logger.Info("online directory enabled", zap.Duration("ttl", appConfig.DirectoryTTL))
	}

	hub := realtime.NewHub(hubConfig)
	deps.Hub = hub
	// Runs before the directory and database are closed.
	defer hub.Close(context.Background(), "server shutting down")

	go hub.RunSweeps(signalCtx, realtime.SweepConfig{
		Interval:           appConfig.SweepInterval,
		SessionIdleTimeout: appConfig.SessionIdleTimeout,
		CursorIdleTimeout:  appConfig.CursorIdleTimeout,
	})

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

// instanceID names this process in the shared directory.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "spark-api"
	}
	return host + "-" + uuid.NewString()[:8]
}
