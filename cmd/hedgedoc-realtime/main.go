package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m3nu/hedgedoc/internal/auth"
	"github.com/m3nu/hedgedoc/internal/config"
	"github.com/m3nu/hedgedoc/internal/database"
	"github.com/m3nu/hedgedoc/internal/logging"
	"github.com/m3nu/hedgedoc/internal/notes"
	"github.com/m3nu/hedgedoc/internal/realtime/gateway"
	"github.com/m3nu/hedgedoc/internal/realtime/identity"
	"github.com/m3nu/hedgedoc/internal/realtime/notepersist"
	"github.com/m3nu/hedgedoc/internal/realtime/notestore"
	"github.com/m3nu/hedgedoc/internal/server"
	"github.com/m3nu/hedgedoc/internal/users"
	"github.com/gin-gonic/gin"
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
		Use:   "hedgedoc-realtime",
		Short: "Collaborative markdown note realtime core",
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
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "hedgedoc-auth",
		Audience:      "hedgedoc-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience:       appConfig.GoogleClientID,
		JWKSURL:        appConfig.GoogleJWKSURL,
		AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
	})
	if err != nil {
		return err
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	realtimeDispatcher := server.NewRealtimeDispatcher()

	realtimeUpgradeHandler, err := buildRealtimeUpgradeHandler(appConfig, db, notesService, usersService, realtimeDispatcher, logger)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier:         googleVerifier,
		TokenManager:           tokenManager,
		NotesService:           notesService,
		Logger:                 logger,
		RealtimeUpgradeHandler: realtimeUpgradeHandler,
		Realtime:               realtimeDispatcher,
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

// buildRealtimeUpgradeHandler wires the collaborative session gateway:
// the note-content loader (persisted realtime snapshot, falling back to
// the REST note store), the identity resolution chain the connect
// handshake walks, and the session registry itself.
func buildRealtimeUpgradeHandler(appConfig config.AppConfig, db *gorm.DB, notesService *notes.Service, usersService *users.Service, dispatcher *server.RealtimeDispatcher, logger *zap.Logger) (gin.HandlerFunc, error) {
	noteStore, err := notestore.NewService(notestore.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}

	persister, err := notepersist.New(notepersist.Config{NotesService: notesService, Owners: noteStore, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}

	loader := notepersist.NewCompositeLoader(persister, noteStore)

	notifier := &destroyNotifier{persister: persister, owners: noteStore, dispatcher: dispatcher}

	registry := gateway.New(loader, notifier, appConfig.RealtimeSendBufferSize, logger)

	upgradeHandler := gateway.NewUpgradeHandler(gateway.UpgradeHandlerConfig{
		Registry:        registry,
		NoteService:     noteStore,
		CookieValidator: identity.NewHMACCookieValidator([]byte(appConfig.SigningSecret)),
		SessionService:  identity.NewGormSessionService(db, time.Now),
		UserService:     identity.NewUsersBackedUserService(usersService),
		Permissions:     identity.NewOwnerOnlyPermissions(db),
		Logger:          logger,
		ConnectTimeout:  appConfig.RealtimeConnectTimeout,
	})

	return upgradeHandler, nil
}

// destroyNotifier wraps the realtime persister with a publish step, so a
// REST client subscribed to GET /notes/stream learns a collaborative
// session for one of its notes ended (its content may have changed since
// the last /notes/sync) without polling.
type destroyNotifier struct {
	persister  *notepersist.Persister
	owners     notepersist.OwnerLookup
	dispatcher *server.RealtimeDispatcher
}

// PersistBeforeDestroy implements gateway.Persister.
func (n *destroyNotifier) PersistBeforeDestroy(noteID string, content string) error {
	persistErr := n.persister.PersistBeforeDestroy(noteID, content)

	ownerID, ownerErr := n.owners.OwnerOf(context.Background(), noteID)
	if ownerErr == nil && ownerID != "" {
		n.dispatcher.Publish(server.RealtimeMessage{
			UserID:    ownerID,
			EventType: server.RealtimeEventNoteChanged,
			NoteIDs:   []string{noteID},
			Timestamp: time.Now().UTC(),
		})
	}

	return persistErr
}
