package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/tyemirov/clinicdesk/internal/authkit"
	"github.com/tyemirov/clinicdesk/internal/database"
	"github.com/tyemirov/clinicdesk/internal/records"
	"github.com/tyemirov/clinicdesk/internal/web"
	"github.com/tyemirov/clinicdesk/pkg/sessionvalidator"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenVerifier = func(ctx context.Context) (authkit.GoogleTokenVerifier, error) {
	return authkit.NewGoogleTokenVerifier(ctx)
}

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "clinicdesk-server",
		Short:   "Practice service: password and Google identities, doctor, patient and prescription tables, realtime row changes",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("api_key", "", "Project API key every client must send in X-API-Key")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().String("jwt_issuer", "clinicdesk", "Issuer claim of access tokens")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Int("min_password_length", 6, "Minimum password length for password sign-up")
	rootCmd.Flags().Int("bcrypt_cost", bcrypt.DefaultCost, "bcrypt cost for password hashes")
	rootCmd.Flags().String("database_url", "sqlite://clinicdesk.db", "Database URL (postgres:// or sqlite://)")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google Sign-In")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().String("change_feed", "memory", "Change feed backend: memory, redis or postgres")
	rootCmd.Flags().String("redis_addr", "", "Redis address for the redis change feed")
	rootCmd.Flags().String("change_channel", records.DefaultChangeChannel, "Pub/sub channel of the change feed")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed dashboard origins; empty disables CORS")
	rootCmd.Flags().Float64("auth_rate_limit", 5, "Auth requests per second per client IP; 0 disables limiting")
	rootCmd.Flags().Int("auth_rate_burst", 10, "Auth request burst per client IP")
	rootCmd.Flags().Duration("heartbeat_interval", 15*time.Second, "Keep-alive interval of the change stream")

	for _, name := range []string{
		"listen_addr", "api_key", "jwt_signing_key", "jwt_issuer", "access_ttl", "refresh_ttl",
		"min_password_length", "bcrypt_cost", "database_url", "google_web_client_id", "nonce_ttl",
		"change_feed", "redis_addr", "change_channel", "cors_allowed_origins", "auth_rate_limit",
		"auth_rate_burst", "heartbeat_interval",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	changeFeedMemory   = "memory"
	changeFeedRedis    = "redis"
	changeFeedPostgres = "postgres"

	configCodeMissingAPIKey           = "config.missing_api_key"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeInvalidChangeFeed       = "config.invalid_change_feed"
	configCodeMissingRedisAddr        = "config.missing_redis_addr"
	configCodePostgresFeedDatabase    = "config.postgres_feed_requires_postgres"
	configCodeInvalidBcryptCost       = "config.invalid_bcrypt_cost"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// ServiceConfig is the validated server configuration.
type ServiceConfig struct {
	Auth              authkit.ServerConfig
	ListenAddr        string
	DatabaseURL       string
	BcryptCost        int
	NonceTTL          time.Duration
	ChangeFeed        string
	RedisAddr         string
	ChangeChannel     string
	CORSOrigins       []string
	AuthRateLimit     float64
	AuthRateBurst     int
	HeartbeatInterval time.Duration
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServiceConfig, error) {
	apiKey := viper.GetString("api_key")
	if apiKey == "" {
		return ServiceConfig{}, configError(configCodeMissingAPIKey, "api_key must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return ServiceConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return ServiceConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return ServiceConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		return ServiceConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided")
	}

	bcryptCost := viper.GetInt("bcrypt_cost")
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		return ServiceConfig{}, configError(configCodeInvalidBcryptCost, fmt.Sprintf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}

	changeFeed := strings.ToLower(strings.TrimSpace(viper.GetString("change_feed")))
	if changeFeed == "" {
		changeFeed = changeFeedMemory
	}
	switch changeFeed {
	case changeFeedMemory:
	case changeFeedRedis:
		if strings.TrimSpace(viper.GetString("redis_addr")) == "" {
			return ServiceConfig{}, configError(configCodeMissingRedisAddr, "redis_addr must be provided for the redis change feed")
		}
	case changeFeedPostgres:
		if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
			return ServiceConfig{}, configError(configCodePostgresFeedDatabase, "the postgres change feed requires a postgres database_url")
		}
	default:
		return ServiceConfig{}, configError(configCodeInvalidChangeFeed, "change_feed must be memory, redis or postgres")
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	issuer := viper.GetString("jwt_issuer")
	if issuer == "" {
		issuer = "clinicdesk"
	}

	return ServiceConfig{
		Auth: authkit.ServerConfig{
			APIKey:            apiKey,
			JWTSigningKey:     []byte(jwtSigningKey),
			JWTIssuer:         issuer,
			AccessTTL:         accessTTL,
			RefreshTTL:        refreshTTL,
			GoogleWebClientID: viper.GetString("google_web_client_id"),
			MinPasswordLength: viper.GetInt("min_password_length"),
		},
		ListenAddr:        viper.GetString("listen_addr"),
		DatabaseURL:       databaseURL,
		BcryptCost:        bcryptCost,
		NonceTTL:          nonceTTL,
		ChangeFeed:        changeFeed,
		RedisAddr:         viper.GetString("redis_addr"),
		ChangeChannel:     viper.GetString("change_channel"),
		CORSOrigins:       viper.GetStringSlice("cors_allowed_origins"),
		AuthRateLimit:     viper.GetFloat64("auth_rate_limit"),
		AuthRateBurst:     viper.GetInt("auth_rate_burst"),
		HeartbeatInterval: viper.GetDuration("heartbeat_interval"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServiceConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	baseContext := commandContext
	if baseContext == nil {
		baseContext = context.Background()
	}

	handle, openErr := database.Open(baseContext, serverConfig.DatabaseURL)
	if openErr != nil {
		return openErr
	}
	defer func() { _ = handle.Close() }()
	logger.Info("database connected", zap.String("driver", handle.Driver))

	identities, identitiesErr := authkit.NewDatabaseIdentityStore(baseContext, handle, serverConfig.BcryptCost)
	if identitiesErr != nil {
		return identitiesErr
	}
	refreshStore, refreshErr := authkit.NewDatabaseRefreshTokenStore(baseContext, handle)
	if refreshErr != nil {
		return refreshErr
	}

	feed, releaseFeed, feedErr := buildChangeFeed(baseContext, serverConfig, logger)
	if feedErr != nil {
		return feedErr
	}
	defer releaseFeed()

	store, storeErr := records.NewStore(baseContext, handle.DB, feed, logger)
	if storeErr != nil {
		return storeErr
	}

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.Auth.JWTSigningKey,
		Issuer:     serverConfig.Auth.JWTIssuer,
	})
	if validatorErr != nil {
		return validatorErr
	}

	var googleVerifier authkit.GoogleTokenVerifier
	if serverConfig.Auth.GoogleWebClientID != "" {
		verifier, verifierErr := buildGoogleTokenVerifier(baseContext)
		if verifierErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, verifierErr)
		}
		googleVerifier = verifier
	}

	var limiter *authkit.RateLimiter
	if serverConfig.AuthRateLimit > 0 {
		limiter = authkit.NewRateLimiter(serverConfig.AuthRateLimit, serverConfig.AuthRateBurst)
	}

	streamsClosed := make(chan struct{})
	gin.SetMode(gin.ReleaseMode)
	router, routerErr := web.NewRouter(web.RouterConfig{
		Auth: serverConfig.Auth,
		AuthDependencies: authkit.Dependencies{
			Identities:    identities,
			RefreshTokens: refreshStore,
			Nonces:        authkit.NewMemoryNonceStore(serverConfig.NonceTTL),
			Validator:     validator,
			Google:        googleVerifier,
			Limiter:       limiter,
			Logger:        logger,
		},
		Records:           store,
		Feed:              feed,
		Metrics:           authkit.NewCounterMetrics(),
		AllowedOrigins:    serverConfig.CORSOrigins,
		HeartbeatInterval: serverConfig.HeartbeatInterval,
		Shutdown:          streamsClosed,
		Logger:            logger,
	})
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var closeStreams sync.Once
	server.RegisterOnShutdown(func() { closeStreams.Do(func() { close(streamsClosed) }) })


	signalContext, stopSignals := signal.NotifyContext(baseContext, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	group, groupContext := errgroup.WithContext(signalContext)

	group.Go(func() error {
		if err := feed.Run(groupContext); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("change feed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupContext.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	group.Go(func() error {
		defer stopSignals()
		logger.Info("listening",
			zap.String("addr", serverConfig.ListenAddr),
			zap.String("change_feed", serverConfig.ChangeFeed),
			zap.Bool("google_enabled", googleVerifier != nil))
		if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// buildChangeFeed returns the configured feed and a function releasing its
// connections.
func buildChangeFeed(ctx context.Context, serverConfig ServiceConfig, logger *zap.Logger) (records.ChangeFeed, func(), error) {
	switch serverConfig.ChangeFeed {
	case changeFeedRedis:
		client := redis.NewClient(&redis.Options{Addr: serverConfig.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("change_feed.redis.ping: %w", err)
		}
		return records.NewRedisFeed(client, serverConfig.ChangeChannel, logger), func() { _ = client.Close() }, nil
	case changeFeedPostgres:
		pool, err := records.BuildPool(ctx, serverConfig.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("change_feed.postgres.pool: %w", err)
		}
		return records.NewPostgresFeed(pool, serverConfig.ChangeChannel, logger), pool.Close, nil
	default:
		return records.NewMemoryFeed(), func() {}, nil
	}
}
