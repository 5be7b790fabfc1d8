// Package web assembles the HTTP surface of the practice service: identity
// endpoints, the practice tables, and the realtime change stream.
package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/clinicdesk/internal/authkit"
	"github.com/tyemirov/clinicdesk/internal/records"
)

const defaultHeartbeat = 15 * time.Second

// RouterConfig wires the router. AllowedOrigins enables CORS when non-empty.
// Closing Shutdown ends open change streams so a graceful server shutdown is
// not held up by them.
type RouterConfig struct {
	Auth              authkit.ServerConfig
	AuthDependencies  authkit.Dependencies
	Records           *records.Store
	Feed              records.ChangeFeed
	Metrics           *authkit.CounterMetrics
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Shutdown          <-chan struct{}
	Logger            *zap.Logger
}

// NewRouter builds the gin engine serving /healthz, /auth and /api.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Records == nil || configuration.Feed == nil {
		return nil, fmt.Errorf("web.new_router: records store and change feed are required")
	}
	if configuration.AuthDependencies.Validator == nil {
		return nil, fmt.Errorf("web.new_router: token validator is required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = authkit.NewCounterMetrics()
	}
	heartbeat := configuration.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	authDependencies := configuration.AuthDependencies
	authDependencies.Metrics = metrics
	if authDependencies.Logger == nil {
		authDependencies.Logger = logger
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	if len(configuration.AllowedOrigins) > 0 {
		corsMiddleware, corsErr := ConfigureCORS(logger, configuration.AllowedOrigins)
		if corsErr != nil {
			return nil, fmt.Errorf("web.new_router: %w", corsErr)
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "metrics": metrics.Snapshot()})
	})

	project := router.Group("/")
	project.Use(authkit.RequireAPIKey(configuration.Auth.APIKey, metrics))
	authkit.MountAuthRoutes(project, configuration.Auth, authDependencies)

	api := project.Group("/api")
	api.Use(authkit.RequireSession(authDependencies.Validator))
	mountRecordsRoutes(api, &recordsHandlers{store: configuration.Records, logger: logger})
	stream := &changeStream{feed: configuration.Feed, heartbeat: heartbeat, shutdown: configuration.Shutdown, logger: logger}
	api.GET("/changes", stream.serve)

	return router, nil
}

// RequestLogger logs one structured line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
