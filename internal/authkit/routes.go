package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"

	"github.com/tyemirov/clinicdesk/pkg/sessionvalidator"
)

// GoogleTokenVerifier validates Google ID tokens. *idtoken.Validator satisfies it.
type GoogleTokenVerifier interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenVerifier builds the production verifier backed by Google's public keys.
func NewGoogleTokenVerifier(ctx context.Context) (GoogleTokenVerifier, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth.google.validator: %w", err)
	}
	return validator, nil
}

// Dependencies are the collaborators of the identity endpoints.
type Dependencies struct {
	Identities    IdentityStore
	RefreshTokens RefreshTokenStore
	Nonces        NonceStore
	Validator     *sessionvalidator.Validator
	Google        GoogleTokenVerifier // optional; /auth/google answers 404 without it
	Limiter       *RateLimiter
	Metrics       MetricsRecorder
	Logger        *zap.Logger
	Clock         Clock
}

// SessionUser is the identity portion of a session response.
type SessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// SessionResponse is returned by every endpoint that establishes a session.
type SessionResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    time.Time   `json:"expires_at"`
	RefreshToken string      `json:"refresh_token"`
	User         SessionUser `json:"user"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authHandlers struct {
	configuration ServerConfig
	dependencies  Dependencies
}

// MountAuthRoutes registers the /auth endpoints on router.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, dependencies Dependencies) {
	if dependencies.Metrics == nil {
		dependencies.Metrics = noopMetrics{}
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Clock == nil {
		dependencies.Clock = systemClock{}
	}
	handlers := &authHandlers{configuration: configuration, dependencies: dependencies}

	group := router.Group("/auth")
	if dependencies.Limiter != nil {
		group.Use(dependencies.Limiter.Middleware(dependencies.Metrics))
	}
	group.POST("/signup", handlers.signUp)
	group.POST("/signin", handlers.signIn)
	group.POST("/refresh", handlers.refresh)
	group.POST("/logout", handlers.logout)
	group.GET("/nonce", handlers.nonce)
	group.POST("/google", handlers.google)
	group.GET("/user", RequireSession(dependencies.Validator), handlers.user)
}

func (handlers *authHandlers) signUp(contextGin *gin.Context) {
	var inbound credentialsRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if len(inbound.Password) < handlers.configuration.minPasswordLength() {
		handlers.dependencies.Metrics.Increment(MetricSignUpFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "weak_password"})
		return
	}
	identity, createErr := handlers.dependencies.Identities.CreatePasswordIdentity(contextGin.Request.Context(), inbound.Email, inbound.Password)
	if createErr != nil {
		handlers.dependencies.Metrics.Increment(MetricSignUpFailure)
		switch {
		case errors.Is(createErr, ErrEmailTaken):
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "email_taken"})
		case errors.Is(createErr, ErrInvalidEmail):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
		case errors.Is(createErr, ErrWeakPassword):
			contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "weak_password"})
		default:
			handlers.dependencies.Logger.Error("identity creation failed", zap.String("code", "auth.signup.store_failed"), zap.Error(createErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}
	response, issueErr := handlers.issueSession(contextGin.Request.Context(), identity, "")
	if issueErr != nil {
		handlers.dependencies.Logger.Error("session issuance failed", zap.String("code", "auth.signup.issue_failed"), zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.dependencies.Metrics.Increment(MetricSignUpSuccess)
	handlers.dependencies.Logger.Info("identity created", zap.String("code", "auth.signup.success"), zap.String("subject_id", identity.ID))
	contextGin.JSON(http.StatusCreated, response)
}

func (handlers *authHandlers) signIn(contextGin *gin.Context) {
	var inbound credentialsRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	identity, verifyErr := handlers.dependencies.Identities.VerifyPassword(contextGin.Request.Context(), inbound.Email, inbound.Password)
	if verifyErr != nil {
		handlers.dependencies.Metrics.Increment(MetricSignInFailure)
		if errors.Is(verifyErr, ErrInvalidCredentials) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}
		handlers.dependencies.Logger.Error("password verification failed", zap.String("code", "auth.signin.store_failed"), zap.Error(verifyErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	response, issueErr := handlers.issueSession(contextGin.Request.Context(), identity, "")
	if issueErr != nil {
		handlers.dependencies.Logger.Error("session issuance failed", zap.String("code", "auth.signin.issue_failed"), zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.dependencies.Metrics.Increment(MetricSignInSuccess)
	contextGin.JSON(http.StatusOK, response)
}

func (handlers *authHandlers) refresh(contextGin *gin.Context) {
	var inbound refreshRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	requestContext := contextGin.Request.Context()
	identityID, currentTokenID, _, validateErr := handlers.dependencies.RefreshTokens.Validate(requestContext, inbound.RefreshToken)
	if validateErr != nil {
		handlers.dependencies.Metrics.Increment(MetricRefreshFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
		return
	}
	identity, findErr := handlers.dependencies.Identities.FindIdentity(requestContext, identityID)
	if findErr != nil {
		handlers.dependencies.Metrics.Increment(MetricRefreshFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
		return
	}
	response, issueErr := handlers.issueSession(requestContext, identity, currentTokenID)
	if issueErr != nil {
		handlers.dependencies.Logger.Error("session issuance failed", zap.String("code", "auth.refresh.issue_failed"), zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if revokeErr := handlers.dependencies.RefreshTokens.Revoke(requestContext, currentTokenID); revokeErr != nil {
		handlers.dependencies.Logger.Error("refresh token rotation failed", zap.String("code", "auth.refresh.revoke_failed"), zap.Error(revokeErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.dependencies.Metrics.Increment(MetricRefreshSuccess)
	contextGin.JSON(http.StatusOK, response)
}

func (handlers *authHandlers) logout(contextGin *gin.Context) {
	var inbound refreshRequest
	if err := contextGin.ShouldBindJSON(&inbound); err == nil && strings.TrimSpace(inbound.RefreshToken) != "" {
		requestContext := contextGin.Request.Context()
		_, tokenID, _, validateErr := handlers.dependencies.RefreshTokens.Validate(requestContext, inbound.RefreshToken)
		if validateErr == nil {
			_ = handlers.dependencies.RefreshTokens.Revoke(requestContext, tokenID)
		}
	}
	handlers.dependencies.Metrics.Increment(MetricLogout)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authHandlers) nonce(contextGin *gin.Context) {
	if handlers.dependencies.Nonces == nil {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "google_disabled"})
		return
	}
	token, err := handlers.dependencies.Nonces.Issue(contextGin.Request.Context())
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"nonce": token})
}

func (handlers *authHandlers) google(contextGin *gin.Context) {
	if handlers.dependencies.Google == nil || handlers.dependencies.Nonces == nil || handlers.configuration.GoogleWebClientID == "" {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "google_disabled"})
		return
	}
	var inbound struct {
		GoogleIDToken string `json:"google_id_token"`
		Nonce         string `json:"nonce"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" || strings.TrimSpace(inbound.Nonce) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	requestContext := contextGin.Request.Context()
	if err := handlers.dependencies.Nonces.Consume(requestContext, inbound.Nonce); err != nil {
		handlers.dependencies.Metrics.Increment(MetricGoogleFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_nonce"})
		return
	}
	payload, validateErr := handlers.dependencies.Google.Validate(requestContext, inbound.GoogleIDToken, handlers.configuration.GoogleWebClientID)
	if validateErr != nil {
		handlers.dependencies.Metrics.Increment(MetricGoogleFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
		return
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		handlers.dependencies.Metrics.Increment(MetricGoogleFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_issuer"})
		return
	}
	if tokenNonce, _ := payload.Claims["nonce"].(string); tokenNonce != inbound.Nonce {
		handlers.dependencies.Metrics.Increment(MetricGoogleFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_nonce"})
		return
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if googleSub == "" || userEmail == "" || !emailVerified {
		handlers.dependencies.Metrics.Increment(MetricGoogleFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unverified_identity"})
		return
	}
	identity, linkErr := handlers.dependencies.Identities.LinkGoogleIdentity(requestContext, googleSub, userEmail)
	if linkErr != nil {
		handlers.dependencies.Logger.Error("google identity link failed", zap.String("code", "auth.google.link_failed"), zap.Error(linkErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	response, issueErr := handlers.issueSession(requestContext, identity, "")
	if issueErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.dependencies.Metrics.Increment(MetricGoogleSuccess)
	contextGin.JSON(http.StatusOK, response)
}

func (handlers *authHandlers) user(contextGin *gin.Context) {
	subjectID, ok := SubjectFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	identity, err := handlers.dependencies.Identities.FindIdentity(contextGin.Request.Context(), subjectID)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown_identity"})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"id":         identity.ID,
		"email":      identity.Email,
		"created_at": identity.CreatedAt,
	})
}

func (handlers *authHandlers) issueSession(ctx context.Context, identity Identity, previousTokenID string) (SessionResponse, error) {
	accessToken, expiresAt, mintErr := MintAccessToken(handlers.dependencies.Clock, identity, handlers.configuration.JWTIssuer, handlers.configuration.JWTSigningKey, handlers.configuration.AccessTTL)
	if mintErr != nil {
		return SessionResponse{}, mintErr
	}
	refreshExpiry := handlers.dependencies.Clock.Now().UTC().Add(handlers.configuration.RefreshTTL)
	_, refreshOpaque, issueErr := handlers.dependencies.RefreshTokens.Issue(ctx, identity.ID, refreshExpiry.Unix(), previousTokenID)
	if issueErr != nil {
		return SessionResponse{}, issueErr
	}
	return SessionResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(handlers.configuration.AccessTTL / time.Second),
		ExpiresAt:    expiresAt,
		RefreshToken: refreshOpaque,
		User:         SessionUser{ID: identity.ID, Email: identity.Email},
	}, nil
}
