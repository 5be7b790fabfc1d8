package authkit

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tyemirov/clinicdesk/pkg/sessionvalidator"
)

// APIKeyHeader carries the project key on every request.
const APIKeyHeader = "X-API-Key"

// ClaimsContextKey is where RequireSession stores validated claims.
const ClaimsContextKey = "auth_claims"

// RequireAPIKey rejects requests whose X-API-Key does not match apiKey.
func RequireAPIKey(apiKey string, metrics MetricsRecorder) gin.HandlerFunc {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	expected := []byte(apiKey)
	return func(contextGin *gin.Context) {
		presented := []byte(contextGin.GetHeader(APIKeyHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(presented, expected) != 1 {
			metrics.Increment(MetricAPIKeyRejected)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_api_key"})
			return
		}
		contextGin.Next()
	}
}

// RequireSession validates the bearer access token and injects claims.
func RequireSession(validator *sessionvalidator.Validator) gin.HandlerFunc {
	return validator.GinMiddleware(ClaimsContextKey)
}

// SubjectFromContext returns the identity subject stored by RequireSession.
func SubjectFromContext(contextGin *gin.Context) (string, bool) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, ClaimsContextKey)
	if !ok || claims.GetUserID() == "" {
		return "", false
	}
	return claims.GetUserID(), true
}
