package authkit

import "time"

// ServerConfig configures token issuance for the identity endpoints.
type ServerConfig struct {
	// APIKey is the project key every request must present in X-API-Key.
	APIKey            string
	JWTSigningKey     []byte
	JWTIssuer         string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	GoogleWebClientID string
	// MinPasswordLength defaults to 6.
	MinPasswordLength int
}

const defaultMinPasswordLength = 6

func (configuration ServerConfig) minPasswordLength() int {
	if configuration.MinPasswordLength <= 0 {
		return defaultMinPasswordLength
	}
	return configuration.MinPasswordLength
}
