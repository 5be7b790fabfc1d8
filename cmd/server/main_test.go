package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/api/idtoken"

	"github.com/tyemirov/clinicdesk/internal/authkit"
)

func setRequiredConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("listen_addr", ":0")
	viper.Set("api_key", "anon-key")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("bcrypt_cost", 4)
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "server.db"))
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		override        func()
		expectedMessage string
	}{
		{
			name:            "missing api key",
			override:        func() { viper.Set("api_key", "") },
			expectedMessage: "config.missing_api_key: api_key must be provided",
		},
		{
			name:            "missing signing key",
			override:        func() { viper.Set("jwt_signing_key", "") },
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "non-positive access ttl",
			override:        func() { viper.Set("access_ttl", 0) },
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			override:        func() { viper.Set("refresh_ttl", -time.Second) },
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:            "unknown change feed",
			override:        func() { viper.Set("change_feed", "kafka") },
			expectedMessage: "config.invalid_change_feed: change_feed must be memory, redis or postgres",
		},
		{
			name:            "redis feed without address",
			override:        func() { viper.Set("change_feed", "redis") },
			expectedMessage: "config.missing_redis_addr: redis_addr must be provided for the redis change feed",
		},
		{
			name:            "postgres feed on sqlite",
			override:        func() { viper.Set("change_feed", "postgres") },
			expectedMessage: "config.postgres_feed_requires_postgres: the postgres change feed requires a postgres database_url",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			setRequiredConfig(t)
			testCase.override()
			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	setRequiredConfig(t)
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.ChangeFeed != changeFeedMemory || config.Auth.JWTIssuer != "clinicdesk" || config.NonceTTL != 5*time.Minute {
		t.Fatalf("unexpected defaults %+v", config)
	}
}

func TestRunServerGoogleVerifierInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setRequiredConfig(t)
	viper.Set("google_web_client_id", "client")

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()
	restoreVerifier := withGoogleVerifierBuilderStub(func(ctx context.Context) (authkit.GoogleTokenVerifier, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreVerifier()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerServesHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setRequiredConfig(t)
	viper.Set("google_web_client_id", "client")
	viper.Set("cors_allowed_origins", []string{"http://localhost:5173"})

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Errorf("expected handler to be configured")
			return http.ErrServerClosed
		}
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if recorder.Code != http.StatusOK {
			t.Errorf("expected healthz 200, got %d", recorder.Code)
		}
		unauthorized := httptest.NewRecorder()
		server.Handler.ServeHTTP(unauthorized, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		if unauthorized.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 without api key, got %d", unauthorized.Code)
		}
		return http.ErrServerClosed
	})
	defer restoreServe()
	restoreVerifier := withGoogleVerifierBuilderStub(func(ctx context.Context) (authkit.GoogleTokenVerifier, error) {
		return noopGoogleVerifier{}, nil
	})
	defer restoreVerifier()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerShutdownEndsOpenChangeStreams(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setRequiredConfig(t)

	addresses := make(chan string, 1)
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Errorf("listen: %v", err)
			return err
		}
		addresses <- listener.Addr().String()
		return server.Serve(listener)
	})
	defer restoreServe()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	serverContext, cancelServer := context.WithCancel(context.Background())
	defer cancelServer()
	command := &cobra.Command{}
	command.SetContext(context.WithValue(serverContext, serverConfigContextKey, config))

	finished := make(chan error, 1)
	go func() {
		finished <- runServer(command, nil)
	}()

	var baseURL string
	select {
	case address := <-addresses:
		baseURL = "http://" + address
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}

	signupBody, _ := json.Marshal(map[string]string{"email": "stream@clinic.test", "password": "long-enough-secret"})
	signupRequest, _ := http.NewRequest(http.MethodPost, baseURL+"/auth/signup", bytes.NewReader(signupBody))
	signupRequest.Header.Set("Content-Type", "application/json")
	signupRequest.Header.Set(authkit.APIKeyHeader, "anon-key")
	signupResponse, err := http.DefaultClient.Do(signupRequest)
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	var established struct {
		AccessToken string `json:"access_token"`
	}
	decodeErr := json.NewDecoder(signupResponse.Body).Decode(&established)
	signupResponse.Body.Close()
	if decodeErr != nil || established.AccessToken == "" {
		t.Fatalf("expected access token, got status %d: %v", signupResponse.StatusCode, decodeErr)
	}

	streamRequest, _ := http.NewRequest(http.MethodGet, baseURL+"/api/changes?table=doctors", nil)
	streamRequest.Header.Set(authkit.APIKeyHeader, "anon-key")
	streamRequest.Header.Set("Authorization", "Bearer "+established.AccessToken)
	streamResponse, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamResponse.Body.Close()
	scanner := bufio.NewScanner(streamResponse.Body)
	for scanner.Scan() && !strings.HasPrefix(scanner.Text(), "event:ready") {
	}

	shutdownStarted := time.Now()
	cancelServer()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown blocked by open change stream")
	}
	if elapsed := time.Since(shutdownStarted); elapsed > 5*time.Second {
		t.Fatalf("shutdown took %v", elapsed)
	}
	_, _ = io.Copy(io.Discard, streamResponse.Body)
}

func TestRunServerReportsListenFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setRequiredConfig(t)

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return errors.New("address in use")
	})
	defer restoreServe()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err == nil || err.Error() != "listen error: address in use" {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type noopGoogleVerifier struct{}

func (noopGoogleVerifier) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleVerifierBuilderStub(stub func(ctx context.Context) (authkit.GoogleTokenVerifier, error)) func() {
	previous := buildGoogleTokenVerifier
	buildGoogleTokenVerifier = stub
	return func() {
		buildGoogleTokenVerifier = previous
	}
}
