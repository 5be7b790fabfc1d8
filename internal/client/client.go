// Package client talks to the practice service over HTTP. It implements the
// identity and profile collaborators the session synchronizer needs, plus the
// patient, prescription and statistics calls of the dashboard.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/clinicdesk/internal/session"
)

const (
	// APIKeyHeader carries the project key on every request.
	APIKeyHeader = "X-API-Key"

	defaultRequestTimeout = 15 * time.Second
	defaultRefreshMargin  = 30 * time.Second
	defaultReconnectDelay = 2 * time.Second
	maxErrorBody          = 4096
)

// Config configures a Client. BaseURL and APIKey are required.
type Config struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	Sessions       SessionStore
	Logger         *zap.Logger
	RefreshMargin  time.Duration
	ReconnectDelay time.Duration
	Now            func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	baseURL        *url.URL
	apiKey         string
	httpClient     *http.Client
	streamClient   *http.Client
	sessions       SessionStore
	logger         *zap.Logger
	refreshMargin  time.Duration
	reconnectDelay time.Duration
	now            func() time.Time

	mutex     sync.Mutex
	loaded    bool
	current   *session.Session
	listeners map[uint64]func(session.Change)
	nextID    uint64

	// transitionMutex serializes refreshes with sign-in, sign-up and sign-out
	// so every stored session and announced event follows the last commit.
	transitionMutex sync.Mutex
}

// New validates the configuration and returns a Client.
func New(configuration Config) (*Client, error) {
	rawURL := strings.TrimSpace(configuration.BaseURL)
	if rawURL == "" {
		return nil, fmt.Errorf("client.new: %w: base url is required", ErrConfiguration)
	}
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("client.new: %w: invalid base url %q", ErrConfiguration, rawURL)
	}
	if strings.TrimSpace(configuration.APIKey) == "" {
		return nil, fmt.Errorf("client.new: %w: api key is required", ErrConfiguration)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	streamClient := &http.Client{Transport: httpClient.Transport, Jar: httpClient.Jar}
	sessions := configuration.Sessions
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	refreshMargin := configuration.RefreshMargin
	if refreshMargin <= 0 {
		refreshMargin = defaultRefreshMargin
	}
	reconnectDelay := configuration.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	now := configuration.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:        parsed,
		apiKey:         configuration.APIKey,
		httpClient:     httpClient,
		streamClient:   streamClient,
		sessions:       sessions,
		logger:         logger,
		refreshMargin:  refreshMargin,
		reconnectDelay: reconnectDelay,
		now:            now,
		listeners:      make(map[uint64]func(session.Change)),
	}, nil
}

type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (client *Client) endpoint(path string, query url.Values) string {
	target := *client.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (client *Client) newRequest(ctx context.Context, method string, path string, query url.Values, body any, accessToken string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client.encode: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.endpoint(path, query), reader)
	if err != nil {
		return nil, fmt.Errorf("client.request: %w", err)
	}
	request.Header.Set(APIKeyHeader, client.apiKey)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return request, nil
}

// do sends the request and decodes a 2xx JSON body into out when out is
// non-nil. Non-2xx responses become *APIError.
func (client *Client) do(ctx context.Context, method string, path string, query url.Values, body any, accessToken string, out any) error {
	request, err := client.newRequest(ctx, method, path, query, body, accessToken)
	if err != nil {
		return err
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("client.%s %s: %w", strings.ToLower(method), path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeAPIError(response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("client.decode %s: %w", path, err)
	}
	return nil
}

func decodeAPIError(response *http.Response) error {
	apiError := &APIError{Status: response.StatusCode}
	contents, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	var body apiErrorBody
	if json.Unmarshal(contents, &body) == nil {
		apiError.Code = body.Error
		apiError.Message = body.Message
	}
	if apiError.Code == "" {
		apiError.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(response.StatusCode), " ", "_"))
	}
	return apiError
}

// authorized runs a request with the current access token and retries once
// after a refresh when the server reports the token as expired.
func (client *Client) authorized(ctx context.Context, method string, path string, query url.Values, body any, out any) error {
	current, err := client.CurrentSession(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("client.%s %s: %w: not signed in", strings.ToLower(method), path, ErrUnauthorized)
	}
	callErr := client.do(ctx, method, path, query, body, current.AccessToken, out)
	var apiError *APIError
	if !errors.As(callErr, &apiError) || apiError.Code != "token_expired" {
		return callErr
	}
	refreshed, refreshErr := client.refresh(ctx, current)
	if refreshErr != nil {
		return refreshErr
	}
	if refreshed == nil {
		return callErr
	}
	return client.do(ctx, method, path, query, body, refreshed.AccessToken, out)
}
