package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/clinicdesk/internal/session"
)

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshPayload struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionPayload struct {
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (payload sessionPayload) session() session.Session {
	return session.Session{
		SubjectID:    payload.User.ID,
		Email:        payload.User.Email,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    payload.ExpiresAt,
	}
}

type listenerRelease struct {
	client *Client
	id     uint64
}

func (release listenerRelease) Release() {
	release.client.mutex.Lock()
	delete(release.client.listeners, release.id)
	release.client.mutex.Unlock()
}

// OnSessionChange registers callback for session transitions. Callbacks run on
// the goroutine that caused the transition.
func (client *Client) OnSessionChange(callback func(session.Change)) session.Subscription {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.nextID++
	id := client.nextID
	client.listeners[id] = callback
	return listenerRelease{client: client, id: id}
}

func (client *Client) emit(event session.Event, current *session.Session) {
	client.mutex.Lock()
	callbacks := make([]func(session.Change), 0, len(client.listeners))
	for _, callback := range client.listeners {
		callbacks = append(callbacks, callback)
	}
	client.mutex.Unlock()
	for _, callback := range callbacks {
		var delivered *session.Session
		if current != nil {
			clone := *current
			delivered = &clone
		}
		callback(session.Change{Event: event, Session: delivered})
	}
}

func (client *Client) cached() (*session.Session, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if !client.loaded {
		stored, err := client.sessions.Load()
		if err != nil {
			return nil, fmt.Errorf("client.current_session: %w", err)
		}
		client.current = stored
		client.loaded = true
	}
	if client.current == nil {
		return nil, nil
	}
	clone := *client.current
	return &clone, nil
}

func (client *Client) store(current *session.Session) error {
	client.mutex.Lock()
	client.current = current
	client.loaded = true
	client.mutex.Unlock()
	if current == nil {
		return client.sessions.Clear()
	}
	return client.sessions.Save(*current)
}

// CurrentSession returns the stored session, refreshing the access token
// when it is about to expire. A session whose refresh token was rejected is
// cleared and reported as absent.
func (client *Client) CurrentSession(ctx context.Context) (*session.Session, error) {
	current, err := client.cached()
	if err != nil || current == nil {
		return nil, err
	}
	if !current.Expired(client.now().Add(client.refreshMargin)) {
		return current, nil
	}
	return client.refresh(ctx, current)
}

func (client *Client) refresh(ctx context.Context, stale *session.Session) (*session.Session, error) {
	client.transitionMutex.Lock()
	defer client.transitionMutex.Unlock()

	current, err := client.cached()
	if err != nil || current == nil {
		return nil, err
	}
	if current.AccessToken != stale.AccessToken {
		return current, nil
	}
	var payload sessionPayload
	refreshErr := client.do(ctx, http.MethodPost, "/auth/refresh", nil, refreshPayload{RefreshToken: current.RefreshToken}, "", &payload)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrUnauthorized) {
			client.logger.Info("stored session rejected", zap.String("code", "client.session.refresh_rejected"))
			if storeErr := client.store(nil); storeErr != nil {
				return nil, storeErr
			}
			client.emit(session.EventSignedOut, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("client.refresh: %w", refreshErr)
	}
	refreshed := payload.session()
	if err := client.store(&refreshed); err != nil {
		return nil, fmt.Errorf("client.refresh: %w", err)
	}
	client.emit(session.EventTokenRefreshed, &refreshed)
	return &refreshed, nil
}

// SignIn exchanges credentials for a session and announces SIGNED_IN.
func (client *Client) SignIn(ctx context.Context, email string, password string) error {
	client.transitionMutex.Lock()
	defer client.transitionMutex.Unlock()

	var payload sessionPayload
	if err := client.do(ctx, http.MethodPost, "/auth/signin", nil, credentialsPayload{Email: email, Password: password}, "", &payload); err != nil {
		return fmt.Errorf("client.sign_in: %w", err)
	}
	established := payload.session()
	if err := client.store(&established); err != nil {
		return fmt.Errorf("client.sign_in: %w", err)
	}
	client.emit(session.EventSignedIn, &established)
	return nil
}

// SignUp creates a password identity, signs it in, and returns its subject.
func (client *Client) SignUp(ctx context.Context, email string, password string) (string, error) {
	client.transitionMutex.Lock()
	defer client.transitionMutex.Unlock()

	var payload sessionPayload
	if err := client.do(ctx, http.MethodPost, "/auth/signup", nil, credentialsPayload{Email: email, Password: password}, "", &payload); err != nil {
		return "", fmt.Errorf("client.sign_up: %w", err)
	}
	established := payload.session()
	if err := client.store(&established); err != nil {
		return "", fmt.Errorf("client.sign_up: %w", err)
	}
	client.emit(session.EventSignedIn, &established)
	return established.SubjectID, nil
}

// SignOut revokes the refresh token and forgets the session. The local
// session is cleared even when the server cannot be reached. A refresh in
// flight completes first, so the rotated token is the one revoked.
func (client *Client) SignOut(ctx context.Context) error {
	client.transitionMutex.Lock()
	defer client.transitionMutex.Unlock()

	current, err := client.cached()
	if err != nil {
		return fmt.Errorf("client.sign_out: %w", err)
	}
	if current != nil && current.RefreshToken != "" {
		if logoutErr := client.do(ctx, http.MethodPost, "/auth/logout", nil, refreshPayload{RefreshToken: current.RefreshToken}, "", nil); logoutErr != nil {
			client.logger.Warn("remote sign-out failed",
				zap.String("code", "client.sign_out.remote_failed"),
				zap.Error(logoutErr))
		}
	}
	if err := client.store(nil); err != nil {
		return fmt.Errorf("client.sign_out: %w", err)
	}
	client.emit(session.EventSignedOut, nil)
	return nil
}
