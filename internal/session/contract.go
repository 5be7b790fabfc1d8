package session

import (
	"context"
	"time"

	"github.com/tyemirov/clinicdesk/internal/records"
)

// Session is the credential bundle issued by the identity service. The
// synchronizer only reads it.
type Session struct {
	SubjectID    string    `json:"subject_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is past its expiry at now.
func (current Session) Expired(now time.Time) bool {
	return !current.ExpiresAt.IsZero() && !now.Before(current.ExpiresAt)
}

// Event names a session transition emitted by the identity service.
type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// Change is one session-change notification. Session is nil when signed out.
type Change struct {
	Event   Event
	Session *Session
}

// Subscription is a registered callback; Release detaches it and is idempotent.
type Subscription interface {
	Release()
}

// IdentityService is the remote authentication collaborator.
type IdentityService interface {
	CurrentSession(ctx context.Context) (*Session, error)
	OnSessionChange(callback func(Change)) Subscription
	SignIn(ctx context.Context, email string, password string) error
	SignUp(ctx context.Context, email string, password string) (subjectID string, err error)
	SignOut(ctx context.Context) error
}

// ProfileStore is the remote doctors table. FindDoctor must wrap
// records.ErrNotFound when the row is absent.
type ProfileStore interface {
	FindDoctor(ctx context.Context, subjectID string) (records.Doctor, error)
	InsertDoctor(ctx context.Context, doctor records.Doctor) (records.Doctor, error)
}

// ProfileWatcher is implemented by profile stores that can stream row
// changes for one doctor.
type ProfileWatcher interface {
	WatchDoctor(subjectID string, handler func(records.Change)) Subscription
}

// SubscriptionFunc adapts a release function to Subscription.
type SubscriptionFunc func()

// Release calls the function.
func (release SubscriptionFunc) Release() {
	release()
}
