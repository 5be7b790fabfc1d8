package session

import "errors"

var (
	// ErrConfiguration reports missing collaborators or endpoint settings at startup.
	ErrConfiguration = errors.New("session.configuration")
	// ErrAuth reports a rejected sign-in, sign-up, or sign-out call. The session is left as it was.
	ErrAuth = errors.New("session.auth")
	// ErrLookup reports that the profile of the current subject could not be loaded.
	ErrLookup = errors.New("session.lookup")
	// ErrPartialSignup reports that the identity was created but its profile row was not.
	ErrPartialSignup = errors.New("session.partial_signup")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("session.already_started")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("session.closed")
)
