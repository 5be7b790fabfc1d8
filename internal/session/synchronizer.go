// Package session keeps the signed-in doctor's session and profile in step
// with the remote identity service and the doctors table.
//
// A Synchronizer owns the ⟨session, profile, loading, lastError⟩ bundle.
// Session-change notifications, profile row changes, and reload requests are
// queued and handled one at a time, in arrival order, by a single loop
// goroutine; each handler runs to completion, including its profile fetch,
// before the next starts. Consumers only ever see published snapshots.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/clinicdesk/internal/records"
)

const defaultFetchTimeout = 10 * time.Second

// State classifies a snapshot.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateAuthenticating  State = "AUTHENTICATING"
	StateAuthenticated   State = "AUTHENTICATED"
	StateProfileMissing  State = "PROFILE_MISSING"
)

// Snapshot is an immutable copy of the synchronizer state.
type Snapshot struct {
	Session   *Session
	Profile   *records.Doctor
	Loading   bool
	LastError error
}

// State derives the lifecycle state from the snapshot fields.
func (snapshot Snapshot) State() State {
	switch {
	case snapshot.Session == nil:
		return StateUnauthenticated
	case snapshot.Loading:
		return StateAuthenticating
	case snapshot.Profile != nil:
		return StateAuthenticated
	default:
		return StateProfileMissing
	}
}

// SubjectID returns the subject of the current session, or "".
func (snapshot Snapshot) SubjectID() string {
	if snapshot.Session == nil {
		return ""
	}
	return snapshot.Session.SubjectID
}

func (snapshot Snapshot) clone() Snapshot {
	cloned := snapshot
	if snapshot.Session != nil {
		sessionCopy := *snapshot.Session
		cloned.Session = &sessionCopy
	}
	if snapshot.Profile != nil {
		profileCopy := *snapshot.Profile
		cloned.Profile = &profileCopy
	}
	return cloned
}

// Credential is an email and password pair.
type Credential struct {
	Email    string
	Password string
}

// ProfileSeed carries the display attributes of a new doctor profile.
type ProfileSeed struct {
	FullName        string
	Phone           string
	Specialty       string
	WorkingHospital string
}

// Config wires a Synchronizer to its collaborators.
type Config struct {
	Identity IdentityService
	Profiles ProfileStore
	Logger   *zap.Logger
	// FetchTimeout bounds one profile lookup. Defaults to 10s.
	FetchTimeout time.Duration
	// GenerateCode produces doctor codes for sign-up. Defaults to records.GenerateDoctorCode.
	GenerateCode func() (string, error)
	// Now stamps new profiles. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Synchronizer reconciles the locally cached session and doctor profile with
// the remote services. Construct one per signed-in client, Start it, and
// Close it on teardown.
type Synchronizer struct {
	identity     IdentityService
	profiles     ProfileStore
	watcher      ProfileWatcher
	logger       *zap.Logger
	fetchTimeout time.Duration
	generateCode func() (string, error)
	now          func() time.Time

	queue *eventQueue

	stateMutex sync.RWMutex
	snapshot   Snapshot
	changed    chan struct{}

	// owned by the loop goroutine
	generation     uint64
	profileWatch   Subscription
	watchedSubject string

	lifecycleMutex       sync.Mutex
	started              bool
	closed               bool
	identitySubscription Subscription
	cancelLoop           context.CancelFunc
	loopDone             chan struct{}
}

// New validates the configuration and returns an unstarted Synchronizer in
// the loading state.
func New(configuration Config) (*Synchronizer, error) {
	if configuration.Identity == nil {
		return nil, fmt.Errorf("session.new: identity service is required: %w", ErrConfiguration)
	}
	if configuration.Profiles == nil {
		return nil, fmt.Errorf("session.new: profile store is required: %w", ErrConfiguration)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fetchTimeout := configuration.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	generateCode := configuration.GenerateCode
	if generateCode == nil {
		generateCode = records.GenerateDoctorCode
	}
	now := configuration.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	watcher, _ := configuration.Profiles.(ProfileWatcher)
	return &Synchronizer{
		identity:     configuration.Identity,
		profiles:     configuration.Profiles,
		watcher:      watcher,
		logger:       logger,
		fetchTimeout: fetchTimeout,
		generateCode: generateCode,
		now:          now,
		queue:        newEventQueue(),
		snapshot:     Snapshot{Loading: true},
		changed:      make(chan struct{}),
	}, nil
}

// Start queues the initial session lookup, subscribes to session changes, and
// launches the event loop. The loop stops when ctx is cancelled or Close is called.
func (synchronizer *Synchronizer) Start(ctx context.Context) error {
	synchronizer.lifecycleMutex.Lock()
	defer synchronizer.lifecycleMutex.Unlock()
	if synchronizer.closed {
		return fmt.Errorf("session.start: %w", ErrClosed)
	}
	if synchronizer.started {
		return fmt.Errorf("session.start: %w", ErrAlreadyStarted)
	}

	synchronizer.queue.push(event{kind: eventInitialize})
	subscription := synchronizer.identity.OnSessionChange(func(change Change) {
		synchronizer.queue.push(event{kind: eventSessionChange, change: change})
	})
	if subscription == nil {
		synchronizer.queue.reset()
		return fmt.Errorf("session.start: identity service returned no subscription: %w", ErrConfiguration)
	}

	loopContext, cancel := context.WithCancel(ctx)
	synchronizer.identitySubscription = subscription
	synchronizer.cancelLoop = cancel
	synchronizer.loopDone = make(chan struct{})
	synchronizer.started = true
	go synchronizer.run(loopContext, synchronizer.loopDone)
	return nil
}

// Close releases the session subscription and any profile watch, stops the
// loop, and waits for it to exit. It is safe to call more than once.
func (synchronizer *Synchronizer) Close() error {
	synchronizer.lifecycleMutex.Lock()
	if synchronizer.closed {
		synchronizer.lifecycleMutex.Unlock()
		return nil
	}
	synchronizer.closed = true
	subscription := synchronizer.identitySubscription
	cancel := synchronizer.cancelLoop
	loopDone := synchronizer.loopDone
	synchronizer.lifecycleMutex.Unlock()

	if subscription != nil {
		subscription.Release()
	}
	if cancel != nil {
		cancel()
	}
	if loopDone != nil {
		<-loopDone
	}
	synchronizer.releaseProfileWatch()
	return nil
}

// Snapshot returns the current published state.
func (synchronizer *Synchronizer) Snapshot() Snapshot {
	synchronizer.stateMutex.RLock()
	defer synchronizer.stateMutex.RUnlock()
	return synchronizer.snapshot.clone()
}

// Changed returns a channel closed at the next publication.
func (synchronizer *Synchronizer) Changed() <-chan struct{} {
	synchronizer.stateMutex.RLock()
	defer synchronizer.stateMutex.RUnlock()
	return synchronizer.changed
}

// Watch blocks until predicate accepts a published snapshot or ctx is done.
func (synchronizer *Synchronizer) Watch(ctx context.Context, predicate func(Snapshot) bool) (Snapshot, error) {
	for {
		synchronizer.stateMutex.RLock()
		snapshot := synchronizer.snapshot.clone()
		changed := synchronizer.changed
		synchronizer.stateMutex.RUnlock()
		if predicate(snapshot) {
			return snapshot, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snapshot, ctx.Err()
		}
	}
}

// Flush waits until every event queued before the call has been handled.
func (synchronizer *Synchronizer) Flush(ctx context.Context) error {
	loopDone, err := synchronizer.runningLoop()
	if err != nil {
		return fmt.Errorf("session.flush: %w", err)
	}
	done := make(chan struct{})
	synchronizer.queue.push(event{kind: eventBarrier, done: done})
	select {
	case <-done:
		return nil
	case <-loopDone:
		return fmt.Errorf("session.flush: %w", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload re-fetches the current subject's profile and waits for the result.
func (synchronizer *Synchronizer) Reload(ctx context.Context) (Snapshot, error) {
	if _, err := synchronizer.runningLoop(); err != nil {
		return synchronizer.Snapshot(), fmt.Errorf("session.reload: %w", err)
	}
	synchronizer.queue.push(event{kind: eventRefresh})
	if err := synchronizer.Flush(ctx); err != nil {
		return synchronizer.Snapshot(), err
	}
	return synchronizer.Snapshot(), nil
}

// SignIn delegates to the identity service. The resulting session-change
// notification drives the profile update.
func (synchronizer *Synchronizer) SignIn(ctx context.Context, credential Credential) error {
	if err := synchronizer.identity.SignIn(ctx, strings.TrimSpace(credential.Email), credential.Password); err != nil {
		synchronizer.logger.Info("sign-in rejected",
			zap.String("code", "session.sign_in.rejected"),
			zap.Error(err))
		return fmt.Errorf("session.sign_in: %w: %w", ErrAuth, err)
	}
	return nil
}

// SignUp creates the identity and, only when that succeeds, inserts the
// doctor profile with a freshly generated doctor code. A failed insert after
// a successful identity creation is reported as ErrPartialSignup and is not
// compensated.
func (synchronizer *Synchronizer) SignUp(ctx context.Context, credential Credential, seed ProfileSeed) (records.Doctor, error) {
	email := strings.TrimSpace(credential.Email)
	fullName := strings.TrimSpace(seed.FullName)
	if email == "" || credential.Password == "" {
		return records.Doctor{}, fmt.Errorf("session.sign_up: email and password are required: %w", ErrAuth)
	}
	if fullName == "" {
		return records.Doctor{}, fmt.Errorf("session.sign_up: full name is required: %w", ErrAuth)
	}

	subjectID, signUpErr := synchronizer.identity.SignUp(ctx, email, credential.Password)
	if signUpErr != nil {
		synchronizer.logger.Info("sign-up rejected",
			zap.String("code", "session.sign_up.rejected"),
			zap.Error(signUpErr))
		return records.Doctor{}, fmt.Errorf("session.sign_up: %w: %w", ErrAuth, signUpErr)
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return records.Doctor{}, fmt.Errorf("session.sign_up: identity service returned no subject: %w", ErrAuth)
	}

	doctorCode, codeErr := synchronizer.generateCode()
	if codeErr != nil {
		return records.Doctor{}, fmt.Errorf("session.sign_up.doctor_code: %w: %w", ErrPartialSignup, codeErr)
	}
	doctor, insertErr := synchronizer.profiles.InsertDoctor(ctx, records.Doctor{
		ID:              subjectID,
		DoctorCode:      doctorCode,
		FullName:        fullName,
		Email:           email,
		Phone:           strings.TrimSpace(seed.Phone),
		Specialty:       strings.TrimSpace(seed.Specialty),
		WorkingHospital: strings.TrimSpace(seed.WorkingHospital),
		CreatedAt:       synchronizer.now(),
	})
	if insertErr != nil {
		synchronizer.logger.Error("profile insert failed after identity creation",
			zap.String("code", "session.sign_up.partial"),
			zap.String("subject_id", subjectID),
			zap.Error(insertErr))
		return records.Doctor{}, fmt.Errorf("session.sign_up.insert_profile: %w: %w", ErrPartialSignup, insertErr)
	}

	// the sign-in notification may have been handled before the row existed
	synchronizer.queue.push(event{kind: eventRefresh, subjectID: subjectID})
	return doctor, nil
}

// SignOut delegates to the identity service; the sign-out notification clears
// session and profile together.
func (synchronizer *Synchronizer) SignOut(ctx context.Context) error {
	if err := synchronizer.identity.SignOut(ctx); err != nil {
		synchronizer.logger.Warn("sign-out failed",
			zap.String("code", "session.sign_out.failed"),
			zap.Error(err))
		return fmt.Errorf("session.sign_out: %w: %w", ErrAuth, err)
	}
	return nil
}

func (synchronizer *Synchronizer) runningLoop() (chan struct{}, error) {
	synchronizer.lifecycleMutex.Lock()
	defer synchronizer.lifecycleMutex.Unlock()
	if synchronizer.closed || !synchronizer.started {
		return nil, ErrClosed
	}
	return synchronizer.loopDone, nil
}

func (synchronizer *Synchronizer) run(ctx context.Context, loopDone chan struct{}) {
	defer close(loopDone)
	for {
		next, ok := synchronizer.queue.pop(ctx)
		if !ok {
			return
		}
		synchronizer.handle(ctx, next)
	}
}

func (synchronizer *Synchronizer) handle(ctx context.Context, next event) {
	switch next.kind {
	case eventInitialize:
		synchronizer.initialize(ctx)
	case eventSessionChange:
		synchronizer.applySession(ctx, next.change.Event, next.change.Session)
	case eventProfileChange:
		synchronizer.applyProfileChange(ctx, next.subjectID, next.rowChange)
	case eventRefresh:
		subjectID := synchronizer.Snapshot().SubjectID()
		if subjectID == "" || (next.subjectID != "" && next.subjectID != subjectID) {
			return
		}
		synchronizer.loadProfile(ctx, synchronizer.generation, subjectID)
	case eventBarrier:
		close(next.done)
	}
}

func (synchronizer *Synchronizer) initialize(ctx context.Context) {
	current, err := synchronizer.identity.CurrentSession(ctx)
	if err != nil {
		synchronizer.logger.Warn("initial session lookup failed",
			zap.String("code", "session.initialize.failed"),
			zap.Error(err))
		synchronizer.generation++
		synchronizer.publish(func(snapshot *Snapshot) {
			snapshot.Session = nil
			snapshot.Profile = nil
			snapshot.Loading = false
			snapshot.LastError = fmt.Errorf("session.initialize: %w: %w", ErrLookup, err)
		})
		return
	}
	synchronizer.applySession(ctx, EventInitialSession, current)
}

func (synchronizer *Synchronizer) applySession(ctx context.Context, sessionEvent Event, next *Session) {
	if next != nil && strings.TrimSpace(next.SubjectID) == "" {
		next = nil
	}
	synchronizer.generation++
	generation := synchronizer.generation

	if next == nil {
		synchronizer.releaseProfileWatch()
		synchronizer.publish(func(snapshot *Snapshot) {
			snapshot.Session = nil
			snapshot.Profile = nil
			snapshot.Loading = false
			snapshot.LastError = nil
		})
		synchronizer.logger.Debug("session cleared",
			zap.String("code", "session.cleared"),
			zap.String("event", string(sessionEvent)))
		return
	}

	sessionCopy := *next
	if sessionCopy.SubjectID != synchronizer.watchedSubject {
		synchronizer.releaseProfileWatch()
	}
	synchronizer.publish(func(snapshot *Snapshot) {
		snapshot.Session = &sessionCopy
		if snapshot.Profile != nil && snapshot.Profile.ID != sessionCopy.SubjectID {
			snapshot.Profile = nil
		}
		snapshot.Loading = true
		snapshot.LastError = nil
	})
	synchronizer.logger.Debug("session replaced",
		zap.String("code", "session.replaced"),
		zap.String("event", string(sessionEvent)),
		zap.String("subject_id", sessionCopy.SubjectID))
	synchronizer.loadProfile(ctx, generation, sessionCopy.SubjectID)
}

func (synchronizer *Synchronizer) loadProfile(ctx context.Context, generation uint64, subjectID string) {
	fetchContext, cancel := context.WithTimeout(ctx, synchronizer.fetchTimeout)
	doctor, err := synchronizer.profiles.FindDoctor(fetchContext, subjectID)
	cancel()

	if generation != synchronizer.generation || synchronizer.Snapshot().SubjectID() != subjectID {
		synchronizer.logger.Debug("discarding superseded profile fetch",
			zap.String("code", "session.profile.superseded"),
			zap.String("subject_id", subjectID))
		return
	}
	if err == nil && doctor.ID != subjectID {
		err = fmt.Errorf("profile subject %q does not match session subject %q", doctor.ID, subjectID)
	}
	if err != nil {
		synchronizer.logger.Warn("profile lookup failed",
			zap.String("code", "session.profile.lookup_failed"),
			zap.String("subject_id", subjectID),
			zap.Error(err))
		synchronizer.publish(func(snapshot *Snapshot) {
			snapshot.Profile = nil
			snapshot.Loading = false
			snapshot.LastError = fmt.Errorf("session.fetch_profile: %w: %w", ErrLookup, err)
		})
	} else {
		synchronizer.publish(func(snapshot *Snapshot) {
			snapshot.Profile = &doctor
			snapshot.Loading = false
			snapshot.LastError = nil
		})
		synchronizer.logger.Debug("profile loaded",
			zap.String("code", "session.profile.loaded"),
			zap.String("subject_id", subjectID))
	}
	synchronizer.ensureProfileWatch(subjectID)
}

func (synchronizer *Synchronizer) applyProfileChange(ctx context.Context, subjectID string, change records.Change) {
	if subjectID != synchronizer.Snapshot().SubjectID() || change.RowID != subjectID {
		return
	}
	if change.Operation == records.OperationDelete {
		synchronizer.publish(func(snapshot *Snapshot) {
			snapshot.Profile = nil
			snapshot.Loading = false
			snapshot.LastError = fmt.Errorf("session.profile_deleted: %w: %w", ErrLookup, records.ErrNotFound)
		})
		return
	}
	synchronizer.loadProfile(ctx, synchronizer.generation, subjectID)
}

func (synchronizer *Synchronizer) ensureProfileWatch(subjectID string) {
	if synchronizer.watcher == nil {
		return
	}
	if synchronizer.profileWatch != nil && synchronizer.watchedSubject == subjectID {
		return
	}
	synchronizer.releaseProfileWatch()
	synchronizer.profileWatch = synchronizer.watcher.WatchDoctor(subjectID, func(change records.Change) {
		synchronizer.queue.push(event{kind: eventProfileChange, subjectID: subjectID, rowChange: change})
	})
	synchronizer.watchedSubject = subjectID
}

func (synchronizer *Synchronizer) releaseProfileWatch() {
	if synchronizer.profileWatch != nil {
		synchronizer.profileWatch.Release()
	}
	synchronizer.profileWatch = nil
	synchronizer.watchedSubject = ""
}

func (synchronizer *Synchronizer) publish(mutate func(*Snapshot)) {
	synchronizer.stateMutex.Lock()
	mutate(&synchronizer.snapshot)
	changed := synchronizer.changed
	synchronizer.changed = make(chan struct{})
	synchronizer.stateMutex.Unlock()
	close(changed)
}
