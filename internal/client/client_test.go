package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/tyemirov/clinicdesk/internal/authkit"
	"github.com/tyemirov/clinicdesk/internal/database"
	"github.com/tyemirov/clinicdesk/internal/records"
	"github.com/tyemirov/clinicdesk/internal/session"
	"github.com/tyemirov/clinicdesk/internal/web"
	"github.com/tyemirov/clinicdesk/pkg/sessionvalidator"
)

const testAPIKey = "anon-key"

type practiceServer struct {
	server *httptest.Server
	store  *records.Store
}

func newPracticeServer(t *testing.T) practiceServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	handle, err := database.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "practice.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	logger := zaptest.NewLogger(t)
	feed := records.NewMemoryFeed()
	store, err := records.NewStore(ctx, handle.DB, feed, logger)
	if err != nil {
		t.Fatalf("records store: %v", err)
	}
	identities, err := authkit.NewDatabaseIdentityStore(ctx, handle, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	configuration := authkit.ServerConfig{
		APIKey:        testAPIKey,
		JWTSigningKey: []byte("signing-key"),
		JWTIssuer:     "clinicdesk",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    time.Hour,
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{SigningKey: configuration.JWTSigningKey, Issuer: configuration.JWTIssuer})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	router, err := web.NewRouter(web.RouterConfig{
		Auth: configuration,
		AuthDependencies: authkit.Dependencies{
			Identities:    identities,
			RefreshTokens: authkit.NewMemoryRefreshTokenStore(),
			Nonces:        authkit.NewMemoryNonceStore(time.Minute),
			Validator:     validator,
		},
		Records:           store,
		Feed:              feed,
		HeartbeatInterval: time.Minute,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return practiceServer{server: server, store: store}
}

func newTestClient(t *testing.T, baseURL string, configure func(*Config)) *Client {
	t.Helper()
	configuration := Config{
		BaseURL:        baseURL,
		APIKey:         testAPIKey,
		Logger:         zaptest.NewLogger(t),
		ReconnectDelay: 20 * time.Millisecond,
	}
	if configure != nil {
		configure(&configuration)
	}
	client, err := New(configuration)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

type eventRecorder struct {
	mutex   sync.Mutex
	changes []session.Change
}

func (recorder *eventRecorder) record(change session.Change) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.changes = append(recorder.changes, change)
}

func (recorder *eventRecorder) events() []session.Event {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	events := make([]session.Event, 0, len(recorder.changes))
	for _, change := range recorder.changes {
		events = append(events, change.Event)
	}
	return events
}

func TestNewRequiresBaseURLAndAPIKey(t *testing.T) {
	testCases := []struct {
		name          string
		configuration Config
	}{
		{name: "missing url", configuration: Config{APIKey: "key"}},
		{name: "relative url", configuration: Config{BaseURL: "localhost", APIKey: "key"}},
		{name: "missing key", configuration: Config{BaseURL: "http://localhost:8080"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := New(testCase.configuration); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestIdentityLifecycle(t *testing.T) {
	practice := newPracticeServer(t)
	client := newTestClient(t, practice.server.URL, nil)
	ctx := context.Background()
	recorder := &eventRecorder{}
	subscription := client.OnSessionChange(recorder.record)
	defer subscription.Release()

	if current, err := client.CurrentSession(ctx); err != nil || current != nil {
		t.Fatalf("expected no session, got %+v %v", current, err)
	}

	subjectID, err := client.SignUp(ctx, "ada@clinic.test", "secret1")
	if err != nil || subjectID == "" {
		t.Fatalf("sign up: %q %v", subjectID, err)
	}
	if _, err := client.SignUp(ctx, "ada@clinic.test", "secret1"); !errors.Is(err, records.ErrConflict) {
		t.Fatalf("expected conflict on duplicate sign-up, got %v", err)
	}
	if err := client.SignIn(ctx, "ada@clinic.test", "wrong-password"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := client.SignIn(ctx, "ada@clinic.test", "secret1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	current, err := client.CurrentSession(ctx)
	if err != nil || current == nil || current.SubjectID != subjectID {
		t.Fatalf("unexpected session %+v %v", current, err)
	}
	if err := client.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if current, _ := client.CurrentSession(ctx); current != nil {
		t.Fatalf("expected no session after sign-out")
	}

	expected := []session.Event{session.EventSignedIn, session.EventSignedIn, session.EventSignedOut}
	got := recorder.events()
	if len(got) != len(expected) {
		t.Fatalf("expected events %v, got %v", expected, got)
	}
	for index := range expected {
		if got[index] != expected[index] {
			t.Fatalf("expected events %v, got %v", expected, got)
		}
	}
}

func TestCurrentSessionRefreshesExpiredToken(t *testing.T) {
	practice := newPracticeServer(t)
	var clockMutex sync.Mutex
	now := time.Now()
	client := newTestClient(t, practice.server.URL, func(configuration *Config) {
		configuration.Now = func() time.Time {
			clockMutex.Lock()
			defer clockMutex.Unlock()
			return now
		}
	})
	ctx := context.Background()
	if _, err := client.SignUp(ctx, "grace@clinic.test", "secret1"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	before, _ := client.CurrentSession(ctx)

	recorder := &eventRecorder{}
	defer client.OnSessionChange(recorder.record).Release()

	clockMutex.Lock()
	now = now.Add(time.Hour)
	clockMutex.Unlock()

	after, err := client.CurrentSession(ctx)
	if err != nil || after == nil {
		t.Fatalf("expected refreshed session, got %+v %v", after, err)
	}
	if after.RefreshToken == before.RefreshToken || after.SubjectID != before.SubjectID {
		t.Fatalf("expected rotated refresh token for same subject")
	}
	if events := recorder.events(); len(events) != 1 || events[0] != session.EventTokenRefreshed {
		t.Fatalf("expected TOKEN_REFRESHED, got %v", events)
	}
}

func TestCurrentSessionDropsRejectedRefreshToken(t *testing.T) {
	practice := newPracticeServer(t)
	sessions := NewMemorySessionStore()
	_ = sessions.Save(session.Session{
		SubjectID:    "subject-1",
		AccessToken:  "stale",
		RefreshToken: "unknown",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	client := newTestClient(t, practice.server.URL, func(configuration *Config) {
		configuration.Sessions = sessions
	})
	recorder := &eventRecorder{}
	defer client.OnSessionChange(recorder.record).Release()

	current, err := client.CurrentSession(context.Background())
	if err != nil || current != nil {
		t.Fatalf("expected cleared session, got %+v %v", current, err)
	}
	if stored, _ := sessions.Load(); stored != nil {
		t.Fatalf("expected store to be cleared")
	}
	if events := recorder.events(); len(events) != 1 || events[0] != session.EventSignedOut {
		t.Fatalf("expected SIGNED_OUT, got %v", events)
	}
}

func TestSignOutWaitsForRefreshInFlight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	refreshEntered := make(chan struct{})
	releaseRefresh := make(chan struct{})
	var revokedMutex sync.Mutex
	var revoked []string

	router := gin.New()
	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		close(refreshEntered)
		<-releaseRefresh
		contextGin.JSON(http.StatusOK, gin.H{
			"access_token":  "access-2",
			"expires_at":    time.Now().Add(time.Hour),
			"refresh_token": "refresh-2",
			"user":          gin.H{"id": "subject-1", "email": "race@clinic.test"},
		})
	})
	router.POST("/auth/logout", func(contextGin *gin.Context) {
		var payload refreshPayload
		if err := contextGin.ShouldBindJSON(&payload); err != nil {
			contextGin.Status(http.StatusBadRequest)
			return
		}
		revokedMutex.Lock()
		revoked = append(revoked, payload.RefreshToken)
		revokedMutex.Unlock()
		contextGin.Status(http.StatusNoContent)
	})
	server := httptest.NewServer(router)
	defer server.Close()

	sessions := NewMemorySessionStore()
	_ = sessions.Save(session.Session{
		SubjectID:    "subject-1",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	client := newTestClient(t, server.URL, func(configuration *Config) {
		configuration.Sessions = sessions
	})
	recorder := &eventRecorder{}
	defer client.OnSessionChange(recorder.record).Release()
	ctx := context.Background()

	refreshDone := make(chan error, 1)
	go func() {
		_, err := client.CurrentSession(ctx)
		refreshDone <- err
	}()
	<-refreshEntered

	signOutDone := make(chan error, 1)
	go func() {
		signOutDone <- client.SignOut(ctx)
	}()
	select {
	case err := <-signOutDone:
		t.Fatalf("sign-out finished before the refresh committed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(releaseRefresh)

	if err := <-refreshDone; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := <-signOutDone; err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if current, err := client.CurrentSession(ctx); err != nil || current != nil {
		t.Fatalf("expected no session, got %+v %v", current, err)
	}
	if stored, _ := sessions.Load(); stored != nil {
		t.Fatalf("expected store to be cleared, got %+v", stored)
	}
	revokedMutex.Lock()
	defer revokedMutex.Unlock()
	if len(revoked) != 1 || revoked[0] != "refresh-2" {
		t.Fatalf("expected rotated token to be revoked, got %v", revoked)
	}
	events := recorder.events()
	if len(events) != 2 || events[0] != session.EventTokenRefreshed || events[1] != session.EventSignedOut {
		t.Fatalf("expected TOKEN_REFRESHED then SIGNED_OUT, got %v", events)
	}
}

func TestSignOutClearsLocallyWhenServerUnreachable(t *testing.T) {
	practice := newPracticeServer(t)
	client := newTestClient(t, practice.server.URL, nil)
	ctx := context.Background()
	if _, err := client.SignUp(ctx, "offline@clinic.test", "secret1"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	practice.server.Close()

	if err := client.SignOut(ctx); err != nil {
		t.Fatalf("expected local sign-out, got %v", err)
	}
	if current, err := client.CurrentSession(ctx); err != nil || current != nil {
		t.Fatalf("expected no session, got %+v %v", current, err)
	}
}

func TestFileSessionStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	store, err := NewFileSessionStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if current, err := store.Load(); err != nil || current != nil {
		t.Fatalf("expected empty store, got %+v %v", current, err)
	}
	saved := session.Session{SubjectID: "subject-1", Email: "a@clinic.test", AccessToken: "access", RefreshToken: "refresh", ExpiresAt: time.Unix(1700000000, 0).UTC()}
	if err := store.Save(saved); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	loaded, err := store.Load()
	if err != nil || loaded == nil || *loaded != saved {
		t.Fatalf("unexpected load %+v %v", loaded, err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if _, err := NewFileSessionStore(""); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRecordsCalls(t *testing.T) {
	practice := newPracticeServer(t)
	client := newTestClient(t, practice.server.URL, nil)
	ctx := context.Background()

	if _, err := client.ListPatients(ctx, records.PatientQuery{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized before sign-in, got %v", err)
	}
	subjectID, err := client.SignUp(ctx, "ada@clinic.test", "secret1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := client.FindDoctor(ctx, subjectID); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := client.InsertDoctor(ctx, records.Doctor{ID: subjectID, DoctorCode: "DRABC123", FullName: "Ada", Email: "ada@clinic.test"}); err != nil {
		t.Fatalf("insert doctor: %v", err)
	}
	specialty := "Cardiology"
	updated, err := client.UpdateDoctor(ctx, subjectID, records.DoctorPatch{Specialty: &specialty})
	if err != nil || updated.Specialty != specialty {
		t.Fatalf("update doctor: %+v %v", updated, err)
	}

	patient, err := client.InsertPatient(ctx, records.Patient{FullName: "Grace Hopper"})
	if err != nil {
		t.Fatalf("insert patient: %v", err)
	}
	if _, err := client.InsertPatient(ctx, records.Patient{}); !errors.Is(err, records.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	patients, err := client.ListPatients(ctx, records.PatientQuery{Search: "grace", OrderBy: records.PatientsByName})
	if err != nil || len(patients) != 1 {
		t.Fatalf("list patients: %+v %v", patients, err)
	}

	prescription, err := client.InsertPrescription(ctx, records.Prescription{
		PatientID:              patient.ID,
		PrescribingInstitution: "General Hospital",
		Details:                records.PrescriptionDetails{Medications: []records.Medication{{Name: "Aspirin", Dosage: "100mg", Frequency: "daily"}}},
	})
	if err != nil {
		t.Fatalf("insert prescription: %v", err)
	}
	if _, err := client.UpdatePrescriptionStatus(ctx, prescription.ID, records.StatusCancelled); err != nil {
		t.Fatalf("update status: %v", err)
	}
	listed, err := client.ListPrescriptions(ctx, records.PrescriptionQuery{Status: records.StatusCancelled})
	if err != nil || len(listed) != 1 || listed[0].Patient == nil {
		t.Fatalf("list prescriptions: %+v %v", listed, err)
	}
	stats, err := client.Stats(ctx)
	if err != nil || stats.Cancelled != 1 || stats.TotalPrescriptions != 1 {
		t.Fatalf("stats: %+v %v", stats, err)
	}
}

func TestWatchDoctorDeliversRowChanges(t *testing.T) {
	practice := newPracticeServer(t)
	client := newTestClient(t, practice.server.URL, nil)
	ctx := context.Background()
	subjectID, err := client.SignUp(ctx, "ada@clinic.test", "secret1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	changes := make(chan records.Change, 8)
	subscription := client.WatchDoctor(subjectID, func(change records.Change) { changes <- change })
	defer subscription.Release()

	// The stream subscribes asynchronously, so keep writing until a change arrives.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	inserted := false
	for {
		select {
		case change := <-changes:
			if change.RowID != subjectID || change.Table != records.TableDoctors {
				t.Fatalf("unexpected change %+v", change)
			}
			subscription.Release()
			subscription.Release()
			return
		case <-ticker.C:
			if !inserted {
				if _, err := practice.store.InsertDoctor(ctx, records.Doctor{ID: subjectID, FullName: "Ada", Email: "ada@clinic.test"}); err != nil {
					t.Fatalf("insert: %v", err)
				}
				inserted = true
				continue
			}
			name := "Ada L."
			if _, err := practice.store.UpdateDoctor(ctx, subjectID, records.DoctorPatch{FullName: &name}); err != nil {
				t.Fatalf("update: %v", err)
			}
		case <-deadline:
			t.Fatalf("no change delivered")
		}
	}
}

func TestReadEventsParsesStream(t *testing.T) {
	body := "event:ready\ndata:doctors\n\n: comment\nevent: change\ndata: {\"table\":\"doctors\"}\n\n"
	recorder := httptest.NewRecorder()
	recorder.WriteString(body)
	var events []streamEvent
	err := readEvents(recorder.Body, func(event streamEvent) { events = append(events, event) })
	if err == nil {
		t.Fatalf("expected stream closed error")
	}
	if len(events) != 2 || events[0].name != "ready" || events[1].name != "change" || events[1].data != `{"table":"doctors"}` {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestAPIErrorUnwrapsStatus(t *testing.T) {
	testCases := []struct {
		status int
		target error
	}{
		{status: http.StatusNotFound, target: records.ErrNotFound},
		{status: http.StatusConflict, target: records.ErrConflict},
		{status: http.StatusUnprocessableEntity, target: records.ErrInvalid},
		{status: http.StatusUnauthorized, target: ErrUnauthorized},
		{status: http.StatusTooManyRequests, target: ErrRateLimited},
		{status: http.StatusBadGateway, target: ErrUnavailable},
	}
	for _, testCase := range testCases {
		if err := error(&APIError{Status: testCase.status}); !errors.Is(err, testCase.target) {
			t.Fatalf("status %d: expected %v", testCase.status, testCase.target)
		}
	}
}
