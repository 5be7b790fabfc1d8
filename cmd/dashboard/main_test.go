package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/tyemirov/clinicdesk/internal/authkit"
	"github.com/tyemirov/clinicdesk/internal/client"
	"github.com/tyemirov/clinicdesk/internal/database"
	"github.com/tyemirov/clinicdesk/internal/records"
	"github.com/tyemirov/clinicdesk/internal/session"
	"github.com/tyemirov/clinicdesk/internal/web"
	"github.com/tyemirov/clinicdesk/pkg/sessionvalidator"
)

const testAPIKey = "anon-key"

func startPracticeServer(t *testing.T) (*httptest.Server, *records.Store) {
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
		Records: store,
		Feed:    feed,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, store
}

type dashboardRunner struct {
	baseURL     string
	sessionFile string
}

func (runner dashboardRunner) command(t *testing.T, output io.Writer, arguments ...string) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	command := newRootCommand()
	command.SetOut(output)
	command.SetErr(output)
	command.SetArgs(append([]string{
		"--base_url", runner.baseURL,
		"--api_key", testAPIKey,
		"--session_file", runner.sessionFile,
		"--timeout", "10s",
	}, arguments...))
	return command
}

func (runner dashboardRunner) run(t *testing.T, arguments ...string) (string, error) {
	t.Helper()
	var output bytes.Buffer
	err := runner.command(t, &output, arguments...).ExecuteContext(context.Background())
	return output.String(), err
}

// start runs a long-lived command until ctx ends. No other command may run
// meanwhile since viper is process-global.
func (runner dashboardRunner) start(ctx context.Context, t *testing.T, output io.Writer, arguments ...string) <-chan error {
	t.Helper()
	command := runner.command(t, output, arguments...)
	finished := make(chan error, 1)
	go func() {
		finished <- command.ExecuteContext(ctx)
	}()
	return finished
}

type lockedBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (output *lockedBuffer) Write(contents []byte) (int, error) {
	output.mutex.Lock()
	defer output.mutex.Unlock()
	return output.buffer.Write(contents)
}

func (output *lockedBuffer) String() string {
	output.mutex.Lock()
	defer output.mutex.Unlock()
	return output.buffer.String()
}

func waitForOutput(t *testing.T, output *lockedBuffer, fragment string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(output.String(), fragment) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %q in output:\n%s", fragment, output.String())
}

func (runner dashboardRunner) mustRun(t *testing.T, arguments ...string) string {
	t.Helper()
	output, err := runner.run(t, arguments...)
	if err != nil {
		t.Fatalf("%v failed: %v\n%s", arguments, err, output)
	}
	return output
}

func TestDashboardWorkflow(t *testing.T) {
	server, store := startPracticeServer(t)
	runner := dashboardRunner{baseURL: server.URL, sessionFile: filepath.Join(t.TempDir(), "session.json")}

	if output := runner.mustRun(t, "whoami"); !strings.Contains(output, string(session.StateUnauthenticated)) {
		t.Fatalf("expected unauthenticated, got:\n%s", output)
	}

	signUp := runner.mustRun(t, "signup", "--email", "ada@clinic.test", "--password", "secret1", "--full_name", "Ada Lovelace", "--hospital", "General Hospital")
	if !strings.Contains(signUp, string(session.StateAuthenticated)) || !strings.Contains(signUp, "Ada Lovelace") {
		t.Fatalf("expected authenticated profile, got:\n%s", signUp)
	}

	if output := runner.mustRun(t, "whoami"); !strings.Contains(output, "Ada Lovelace") {
		t.Fatalf("expected stored session to be reused, got:\n%s", output)
	}
	if output := runner.mustRun(t, "profile", "update", "--specialty", "Cardiology"); !strings.Contains(output, "Cardiology") {
		t.Fatalf("expected updated specialty, got:\n%s", output)
	}

	runner.mustRun(t, "patients", "add", "--full_name", "Grace Hopper", "--gender", "F")
	patients, err := store.ListPatients(context.Background(), records.PatientQuery{})
	if err != nil || len(patients) != 1 {
		t.Fatalf("expected one patient, got %+v %v", patients, err)
	}
	if patients[0].WorkingHospital != "General Hospital" {
		t.Fatalf("expected hospital default from profile, got %q", patients[0].WorkingHospital)
	}
	if output := runner.mustRun(t, "patients", "list", "--search", "grace"); !strings.Contains(output, "Grace Hopper") {
		t.Fatalf("expected patient in list, got:\n%s", output)
	}

	issued := runner.mustRun(t, "prescriptions", "add", "--patient_id", patients[0].ID, "--medication", "Aspirin:100mg:daily")
	if !strings.Contains(issued, "General Hospital") || !strings.Contains(issued, "Aspirin 100mg") {
		t.Fatalf("unexpected prescription output:\n%s", issued)
	}
	prescriptionID := strings.Fields(strings.Split(issued, "\n")[1])[0]
	if output := runner.mustRun(t, "prescriptions", "status", prescriptionID, "Completed"); !strings.Contains(output, "Completed") {
		t.Fatalf("expected completed status, got:\n%s", output)
	}
	if output := runner.mustRun(t, "prescriptions", "list", "--status", "Pending"); !strings.Contains(output, "no prescriptions") {
		t.Fatalf("expected no pending prescriptions, got:\n%s", output)
	}
	stats := runner.mustRun(t, "stats")
	if !regexp.MustCompile(`(?m)^completed\s+1$`).MatchString(stats) || !regexp.MustCompile(`(?m)^patients\s+1$`).MatchString(stats) {
		t.Fatalf("unexpected stats:\n%s", stats)
	}

	if output := runner.mustRun(t, "signout"); !strings.Contains(output, string(session.StateUnauthenticated)) {
		t.Fatalf("expected unauthenticated after sign-out, got:\n%s", output)
	}
	if _, err := runner.run(t, "stats"); err == nil {
		t.Fatalf("expected stats to require a session")
	}
}

func TestPrescriptionsListFollowsChanges(t *testing.T) {
	server, store := startPracticeServer(t)
	runner := dashboardRunner{baseURL: server.URL, sessionFile: filepath.Join(t.TempDir(), "session.json")}
	runner.mustRun(t, "signup", "--email", "follow@clinic.test", "--password", "secret1", "--full_name", "Joseph Lister", "--hospital", "Royal Infirmary")

	sessions, err := client.NewFileSessionStore(runner.sessionFile)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	stored, err := sessions.Load()
	if err != nil || stored == nil {
		t.Fatalf("expected stored session, got %+v %v", stored, err)
	}
	ctx := context.Background()
	patient, err := store.InsertPatient(ctx, records.Patient{FullName: "Mary Seacole"})
	if err != nil {
		t.Fatalf("insert patient: %v", err)
	}

	followContext, stopFollowing := context.WithCancel(ctx)
	defer stopFollowing()
	output := &lockedBuffer{}
	finished := runner.start(followContext, t, output, "prescriptions", "list", "--follow")
	waitForOutput(t, output, "no prescriptions")

	_, err = store.InsertPrescription(ctx, records.Prescription{
		DoctorID:               stored.SubjectID,
		PatientID:              patient.ID,
		PrescribingInstitution: "Royal Infirmary",
		Details:                records.PrescriptionDetails{Medications: []records.Medication{{Name: "Carbolic", Dosage: "5ml"}}},
	})
	if err != nil {
		t.Fatalf("insert prescription: %v", err)
	}
	waitForOutput(t, output, "Carbolic 5ml")

	stopFollowing()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("expected follow to end cleanly, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("follow did not stop after cancellation")
	}
}

func TestDashboardShowsMissingProfilePlaceholder(t *testing.T) {
	server, _ := startPracticeServer(t)
	runner := dashboardRunner{baseURL: server.URL, sessionFile: filepath.Join(t.TempDir(), "session.json")}

	if _, err := runner.run(t, "signup", "--email", "nobody@clinic.test", "--password", "secret1"); err == nil {
		t.Fatalf("expected sign-up without a name to fail")
	}

	// an identity without a doctor row, as left behind by a partial sign-up
	httpRequest, err := http.NewRequest(http.MethodPost, server.URL+"/auth/signup", strings.NewReader(`{"email":"bare@clinic.test","password":"secret1"}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set(authkit.APIKeyHeader, testAPIKey)
	response, err := server.Client().Do(httpRequest)
	if err != nil {
		t.Fatalf("direct sign-up: %v", err)
	}
	response.Body.Close()

	output := runner.mustRun(t, "signin", "--email", "bare@clinic.test", "--password", "secret1")
	if !strings.Contains(output, string(session.StateProfileMissing)) || !strings.Contains(output, profileMissingPlaceholder) {
		t.Fatalf("expected placeholder, got:\n%s", output)
	}
}

func TestDashboardRequiresAPIKey(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	command := newRootCommand()
	var output bytes.Buffer
	command.SetOut(&output)
	command.SetErr(&output)
	command.SetArgs([]string{"--api_key", "", "--session_file", filepath.Join(t.TempDir(), "s.json"), "whoami"})
	err := command.Execute()
	if err == nil || !strings.HasPrefix(err.Error(), configCodeMissingAPIKey) {
		t.Fatalf("expected missing api key error, got %v", err)
	}
}

func TestParseMedication(t *testing.T) {
	medication, err := parseMedication("Aspirin:100mg:daily")
	if err != nil || medication.Name != "Aspirin" || medication.Dosage != "100mg" || medication.Frequency != "daily" {
		t.Fatalf("unexpected medication %+v %v", medication, err)
	}
	if bare, err := parseMedication("Ibuprofen"); err != nil || bare.Name != "Ibuprofen" || bare.Dosage != "" {
		t.Fatalf("unexpected medication %+v %v", bare, err)
	}
	if _, err := parseMedication(":5mg"); err == nil {
		t.Fatalf("expected error for nameless medication")
	}
}
