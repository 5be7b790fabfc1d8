package authkit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tyemirov/clinicdesk/internal/database"
)

func openTestDatabase(t *testing.T) database.Handle {
	t.Helper()
	handle, err := database.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() {
		_ = handle.Close()
	})
	return handle
}

func TestNewDatabaseRefreshTokenStoreRequiresDatabase(t *testing.T) {
	if _, err := NewDatabaseRefreshTokenStore(context.Background(), database.Handle{}); err == nil {
		t.Fatalf("expected error without database")
	}
}

func TestDatabaseRefreshTokenStoreLifecycle(t *testing.T) {
	store, err := NewDatabaseRefreshTokenStore(context.Background(), openTestDatabase(t))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.Driver() != "sqlite" {
		t.Fatalf("expected sqlite driver, got %s", store.Driver())
	}

	expiry := time.Now().Add(10 * time.Minute).Unix()
	tokenID, opaqueToken, issueErr := store.Issue(context.Background(), "subject-123", expiry, "")
	if issueErr != nil {
		t.Fatalf("issue error: %v", issueErr)
	}
	identityID, storedTokenID, expiresUnix, validateErr := store.Validate(context.Background(), opaqueToken)
	if validateErr != nil {
		t.Fatalf("validate error: %v", validateErr)
	}
	if identityID != "subject-123" || storedTokenID != tokenID || expiresUnix != expiry {
		t.Fatalf("unexpected validation result %s %s %d", identityID, storedTokenID, expiresUnix)
	}

	_, secondOpaque, _ := store.Issue(context.Background(), "subject-123", expiry, tokenID)
	if err := store.RevokeAll(context.Background(), "subject-123"); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	for _, opaque := range []string{opaqueToken, secondOpaque} {
		if _, _, _, err := store.Validate(context.Background(), opaque); err == nil {
			t.Fatalf("expected revoked token to fail validation")
		}
	}
}
