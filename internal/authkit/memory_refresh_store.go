package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRefreshTokenStore keeps refresh tokens in process memory for tests
// and single-instance development servers.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	byID   map[string]*memoryRecord
	byHash map[string]string
	now    func() time.Time
}

type memoryRecord struct {
	TokenID         string
	IdentityID      string
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byID:   make(map[string]*memoryRecord),
		byHash: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (store *MemoryRefreshTokenStore) Issue(_ context.Context, identityID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := &memoryRecord{
		TokenID:         newRefreshTokenID(),
		IdentityID:      identityID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
	}
	store.byID[record.TokenID] = record
	store.byHash[hashValue] = record.TokenID
	return record.TokenID, opaque, nil
}

func (store *MemoryRefreshTokenStore) Validate(_ context.Context, tokenOpaque string) (string, string, int64, error) {
	if tokenOpaque == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	record := store.byID[tokenID]
	if !ok || record == nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenRevoked)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(store.now()) {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenExpired)
	}
	return record.IdentityID, record.TokenID, record.ExpiresUnix, nil
}

func (store *MemoryRefreshTokenStore) Revoke(_ context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[tokenID]
	if record == nil {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenAlreadyRevoked)
	}
	record.RevokedAtUnix = store.now().Unix()
	return nil
}
