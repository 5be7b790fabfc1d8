package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tyemirov/clinicdesk/internal/database"
)

const bcryptMaxPasswordBytes = 72

var errNilDatabase = errors.New("authkit.nil_database")

type identityRecord struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Email        string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null;default:''"`
	GoogleSub    *string   `gorm:"column:google_sub;uniqueIndex"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (identityRecord) TableName() string {
	return "identities"
}

func (record identityRecord) identity() Identity {
	return Identity{ID: record.ID, Email: record.Email, CreatedAt: record.CreatedAt}
}

// DatabaseIdentityStore keeps identities in the identities table with
// bcrypt password hashes.
type DatabaseIdentityStore struct {
	db          *gorm.DB
	driverLabel string
	cost        int
	now         func() time.Time
}

// NewDatabaseIdentityStore migrates the identities table. A zero cost selects bcrypt.DefaultCost.
func NewDatabaseIdentityStore(ctx context.Context, handle database.Handle, cost int) (*DatabaseIdentityStore, error) {
	if handle.DB == nil {
		return nil, fmt.Errorf("identity_store.open: %w", errNilDatabase)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if migrateErr := handle.DB.WithContext(ctx).AutoMigrate(&identityRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("identity_store.migrate.%s: %w", handle.Driver, migrateErr)
	}
	return &DatabaseIdentityStore{
		db:          handle.DB,
		driverLabel: handle.Driver,
		cost:        cost,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreatePasswordIdentity registers a new email identity.
func (store *DatabaseIdentityStore) CreatePasswordIdentity(ctx context.Context, email string, password string) (Identity, error) {
	normalizedEmail, emailErr := normalizeEmail(email)
	if emailErr != nil {
		return Identity{}, fmt.Errorf("identity_store.create: %w", emailErr)
	}
	if len(password) > bcryptMaxPasswordBytes {
		return Identity{}, fmt.Errorf("identity_store.create: %w", ErrWeakPassword)
	}
	hash, hashErr := bcrypt.GenerateFromPassword([]byte(password), store.cost)
	if hashErr != nil {
		return Identity{}, fmt.Errorf("identity_store.create.hash: %w", hashErr)
	}
	record := identityRecord{
		ID:           uuid.NewString(),
		Email:        normalizedEmail,
		PasswordHash: string(hash),
		CreatedAt:    store.now(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return Identity{}, fmt.Errorf("identity_store.create: %w", ErrEmailTaken)
		}
		return Identity{}, fmt.Errorf("identity_store.create.%s: %w", store.driverLabel, err)
	}
	return record.identity(), nil
}

// VerifyPassword returns the identity when the password matches its hash.
func (store *DatabaseIdentityStore) VerifyPassword(ctx context.Context, email string, password string) (Identity, error) {
	normalizedEmail, emailErr := normalizeEmail(email)
	if emailErr != nil {
		return Identity{}, fmt.Errorf("identity_store.verify: %w", ErrInvalidCredentials)
	}
	var record identityRecord
	err := store.db.WithContext(ctx).Where("email = ?", normalizedEmail).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, fmt.Errorf("identity_store.verify: %w", ErrInvalidCredentials)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity_store.verify.%s: %w", store.driverLabel, err)
	}
	if record.PasswordHash == "" {
		return Identity{}, fmt.Errorf("identity_store.verify.no_password: %w", ErrInvalidCredentials)
	}
	if compareErr := bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)); compareErr != nil {
		return Identity{}, fmt.Errorf("identity_store.verify: %w", ErrInvalidCredentials)
	}
	return record.identity(), nil
}

// FindIdentity loads an identity by subject.
func (store *DatabaseIdentityStore) FindIdentity(ctx context.Context, identityID string) (Identity, error) {
	var record identityRecord
	err := store.db.WithContext(ctx).Where("id = ?", identityID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, fmt.Errorf("identity_store.find: %w", ErrIdentityNotFound)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity_store.find.%s: %w", store.driverLabel, err)
	}
	return record.identity(), nil
}

// LinkGoogleIdentity returns the identity bound to googleSub, binding it to
// the identity with the same verified email or creating a password-less one.
func (store *DatabaseIdentityStore) LinkGoogleIdentity(ctx context.Context, googleSub string, email string) (Identity, error) {
	normalizedEmail, emailErr := normalizeEmail(email)
	if emailErr != nil {
		return Identity{}, fmt.Errorf("identity_store.link_google: %w", emailErr)
	}
	var linked identityRecord
	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.Where("google_sub = ?", googleSub).Take(&linked).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = transaction.Where("email = ?", normalizedEmail).Take(&linked).Error
		switch {
		case err == nil:
			linked.GoogleSub = &googleSub
			return transaction.Model(&linked).Update("google_sub", googleSub).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			linked = identityRecord{
				ID:        uuid.NewString(),
				Email:     normalizedEmail,
				GoogleSub: &googleSub,
				CreatedAt: store.now(),
			}
			return transaction.Create(&linked).Error
		default:
			return err
		}
	})
	if transactionErr != nil {
		return Identity{}, fmt.Errorf("identity_store.link_google.%s: %w", store.driverLabel, transactionErr)
	}
	return linked.identity(), nil
}

func normalizeEmail(email string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(email))
	address, err := mail.ParseAddress(trimmed)
	if err != nil || address.Address != trimmed {
		return "", ErrInvalidEmail
	}
	return trimmed, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
