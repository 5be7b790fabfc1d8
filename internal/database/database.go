// Package database opens the GORM connection shared by the identity and
// practice tables.
package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryURL selects a shared in-memory sqlite database.
const MemoryURL = "sqlite://file::memory:?cache=shared"

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database.empty_url")
	errSQLiteEmptyPath     = errors.New("database.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("database.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("database.unsupported_no_scheme")
)

// Handle couples an open connection with the driver that serves it.
type Handle struct {
	DB     *gorm.DB
	Driver string
}

// Open resolves the dialect from the URL scheme (postgres:// or sqlite://)
// and verifies the connection.
func Open(ctx context.Context, databaseURL string) (Handle, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return Handle{}, fmt.Errorf("database.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return Handle{}, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return Handle{}, fmt.Errorf("database.open.%s: %w", driverLabel, openErr)
	}
	sqlDB, sqlErr := gormDB.DB()
	if sqlErr != nil {
		return Handle{}, fmt.Errorf("database.open.%s: %w", driverLabel, sqlErr)
	}
	if driverLabel == "sqlite" {
		// a single connection keeps in-memory databases and write locks coherent
		sqlDB.SetMaxOpenConns(1)
	}
	if pingErr := sqlDB.PingContext(ctx); pingErr != nil {
		return Handle{}, fmt.Errorf("database.ping.%s: %w", driverLabel, pingErr)
	}
	return Handle{DB: gormDB, Driver: driverLabel}, nil
}

// Close releases the underlying connection pool.
func (handle Handle) Close() error {
	if handle.DB == nil {
		return nil
	}
	sqlDB, err := handle.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("database.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("database.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("database.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
