package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// BuildPool creates a pgx pool sized for the notification listener and publishers.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("records.change.postgres.parse: %w", err)
	}
	config.MinConns = 1
	config.MaxConns = 4
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, config)
}

// PostgresFeed relays changes through LISTEN/NOTIFY on the practice database.
type PostgresFeed struct {
	*Hub
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
}

// NewPostgresFeed constructs a feed that notifies on channel.
func NewPostgresFeed(pool *pgxpool.Pool, channel string, logger *zap.Logger) *PostgresFeed {
	if channel == "" {
		channel = DefaultChangeChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresFeed{Hub: NewHub(), pool: pool, channel: channel, logger: logger}
}

// Publish issues pg_notify with the encoded change.
func (feed *PostgresFeed) Publish(ctx context.Context, change Change) error {
	payload, err := encodeChange(change)
	if err != nil {
		return err
	}
	if _, execErr := feed.pool.Exec(ctx, "SELECT pg_notify($1, $2)", feed.channel, payload); execErr != nil {
		return fmt.Errorf("records.change.postgres.notify: %w", execErr)
	}
	return nil
}

// Run holds one pooled connection in LISTEN mode and relays notifications until ctx is done.
func (feed *PostgresFeed) Run(ctx context.Context) error {
	connection, err := feed.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("records.change.postgres.acquire: %w", err)
	}
	defer connection.Release()

	listenStatement := "LISTEN " + pgx.Identifier{feed.channel}.Sanitize()
	if _, listenErr := connection.Exec(ctx, listenStatement); listenErr != nil {
		return fmt.Errorf("records.change.postgres.listen: %w", listenErr)
	}
	feed.logger.Info("change feed subscribed", zap.String("driver", "postgres"), zap.String("channel", feed.channel))

	for {
		notification, waitErr := connection.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			if ctx.Err() != nil || errors.Is(waitErr, context.Canceled) {
				return nil
			}
			return fmt.Errorf("records.change.postgres.wait: %w", waitErr)
		}
		feed.relay(notification.Payload)
	}
}

func (feed *PostgresFeed) relay(payload string) {
	change, err := decodeChange(payload)
	if err != nil {
		feed.logger.Warn("dropping malformed change",
			zap.String("code", "records.change.postgres.malformed"),
			zap.Error(err))
		return
	}
	feed.Deliver(change)
}
