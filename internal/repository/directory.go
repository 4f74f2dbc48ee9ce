package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"minichat/internal/domain"
)

const (
	queryChannelByID = `SELECT id, COALESCE(external_id, ''), COALESCE(name, ''), platform, business_id
FROM channel WHERE id = $1`

	queryChannelByExternalID = `SELECT id, COALESCE(external_id, ''), COALESCE(name, ''), platform, business_id
FROM channel WHERE external_id = $1 AND platform = $2 AND status = 1`

	queryConversationByID = `SELECT id, channel_id, customer_id FROM conversation WHERE id = $1`

	// Upserts the customer, then touches or creates the conversation for
	// (channel, customer) in one round trip.
	queryEnsureConversation = `WITH customer AS (
	INSERT INTO customer_users (name, provider, provider_id)
	VALUES ($3, $2, $4)
	ON CONFLICT (provider, provider_id) DO UPDATE SET updated_at = now()
	RETURNING id
), existing AS (
	UPDATE conversation SET last_message_at = $5, updated_at = $5
	WHERE channel_id = $1 AND customer_id = (SELECT id FROM customer)
	RETURNING id, channel_id, customer_id
), created AS (
	INSERT INTO conversation (channel_id, customer_id, last_message_at, handler_type, status, created_at, updated_at)
	SELECT $1, id, $5, 'HUMAN', 1, $5, $5 FROM customer
	WHERE NOT EXISTS (SELECT 1 FROM existing)
	RETURNING id, channel_id, customer_id
)
SELECT id, channel_id, customer_id FROM existing
UNION ALL
SELECT id, channel_id, customer_id FROM created
LIMIT 1`
)

// pgQuerier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Directory resolves channels, customers and conversations in Postgres.
type Directory struct {
	db pgQuerier
}

// NewDirectory creates a Directory over an open pool or connection.
func NewDirectory(db pgQuerier) (*Directory, error) {
	if db == nil {
		return nil, errors.New("repository: querier must not be nil")
	}
	return &Directory{db: db}, nil
}

// OpenDirectory connects a pool to dsn and verifies it. The returned pool
// must be closed by the caller.
func OpenDirectory(ctx context.Context, dsn string) (*Directory, *pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, nil, errors.New("repository: postgres dsn must not be empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("repository: ping postgres: %w", err)
	}
	d, _ := NewDirectory(pool)
	return d, pool, nil
}

func (d *Directory) ChannelByID(ctx context.Context, id int64) (domain.Channel, error) {
	ch, err := scanChannel(d.db.QueryRow(ctx, queryChannelByID, id))
	if err != nil {
		return domain.Channel{}, fmt.Errorf("repository: ChannelByID %d: %w", id, err)
	}
	return ch, nil
}

func (d *Directory) ChannelByExternalID(ctx context.Context, externalID, platform string) (domain.Channel, error) {
	ch, err := scanChannel(d.db.QueryRow(ctx, queryChannelByExternalID, externalID, platform))
	if err != nil {
		return domain.Channel{}, fmt.Errorf("repository: ChannelByExternalID %s/%s: %w", platform, externalID, err)
	}
	return ch, nil
}

func (d *Directory) ConversationByID(ctx context.Context, id int64) (domain.Conversation, error) {
	c, err := scanConversation(d.db.QueryRow(ctx, queryConversationByID, id))
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: ConversationByID %d: %w", id, err)
	}
	return c, nil
}

// EnsureConversation finds or creates the customer identified by
// customerExternalID on platform and its conversation on the channel,
// touching last_message_at.
func (d *Directory) EnsureConversation(ctx context.Context, channelID int64, platform, customerExternalID string, at time.Time) (domain.Conversation, error) {
	c, err := scanConversation(d.db.QueryRow(ctx, queryEnsureConversation,
		channelID, platform, defaultCustomerName(platform), customerExternalID, at.UTC()))
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: EnsureConversation: %w", err)
	}
	return c, nil
}

// Ping checks connectivity.
func (d *Directory) Ping(ctx context.Context) error {
	var one int
	if err := d.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func defaultCustomerName(platform string) string {
	if platform == "" {
		return "User"
	}
	return strings.ToUpper(platform[:1]) + strings.ToLower(platform[1:]) + " User"
}

func scanChannel(row pgx.Row) (domain.Channel, error) {
	var ch domain.Channel
	if err := row.Scan(&ch.ID, &ch.ExternalID, &ch.Name, &ch.Platform, &ch.BusinessID); err != nil {
		return domain.Channel{}, mapNoRows(err)
	}
	return ch, nil
}

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var c domain.Conversation
	if err := row.Scan(&c.ID, &c.ChannelID, &c.CustomerID); err != nil {
		return domain.Conversation{}, mapNoRows(err)
	}
	return c, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
