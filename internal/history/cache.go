// Package history keeps a bounded, oldest-first list of conversation turns
// per conversation, used as context for reply generation.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"minichat/internal/domain"
	"minichat/internal/kvstore"
)

const (
	DefaultPrefix   = "minichat:conv:recent:"
	DefaultMaxTurns = 50
)

// Cache stores conversation turns as JSON strings in a kvstore list.
type Cache struct {
	store    kvstore.Store
	prefix   string
	maxTurns int
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix sets the key prefix for the recent-turns list.
func WithPrefix(p string) Option {
	return func(c *Cache) {
		if p != "" {
			c.prefix = p
		}
	}
}

// WithMaxTurns caps the turns kept per conversation. n < 1 is ignored.
func WithMaxTurns(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Cache over store.
func New(store kvstore.Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.New("history: store must not be nil")
	}
	c := &Cache{
		store:    store,
		prefix:   DefaultPrefix,
		maxTurns: DefaultMaxTurns,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) key(conversationID int64) string {
	return c.prefix + strconv.FormatInt(conversationID, 10)
}

// AppendTurn right-appends a turn and trims the list to the configured cap.
func (c *Cache) AppendTurn(ctx context.Context, conversationID int64, role, content string) error {
	raw, err := json.Marshal(domain.ConversationTurn{Role: role, Content: content})
	if err != nil {
		return fmt.Errorf("history: AppendTurn encode: %w", err)
	}
	key := c.key(conversationID)
	n, err := c.store.Push(ctx, key, string(raw), 0)
	if err != nil {
		return fmt.Errorf("history: AppendTurn: %w", err)
	}
	if n > c.maxTurns {
		if err := c.store.TrimToLast(ctx, key, c.maxTurns); err != nil {
			return fmt.Errorf("history: AppendTurn trim: %w", err)
		}
	}
	return nil
}

// ReadTurns returns the conversation's turns oldest first, or an empty
// slice when none are stored. Entries that fail to decode are skipped.
func (c *Cache) ReadTurns(ctx context.Context, conversationID int64) ([]domain.ConversationTurn, error) {
	raw, err := c.store.List(ctx, c.key(conversationID))
	if err != nil {
		return nil, fmt.Errorf("history: ReadTurns: %w", err)
	}
	turns := make([]domain.ConversationTurn, 0, len(raw))
	for _, entry := range raw {
		var turn domain.ConversationTurn
		if err := json.Unmarshal([]byte(entry), &turn); err != nil {
			c.logger.Warn("skipping undecodable turn", "conversation_id", conversationID, "err", err)
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}
