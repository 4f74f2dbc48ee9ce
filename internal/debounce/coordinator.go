// Package debounce tracks, per conversation, the timestamp of the most
// recently scheduled message and the text fragments of the current burst.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"minichat/internal/kvstore"
)

const (
	DefaultKeyPrefix    = "minichat:debounce:ts:"
	DefaultBufferPrefix = "minichat:debounce:buf:"
)

// Coordinator owns the DebounceRecord for each conversation: a latest
// timestamp scalar (TTL 2x delay) and a fragment buffer (TTL 5x delay).
type Coordinator struct {
	store        kvstore.Store
	keyPrefix    string
	bufferPrefix string
	scalarTTL    time.Duration
	bufferTTL    time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithKeyPrefix overrides the scalar key prefix.
func WithKeyPrefix(p string) Option {
	return func(c *Coordinator) {
		if p != "" {
			c.keyPrefix = p
		}
	}
}

// WithBufferPrefix overrides the buffer key prefix.
func WithBufferPrefix(p string) Option {
	return func(c *Coordinator) {
		if p != "" {
			c.bufferPrefix = p
		}
	}
}

// NewCoordinator returns a Coordinator whose expiries derive from delay.
func NewCoordinator(store kvstore.Store, delay time.Duration, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("debounce: store must not be nil")
	}
	if delay <= 0 {
		return nil, errors.New("debounce: delay must be positive")
	}
	c := &Coordinator{
		store:        store,
		keyPrefix:    DefaultKeyPrefix,
		bufferPrefix: DefaultBufferPrefix,
		scalarTTL:    2 * delay,
		bufferTTL:    5 * delay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) scalarKey(conversationID int64) string {
	return c.keyPrefix + strconv.FormatInt(conversationID, 10)
}

func (c *Coordinator) bufferKey(conversationID int64) string {
	return c.bufferPrefix + strconv.FormatInt(conversationID, 10)
}

// Mark records ts as the latest timestamp for the conversation and appends
// text to the burst buffer when it is non-empty. Both writes are attempted;
// the returned error joins whichever failed.
func (c *Coordinator) Mark(ctx context.Context, conversationID, ts int64, text string) error {
	var errs []error
	if err := c.store.SetInt(ctx, c.scalarKey(conversationID), ts, c.scalarTTL); err != nil {
		errs = append(errs, fmt.Errorf("debounce: Mark timestamp: %w", err))
	}
	if text != "" {
		if _, err := c.store.Push(ctx, c.bufferKey(conversationID), text, c.bufferTTL); err != nil {
			errs = append(errs, fmt.Errorf("debounce: Mark buffer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Latest returns the latest scheduled timestamp for the conversation.
func (c *Coordinator) Latest(ctx context.Context, conversationID int64) (int64, bool, error) {
	ts, ok, err := c.store.GetInt(ctx, c.scalarKey(conversationID))
	if err != nil {
		return 0, false, fmt.Errorf("debounce: Latest: %w", err)
	}
	return ts, ok, nil
}

// IsStale reports whether a newer message than ts has been scheduled for
// the conversation. Ties are not stale.
func (c *Coordinator) IsStale(ctx context.Context, conversationID, ts int64) (bool, error) {
	latest, ok, err := c.Latest(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return ok && latest > ts, nil
}

// Drain removes the burst buffer and returns its fragments joined by "\n"
// in insertion order. ok is false when the buffer was empty or absent.
func (c *Coordinator) Drain(ctx context.Context, conversationID int64) (text string, ok bool, err error) {
	fragments, err := c.store.Take(ctx, c.bufferKey(conversationID))
	if err != nil {
		return "", false, fmt.Errorf("debounce: Drain: %w", err)
	}
	if len(fragments) == 0 {
		return "", false, nil
	}
	return strings.Join(fragments, "\n"), true, nil
}
