package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"minichat/internal/domain"
)

type DebounceMarker interface {
	Mark(ctx context.Context, conversationID, ts int64, text string) error
}

type Scheduler interface {
	Schedule(ctx context.Context, item domain.QueueItem, delay time.Duration) error
}

// TimestampSource yields non-decreasing epoch millis.
type TimestampSource interface {
	Now() int64
}

// Producer stamps inbound items with a debounce timestamp, records them in
// the debounce coordinator, and schedules them for delayed dispatch.
type Producer struct {
	debounce  DebounceMarker
	scheduler Scheduler
	clock     TimestampSource
	delay     time.Duration
	logger    *slog.Logger
}

// NewProducer creates a Producer scheduling every item delay ahead.
func NewProducer(d DebounceMarker, s Scheduler, clock TimestampSource, delay time.Duration, logger *slog.Logger) (*Producer, error) {
	if d == nil {
		return nil, errors.New("usecase: debounce marker must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: scheduler must not be nil")
	}
	if clock == nil {
		return nil, errors.New("usecase: clock must not be nil")
	}
	if delay <= 0 {
		return nil, errors.New("usecase: delay must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{debounce: d, scheduler: s, clock: clock, delay: delay, logger: logger}, nil
}

// Enqueue never blocks on the consumer. Debounce bookkeeping failures are
// logged and the item is scheduled anyway; only a scheduling failure is
// returned.
func (p *Producer) Enqueue(ctx context.Context, item domain.QueueItem) error {
	if item.ConversationID == 0 {
		return newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	item.DebounceTimestamp = p.clock.Now()

	if err := p.debounce.Mark(ctx, item.ConversationID, item.DebounceTimestamp, item.Text); err != nil {
		p.logger.Error("debounce bookkeeping failed",
			"conversation_id", item.ConversationID,
			"message_id", item.MessageID,
			"err", err,
		)
	}
	if err := p.scheduler.Schedule(ctx, item, p.delay); err != nil {
		return newError(ErrorInternal, "schedule_failed", fmt.Errorf("usecase: Enqueue: %w", err))
	}
	p.logger.Debug("message scheduled",
		"conversation_id", item.ConversationID,
		"message_id", item.MessageID,
		"debounce_ts", item.DebounceTimestamp,
		"delay", p.delay,
	)
	return nil
}
