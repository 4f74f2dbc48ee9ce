// Package queue provides the delay scheduler and the main queue that feed
// the single dispatch consumer.
package queue

import (
	"context"
	"errors"
	"time"

	"minichat/internal/domain"
)

var (
	// ErrClosed is returned by Take and Schedule once the queue is closed.
	ErrClosed       = errors.New("queue: closed")
	// ErrDisconnected is returned by Take when the broker ended delivery
	// while the queue is still open. Take may be retried.
	ErrDisconnected = errors.New("disconnected")
)

// Scheduler defers an item and promotes it to the main queue after delay.
// Items whose delays expire at the same time keep their scheduling order.
type Scheduler interface {
	Schedule(ctx context.Context, item domain.QueueItem, delay time.Duration) error
}

// Queue is the blocking main queue. Take returns when an item is
// available, ctx is done, or the queue is closed.
type Queue interface {
	Take(ctx context.Context) (domain.QueueItem, error)
}

// DelayQueue is a Scheduler and Queue sharing one lifecycle.
type DelayQueue interface {
	Scheduler
	Queue
	Close() error
}
