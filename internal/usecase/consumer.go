package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"minichat/internal/domain"
	"minichat/internal/queue"
)

const (
	tracerName         = "minichat/internal/usecase"
	defaultTakeBackoff = time.Second
)

// Outcome is the terminal state of one dispatched item.
type Outcome int

const (
	OutcomeInvalid Outcome = iota
	OutcomeStale
	OutcomeProcessed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStale:
		return "stale"
	case OutcomeProcessed:
		return "processed"
	default:
		return "invalid"
	}
}

// DebounceResolver decides whether an item won its burst and yields the
// burst text.
type DebounceResolver interface {
	IsStale(ctx context.Context, conversationID, ts int64) (bool, error)
	Drain(ctx context.Context, conversationID int64) (string, bool, error)
}

type TurnAppender interface {
	AppendTurn(ctx context.Context, conversationID int64, role, content string) error
}

// Taker is the blocking side of the main queue.
type Taker interface {
	Take(ctx context.Context) (domain.QueueItem, error)
}

// Consumer is the single dispatch loop draining the main queue.
type Consumer struct {
	queue     Taker
	debounce  DebounceResolver
	turns     TurnAppender
	processor Processor
	logger    *slog.Logger
	tracer    trace.Tracer
	backoff   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTakeBackoff sets the pause after a failed Take.
func WithTakeBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// NewConsumer creates a Consumer. Call Start to run it.
func NewConsumer(q Taker, d DebounceResolver, turns TurnAppender, p Processor, opts ...ConsumerOption) (*Consumer, error) {
	if q == nil {
		return nil, errors.New("usecase: queue must not be nil")
	}
	if d == nil {
		return nil, errors.New("usecase: debounce resolver must not be nil")
	}
	if turns == nil {
		return nil, errors.New("usecase: turn appender must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: processor must not be nil")
	}
	c := &Consumer{
		queue:     q,
		debounce:  d,
		turns:     turns,
		processor: p,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		backoff:   defaultTakeBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start spawns the dispatch goroutine. It runs until ctx is cancelled,
// Stop is called, or the queue closes.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return errors.New("usecase: consumer already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	c.logger.Info("consumer started")
	return nil
}

// Stop cancels the loop and waits up to timeout for it to exit. An item
// being processed when Stop is called is abandoned.
func (c *Consumer) Stop(timeout time.Duration) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		c.logger.Info("consumer stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("usecase: consumer did not stop within %s", timeout)
	}
}

func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		item, err := c.queue.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrClosed) {
				c.logger.Error("main queue closed, dispatch loop exiting", "err", err)
				return
			}
			c.logger.Error("queue take failed", "err", err, "retry_in", c.backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}
		c.Dispatch(ctx, item)
	}
}

// Dispatch resolves the debounce outcome for one item and, for a winner,
// records the user turn and invokes the processor. Processor errors and
// panics are logged and never escape.
func (c *Consumer) Dispatch(ctx context.Context, item domain.QueueItem) Outcome {
	ctx, span := c.tracer.Start(ctx, "consumer.dispatch", trace.WithAttributes(
		attribute.Int64("conversation.id", item.ConversationID),
		attribute.String("message.id", item.MessageID),
	))
	defer span.End()

	outcome := c.dispatch(ctx, item)
	span.SetAttributes(attribute.String("dispatch.outcome", outcome.String()))
	return outcome
}

func (c *Consumer) dispatch(ctx context.Context, item domain.QueueItem) Outcome {
	log := c.logger.With("conversation_id", item.ConversationID, "message_id", item.MessageID)
	if item.ConversationID == 0 {
		log.Warn("dropping queue item without conversation id")
		return OutcomeInvalid
	}

	if item.HasDebounce() {
		stale, err := c.debounce.IsStale(ctx, item.ConversationID, item.DebounceTimestamp)
		if err != nil {
			log.Warn("debounce lookup failed, treating item as final", "err", err)
		}
		if stale {
			log.Debug("skipping superseded message", "debounce_ts", item.DebounceTimestamp)
			return OutcomeStale
		}
		text, ok, err := c.debounce.Drain(ctx, item.ConversationID)
		switch {
		case err != nil:
			log.Warn("debounce drain failed, using own text", "err", err)
		case ok:
			item.Text = text
		}
	}

	if err := c.turns.AppendTurn(ctx, item.ConversationID, domain.RoleUser, item.Text); err != nil {
		log.Warn("append user turn failed", "err", err)
	} else {
		ctx = withUserTurnRecorded(ctx)
	}

	if err := c.process(ctx, item); err != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "process failed")
		switch CodeOf(err) {
		case ErrorNotFound, ErrorUpstream, ErrorInvalidInput:
			log.Warn("processor aborted", "err", err)
		default:
			log.Error("processor failed", "err", err)
		}
	}
	return OutcomeProcessed
}

func (c *Consumer) process(ctx context.Context, item domain.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(ErrorInternal, "processor_panic", fmt.Errorf("%v", r))
		}
	}()
	return c.processor.Process(ctx, item)
}
