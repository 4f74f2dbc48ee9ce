package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"minichat/internal/domain"
)

// amqpChannel is the subset of *amqp091.Channel used by AMQP.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Close() error
}

// AMQP is a RabbitMQ-backed DelayQueue. Each distinct delay gets its own
// durable queue "{main}.delay.{ms}ms" with a fixed message TTL that
// dead-letters into the main queue through the default exchange. A fixed
// per-queue TTL expires messages in publish order, so FIFO holds.
type AMQP struct {
	conn      io.Closer
	pub       amqpChannel
	sub       amqpChannel
	mainQueue string
	log       *slog.Logger

	mu       sync.Mutex
	declared map[int64]string

	consumeMu  sync.Mutex
	deliveries <-chan amqp091.Delivery

	done      chan struct{}
	closeOnce sync.Once
}

// DialAMQP connects to url and opens separate publish and consume channels.
func DialAMQP(url, mainQueue string, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: publish channel: %w", err)
	}
	sub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: consume channel: %w", err)
	}
	q, err := NewAMQP(conn, pub, sub, mainQueue, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// NewAMQP declares the main queue and returns a queue over the channels.
// conn may be nil when the caller owns the connection.
func NewAMQP(conn io.Closer, pub, sub amqpChannel, mainQueue string, logger *slog.Logger) (*AMQP, error) {
	if pub == nil || sub == nil {
		return nil, errors.New("queue: channels must not be nil")
	}
	if strings.TrimSpace(mainQueue) == "" {
		return nil, errors.New("queue: main queue name must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := pub.QueueDeclare(mainQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("queue: declare %s: %w", mainQueue, err)
	}
	return &AMQP{
		conn:      conn,
		pub:       pub,
		sub:       sub,
		mainQueue: mainQueue,
		log:       logger,
		declared:  make(map[int64]string),
		done:      make(chan struct{}),
	}, nil
}

// DelayQueueName returns the delay queue used for a delay of ms milliseconds.
func DelayQueueName(mainQueue string, ms int64) string {
	return fmt.Sprintf("%s.delay.%dms", mainQueue, ms)
}

// delayQueue declares the delay queue on first use. Caller holds a.mu.
func (a *AMQP) delayQueue(ms int64) (string, error) {
	if name, ok := a.declared[ms]; ok {
		return name, nil
	}
	name := DelayQueueName(a.mainQueue, ms)
	args := amqp091.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": a.mainQueue,
	}
	if _, err := a.pub.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("queue: declare %s: %w", name, err)
	}
	a.declared[ms] = name
	return name, nil
}

func (a *AMQP) Schedule(ctx context.Context, item domain.QueueItem, delay time.Duration) error {
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: Schedule encode: %w", err)
	}
	msgID := item.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.mainQueue
	if ms := delay.Milliseconds(); ms > 0 {
		key, err = a.delayQueue(ms)
		if err != nil {
			return err
		}
	}
	err = a.pub.PublishWithContext(ctx, "", key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msgID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("queue: Schedule publish: %w", err)
	}
	return nil
}

// consume starts consuming the main queue unless a consumer is already
// live. A failed attempt leaves no state behind, so the next Take retries.
func (a *AMQP) consume() (<-chan amqp091.Delivery, error) {
	a.consumeMu.Lock()
	defer a.consumeMu.Unlock()
	if a.deliveries != nil {
		return a.deliveries, nil
	}
	if err := a.sub.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("queue: qos: %w", err)
	}
	msgs, err := a.sub.Consume(a.mainQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: consume %s: %w", a.mainQueue, err)
	}
	a.deliveries = msgs
	a.log.Info("consuming main queue", "queue", a.mainQueue)
	return msgs, nil
}

func (a *AMQP) dropDeliveries(msgs <-chan amqp091.Delivery) {
	a.consumeMu.Lock()
	defer a.consumeMu.Unlock()
	if a.deliveries == msgs {
		a.deliveries = nil
	}
}

// Take acks each delivery on receipt, so an item is delivered at most once.
// If the broker closes the delivery stream while the queue is open, Take
// returns ErrDisconnected and the next call consumes again.
func (a *AMQP) Take(ctx context.Context) (domain.QueueItem, error) {
	select {
	case <-a.done:
		return domain.QueueItem{}, ErrClosed
	default:
	}
	msgs, err := a.consume()
	if err != nil {
		return domain.QueueItem{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return domain.QueueItem{}, ctx.Err()
		case <-a.done:
			return domain.QueueItem{}, ErrClosed
		case d, ok := <-msgs:
			if !ok {
				select {
				case <-a.done:
					return domain.QueueItem{}, ErrClosed
				default:
				}
				a.dropDeliveries(msgs)
				return domain.QueueItem{}, fmt.Errorf("queue: %s: %w", a.mainQueue, ErrDisconnected)
			}
			if err := d.Ack(false); err != nil {
				a.log.Warn("ack failed", "delivery_tag", d.DeliveryTag, "err", err)
			}
			var item domain.QueueItem
			if err := json.Unmarshal(d.Body, &item); err != nil {
				a.log.Error("dropping undecodable queue message", "message_id", d.MessageId, "err", err)
				continue
			}
			return item, nil
		}
	}
}

// Stats reports the main queue's ready message and consumer counts.
func (a *AMQP) Stats() (messages, consumers int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, err := a.pub.QueueDeclarePassive(a.mainQueue, true, false, false, false, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("queue: inspect %s: %w", a.mainQueue, err)
	}
	return q.Messages, q.Consumers, nil
}

func (a *AMQP) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		close(a.done)
		if err := a.sub.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.pub.Close(); err != nil {
			errs = append(errs, err)
		}
		if a.conn != nil {
			if err := a.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
