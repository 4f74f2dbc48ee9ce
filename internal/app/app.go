package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"minichat/handler"
	"minichat/internal/broadcast"
	"minichat/internal/config"
	"minichat/internal/debounce"
	"minichat/internal/domain"
	"minichat/internal/history"
	"minichat/internal/integrations/aicore"
	"minichat/internal/integrations/facebook"
	"minichat/internal/integrations/paramstore"
	"minichat/internal/kvstore"
	"minichat/internal/queue"
	"minichat/internal/repository"
	"minichat/internal/usecase"
)

type messageRepository interface {
	usecase.MessageStore
	ListByConversation(ctx context.Context, conversationID int64, limit int) ([]domain.MessageRecord, error)
}

// Options adjust wiring per entrypoint.
type Options struct {
	// DisableListener skips the consumer regardless of configuration.
	DisableListener bool
}

// App is the wired service.
type App struct {
	Handler  http.Handler
	Consumer *usecase.Consumer
	Hub      *broadcast.Hub

	cfg     config.Config
	logger  *slog.Logger
	closers []func() error
}

// New builds every component selected by cfg. Close releases what was
// opened even when New fails halfway.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.cfg
	loader := newAWSLoader()

	state, err := a.stateStore(ctx, loader)
	if err != nil {
		return err
	}
	messages, err := a.messageStore(ctx, loader)
	if err != nil {
		return err
	}
	q, err := a.delayQueue()
	if err != nil {
		return err
	}

	delay := cfg.Queue.Delay()
	coord, err := debounce.NewCoordinator(state, delay,
		debounce.WithKeyPrefix(cfg.Queue.DebounceKeyPrefix),
		debounce.WithBufferPrefix(cfg.Queue.DebounceBufferPrefix),
	)
	if err != nil {
		return fmt.Errorf("app: debounce coordinator: %w", err)
	}
	turns, err := history.New(state,
		history.WithPrefix(cfg.Queue.ConversationPrefix),
		history.WithMaxTurns(cfg.Queue.ConversationMaxMessages),
		history.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("app: history cache: %w", err)
	}

	a.Hub = broadcast.NewHub(broadcast.WithAllowedOrigins(cfg.WSAllowedOrigins), broadcast.WithLogger(a.logger))
	a.closers = append(a.closers, func() error { a.Hub.Close(); return nil })

	health := map[string]handler.HealthCheck{}
	var dir *repository.Directory
	if cfg.PostgresDSN != "" {
		d, pool, err := repository.OpenDirectory(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		dir = d
		health["postgres"] = d.Ping
	}
	if amqpQueue, ok := q.(*queue.AMQP); ok {
		health["rabbitmq"] = func(context.Context) error {
			_, _, err := amqpQueue.Stats()
			return err
		}
	}

	var producer usecase.Enqueuer
	if cfg.Queue.ProducerEnabled {
		p, err := usecase.NewProducer(coord, q, debounce.NewClock(), delay, a.logger)
		if err != nil {
			return fmt.Errorf("app: producer: %w", err)
		}
		producer = p
	}

	if cfg.Queue.ListenerEnabled && !opts.DisableListener {
		proc, err := a.processor(ctx, loader, dir, turns, messages)
		if err != nil {
			return err
		}
		c, err := usecase.NewConsumer(q, coord, turns, proc, usecase.WithConsumerLogger(a.logger))
		if err != nil {
			return fmt.Errorf("app: consumer: %w", err)
		}
		a.Consumer = c
	}

	deps := handler.Deps{
		History:     messages,
		Streamer:    a.Hub,
		VerifyToken: cfg.Facebook.VerifyToken,
		AppSecret:   cfg.Facebook.AppSecret,
		Health:      health,
		Logger:      a.logger,
	}
	if dir != nil && cfg.Facebook.VerifyToken != "" {
		ingest, err := usecase.NewIngestService(dir, messages, producer, a.Hub, a.logger)
		if err != nil {
			return fmt.Errorf("app: ingest service: %w", err)
		}
		deps.Ingestor = ingest
	} else {
		a.logger.Warn("webhook ingestion disabled", "postgres", dir != nil, "verify_token_set", cfg.Facebook.VerifyToken != "")
	}
	h, err := handler.NewHandler(deps)
	if err != nil {
		return fmt.Errorf("app: handler: %w", err)
	}
	a.Handler = h

	a.logger.Info("service wired",
		"queue_backend", cfg.Queue.Backend,
		"store_backend", cfg.Store.Backend,
		"processor", cfg.Processor,
		"producer_enabled", producer != nil,
		"listener_enabled", a.Consumer != nil,
		"delay", delay,
	)
	return nil
}

func (a *App) stateStore(ctx context.Context, loader *awsLoader) (kvstore.Store, error) {
	if a.cfg.Store.Backend != config.BackendDynamoDB {
		return kvstore.NewMemory(), nil
	}
	awsCfg, err := loader.load(ctx)
	if err != nil {
		return nil, err
	}
	s, err := kvstore.NewDynamoDB(awsdynamodb.NewFromConfig(awsCfg), a.cfg.Store.StateTable)
	if err != nil {
		return nil, fmt.Errorf("app: state store: %w", err)
	}
	return s, nil
}

func (a *App) messageStore(ctx context.Context, loader *awsLoader) (messageRepository, error) {
	if a.cfg.Store.Backend != config.BackendDynamoDB {
		return repository.NewMemoryMessages(), nil
	}
	awsCfg, err := loader.load(ctx)
	if err != nil {
		return nil, err
	}
	s, err := repository.NewMessageStore(awsdynamodb.NewFromConfig(awsCfg), a.cfg.Store.MessagesTable)
	if err != nil {
		return nil, fmt.Errorf("app: message store: %w", err)
	}
	return s, nil
}

func (a *App) delayQueue() (queue.DelayQueue, error) {
	if a.cfg.Queue.Backend != config.BackendRabbitMQ {
		q := queue.NewMemory()
		a.closers = append(a.closers, q.Close)
		return q, nil
	}
	q, err := queue.DialAMQP(a.cfg.Queue.AMQPURL, a.cfg.Queue.MainQueueName, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, q.Close)
	return q, nil
}

func (a *App) processor(ctx context.Context, loader *awsLoader, dir *repository.Directory, turns *history.Cache, messages usecase.MessageSaver) (usecase.Processor, error) {
	cfg := a.cfg
	if cfg.Processor == config.ProcessorLog {
		return usecase.NewLogProcessor(a.logger), nil
	}
	if dir == nil {
		return nil, fmt.Errorf("app: %s processor requires postgres", cfg.Processor)
	}

	awsCfg, err := loader.load(ctx)
	if err != nil {
		return nil, err
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: paramstore: %w", err)
	}
	tokens, err := paramstore.NewTokenSource(ps, cfg.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: token source: %w", err)
	}
	fb := facebook.NewClient(
		facebook.WithGraphURL(cfg.Facebook.GraphAPIURL),
		facebook.WithMessagingType(cfg.Facebook.MessagingType),
		facebook.WithSendRate(cfg.Facebook.SendRPS),
	)

	switch cfg.Processor {
	case config.ProcessorSimulated:
		p, err := usecase.NewSimulatedBotProcessor(dir, tokens, fb, messages, a.Hub, cfg.SimulatedReply, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: simulated processor: %w", err)
		}
		return p, nil
	case config.ProcessorAI:
		gen, err := aicore.NewClient(cfg.AICore.BaseURL,
			aicore.WithPath(cfg.AICore.ChatMessagePath),
			aicore.WithTimeout(cfg.AICore.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("app: aicore client: %w", err)
		}
		p, err := usecase.NewAIProcessor(usecase.AIDeps{
			Directory:   dir,
			Turns:       turns,
			Generator:   gen,
			Messages:    messages,
			Broadcaster: a.Hub,
			Sender:      fb,
			Tokens:      tokens,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("app: ai processor: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("app: unknown processor %q", cfg.Processor)
	}
}

// Start launches the consumer when one is wired.
func (a *App) Start(ctx context.Context) error {
	if a.Consumer == nil {
		return nil
	}
	return a.Consumer.Start(ctx)
}

// Close stops the consumer and releases resources in reverse order.
func (a *App) Close() error {
	var errs []error
	if a.Consumer != nil {
		timeout := a.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		if err := a.Consumer.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// awsLoader loads the shared AWS configuration once, on first use.
type awsLoader struct {
	cfg    aws.Config
	err    error
	loaded bool
}

func newAWSLoader() *awsLoader { return &awsLoader{} }

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	if !l.loaded {
		l.cfg, l.err = awsconfig.LoadDefaultConfig(ctx)
		if l.err != nil {
			l.err = fmt.Errorf("app: load aws config: %w", l.err)
		}
		l.loaded = true
	}
	return l.cfg, l.err
}
