package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "MINICHAT_"

const (
	BackendMemory   = "memory"
	BackendRabbitMQ = "rabbitmq"
	BackendDynamoDB = "dynamodb"

	ProcessorLog       = "log"
	ProcessorSimulated = "simulated"
	ProcessorAI        = "ai"
)

// Config is read once at process start.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"text"`

	Queue    Queue    `envPrefix:"QUEUE_"`
	Store    Store    `envPrefix:"STORE_"`
	AICore   AICore   `envPrefix:"AICORE_"`
	Facebook Facebook `envPrefix:"FACEBOOK_"`
	OTel     OTel     `envPrefix:"OTEL_"`

	PostgresDSN      string   `env:"POSTGRES_DSN"`
	ParamPrefix      string   `env:"PARAM_PREFIX" envDefault:"/minichat"`
	Processor        string   `env:"PROCESSOR" envDefault:"ai"`
	SimulatedReply   string   `env:"SIMULATED_REPLY" envDefault:"oke"`
	WSAllowedOrigins []string `env:"WS_ALLOWED_ORIGINS"`
}

// Queue configures debounce, scheduling and the dispatch listener.
type Queue struct {
	ProducerEnabled         bool   `env:"PRODUCER_ENABLED" envDefault:"true"`
	ListenerEnabled         bool   `env:"LISTENER_ENABLED" envDefault:"true"`
	DelaySeconds            int    `env:"DELAY_SECONDS" envDefault:"5"`
	MainQueueName           string `env:"MAIN_QUEUE_NAME" envDefault:"minichat.message.main"`
	Backend                 string `env:"BACKEND" envDefault:"memory"`
	AMQPURL                 string `env:"AMQP_URL"`
	ConversationMaxMessages int    `env:"CONVERSATION_MAX_MESSAGES" envDefault:"50"`
	ConversationPrefix      string `env:"CONVERSATION_RECENT_PREFIX" envDefault:"minichat:conv:recent:"`
	DebounceKeyPrefix       string `env:"DEBOUNCE_KEY_PREFIX" envDefault:"minichat:debounce:ts:"`
	DebounceBufferPrefix    string `env:"DEBOUNCE_BUFFER_PREFIX" envDefault:"minichat:debounce:buf:"`
}

// Delay is the debounce window; values below one second are raised to one.
func (q Queue) Delay() time.Duration {
	s := q.DelaySeconds
	if s < 1 {
		s = 1
	}
	return time.Duration(s) * time.Second
}

// Store selects the key-value and message store backend.
type Store struct {
	Backend       string `env:"BACKEND" envDefault:"memory"`
	StateTable    string `env:"STATE_TABLE"`
	MessagesTable string `env:"MESSAGES_TABLE"`
}

// AICore configures the reply generation service.
type AICore struct {
	BaseURL         string        `env:"BASE_URL" envDefault:"http://localhost:8000"`
	ChatMessagePath string        `env:"CHAT_MESSAGE_PATH" envDefault:"/api/chat/message"`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// Facebook configures the Graph API client and webhook checks.
type Facebook struct {
	GraphAPIURL   string  `env:"GRAPH_API_URL" envDefault:"https://graph.facebook.com/v21.0"`
	MessagingType string  `env:"MESSAGING_TYPE" envDefault:"RESPONSE"`
	VerifyToken   string  `env:"VERIFY_TOKEN"`
	AppSecret     string  `env:"APP_SECRET"`
	SendRPS       float64 `env:"SEND_RPS" envDefault:"10"`
}

// OTel configures trace export.
type OTel struct {
	Endpoint    string `env:"ENDPOINT"`
	Insecure    bool   `env:"INSECURE"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"minichat"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: envPrefix})
}

// LoadFrom reads the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: envPrefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	cfg.WSAllowedOrigins = trimAll(cfg.WSAllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRabbitMQ:
		if strings.TrimSpace(c.Queue.AMQPURL) == "" {
			errs = append(errs, errors.New("MINICHAT_QUEUE_AMQP_URL is required for the rabbitmq backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.Store.StateTable == "" || c.Store.MessagesTable == "" {
			errs = append(errs, errors.New("MINICHAT_STORE_STATE_TABLE and MINICHAT_STORE_MESSAGES_TABLE are required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	switch c.Processor {
	case ProcessorLog:
	case ProcessorSimulated, ProcessorAI:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, fmt.Errorf("MINICHAT_POSTGRES_DSN is required for the %s processor", c.Processor))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown processor %q", c.Processor))
	}
	if c.Queue.ConversationMaxMessages < 1 {
		errs = append(errs, errors.New("MINICHAT_QUEUE_CONVERSATION_MAX_MESSAGES must be at least 1"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps debug, info, warn or error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
