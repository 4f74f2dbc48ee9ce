package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"minichat/internal/domain"
)

// IngestStatus is the outcome of one webhook event.
type IngestStatus string

const (
	IngestAccepted  IngestStatus = "accepted"
	IngestIgnored   IngestStatus = "ignored"
	IngestDuplicate IngestStatus = "duplicate"
)

// InboundEvent is the subset of a webhook messaging event that ingestion
// consumes.
type InboundEvent struct {
	Platform    string
	PageID      string
	SenderID    string
	RecipientID string
	MessageID   string
	Text        string
	Attachments []domain.Attachment
	IsEcho      bool
	Timestamp   time.Time
}

// IngestDirectory resolves the channel and conversation of an inbound event.
type IngestDirectory interface {
	ChannelByExternalID(ctx context.Context, externalID, platform string) (domain.Channel, error)
	EnsureConversation(ctx context.Context, channelID int64, platform, customerExternalID string, at time.Time) (domain.Conversation, error)
}

type MessageStore interface {
	MessageSaver
	ExistsByExternalID(ctx context.Context, externalID, platform string) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, item domain.QueueItem) error
}

// IngestService persists inbound webhook messages and hands them to the
// producer. A nil producer disables dispatch.
type IngestService struct {
	directory   IngestDirectory
	messages    MessageStore
	producer    Enqueuer
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time

	producerWarn sync.Once
}

// NewIngestService creates an IngestService. producer may be nil when the
// producer is disabled; messages are then stored and broadcast only.
func NewIngestService(dir IngestDirectory, messages MessageStore, producer Enqueuer, b Broadcaster, logger *slog.Logger) (*IngestService, error) {
	if dir == nil {
		return nil, errors.New("usecase: ingest directory must not be nil")
	}
	if messages == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		directory:   dir,
		messages:    messages,
		producer:    producer,
		broadcaster: b,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// HandleEvent records one inbound webhook message and schedules it.
func (s *IngestService) HandleEvent(ctx context.Context, ev InboundEvent) (IngestStatus, error) {
	if ev.IsEcho {
		return IngestIgnored, nil
	}
	if strings.TrimSpace(ev.SenderID) == "" || strings.TrimSpace(ev.MessageID) == "" {
		return IngestIgnored, nil
	}
	platform := ev.Platform
	if platform == "" {
		platform = domain.PlatformFacebook
	}

	channel, err := s.directory.ChannelByExternalID(ctx, ev.PageID, platform)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("channel not found for page", "page_id", ev.PageID, "platform", platform)
			return IngestIgnored, nil
		}
		return "", newError(ErrorInternal, "channel_lookup", err)
	}

	exists, err := s.messages.ExistsByExternalID(ctx, ev.MessageID, platform)
	if err != nil {
		return "", newError(ErrorInternal, "dedupe_lookup", err)
	}
	if exists {
		return IngestDuplicate, nil
	}

	now := s.now()
	conv, err := s.directory.EnsureConversation(ctx, channel.ID, platform, ev.SenderID, now)
	if err != nil {
		return "", newError(ErrorInternal, "ensure_conversation", err)
	}

	createdAt := ev.Timestamp
	if createdAt.IsZero() {
		createdAt = now
	}
	rec := domain.MessageRecord{
		ID:                newUUID(),
		ConversationID:    conv.ID,
		ChannelID:         channel.ID,
		ExternalMessageID: ev.MessageID,
		SenderID:          ev.SenderID,
		RecipientID:       ev.RecipientID,
		Direction:         domain.DirectionInbound,
		Text:              ev.Text,
		Attachments:       ev.Attachments,
		Platform:          platform,
		CreatedAt:         createdAt.UTC(),
	}
	if err := s.messages.Save(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return IngestDuplicate, nil
		}
		return "", newError(ErrorInternal, "save_inbound", err)
	}
	s.logger.Info("inbound message saved",
		"external_message_id", ev.MessageID,
		"conversation_id", conv.ID,
		"channel_id", channel.ID,
	)

	s.OnInboundMessage(ctx, rec.QueueItem())
	if s.broadcaster != nil {
		s.broadcaster.Publish(rec.ChannelID, rec)
	}
	return IngestAccepted, nil
}

// OnInboundMessage enqueues a persisted inbound message. Failures are
// logged; the message stays persisted but is not dispatched.
func (s *IngestService) OnInboundMessage(ctx context.Context, item domain.QueueItem) {
	if s.producer == nil {
		s.producerWarn.Do(func() {
			s.logger.Warn("producer unavailable, inbound messages will not be dispatched")
		})
		return
	}
	if err := s.producer.Enqueue(ctx, item); err != nil {
		s.logger.Error("enqueue failed", "conversation_id", item.ConversationID, "message_id", item.MessageID, "err", err)
	}
}
