package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"minichat/internal/domain"
)

const (
	previewRunes          = 50
	DefaultSimulatedReply = "oke"
)

// Processor handles one aggregated inbound message. Exactly one
// implementation is active per process.
type Processor interface {
	Process(ctx context.Context, item domain.QueueItem) error
}

type ChannelDirectory interface {
	ChannelByID(ctx context.Context, id int64) (domain.Channel, error)
	ConversationByID(ctx context.Context, id int64) (domain.Conversation, error)
}

type MessageSaver interface {
	Save(ctx context.Context, rec domain.MessageRecord) error
}

type MessageSender interface {
	SendText(ctx context.Context, token, recipientID, text string) (domain.SendResult, error)
	SendImage(ctx context.Context, token, recipientID, imageURL string) (domain.SendResult, error)
}

// TokenProvider resolves the page access token of a channel.
type TokenProvider interface {
	PageAccessToken(ctx context.Context, channel domain.Channel) (string, error)
}

type Broadcaster interface {
	Publish(channelID int64, payload any)
}

var newUUID = func() string {
	return uuid.NewString()
}

// LogProcessor only logs the message.
type LogProcessor struct {
	logger *slog.Logger
}

// NewLogProcessor creates a LogProcessor.
func NewLogProcessor(logger *slog.Logger) *LogProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProcessor{logger: logger}
}

func (p *LogProcessor) Process(_ context.Context, item domain.QueueItem) error {
	p.logger.Info("inbound message",
		"conversation_id", item.ConversationID,
		"message_id", item.MessageID,
		"preview", preview(item.Text),
	)
	return nil
}

type userTurnKey struct{}

// withUserTurnRecorded marks ctx for a dispatch whose user turn was
// appended to the context cache before the processor runs.
func withUserTurnRecorded(ctx context.Context) context.Context {
	return context.WithValue(ctx, userTurnKey{}, true)
}

func userTurnRecorded(ctx context.Context) bool {
	recorded, _ := ctx.Value(userTurnKey{}).(bool)
	return recorded
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "..."
}

// outboundRecord builds a reply addressed back to the item's sender.
func outboundRecord(item domain.QueueItem, text string, attachments []domain.Attachment, at time.Time) domain.MessageRecord {
	platform := item.Platform
	if platform == "" {
		platform = domain.PlatformFacebook
	}
	return domain.MessageRecord{
		ID:             newUUID(),
		ConversationID: item.ConversationID,
		ChannelID:      item.ChannelID,
		SenderID:       item.RecipientID,
		RecipientID:    item.SenderID,
		Direction:      domain.DirectionOutbound,
		Text:           text,
		Attachments:    attachments,
		Platform:       platform,
		CreatedAt:      at.UTC(),
	}
}

func lookupError(reason string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return newError(ErrorNotFound, reason, err)
	}
	return newError(ErrorInternal, reason, err)
}

// SimulatedBotProcessor answers every Facebook message with a fixed reply.
type SimulatedBotProcessor struct {
	directory   ChannelDirectory
	tokens      TokenProvider
	sender      MessageSender
	messages    MessageSaver
	broadcaster Broadcaster
	reply       string
	logger      *slog.Logger
	now         func() time.Time
}

// NewSimulatedBotProcessor creates a processor answering every message
// with reply.
func NewSimulatedBotProcessor(dir ChannelDirectory, tokens TokenProvider, sender MessageSender, messages MessageSaver, b Broadcaster, reply string, logger *slog.Logger) (*SimulatedBotProcessor, error) {
	if dir == nil {
		return nil, errors.New("usecase: channel directory must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("usecase: token provider must not be nil")
	}
	if sender == nil {
		return nil, errors.New("usecase: message sender must not be nil")
	}
	if messages == nil {
		return nil, errors.New("usecase: message saver must not be nil")
	}
	if b == nil {
		return nil, errors.New("usecase: broadcaster must not be nil")
	}
	if reply == "" {
		reply = DefaultSimulatedReply
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SimulatedBotProcessor{
		directory:   dir,
		tokens:      tokens,
		sender:      sender,
		messages:    messages,
		broadcaster: b,
		reply:       reply,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (p *SimulatedBotProcessor) Process(ctx context.Context, item domain.QueueItem) error {
	channel, err := p.directory.ChannelByID(ctx, item.ChannelID)
	if err != nil {
		return lookupError("channel_lookup", err)
	}
	if channel.Platform != domain.PlatformFacebook {
		p.logger.Debug("simulated reply skipped for platform", "platform", channel.Platform, "channel_id", channel.ID)
		return nil
	}
	token, err := p.tokens.PageAccessToken(ctx, channel)
	if err != nil {
		return newError(ErrorUpstream, "page_token_unavailable", err)
	}
	res, err := p.sender.SendText(ctx, token, item.SenderID, p.reply)
	if err != nil {
		return newError(ErrorUpstream, "send_failed", err)
	}

	rec := outboundRecord(item, p.reply, nil, p.now())
	rec.ExternalMessageID = res.MessageID
	if err := p.messages.Save(ctx, rec); err != nil {
		return newError(ErrorInternal, "save_outbound", err)
	}
	p.broadcaster.Publish(rec.ChannelID, rec)
	return nil
}
