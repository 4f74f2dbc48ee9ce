package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"minichat/internal/domain"
)

var (
	lineBreak       = regexp.MustCompile(`\r\n|[\n\v\f\r\x{0085}\x{2028}\x{2029}]`)
	imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"}
)

type TurnStore interface {
	TurnAppender
	ReadTurns(ctx context.Context, conversationID int64) ([]domain.ConversationTurn, error)
}

// ReplyGenerator is the AI Core chat call.
type ReplyGenerator interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (domain.GeneratedReply, error)
}

// AIDeps are the collaborators of AIProcessor. Sender and Tokens are
// required only for Facebook channels.
type AIDeps struct {
	Directory   ChannelDirectory
	Turns       TurnStore
	Generator   ReplyGenerator
	Messages    MessageSaver
	Broadcaster Broadcaster
	Sender      MessageSender
	Tokens      TokenProvider
	Logger      *slog.Logger
}

// AIProcessor generates a reply through the AI Core service and delivers
// each line of it as a separate message.
type AIProcessor struct {
	deps   AIDeps
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewAIProcessor creates an AIProcessor. Sender and Tokens may be nil.
func NewAIProcessor(deps AIDeps) (*AIProcessor, error) {
	if deps.Directory == nil {
		return nil, errors.New("usecase: channel directory must not be nil")
	}
	if deps.Turns == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if deps.Generator == nil {
		return nil, errors.New("usecase: reply generator must not be nil")
	}
	if deps.Messages == nil {
		return nil, errors.New("usecase: message saver must not be nil")
	}
	if deps.Broadcaster == nil {
		return nil, errors.New("usecase: broadcaster must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AIProcessor{
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}, nil
}

func (p *AIProcessor) Process(ctx context.Context, item domain.QueueItem) error {
	ctx, span := p.tracer.Start(ctx, "processor.ai")
	defer span.End()

	channel, err := p.deps.Directory.ChannelByID(ctx, item.ChannelID)
	if err != nil {
		return lookupError("channel_lookup", err)
	}
	conv, err := p.deps.Directory.ConversationByID(ctx, item.ConversationID)
	if err != nil {
		return lookupError("conversation_lookup", err)
	}

	turns, err := p.deps.Turns.ReadTurns(ctx, item.ConversationID)
	if err != nil {
		p.logger.Warn("read turns failed, generating without context", "conversation_id", item.ConversationID, "err", err)
		turns = nil
	}

	reply, err := p.deps.Generator.Generate(ctx, domain.GenerateRequest{
		Message:       item.Text,
		Conversations: priorTurns(turns, item.Text, userTurnRecorded(ctx)),
		CustomerID:    conv.CustomerID,
		BusinessID:    channel.BusinessID,
	})
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok {
			span.SetAttributes(attribute.Int("aicore.status", status))
		}
		return newError(ErrorUpstream, "aicore_error", err)
	}
	if strings.TrimSpace(reply.Response) == "" {
		return newError(ErrorUpstream, "aicore_empty_response", nil)
	}

	token := p.pageToken(ctx, channel)
	segments := 0
	for _, line := range splitLines(reply.Response) {
		seg := strings.TrimSpace(line)
		if seg == "" {
			continue
		}
		p.deliver(ctx, item, token, seg, segments)
		segments++
	}
	span.SetAttributes(attribute.Int("reply.segments", segments))
	p.logger.Info("reply delivered",
		"conversation_id", item.ConversationID,
		"segments", segments,
		"intent", reply.Intent,
	)
	return nil
}

// pageToken returns "" when replies cannot be sent over the channel. The
// reply is still recorded and broadcast.
func (p *AIProcessor) pageToken(ctx context.Context, channel domain.Channel) string {
	if channel.Platform != domain.PlatformFacebook {
		return ""
	}
	if p.deps.Sender == nil || p.deps.Tokens == nil {
		p.logger.Warn("facebook sender not configured", "channel_id", channel.ID)
		return ""
	}
	token, err := p.deps.Tokens.PageAccessToken(ctx, channel)
	if err != nil {
		p.logger.Warn("page token unavailable", "channel_id", channel.ID, "err", err)
		return ""
	}
	return token
}

func (p *AIProcessor) deliver(ctx context.Context, item domain.QueueItem, token, seg string, index int) {
	log := p.logger.With("conversation_id", item.ConversationID, "segment", index)
	image := isImageURL(seg)

	if err := p.deps.Turns.AppendTurn(ctx, item.ConversationID, domain.RoleAssistant, seg); err != nil {
		log.Warn("append assistant turn failed", "err", err)
	}

	text, attachments := seg, []domain.Attachment(nil)
	if image {
		text = domain.ImagePlaceholder
		attachments = []domain.Attachment{{Type: domain.AttachmentImage, URL: seg}}
	}
	rec := outboundRecord(item, text, attachments, p.now())
	if err := p.deps.Messages.Save(ctx, rec); err != nil {
		log.Error("save outbound message failed", "err", err)
	} else {
		p.deps.Broadcaster.Publish(rec.ChannelID, rec)
	}

	if token == "" {
		return
	}
	var err error
	if image {
		_, err = p.deps.Sender.SendImage(ctx, token, item.SenderID, seg)
	} else {
		_, err = p.deps.Sender.SendText(ctx, token, item.SenderID, seg)
	}
	if err != nil {
		log.Warn("send reply segment failed", "image", image, "token_rejected", tokenRejected(err), "err", err)
	}
}

// priorTurns drops the trailing user turn the consumer recorded for the
// current message so the generator sees it only as the request message.
// Without recorded the history is passed through untouched.
func priorTurns(turns []domain.ConversationTurn, current string, recorded bool) []domain.ConversationTurn {
	if n := len(turns); recorded && n > 0 && turns[n-1].Role == domain.RoleUser && turns[n-1].Content == current {
		turns = turns[:n-1]
	}
	if turns == nil {
		return []domain.ConversationTurn{}
	}
	return turns
}

func splitLines(s string) []string {
	return lineBreak.Split(s, -1)
}

// isImageURL reports whether s is an absolute http(s) URL whose full text
// ends in a known image extension. A query string disqualifies it.
func isImageURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	lower := strings.ToLower(s)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
