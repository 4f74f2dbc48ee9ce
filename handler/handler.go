package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"minichat/internal/domain"
	"minichat/internal/integrations/facebook"
	"minichat/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxWebhookBody    = 1 << 20
	maxHistoryLimit   = 200
)

// Ingestor accepts parsed webhook messages.
type Ingestor interface {
	HandleEvent(ctx context.Context, ev usecase.InboundEvent) (usecase.IngestStatus, error)
}

type HistoryReader interface {
	ListByConversation(ctx context.Context, conversationID int64, limit int) ([]domain.MessageRecord, error)
}

type ChannelStreamer interface {
	ServeChannel(w http.ResponseWriter, r *http.Request, channelID int64)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of Handler. A nil dependency disables its
// routes with 503.
type Deps struct {
	Ingestor    Ingestor
	History     HistoryReader
	Streamer    ChannelStreamer
	VerifyToken string
	AppSecret   string
	Health      map[string]HealthCheck
	Logger      *slog.Logger
}

type Handler struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type webhookResponse struct {
	Received  int `json:"received"`
	Accepted  int `json:"accepted"`
	Duplicate int `json:"duplicate"`
	Ignored   int `json:"ignored"`
}

type historyResponse struct {
	ConversationID int64                  `json:"conversationId"`
	Messages       []domain.MessageRecord `json:"messages"`
}

// NewHandler wires the HTTP routes. Ingestor, History and Streamer are each
// optional; their routes answer 503 when unset.
func NewHandler(deps Deps) (*Handler, error) {
	if deps.Ingestor != nil && deps.VerifyToken == "" {
		return nil, errors.New("handler: verify token must not be empty when ingestion is enabled")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{deps: deps, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /webhook", h.verifyWebhook)
	h.mux.HandleFunc("POST /webhook", h.receiveWebhook)
	h.mux.HandleFunc("GET /api/conversations/{id}/messages", h.listMessages)
	h.mux.HandleFunc("GET /ws/channels/{id}", h.streamChannel)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cid := r.Header.Get(correlationHeader)
	if cid == "" {
		cid = uuid.NewString()
	}
	w.Header().Set(correlationHeader, cid)
	h.mux.ServeHTTP(w, r.WithContext(withCorrelationID(r.Context(), cid)))
}

func (h *Handler) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, usecase.ErrorInternal, "ingestion_disabled")
		return
	}
	q := r.URL.Query()
	challenge, ok := facebook.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.deps.VerifyToken)
	if !ok {
		h.logger.Warn("webhook verification rejected", "mode", q.Get("hub.mode"), "correlation_id", correlationID(r.Context()))
		writeError(w, http.StatusForbidden, usecase.ErrorInvalidInput, "verify_token_mismatch")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, usecase.ErrorInternal, "ingestion_disabled")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, usecase.ErrorInvalidInput, "unreadable_body")
		return
	}
	if h.deps.AppSecret != "" && !facebook.VerifySignature(h.deps.AppSecret, body, r.Header.Get(facebook.SignatureHeader)) {
		h.logger.Warn("webhook signature rejected", "correlation_id", correlationID(r.Context()))
		writeError(w, http.StatusUnauthorized, usecase.ErrorInvalidInput, "invalid_signature")
		return
	}
	payload, err := facebook.ParseWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_payload")
		return
	}
	if payload.Object != facebook.ObjectPage {
		writeError(w, http.StatusNotFound, usecase.ErrorNotFound, "unsupported_object")
		return
	}

	var resp webhookResponse
	var failed error
	for _, m := range payload.Messages() {
		resp.Received++
		status, err := h.deps.Ingestor.HandleEvent(r.Context(), toInboundEvent(m))
		if err != nil {
			h.logger.Error("webhook event failed",
				"external_message_id", m.MID,
				"page_id", m.PageID,
				"correlation_id", correlationID(r.Context()),
				"err", err,
			)
			failed = err
			continue
		}
		switch status {
		case usecase.IngestAccepted:
			resp.Accepted++
		case usecase.IngestDuplicate:
			resp.Duplicate++
		default:
			resp.Ignored++
		}
	}
	// A failed event is answered with a 5xx so the platform redelivers;
	// already-stored messages are skipped as duplicates on retry.
	if failed != nil {
		writeUseCaseError(w, failed)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func toInboundEvent(m facebook.InboundMessage) usecase.InboundEvent {
	return usecase.InboundEvent{
		Platform:    domain.PlatformFacebook,
		PageID:      m.PageID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		MessageID:   m.MID,
		Text:        m.Text,
		Attachments: m.Attachments,
		IsEcho:      m.IsEcho,
		Timestamp:   m.Timestamp,
	}
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, usecase.ErrorInternal, "history_disabled")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_conversation_id")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_limit")
			return
		}
		limit = n
	}
	recs, err := h.deps.History.ListByConversation(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("history lookup failed", "conversation_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, usecase.ErrorInternal, "history_lookup")
		return
	}
	if recs == nil {
		recs = []domain.MessageRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{ConversationID: id, Messages: recs})
}

func (h *Handler) streamChannel(w http.ResponseWriter, r *http.Request) {
	if h.deps.Streamer == nil {
		writeError(w, http.StatusServiceUnavailable, usecase.ErrorInternal, "broadcast_disabled")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_channel_id")
		return
	}
	h.deps.Streamer.ServeChannel(w, r, id)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.deps.Health))
	status := http.StatusOK
	for name, check := range h.deps.Health {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeUseCaseError(w http.ResponseWriter, err error) {
	code := usecase.CodeOf(err)
	reason := ""
	var ue *usecase.Error
	if errors.As(err, &ue) {
		reason = ue.Reason
	}
	writeError(w, statusForCode(code), code, reason)
}

func writeError(w http.ResponseWriter, status int, code usecase.ErrorCode, reason string) {
	writeJSON(w, status, errorResponse{Error: string(code), Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type correlationKey struct{}

func withCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
