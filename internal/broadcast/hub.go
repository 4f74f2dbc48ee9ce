package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
)

// Frame is the JSON envelope written to subscribers.
type Frame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Topic names the per-channel stream a payload is published to.
func Topic(channelID int64) string {
	return fmt.Sprintf("/topic/facebook/channel/%d", channelID)
}

type subscriber struct {
	id        string
	channelID int64
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub fans published payloads out to websocket subscribers of a channel.
// Publish never blocks: a subscriber whose buffer is full misses the frame.
type Hub struct {
	upgrader       websocket.Upgrader
	allowedOrigins []string
	logger         *slog.Logger

	mu     sync.RWMutex
	subs   map[int64]map[string]*subscriber
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins restricts browser origins. Empty allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.allowedOrigins = origins }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates a Hub with no subscribers.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger: slog.Default(),
		subs:   make(map[int64]map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows requests without an Origin header (non-browser clients).
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range h.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

// Publish encodes payload once and queues it for every subscriber of
// channelID.
func (h *Hub) Publish(channelID int64, payload any) {
	data, err := json.Marshal(Frame{Topic: Topic(channelID), Payload: payload})
	if err != nil {
		h.logger.Error("broadcast encode failed", "channel_id", channelID, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs[channelID] {
		select {
		case s.send <- data:
		default:
			h.logger.Warn("broadcast dropped for slow subscriber", "channel_id", channelID, "subscriber_id", s.id)
		}
	}
}

// Subscribers returns the number of live subscribers of channelID.
func (h *Hub) Subscribers(channelID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channelID])
}

// ServeChannel upgrades the request and streams channelID frames until the
// peer disconnects or the hub closes.
func (h *Hub) ServeChannel(w http.ResponseWriter, r *http.Request, channelID int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	s := &subscriber{
		id:        uuid.NewString(),
		channelID: channelID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
	if err := h.register(s); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer func() {
		h.unregister(s)
		_ = conn.Close()
	}()

	go h.readLoop(s)
	h.writeLoop(r.Context(), s)
}

func (h *Hub) register(s *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("broadcast: hub closed")
	}
	m, ok := h.subs[s.channelID]
	if !ok {
		m = make(map[string]*subscriber)
		h.subs[s.channelID] = m
	}
	m[s.id] = s
	h.logger.Info("subscriber connected", "channel_id", s.channelID, "subscriber_id", s.id)
	return nil
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[s.channelID]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(h.subs, s.channelID)
		}
	}
	s.close()
	h.logger.Info("subscriber disconnected", "channel_id", s.channelID, "subscriber_id", s.id)
}

// readLoop discards inbound frames; it exists to process control frames and
// notice disconnects.
func (h *Hub) readLoop(s *subscriber) {
	defer s.close()
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, m := range h.subs {
		for _, s := range m {
			s.close()
		}
	}
}
