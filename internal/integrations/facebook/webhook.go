package facebook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"minichat/internal/domain"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="

	ObjectPage = "page"
)

// WebhookPayload is the subset of a page webhook delivery the service reads.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging"`
}

// MessagingEvent is one entry.messaging element.
type MessagingEvent struct {
	Sender    Party    `json:"sender"`
	Recipient Party    `json:"recipient"`
	Timestamp int64    `json:"timestamp"`
	Message   *Message `json:"message,omitempty"`
}

type Party struct {
	ID string `json:"id"`
}

type Message struct {
	MID         string              `json:"mid"`
	Text        string              `json:"text"`
	IsEcho      bool                `json:"is_echo"`
	Attachments []MessageAttachment `json:"attachments"`
}

type MessageAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// InboundMessage is one message event flattened with its page id.
type InboundMessage struct {
	PageID      string
	SenderID    string
	RecipientID string
	MID         string
	Text        string
	Attachments []domain.Attachment
	IsEcho      bool
	Timestamp   time.Time
}

// ParseWebhook decodes a webhook POST body.
func ParseWebhook(body []byte) (WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookPayload{}, fmt.Errorf("facebook: decode webhook: %w", err)
	}
	return p, nil
}

// Messages returns every message event of the payload in delivery order.
// Non-message events (reads, deliveries, postbacks) are dropped.
func (p WebhookPayload) Messages() []InboundMessage {
	var out []InboundMessage
	for _, e := range p.Entry {
		for _, ev := range e.Messaging {
			if ev.Message == nil {
				continue
			}
			m := InboundMessage{
				PageID:      e.ID,
				SenderID:    ev.Sender.ID,
				RecipientID: ev.Recipient.ID,
				MID:         ev.Message.MID,
				Text:        ev.Message.Text,
				IsEcho:      ev.Message.IsEcho,
			}
			if m.PageID == "" {
				m.PageID = ev.Recipient.ID
			}
			if ev.Timestamp > 0 {
				m.Timestamp = time.UnixMilli(ev.Timestamp).UTC()
			}
			for _, a := range ev.Message.Attachments {
				if a.Payload.URL == "" {
					continue
				}
				m.Attachments = append(m.Attachments, domain.Attachment{Type: a.Type, URL: a.Payload.URL})
			}
			out = append(out, m)
		}
	}
	return out
}

// VerifyChallenge answers the subscription handshake. ok is false when the
// mode or token does not match.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(verifyToken)) {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks an X-Hub-Signature-256 header against body.
func VerifySignature(appSecret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(appSecret, body))
}

// Sign returns the raw HMAC-SHA256 of body keyed by appSecret.
func Sign(appSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return mac.Sum(nil)
}
