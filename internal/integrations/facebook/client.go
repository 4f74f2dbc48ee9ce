package facebook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"minichat/internal/domain"
)

const (
	DefaultGraphURL      = "https://graph.facebook.com/v21.0"
	DefaultMessagingType = "RESPONSE"
	DefaultSendRPS       = 10
)

type sendRequest struct {
	Recipient     recipient   `json:"recipient"`
	MessagingType string      `json:"messaging_type"`
	Message       sendMessage `json:"message"`
}

type recipient struct {
	ID string `json:"id"`
}

type sendMessage struct {
	Text       string          `json:"text,omitempty"`
	Attachment *sendAttachment `json:"attachment,omitempty"`
}

type sendAttachment struct {
	Type    string       `json:"type"`
	Payload imagePayload `json:"payload"`
}

type imagePayload struct {
	URL        string `json:"url"`
	IsReusable bool   `json:"is_reusable"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type graphErrorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// APIError is a non-2xx Send API response.
type APIError struct {
	StatusCode int
	Code       int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("facebook: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("facebook: status %d: %s (type=%s code=%d)", e.StatusCode, e.Message, e.Type, e.Code)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// TokenExpired reports whether the page token was rejected.
func (e *APIError) TokenExpired() bool {
	return e.StatusCode == http.StatusUnauthorized || e.Code == 190
}

// Client sends page messages through the Graph Send API.
type Client struct {
	graphURL      string
	messagingType string
	httpClient    *http.Client
	limiter       *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithGraphURL overrides the Graph API base URL, including the version.
func WithGraphURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimSpace(u); u != "" {
			c.graphURL = strings.TrimRight(u, "/")
		}
	}
}

func WithMessagingType(t string) Option {
	return func(c *Client) {
		if t = strings.TrimSpace(t); t != "" {
			c.messagingType = t
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSendRate caps outgoing sends per second. rps <= 0 disables the cap.
func WithSendRate(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a Send API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		graphURL:      DefaultGraphURL,
		messagingType: DefaultMessagingType,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(DefaultSendRPS), DefaultSendRPS),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendText sends a text message to recipientID.
func (c *Client) SendText(ctx context.Context, token, recipientID, text string) (domain.SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.SendResult{}, errors.New("facebook: text must not be empty")
	}
	return c.send(ctx, token, recipientID, sendMessage{Text: text})
}

// SendImage sends imageURL as a reusable image attachment.
func (c *Client) SendImage(ctx context.Context, token, recipientID, imageURL string) (domain.SendResult, error) {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return domain.SendResult{}, errors.New("facebook: image url must not be empty")
	}
	return c.send(ctx, token, recipientID, sendMessage{Attachment: &sendAttachment{
		Type:    domain.AttachmentImage,
		Payload: imagePayload{URL: imageURL, IsReusable: true},
	}})
}

func (c *Client) send(ctx context.Context, token, recipientID string, msg sendMessage) (domain.SendResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.SendResult{}, errors.New("facebook: page access token must not be empty")
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return domain.SendResult{}, errors.New("facebook: recipient id must not be empty")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.SendResult{}, fmt.Errorf("facebook: rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(sendRequest{
		Recipient:     recipient{ID: recipientID},
		MessagingType: c.messagingType,
		Message:       msg,
	})
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("facebook: marshal request: %w", err)
	}

	endpoint := c.graphURL + "/me/messages?" + url.Values{"access_token": {token}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("facebook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error carries the endpoint, which contains the token.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return domain.SendResult{}, fmt.Errorf("facebook: send request: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("facebook: read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		var ge graphErrorBody
		if json.Unmarshal(raw, &ge) == nil {
			apiErr.Code = ge.Error.Code
			apiErr.Type = ge.Error.Type
			apiErr.Message = ge.Error.Message
		}
		return domain.SendResult{}, apiErr
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.SendResult{}, fmt.Errorf("facebook: decode response: %w", err)
	}
	if out.MessageID == "" {
		return domain.SendResult{}, errors.New("facebook: response missing message_id")
	}
	if out.RecipientID == "" {
		out.RecipientID = recipientID
	}
	return domain.SendResult{MessageID: out.MessageID, RecipientID: out.RecipientID}, nil
}
