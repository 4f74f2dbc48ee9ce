package aicore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"minichat/internal/domain"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultPath    = "/api/chat/message"

	successCode = "200"
)

// chatRequest is the wire shape of a chat message request.
type chatRequest struct {
	Message       string     `json:"message"`
	Conversations []chatTurn `json:"conversations"`
	CustomerID    int64      `json:"customer_id"`
	BusinessID    int64      `json:"business_id"`
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatEnvelope wraps every AI Core response. Code is "200" on success.
type chatEnvelope struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Data    *chatData `json:"data"`
}

type chatData struct {
	Response   string   `json:"response"`
	Intent     string   `json:"intent"`
	Confidence *float64 `json:"confidence"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("aicore: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ResponseCodeError is returned when the envelope reports a failure.
type ResponseCodeError struct {
	Code    string
	Message string
}

func (e *ResponseCodeError) Error() string {
	return fmt.Sprintf("aicore: response code %q: %s", e.Code, e.Message)
}

// Client calls the AI Core chat endpoint.
type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithPath overrides the chat message endpoint path.
func WithPath(path string) Option {
	return func(c *Client) {
		if p := strings.TrimSpace(path); p != "" {
			c.path = p
		}
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates an AI Core client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("aicore: base url must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		path:       DefaultPath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func messageURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if path == "" {
		path = DefaultPath
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

// Generate posts one aggregated message with its prior turns and returns the
// generated reply.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GeneratedReply, error) {
	turns := make([]chatTurn, 0, len(req.Conversations))
	for _, t := range req.Conversations {
		turns = append(turns, chatTurn{Role: t.Role, Content: t.Content})
	}
	body, err := json.Marshal(chatRequest{
		Message:       req.Message,
		Conversations: turns,
		CustomerID:    req.CustomerID,
		BusinessID:    req.BusinessID,
	})
	if err != nil {
		return domain.GeneratedReply{}, fmt.Errorf("aicore: marshal request: %w", err)
	}

	url := messageURL(c.baseURL, c.path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.GeneratedReply{}, fmt.Errorf("aicore: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		return domain.GeneratedReply{}, fmt.Errorf("aicore: request failed: %w", err)
	}

	var env chatEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.GeneratedReply{}, fmt.Errorf("aicore: decode response: %w", err)
	}
	if env.Code != successCode {
		return domain.GeneratedReply{}, &ResponseCodeError{Code: env.Code, Message: env.Message}
	}
	if env.Data == nil {
		return domain.GeneratedReply{}, errors.New("aicore: response has no data")
	}
	return domain.GeneratedReply{
		Response:   env.Data.Response,
		Intent:     env.Data.Intent,
		Confidence: env.Data.Confidence,
	}, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
