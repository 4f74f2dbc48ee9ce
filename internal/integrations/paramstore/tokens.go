package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"minichat/internal/domain"
)

const DefaultTokenTTL = 5 * time.Minute

// tokenPayload is the JSON shape stored in SSM for a page access token.
type tokenPayload struct {
	Token string `json:"token"`
}

type cachedToken struct {
	token   string
	expires time.Time
}

// TokenSource resolves page access tokens stored under
// {prefix}/channels/{channelID}/page-token and caches them per channel.
type TokenSource struct {
	getter Getter
	prefix string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[int64]cachedToken
}

// TokenOption configures a TokenSource.
type TokenOption func(*TokenSource)

// WithTokenTTL sets how long a fetched token is reused. Zero disables caching.
func WithTokenTTL(d time.Duration) TokenOption {
	return func(s *TokenSource) {
		if d >= 0 {
			s.ttl = d
		}
	}
}

// NewTokenSource creates a TokenSource reading parameters under prefix.
func NewTokenSource(g Getter, prefix string, opts ...TokenOption) (*TokenSource, error) {
	if g == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: parameter prefix must not be empty")
	}
	s := &TokenSource{
		getter: g,
		prefix: prefix,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
		cache:  make(map[int64]cachedToken),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *TokenSource) parameterName(channelID int64) string {
	return fmt.Sprintf("%s/channels/%d/page-token", s.prefix, channelID)
}

// PageAccessToken returns the decrypted page token of channel.
func (s *TokenSource) PageAccessToken(ctx context.Context, channel domain.Channel) (string, error) {
	if channel.ID <= 0 {
		return "", errors.New("paramstore: channel id must be positive")
	}
	if tok, ok := s.cached(channel.ID); ok {
		return tok, nil
	}

	raw, err := s.getter.GetParameter(ctx, s.parameterName(channel.ID))
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch page token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal page token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", fmt.Errorf("paramstore: page token for channel %d is empty", channel.ID)
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[channel.ID] = cachedToken{token: tp.Token, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()
	}
	return tp.Token, nil
}

func (s *TokenSource) cached(channelID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[channelID]
	if !ok {
		return "", false
	}
	if !s.now().Before(c.expires) {
		delete(s.cache, channelID)
		return "", false
	}
	return c.token, true
}
