package usecase

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type statusErr struct {
	status  int
	expired bool
}

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.status) }
func (e *statusErr) HTTPStatusCode() int { return e.status }
func (e *statusErr) TokenExpired() bool  { return e.expired }

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrorNotFound, CodeOf(fmt.Errorf("wrap: %w", newError(ErrorNotFound, "channel_lookup", nil))))
	require.Equal(t, ErrorInternal, CodeOf(errors.New("plain")))
}

func TestUpstreamStatusCode(t *testing.T) {
	status, ok := upstreamStatusCode(fmt.Errorf("wrap: %w", &statusErr{status: 503}))
	require.True(t, ok)
	require.Equal(t, 503, status)

	_, ok = upstreamStatusCode(errors.New("plain"))
	require.False(t, ok)
}

func TestTokenRejected(t *testing.T) {
	require.True(t, tokenRejected(fmt.Errorf("send: %w", &statusErr{status: 401, expired: true})))
	require.False(t, tokenRejected(&statusErr{status: 500}))
	require.False(t, tokenRejected(errors.New("plain")))
}
