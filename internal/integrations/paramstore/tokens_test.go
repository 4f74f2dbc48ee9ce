package paramstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"minichat/internal/domain"
)

type fakeGetter struct {
	values map[string]string
	err    error
	calls  []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[name]
	if !ok {
		return "", errors.New("parameter not found")
	}
	return v, nil
}

func TestNewTokenSource_Validates(t *testing.T) {
	_, err := NewTokenSource(nil, "/minichat")
	require.ErrorContains(t, err, "nil")
	_, err = NewTokenSource(&fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")
}

func TestPageAccessToken_FetchesAndCaches(t *testing.T) {
	g := &fakeGetter{values: map[string]string{
		"/minichat/channels/3/page-token": `{"token":"page-tok"}`,
	}}
	s, err := NewTokenSource(g, "/minichat/")
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	tok, err := s.PageAccessToken(context.Background(), domain.Channel{ID: 3})
	require.NoError(t, err)
	require.Equal(t, "page-tok", tok)

	_, _ = s.PageAccessToken(context.Background(), domain.Channel{ID: 3})
	require.Len(t, g.calls, 1)

	now = now.Add(DefaultTokenTTL)
	_, err = s.PageAccessToken(context.Background(), domain.Channel{ID: 3})
	require.NoError(t, err)
	require.Len(t, g.calls, 2, "expired entries are refetched")
}

func TestPageAccessToken_NoCache(t *testing.T) {
	g := &fakeGetter{values: map[string]string{"/p/channels/1/page-token": `{"token":"t"}`}}
	s, err := NewTokenSource(g, "/p", WithTokenTTL(0))
	require.NoError(t, err)

	_, _ = s.PageAccessToken(context.Background(), domain.Channel{ID: 1})
	_, _ = s.PageAccessToken(context.Background(), domain.Channel{ID: 1})
	require.Len(t, g.calls, 2)
}

func TestPageAccessToken_Errors(t *testing.T) {
	cases := []struct {
		name    string
		getter  *fakeGetter
		channel domain.Channel
		want    string
	}{
		{name: "invalid channel", getter: &fakeGetter{}, channel: domain.Channel{}, want: "positive"},
		{name: "getter error", getter: &fakeGetter{err: errors.New("ssm unavailable")}, channel: domain.Channel{ID: 1}, want: "ssm unavailable"},
		{name: "malformed json", getter: &fakeGetter{values: map[string]string{"/p/channels/1/page-token": `{"broken`}}, channel: domain.Channel{ID: 1}, want: "unmarshal"},
		{name: "empty token", getter: &fakeGetter{values: map[string]string{"/p/channels/1/page-token": `{"token":" "}`}}, channel: domain.Channel{ID: 1}, want: "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewTokenSource(tc.getter, "/p")
			require.NoError(t, err)
			_, err = s.PageAccessToken(context.Background(), tc.channel)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
