package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"minichat/internal/domain"
	"minichat/internal/kvstore"
)

func mustNewCache(t *testing.T, store kvstore.Store, opts ...Option) *Cache {
	t.Helper()
	c, err := New(store, opts...)
	require.NoError(t, err)
	return c
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestReadTurns_Empty(t *testing.T) {
	c := mustNewCache(t, kvstore.NewMemory())
	turns, err := c.ReadTurns(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, turns)
	require.Empty(t, turns)
}

func TestAppendTurn_CapsToLastN(t *testing.T) {
	const n = 5
	c := mustNewCache(t, kvstore.NewMemory(), WithMaxTurns(n))
	ctx := context.Background()

	for i := range n + 3 {
		require.NoError(t, c.AppendTurn(ctx, 42, domain.RoleUser, fmt.Sprintf("m%d", i)))
	}

	turns, err := c.ReadTurns(ctx, 42)
	require.NoError(t, err)
	require.Len(t, turns, n)
	for i, turn := range turns {
		require.Equal(t, fmt.Sprintf("m%d", i+3), turn.Content)
		require.Equal(t, domain.RoleUser, turn.Role)
	}
}

func TestAppendTurn_PreservesRoles(t *testing.T) {
	c := mustNewCache(t, kvstore.NewMemory())
	ctx := context.Background()

	require.NoError(t, c.AppendTurn(ctx, 1, domain.RoleUser, "hi"))
	require.NoError(t, c.AppendTurn(ctx, 1, domain.RoleAssistant, "hello"))

	turns, err := c.ReadTurns(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []domain.ConversationTurn{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
	}, turns)
}

func TestAppendTurn_ConversationsAreIsolated(t *testing.T) {
	c := mustNewCache(t, kvstore.NewMemory(), WithMaxTurns(3))
	ctx := context.Background()

	var wg sync.WaitGroup
	for conv := int64(1); conv <= 4; conv++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				_ = c.AppendTurn(ctx, conv, domain.RoleUser, fmt.Sprintf("%d-%d", conv, i))
			}
		}()
	}
	wg.Wait()

	for conv := int64(1); conv <= 4; conv++ {
		turns, err := c.ReadTurns(ctx, conv)
		require.NoError(t, err)
		require.Len(t, turns, 3)
		require.Equal(t, fmt.Sprintf("%d-9", conv), turns[2].Content)
	}
}

func TestReadTurns_SkipsUndecodable(t *testing.T) {
	store := kvstore.NewMemory()
	c := mustNewCache(t, store, WithPrefix("p:"))
	ctx := context.Background()

	_, err := store.Push(ctx, "p:8", "not-json", 0)
	require.NoError(t, err)
	require.NoError(t, c.AppendTurn(ctx, 8, domain.RoleUser, "ok"))

	turns, err := c.ReadTurns(ctx, 8)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "ok", turns[0].Content)
}

type brokenStore struct{ kvstore.Store }

func (brokenStore) Push(context.Context, string, string, time.Duration) (int, error) {
	return 0, errors.New("down")
}

func (brokenStore) List(context.Context, string) ([]string, error) {
	return nil, errors.New("down")
}

func TestCache_StoreErrorsWrapped(t *testing.T) {
	c := mustNewCache(t, brokenStore{})
	err := c.AppendTurn(context.Background(), 1, domain.RoleUser, "x")
	require.ErrorContains(t, err, "AppendTurn")
	_, err = c.ReadTurns(context.Background(), 1)
	require.ErrorContains(t, err, "ReadTurns")
}
