package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"minichat/internal/debounce"
	"minichat/internal/domain"
	"minichat/internal/kvstore"
)

func TestNewProducer_Validation(t *testing.T) {
	p := newPipeline(t, time.Second)
	_, err := NewProducer(nil, &recordingScheduler{}, &fixedClock{}, time.Second, nil)
	require.Error(t, err)
	_, err = NewProducer(p.coordinator, nil, &fixedClock{}, time.Second, nil)
	require.Error(t, err)
	_, err = NewProducer(p.coordinator, &recordingScheduler{}, nil, time.Second, nil)
	require.Error(t, err)
	_, err = NewProducer(p.coordinator, &recordingScheduler{}, &fixedClock{}, 0, nil)
	require.Error(t, err)
}

func TestEnqueue_StampsMarksAndSchedules(t *testing.T) {
	p := newPipeline(t, 5*time.Second)
	sched := &recordingScheduler{}
	prod, err := NewProducer(p.coordinator, sched, &fixedClock{ts: []int64{1000}}, 5*time.Second, nil)
	require.NoError(t, err)

	require.NoError(t, prod.Enqueue(context.Background(), domain.QueueItem{ConversationID: 42, Text: "halo"}))

	require.Len(t, sched.items, 1)
	require.Equal(t, int64(1000), sched.items[0].item.DebounceTimestamp)
	require.Equal(t, 5*time.Second, sched.items[0].delay)

	latest, ok, err := p.coordinator.Latest(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1000), latest)

	buf, err := p.store.List(context.Background(), debounce.DefaultBufferPrefix+"42")
	require.NoError(t, err)
	require.Equal(t, []string{"halo"}, buf)
}

func TestEnqueue_RejectsMissingConversation(t *testing.T) {
	p := newPipeline(t, time.Second)
	prod, err := NewProducer(p.coordinator, &recordingScheduler{}, debounce.NewClock(), time.Second, nil)
	require.NoError(t, err)

	err = prod.Enqueue(context.Background(), domain.QueueItem{})
	require.Equal(t, ErrorInvalidInput, CodeOf(err))
}

type downStore struct{ kvstore.Store }

func (downStore) SetInt(context.Context, string, int64, time.Duration) error { return errBoom }
func (downStore) Push(context.Context, string, string, time.Duration) (int, error) {
	return 0, errBoom
}

func TestEnqueue_StoreFailureStillSchedules(t *testing.T) {
	coord, err := debounce.NewCoordinator(downStore{kvstore.NewMemory()}, time.Second)
	require.NoError(t, err)
	sched := &recordingScheduler{}
	prod, err := NewProducer(coord, sched, debounce.NewClock(), time.Second, nil)
	require.NoError(t, err)

	require.NoError(t, prod.Enqueue(context.Background(), domain.QueueItem{ConversationID: 1, Text: "x"}))
	require.Len(t, sched.items, 1)
}

func TestEnqueue_ScheduleFailureReturned(t *testing.T) {
	p := newPipeline(t, time.Second)
	prod, err := NewProducer(p.coordinator, &recordingScheduler{err: errBoom}, debounce.NewClock(), time.Second, nil)
	require.NoError(t, err)

	err = prod.Enqueue(context.Background(), domain.QueueItem{ConversationID: 1})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, ErrorInternal, CodeOf(err))
}
