package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"minichat/internal/debounce"
	"minichat/internal/domain"
	"minichat/internal/queue"
)

func mustNewConsumer(t *testing.T, p pipeline, q Taker, proc Processor) *Consumer {
	t.Helper()
	if q == nil {
		q = queue.NewMemory()
	}
	c, err := NewConsumer(q, p.coordinator, p.cache, proc, WithTakeBackoff(10*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestNewConsumer_Validation(t *testing.T) {
	p := newPipeline(t, time.Second)
	q := queue.NewMemory()
	defer q.Close()
	_, err := NewConsumer(nil, p.coordinator, p.cache, &recordingProcessor{})
	require.Error(t, err)
	_, err = NewConsumer(q, nil, p.cache, &recordingProcessor{})
	require.Error(t, err)
	_, err = NewConsumer(q, p.coordinator, nil, &recordingProcessor{})
	require.Error(t, err)
	_, err = NewConsumer(q, p.coordinator, p.cache, nil)
	require.Error(t, err)
}

func TestDispatch_BurstOnlyLastWinsWithJoinedText(t *testing.T) {
	p := newPipeline(t, 5*time.Second)
	sched := &recordingScheduler{}
	prod, err := NewProducer(p.coordinator, sched, &fixedClock{ts: []int64{101, 102, 103}}, 5*time.Second, nil)
	require.NoError(t, err)
	proc := &recordingProcessor{}
	c := mustNewConsumer(t, p, nil, proc)
	ctx := context.Background()

	for _, text := range []string{"halo", "mau tanya", "harga?"} {
		require.NoError(t, prod.Enqueue(ctx, domain.QueueItem{ConversationID: 7, Text: text}))
	}

	var outcomes []Outcome
	for _, s := range sched.items {
		outcomes = append(outcomes, c.Dispatch(ctx, s.item))
	}
	require.Equal(t, []Outcome{OutcomeStale, OutcomeStale, OutcomeProcessed}, outcomes)

	got := proc.processed()
	require.Len(t, got, 1)
	require.Equal(t, int64(103), got[0].DebounceTimestamp)
	require.Equal(t, "halo\nmau tanya\nharga?", got[0].Text)

	turns, err := p.cache.ReadTurns(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []domain.ConversationTurn{{Role: domain.RoleUser, Content: "halo\nmau tanya\nharga?"}}, turns)
}

func TestDispatch_StaleHasNoSideEffects(t *testing.T) {
	p := newPipeline(t, time.Second)
	proc := &recordingProcessor{}
	c := mustNewConsumer(t, p, nil, proc)
	ctx := context.Background()

	require.NoError(t, p.coordinator.Mark(ctx, 5, 200, "newer"))
	outcome := c.Dispatch(ctx, domain.QueueItem{ConversationID: 5, DebounceTimestamp: 100, Text: "older"})
	require.Equal(t, OutcomeStale, outcome)
	require.Empty(t, proc.processed())

	turns, _ := p.cache.ReadTurns(ctx, 5)
	require.Empty(t, turns)
	text, ok, _ := p.coordinator.Drain(ctx, 5)
	require.True(t, ok, "stale dispatch leaves the buffer for the winner")
	require.Equal(t, "newer", text)
}

func TestDispatch_NoTimestampIsImmediate(t *testing.T) {
	p := newPipeline(t, time.Second)
	proc := &recordingProcessor{}
	c := mustNewConsumer(t, p, nil, proc)
	ctx := context.Background()

	// A burst in progress on another conversation does not interfere.
	require.NoError(t, p.coordinator.Mark(ctx, 2, 999, "other"))
	// Nor does one on the same conversation.
	require.NoError(t, p.coordinator.Mark(ctx, 1, 999, "buffered"))

	outcome := c.Dispatch(ctx, domain.QueueItem{ConversationID: 1, Text: "direct"})
	require.Equal(t, OutcomeProcessed, outcome)
	require.Len(t, proc.processed(), 1)
	require.Equal(t, "direct", proc.processed()[0].Text)

	for _, conv := range []int64{1, 2} {
		latest, ok, err := p.coordinator.Latest(ctx, conv)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(999), latest)
	}
	other, err := p.store.List(ctx, debounce.DefaultBufferPrefix+"2")
	require.NoError(t, err)
	require.Equal(t, []string{"other"}, other)
	same, err := p.store.List(ctx, debounce.DefaultBufferPrefix+"1")
	require.NoError(t, err)
	require.Equal(t, []string{"buffered"}, same)
}

func TestDispatch_EmptyBufferKeepsOwnText(t *testing.T) {
	p := newPipeline(t, time.Second)
	proc := &recordingProcessor{}
	c := mustNewConsumer(t, p, nil, proc)

	outcome := c.Dispatch(context.Background(), domain.QueueItem{ConversationID: 3, DebounceTimestamp: 10, Text: "own"})
	require.Equal(t, OutcomeProcessed, outcome)
	require.Equal(t, "own", proc.processed()[0].Text)
}

func TestDispatch_BufferDrainIsOneShot(t *testing.T) {
	p := newPipeline(t, time.Second)
	proc := &recordingProcessor{}
	c := mustNewConsumer(t, p, nil, proc)
	ctx := context.Background()

	require.NoError(t, p.coordinator.Mark(ctx, 4, 50, "a"))
	require.NoError(t, p.coordinator.Mark(ctx, 4, 51, "b"))
	item := domain.QueueItem{ConversationID: 4, DebounceTimestamp: 51, Text: "b"}

	require.Equal(t, OutcomeProcessed, c.Dispatch(ctx, item))
	require.Equal(t, OutcomeProcessed, c.Dispatch(ctx, item))

	got := proc.processed()
	require.Equal(t, "a\nb", got[0].Text)
	require.Equal(t, "b", got[1].Text, "second drain finds an empty buffer")
	_, ok, err := p.coordinator.Drain(ctx, 4)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDispatch_InvalidItem(t *testing.T) {
	p := newPipeline(t, time.Second)
	proc := &recordingProcessor{}
	c := mustNewConsumer(t, p, nil, proc)

	require.Equal(t, OutcomeInvalid, c.Dispatch(context.Background(), domain.QueueItem{Text: "x"}))
	require.Empty(t, proc.processed())
}

func TestDispatch_ProcessorErrorAndPanicAreContained(t *testing.T) {
	p := newPipeline(t, time.Second)
	ctx := context.Background()

	failing := mustNewConsumer(t, p, nil, &recordingProcessor{err: newError(ErrorUpstream, "aicore_error", errBoom)})
	require.Equal(t, OutcomeProcessed, failing.Dispatch(ctx, domain.QueueItem{ConversationID: 1}))

	panicking := mustNewConsumer(t, p, nil, &recordingProcessor{panic: "kaboom"})
	require.NotPanics(t, func() {
		require.Equal(t, OutcomeProcessed, panicking.Dispatch(ctx, domain.QueueItem{ConversationID: 1}))
	})
}

func TestConsumer_StartDrainsQueueAndStops(t *testing.T) {
	p := newPipeline(t, time.Second)
	q := queue.NewMemory()
	defer q.Close()
	prod, err := NewProducer(p.coordinator, q, debounce.NewClock(), 20*time.Millisecond, nil)
	require.NoError(t, err)
	proc := &recordingProcessor{}
	c := mustNewConsumer(t, p, q, proc)

	require.NoError(t, c.Start(context.Background()))
	require.Error(t, c.Start(context.Background()), "second start is rejected")

	ctx := context.Background()
	require.NoError(t, prod.Enqueue(ctx, domain.QueueItem{ConversationID: 11, Text: "one"}))
	require.NoError(t, prod.Enqueue(ctx, domain.QueueItem{ConversationID: 11, Text: "two"}))
	require.NoError(t, prod.Enqueue(ctx, domain.QueueItem{ConversationID: 12, Text: "solo"}))

	require.Eventually(t, func() bool { return len(proc.processed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(time.Second))

	texts := map[int64]string{}
	for _, it := range proc.processed() {
		texts[it.ConversationID] = it.Text
	}
	require.Equal(t, map[int64]string{11: "one\ntwo", 12: "solo"}, texts)
}

func TestConsumer_RecoversAfterQueueFailures(t *testing.T) {
	p := newPipeline(t, time.Second)
	q := &flakyTaker{
		failures: 2,
		err:      fmt.Errorf("queue: minichat.message.main: %w", queue.ErrDisconnected),
		items:    []domain.QueueItem{{ConversationID: 5, Text: "after outage"}},
	}
	proc := &recordingProcessor{}
	c := mustNewConsumer(t, p, q, proc)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(proc.processed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(time.Second))

	require.Equal(t, "after outage", proc.processed()[0].Text)
	q.mu.Lock()
	defer q.mu.Unlock()
	require.GreaterOrEqual(t, q.calls, 3)
}

func TestConsumer_StopsWhenQueueCloses(t *testing.T) {
	p := newPipeline(t, time.Second)
	q := queue.NewMemory()
	c := mustNewConsumer(t, p, q, &recordingProcessor{})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, q.Close())
	require.NoError(t, c.Stop(time.Second))
}

func TestConsumer_StopWithoutStart(t *testing.T) {
	p := newPipeline(t, time.Second)
	c := mustNewConsumer(t, p, nil, &recordingProcessor{})
	require.NoError(t, c.Stop(time.Millisecond))
}

type turnFlagProcessor struct {
	recorded []bool
}

func (p *turnFlagProcessor) Process(ctx context.Context, _ domain.QueueItem) error {
	p.recorded = append(p.recorded, userTurnRecorded(ctx))
	return nil
}

type failingTurns struct{}

func (failingTurns) AppendTurn(context.Context, int64, string, string) error {
	return errors.New("store unavailable")
}

func TestDispatch_SignalsWhetherUserTurnWasRecorded(t *testing.T) {
	p := newPipeline(t, time.Second)
	q := queue.NewMemory()
	defer q.Close()
	ctx := context.Background()

	proc := &turnFlagProcessor{}
	c, err := NewConsumer(q, p.coordinator, p.cache, proc)
	require.NoError(t, err)
	c.Dispatch(ctx, domain.QueueItem{ConversationID: 1, Text: "hi"})

	broken, err := NewConsumer(q, p.coordinator, failingTurns{}, proc)
	require.NoError(t, err)
	broken.Dispatch(ctx, domain.QueueItem{ConversationID: 1, Text: "hi"})

	require.Equal(t, []bool{true, false}, proc.recorded)
}
