package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"minichat/internal/debounce"
	"minichat/internal/domain"
	"minichat/internal/history"
	"minichat/internal/kvstore"
)

type fakeDirectory struct {
	channels      map[int64]domain.Channel
	conversations map[int64]domain.Conversation
	byExternal    map[string]domain.Channel
	lookupErr     error
	ensureErr     error
	ensured       []string
	nextConvID    int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		channels:      map[int64]domain.Channel{},
		conversations: map[int64]domain.Conversation{},
		byExternal:    map[string]domain.Channel{},
		nextConvID:    100,
	}
}

func (f *fakeDirectory) addChannel(ch domain.Channel) {
	f.channels[ch.ID] = ch
	f.byExternal[ch.Platform+"/"+ch.ExternalID] = ch
}

func (f *fakeDirectory) ChannelByID(_ context.Context, id int64) (domain.Channel, error) {
	if f.lookupErr != nil {
		return domain.Channel{}, f.lookupErr
	}
	ch, ok := f.channels[id]
	if !ok {
		return domain.Channel{}, fmt.Errorf("channel %d: %w", id, domain.ErrNotFound)
	}
	return ch, nil
}

func (f *fakeDirectory) ConversationByID(_ context.Context, id int64) (domain.Conversation, error) {
	c, ok := f.conversations[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation %d: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (f *fakeDirectory) ChannelByExternalID(_ context.Context, externalID, platform string) (domain.Channel, error) {
	if f.lookupErr != nil {
		return domain.Channel{}, f.lookupErr
	}
	ch, ok := f.byExternal[platform+"/"+externalID]
	if !ok {
		return domain.Channel{}, domain.ErrNotFound
	}
	return ch, nil
}

func (f *fakeDirectory) EnsureConversation(_ context.Context, channelID int64, _, customer string, _ time.Time) (domain.Conversation, error) {
	if f.ensureErr != nil {
		return domain.Conversation{}, f.ensureErr
	}
	f.ensured = append(f.ensured, customer)
	for _, c := range f.conversations {
		if c.ChannelID == channelID {
			return c, nil
		}
	}
	f.nextConvID++
	c := domain.Conversation{ID: f.nextConvID, ChannelID: channelID, CustomerID: 9}
	f.conversations[c.ID] = c
	return c, nil
}

type fakeMessages struct {
	mu      sync.Mutex
	saved   []domain.MessageRecord
	saveErr error
	exists  map[string]bool
}

func (f *fakeMessages) Save(_ context.Context, rec domain.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeMessages) ExistsByExternalID(_ context.Context, externalID, platform string) (bool, error) {
	return f.exists[platform+"/"+externalID], nil
}

type sent struct {
	token, recipient, body string
	image                  bool
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	failOn  map[string]error
	counter int
}

func (f *fakeSender) send(token, recipient, body string, image bool) (domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[body]; err != nil {
		return domain.SendResult{}, err
	}
	f.counter++
	f.sent = append(f.sent, sent{token: token, recipient: recipient, body: body, image: image})
	return domain.SendResult{MessageID: fmt.Sprintf("mid.out.%d", f.counter), RecipientID: recipient}, nil
}

func (f *fakeSender) SendText(_ context.Context, token, recipient, text string) (domain.SendResult, error) {
	return f.send(token, recipient, text, false)
}

func (f *fakeSender) SendImage(_ context.Context, token, recipient, imageURL string) (domain.SendResult, error) {
	return f.send(token, recipient, imageURL, true)
}

type fakeTokens struct {
	token string
	err   error
}

func (f fakeTokens) PageAccessToken(context.Context, domain.Channel) (string, error) {
	return f.token, f.err
}

type published struct {
	channelID int64
	payload   any
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakeBroadcaster) Publish(channelID int64, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{channelID: channelID, payload: payload})
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []domain.GenerateRequest
	reply domain.GeneratedReply
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, req domain.GenerateRequest) (domain.GeneratedReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.reply, f.err
}

type recordingProcessor struct {
	mu    sync.Mutex
	items []domain.QueueItem
	err   error
	panic any
}

func (r *recordingProcessor) Process(_ context.Context, item domain.QueueItem) error {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
	if r.panic != nil {
		panic(r.panic)
	}
	return r.err
}

func (r *recordingProcessor) processed() []domain.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.QueueItem(nil), r.items...)
}

// flakyTaker fails the first failures calls, then serves items, then
// blocks until ctx is done.
type flakyTaker struct {
	mu       sync.Mutex
	failures int
	err      error
	items    []domain.QueueItem
	calls    int
}

func (f *flakyTaker) Take(ctx context.Context) (domain.QueueItem, error) {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return domain.QueueItem{}, f.err
	}
	if len(f.items) > 0 {
		item := f.items[0]
		f.items = f.items[1:]
		f.mu.Unlock()
		return item, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return domain.QueueItem{}, ctx.Err()
}

type scheduled struct {
	item  domain.QueueItem
	delay time.Duration
}

type recordingScheduler struct {
	mu    sync.Mutex
	items []scheduled
	err   error
}

func (r *recordingScheduler) Schedule(_ context.Context, item domain.QueueItem, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.items = append(r.items, scheduled{item: item, delay: delay})
	return nil
}

type fixedClock struct{ ts []int64 }

func (f *fixedClock) Now() int64 {
	ts := f.ts[0]
	f.ts = f.ts[1:]
	return ts
}

var errBoom = errors.New("boom")

type pipeline struct {
	store       *kvstore.Memory
	coordinator *debounce.Coordinator
	cache       *history.Cache
}

func newPipeline(t *testing.T, delay time.Duration) pipeline {
	t.Helper()
	store := kvstore.NewMemory()
	coord, err := debounce.NewCoordinator(store, delay)
	require.NoError(t, err)
	cache, err := history.New(store, history.WithMaxTurns(10))
	require.NoError(t, err)
	return pipeline{store: store, coordinator: coord, cache: cache}
}
