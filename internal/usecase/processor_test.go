package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"minichat/internal/domain"
)

var testChannel = domain.Channel{ID: 3, ExternalID: "page-1", Name: "Shop", Platform: domain.PlatformFacebook, BusinessID: 77}

func TestLogProcessor(t *testing.T) {
	p := NewLogProcessor(nil)
	require.NoError(t, p.Process(context.Background(), domain.QueueItem{ConversationID: 1, Text: "hi"}))
}

func TestPreviewTruncatesRunes(t *testing.T) {
	long := strings.Repeat("é", 60)
	got := preview(long)
	require.Equal(t, strings.Repeat("é", 50)+"...", got)
	require.Equal(t, "short", preview("short"))
}

func newSimulated(t *testing.T, dir *fakeDirectory, tokens fakeTokens, sender *fakeSender, msgs *fakeMessages, b *fakeBroadcaster) *SimulatedBotProcessor {
	t.Helper()
	p, err := NewSimulatedBotProcessor(dir, tokens, sender, msgs, b, "", nil)
	require.NoError(t, err)
	return p
}

func TestSimulatedBot_SendsPersistsBroadcasts(t *testing.T) {
	dir := newFakeDirectory()
	dir.addChannel(testChannel)
	sender, msgs, b := &fakeSender{}, &fakeMessages{}, &fakeBroadcaster{}
	p := newSimulated(t, dir, fakeTokens{token: "tok"}, sender, msgs, b)

	item := domain.QueueItem{ConversationID: 42, ChannelID: 3, SenderID: "psid", RecipientID: "page-1", Platform: domain.PlatformFacebook}
	require.NoError(t, p.Process(context.Background(), item))

	require.Equal(t, []sent{{token: "tok", recipient: "psid", body: "oke"}}, sender.sent)
	require.Len(t, msgs.saved, 1)
	rec := msgs.saved[0]
	require.Equal(t, domain.DirectionOutbound, rec.Direction)
	require.Equal(t, "mid.out.1", rec.ExternalMessageID)
	require.Equal(t, "page-1", rec.SenderID)
	require.Equal(t, "psid", rec.RecipientID)
	require.Len(t, b.msgs, 1)
	require.Equal(t, int64(3), b.msgs[0].channelID)
}

func TestSimulatedBot_SkipsNonFacebook(t *testing.T) {
	dir := newFakeDirectory()
	ch := testChannel
	ch.Platform = "ZALO"
	dir.addChannel(ch)
	sender := &fakeSender{}
	p := newSimulated(t, dir, fakeTokens{token: "tok"}, sender, &fakeMessages{}, &fakeBroadcaster{})

	require.NoError(t, p.Process(context.Background(), domain.QueueItem{ConversationID: 1, ChannelID: 3}))
	require.Empty(t, sender.sent)
}

func TestSimulatedBot_Failures(t *testing.T) {
	dir := newFakeDirectory()
	dir.addChannel(testChannel)
	ctx := context.Background()
	item := domain.QueueItem{ConversationID: 1, ChannelID: 3, SenderID: "psid"}

	missing := newSimulated(t, newFakeDirectory(), fakeTokens{}, &fakeSender{}, &fakeMessages{}, &fakeBroadcaster{})
	require.Equal(t, ErrorNotFound, CodeOf(missing.Process(ctx, item)))

	noToken := newSimulated(t, dir, fakeTokens{err: errBoom}, &fakeSender{}, &fakeMessages{}, &fakeBroadcaster{})
	require.Equal(t, ErrorUpstream, CodeOf(noToken.Process(ctx, item)))

	msgs := &fakeMessages{}
	sendFail := newSimulated(t, dir, fakeTokens{token: "t"}, &fakeSender{failOn: map[string]error{"oke": errBoom}}, msgs, &fakeBroadcaster{})
	require.Equal(t, ErrorUpstream, CodeOf(sendFail.Process(ctx, item)))
	require.Empty(t, msgs.saved, "nothing is persisted when the send fails")
}

func TestNewSimulatedBotProcessor_Validation(t *testing.T) {
	_, err := NewSimulatedBotProcessor(nil, fakeTokens{}, &fakeSender{}, &fakeMessages{}, &fakeBroadcaster{}, "", nil)
	require.Error(t, err)
	_, err = NewSimulatedBotProcessor(newFakeDirectory(), fakeTokens{}, nil, &fakeMessages{}, &fakeBroadcaster{}, "", nil)
	require.Error(t, err)
}
