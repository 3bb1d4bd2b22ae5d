package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qteams-bridge/internal/domain"
	"qteams-bridge/internal/repository"
)

const (
	channelTable = "cache"
	messageTable = "message-metadata"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestCache(t *testing.T, days int) (*Cache, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	api := repository.NewMemoryAPI(map[string]string{channelTable: "channel", messageTable: "messageId"})
	store, err := repository.New(api, repository.WithClock(clk.Now))
	require.NoError(t, err)

	c, err := New(store, Config{ChannelTable: channelTable, MessageTable: messageTable, DaysToLive: days}, WithClock(clk.Now))
	require.NoError(t, err)
	return c, clk
}

type brokenStore struct{}

func (brokenStore) Put(context.Context, string, repository.Record) error {
	return errors.New("throttled")
}
func (brokenStore) Get(context.Context, string, repository.Key, any) (bool, error) {
	return false, errors.New("throttled")
}
func (brokenStore) Delete(context.Context, string, repository.Key) error { return errors.New("throttled") }

func TestNew_Validates(t *testing.T) {
	cfg := Config{ChannelTable: channelTable, MessageTable: messageTable, DaysToLive: 1}

	_, err := New(nil, cfg)
	require.Error(t, err)

	bad := cfg
	bad.DaysToLive = 0
	_, err = New(brokenStore{}, bad)
	require.ErrorContains(t, err, "at least 1")

	bad = cfg
	bad.MessageTable = ""
	_, err = New(brokenStore{}, bad)
	require.ErrorContains(t, err, "table")
}

func TestChannelKey(t *testing.T) {
	require.Equal(t, "29:1abc:tenant-1", ChannelKey("29:1abc", "tenant-1"))
}

func TestGetChannelMetadata_NeverSeen(t *testing.T) {
	c, _ := newTestCache(t, 90)
	md, err := c.GetChannelMetadata(context.Background(), "u1:t1")
	require.NoError(t, err)
	require.Empty(t, md.ConversationID)
	require.Empty(t, md.SystemMessageID)
}

func TestChannelMetadata_SaveAndExpire(t *testing.T) {
	c, clk := newTestCache(t, 90)
	ctx := context.Background()
	saved := clk.now

	require.NoError(t, c.SaveChannelMetadata(ctx, "u1:t1", "conv-1", "sys-1"))

	md, err := c.GetChannelMetadata(ctx, "u1:t1")
	require.NoError(t, err)
	require.Equal(t, "u1:t1", md.Channel)
	require.Equal(t, "conv-1", md.ConversationID)
	require.Equal(t, "sys-1", md.SystemMessageID)
	require.Equal(t, saved.UnixMilli(), md.LatestTs)
	require.Equal(t, saved.Add(90*24*time.Hour).Unix(), md.ExpireAt)

	clk.now = saved.Add(89 * 24 * time.Hour)
	md, err = c.GetChannelMetadata(ctx, "u1:t1")
	require.NoError(t, err)
	require.Equal(t, "conv-1", md.ConversationID)

	clk.now = saved.Add(91 * 24 * time.Hour)
	md, err = c.GetChannelMetadata(ctx, "u1:t1")
	require.NoError(t, err)
	require.Empty(t, md.ConversationID)
}

func TestSaveChannelMetadata_OverwritesAndRenewsTTL(t *testing.T) {
	c, clk := newTestCache(t, 1)
	ctx := context.Background()

	require.NoError(t, c.SaveChannelMetadata(ctx, "u1:t1", "conv-1", "sys-1"))
	clk.now = clk.now.Add(20 * time.Hour)
	require.NoError(t, c.SaveChannelMetadata(ctx, "u1:t1", "conv-1", "sys-2"))
	clk.now = clk.now.Add(20 * time.Hour)

	md, err := c.GetChannelMetadata(ctx, "u1:t1")
	require.NoError(t, err)
	require.Equal(t, "sys-2", md.SystemMessageID)
}

func TestDeleteChannelMetadata_Idempotent(t *testing.T) {
	c, _ := newTestCache(t, 90)
	ctx := context.Background()

	require.NoError(t, c.SaveChannelMetadata(ctx, "u1:t1", "conv-1", "sys-1"))
	require.NoError(t, c.DeleteChannelMetadata(ctx, "u1:t1"))
	require.NoError(t, c.DeleteChannelMetadata(ctx, "u1:t1"))

	md, err := c.GetChannelMetadata(ctx, "u1:t1")
	require.NoError(t, err)
	require.Empty(t, md.ConversationID)
}

func TestMessageMetadata_RoundTripKeepsAttributionOrder(t *testing.T) {
	c, clk := newTestCache(t, 90)
	ctx := context.Background()

	attributions := []domain.SourceAttribution{
		{Title: "Runbook", URL: "https://wiki.example.com/runbook", Snippet: "restart the pool", CitationNumber: 1},
		{Title: "FAQ", URL: "https://wiki.example.com/faq", CitationNumber: 2},
		{Title: "Design", URL: "https://wiki.example.com/design"},
	}
	require.NoError(t, c.SaveMessageMetadata(ctx, domain.AssistantResponse{
		ConversationID:     "conv-1",
		SystemMessage:      "Restart the worker pool.",
		SystemMessageID:    "sys-1",
		UserMessageID:      "usr-1",
		SourceAttributions: attributions,
	}))

	md, found, err := c.GetMessageMetadata(ctx, "sys-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "sys-1", md.MessageID)
	require.Equal(t, "sys-1", md.SystemMessageID)
	require.Equal(t, "usr-1", md.UserMessageID)
	require.Equal(t, "conv-1", md.ConversationID)
	require.Equal(t, "Restart the worker pool.", md.SystemMessage)
	require.Equal(t, attributions, md.SourceAttributions)
	require.Equal(t, clk.now.UnixMilli(), md.Ts)
	require.Equal(t, clk.now.Add(90*24*time.Hour).Unix(), md.ExpireAt)
}

func TestGetMessageMetadata_Missing(t *testing.T) {
	c, _ := newTestCache(t, 90)
	_, found, err := c.GetMessageMetadata(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSaveMessageMetadata_RequiresID(t *testing.T) {
	c, _ := newTestCache(t, 90)
	err := c.SaveMessageMetadata(context.Background(), domain.AssistantResponse{ConversationID: "conv-1"})
	require.ErrorContains(t, err, "system message id")
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	c, err := New(brokenStore{}, Config{ChannelTable: channelTable, MessageTable: messageTable, DaysToLive: 1})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.GetChannelMetadata(ctx, "u1:t1")
	require.ErrorContains(t, err, "GetChannelMetadata: throttled")
	require.ErrorContains(t, c.SaveChannelMetadata(ctx, "u1:t1", "c", "s"), "SaveChannelMetadata")
	require.ErrorContains(t, c.DeleteChannelMetadata(ctx, "u1:t1"), "DeleteChannelMetadata")
	_, _, err = c.GetMessageMetadata(ctx, "sys-1")
	require.ErrorContains(t, err, "GetMessageMetadata")
	require.ErrorContains(t, c.SaveMessageMetadata(ctx, domain.AssistantResponse{SystemMessageID: "s"}), "SaveMessageMetadata")
}

func TestEmptyChannelRejected(t *testing.T) {
	c, _ := newTestCache(t, 90)
	_, err := c.GetChannelMetadata(context.Background(), " ")
	require.Error(t, err)
	require.Error(t, c.SaveChannelMetadata(context.Background(), "", "c", "s"))
	require.Error(t, c.DeleteChannelMetadata(context.Background(), ""))
}
