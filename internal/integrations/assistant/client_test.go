package assistant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/qbusiness"
	"github.com/aws/aws-sdk-go-v2/service/qbusiness/types"
	"github.com/stretchr/testify/require"

	"qteams-bridge/internal/domain"
)

type fakeAPI struct {
	mu          sync.Mutex
	chatIn      *qbusiness.ChatSyncInput
	feedbackIn  *qbusiness.PutFeedbackInput
	chatOut     *qbusiness.ChatSyncOutput
	chatErr     error
	feedbackErr error
}

func (f *fakeAPI) ChatSync(_ context.Context, in *qbusiness.ChatSyncInput, _ ...func(*qbusiness.Options)) (*qbusiness.ChatSyncOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatIn = in
	return f.chatOut, f.chatErr
}

func (f *fakeAPI) PutFeedback(_ context.Context, in *qbusiness.PutFeedbackInput, _ ...func(*qbusiness.Options)) (*qbusiness.PutFeedbackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedbackIn = in
	return &qbusiness.PutFeedbackOutput{}, f.feedbackErr
}

func okChat() *qbusiness.ChatSyncOutput {
	return &qbusiness.ChatSyncOutput{
		ConversationId:  aws.String("conv-1"),
		SystemMessage:   aws.String("Restart the worker pool."),
		SystemMessageId: aws.String("sys-1"),
		UserMessageId:   aws.String("usr-1"),
		SourceAttributions: []*types.SourceAttribution{
			{Title: aws.String("Runbook"), Url: aws.String("https://wiki.example.com/runbook"), Snippet: aws.String("restart"), CitationNumber: aws.Int32(1)},
			{Title: aws.String("FAQ"), Url: aws.String("https://wiki.example.com/faq")},
		},
	}
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(nil, "app-1")
	require.Error(t, err)
	_, err = NewClient(&fakeAPI{}, " ")
	require.ErrorContains(t, err, "application id")
}

func TestChat_NewConversation(t *testing.T) {
	orig := newClientToken
	newClientToken = func() string { return "token-1" }
	t.Cleanup(func() { newClientToken = orig })

	api := &fakeAPI{chatOut: okChat()}
	c, err := NewClient(api, "app-1")
	require.NoError(t, err)

	resp, err := c.Chat(context.Background(), ChatRequest{Message: "how do I restart?"})
	require.NoError(t, err)
	require.Equal(t, domain.AssistantResponse{
		ConversationID:  "conv-1",
		SystemMessage:   "Restart the worker pool.",
		SystemMessageID: "sys-1",
		UserMessageID:   "usr-1",
		SourceAttributions: []domain.SourceAttribution{
			{Title: "Runbook", URL: "https://wiki.example.com/runbook", Snippet: "restart", CitationNumber: 1},
			{Title: "FAQ", URL: "https://wiki.example.com/faq"},
		},
	}, resp)

	require.Equal(t, "app-1", aws.ToString(api.chatIn.ApplicationId))
	require.Equal(t, "token-1", aws.ToString(api.chatIn.ClientToken))
	require.Equal(t, "how do I restart?", aws.ToString(api.chatIn.UserMessage))
	require.Nil(t, api.chatIn.ConversationId)
	require.Nil(t, api.chatIn.ParentMessageId)
}

func TestChat_ContinuesConversation(t *testing.T) {
	api := &fakeAPI{chatOut: okChat()}
	c, err := NewClient(api, "app-1")
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), ChatRequest{Message: "and then?", ConversationID: "conv-1", ParentMessageID: "sys-0"})
	require.NoError(t, err)
	require.Equal(t, "conv-1", aws.ToString(api.chatIn.ConversationId))
	require.Equal(t, "sys-0", aws.ToString(api.chatIn.ParentMessageId))
}

func TestChat_Errors(t *testing.T) {
	c, err := NewClient(&fakeAPI{chatErr: errors.New("ThrottlingException")}, "app-1")
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), ChatRequest{Message: "hi"})
	require.ErrorContains(t, err, "chat sync: ThrottlingException")

	c, err = NewClient(&fakeAPI{chatOut: &qbusiness.ChatSyncOutput{}}, "app-1")
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), ChatRequest{Message: "hi"})
	require.ErrorContains(t, err, "no system message")

	_, err = c.Chat(context.Background(), ChatRequest{Message: " "})
	require.ErrorContains(t, err, "required")
}

func TestPutFeedback(t *testing.T) {
	api := &fakeAPI{}
	c, err := NewClient(api, "app-1")
	require.NoError(t, err)
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return submitted }

	require.NoError(t, c.PutFeedback(context.Background(), Feedback{
		ConversationID: "conv-1",
		MessageID:      "sys-1",
		Useful:         false,
		Reason:         "NOT_FACTUALLY_CORRECT",
	}))
	require.Equal(t, "conv-1", aws.ToString(api.feedbackIn.ConversationId))
	require.Equal(t, "sys-1", aws.ToString(api.feedbackIn.MessageId))
	require.Equal(t, types.MessageUsefulnessNotUseful, api.feedbackIn.MessageUsefulness.Usefulness)
	require.Equal(t, types.MessageUsefulnessReason("NOT_FACTUALLY_CORRECT"), api.feedbackIn.MessageUsefulness.Reason)
	require.Equal(t, submitted, aws.ToTime(api.feedbackIn.MessageUsefulness.SubmittedAt))

	require.NoError(t, c.PutFeedback(context.Background(), Feedback{ConversationID: "conv-1", MessageID: "sys-1", Useful: true}))
	require.Equal(t, types.MessageUsefulnessUseful, api.feedbackIn.MessageUsefulness.Usefulness)
	require.Empty(t, api.feedbackIn.MessageUsefulness.Reason)
}

func TestPutFeedback_Errors(t *testing.T) {
	c, err := NewClient(&fakeAPI{feedbackErr: errors.New("AccessDeniedException")}, "app-1")
	require.NoError(t, err)
	require.ErrorContains(t, c.PutFeedback(context.Background(), Feedback{ConversationID: "c", MessageID: "m"}), "put feedback")
	require.ErrorContains(t, c.PutFeedback(context.Background(), Feedback{MessageID: "m"}), "required")
}

func TestPutFeedback_UnknownReason(t *testing.T) {
	api := &fakeAPI{}
	c, err := NewClient(api, "app-1")
	require.NoError(t, err)

	err = c.PutFeedback(context.Background(), Feedback{ConversationID: "c", MessageID: "m", Reason: "MEH"})
	require.ErrorIs(t, err, ErrUnknownFeedbackReason)
	require.Nil(t, api.feedbackIn)
}

func TestValidFeedbackReason(t *testing.T) {
	require.True(t, ValidFeedbackReason(""))
	require.True(t, ValidFeedbackReason(string(types.MessageUsefulnessReasonNotHelpful)))
	require.True(t, ValidFeedbackReason(string(types.MessageUsefulnessReasonNotFactuallyCorrect)))
	require.False(t, ValidFeedbackReason("not_helpful"))
	require.False(t, ValidFeedbackReason("MEH"))
}

func countingFactory() (APIFactory, *atomic.Int32) {
	var n atomic.Int32
	return func(domain.Credentials) API {
		n.Add(1)
		return &fakeAPI{chatOut: okChat()}
	}, &n
}

func TestClientCache_ReusesUntilCredentialsChange(t *testing.T) {
	factory, built := countingFactory()
	cache, err := NewClientCache(factory, "app-1", 4)
	require.NoError(t, err)

	exp := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	first, err := cache.Get("alice", domain.Credentials{Expiration: exp})
	require.NoError(t, err)
	again, err := cache.Get("alice", domain.Credentials{Expiration: exp})
	require.NoError(t, err)
	require.Same(t, first, again)
	require.EqualValues(t, 1, built.Load())

	renewed, err := cache.Get("alice", domain.Credentials{Expiration: exp.Add(time.Hour)})
	require.NoError(t, err)
	require.NotSame(t, first, renewed)
	require.EqualValues(t, 2, built.Load())
	require.Equal(t, 1, cache.Len())
}

func TestClientCache_Bounded(t *testing.T) {
	factory, _ := countingFactory()
	cache, err := NewClientCache(factory, "app-1", 2)
	require.NoError(t, err)

	exp := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	for _, user := range []string{"a", "b", "c", "d"} {
		_, err := cache.Get(user, domain.Credentials{Expiration: exp})
		require.NoError(t, err)
	}
	require.Equal(t, 2, cache.Len())
}

func TestClientCache_ConcurrentGetsBuildOnce(t *testing.T) {
	var built atomic.Int32
	release := make(chan struct{})
	factory := func(domain.Credentials) API {
		built.Add(1)
		<-release
		return &fakeAPI{}
	}
	cache, err := NewClientCache(factory, "app-1", 0)
	require.NoError(t, err)

	exp := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	clients := make([]*Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := cache.Get("alice", domain.Credentials{Expiration: exp})
			require.NoError(t, err)
			clients[i] = c
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, built.Load())
	for _, c := range clients {
		require.Same(t, clients[0], c)
	}
}

func TestClientCache_Forget(t *testing.T) {
	factory, built := countingFactory()
	cache, err := NewClientCache(factory, "app-1", 0)
	require.NoError(t, err)

	exp := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	_, err = cache.Get("alice", domain.Credentials{Expiration: exp})
	require.NoError(t, err)
	cache.Forget("alice")
	require.Zero(t, cache.Len())
	_, err = cache.Get("alice", domain.Credentials{Expiration: exp})
	require.NoError(t, err)
	require.EqualValues(t, 2, built.Load())
}

func TestNewClientCache_Validates(t *testing.T) {
	_, err := NewClientCache(nil, "app-1", 1)
	require.Error(t, err)
	factory, _ := countingFactory()
	_, err = NewClientCache(factory, "", 1)
	require.Error(t, err)
	_, err = newTestCache(t).Get("", domain.Credentials{})
	require.Error(t, err)
}

func newTestCache(t *testing.T) *ClientCache {
	t.Helper()
	factory, _ := countingFactory()
	c, err := NewClientCache(factory, "app-1", 1)
	require.NoError(t, err)
	return c
}
