// Package assistant talks to the Q Business chat API on behalf of one
// federated user.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/qbusiness"
	"github.com/aws/aws-sdk-go-v2/service/qbusiness/types"
	"github.com/google/uuid"

	"qteams-bridge/internal/domain"
)

// API is the subset of the Q Business client used here.
type API interface {
	ChatSync(ctx context.Context, in *qbusiness.ChatSyncInput, optFns ...func(*qbusiness.Options)) (*qbusiness.ChatSyncOutput, error)
	PutFeedback(ctx context.Context, in *qbusiness.PutFeedbackInput, optFns ...func(*qbusiness.Options)) (*qbusiness.PutFeedbackOutput, error)
}

var newClientToken = func() string { return uuid.NewString() }

// ChatRequest is one user turn. ConversationID and ParentMessageID continue
// an existing conversation; both empty starts a new one.
type ChatRequest struct {
	Message         string
	ConversationID  string
	ParentMessageID string
}

type Feedback struct {
	ConversationID string
	MessageID      string
	Useful         bool
	Reason         string
}

// Client is bound to one user's credentials through the API it wraps.
type Client struct {
	api   API
	appID string
	now   func() time.Time
}

func NewClient(api API, appID string) (*Client, error) {
	if api == nil {
		return nil, errors.New("assistant: api must not be nil")
	}
	if strings.TrimSpace(appID) == "" {
		return nil, errors.New("assistant: application id must not be empty")
	}
	return &Client{api: api, appID: appID, now: time.Now}, nil
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (domain.AssistantResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return domain.AssistantResponse{}, errors.New("assistant: message is required")
	}
	in := &qbusiness.ChatSyncInput{
		ApplicationId: aws.String(c.appID),
		ClientToken:   aws.String(newClientToken()),
		UserMessage:   aws.String(req.Message),
	}
	if req.ConversationID != "" && req.ParentMessageID != "" {
		in.ConversationId = aws.String(req.ConversationID)
		in.ParentMessageId = aws.String(req.ParentMessageID)
	}

	out, err := c.api.ChatSync(ctx, in)
	if err != nil {
		return domain.AssistantResponse{}, fmt.Errorf("assistant: chat sync: %w", err)
	}
	if out == nil || aws.ToString(out.SystemMessageId) == "" {
		return domain.AssistantResponse{}, errors.New("assistant: chat sync returned no system message")
	}

	resp := domain.AssistantResponse{
		ConversationID:  aws.ToString(out.ConversationId),
		SystemMessage:   aws.ToString(out.SystemMessage),
		SystemMessageID: aws.ToString(out.SystemMessageId),
		UserMessageID:   aws.ToString(out.UserMessageId),
	}
	for _, sa := range out.SourceAttributions {
		resp.SourceAttributions = append(resp.SourceAttributions, domain.SourceAttribution{
			Title:          aws.ToString(sa.Title),
			URL:            aws.ToString(sa.Url),
			Snippet:        aws.ToString(sa.Snippet),
			CitationNumber: int(aws.ToInt32(sa.CitationNumber)),
		})
	}
	return resp, nil
}

// ErrUnknownFeedbackReason is returned for a reason Q Business does not define.
var ErrUnknownFeedbackReason = errors.New("assistant: unknown feedback reason")

// ValidFeedbackReason reports whether reason is empty or one of the
// usefulness reasons accepted by PutFeedback.
func ValidFeedbackReason(reason string) bool {
	if reason == "" {
		return true
	}
	return slices.Contains(types.MessageUsefulnessReason("").Values(), types.MessageUsefulnessReason(reason))
}

func (c *Client) PutFeedback(ctx context.Context, fb Feedback) error {
	if strings.TrimSpace(fb.ConversationID) == "" || strings.TrimSpace(fb.MessageID) == "" {
		return errors.New("assistant: conversation id and message id are required")
	}
	if !ValidFeedbackReason(fb.Reason) {
		return fmt.Errorf("%w: %q", ErrUnknownFeedbackReason, fb.Reason)
	}
	usefulness := types.MessageUsefulnessNotUseful
	if fb.Useful {
		usefulness = types.MessageUsefulnessUseful
	}
	feedback := &types.MessageUsefulnessFeedback{
		Usefulness:  usefulness,
		SubmittedAt: aws.Time(c.now()),
	}
	if fb.Reason != "" {
		feedback.Reason = types.MessageUsefulnessReason(fb.Reason)
	}

	_, err := c.api.PutFeedback(ctx, &qbusiness.PutFeedbackInput{
		ApplicationId:     aws.String(c.appID),
		ConversationId:    aws.String(fb.ConversationID),
		MessageId:         aws.String(fb.MessageID),
		MessageUsefulness: feedback,
	})
	if err != nil {
		return fmt.Errorf("assistant: put feedback: %w", err)
	}
	return nil
}
