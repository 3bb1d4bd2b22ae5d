package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"qteams-bridge/internal/conversation"
	"qteams-bridge/internal/domain"
	"qteams-bridge/internal/integrations/assistant"
	"qteams-bridge/internal/session"
)

const (
	ConversationPersonal = "personal"

	CommandNewConversation = "/new_conversation"
	CommandSignOut         = "/sign_out"

	ReplyNewConversation = "Starting a new conversation."
	ReplySignedOut       = "You have been signed out."
	ReplySignIn          = "Please sign in to continue."

	maxMessageLen = 7000
)

type SessionBroker interface {
	GetSessionCreds(ctx context.Context, teamsUserID string) (domain.Credentials, error)
	StartSession(ctx context.Context, teamsUserID string) (string, error)
	EndSession(ctx context.Context, teamsUserID string) error
}

type ConversationCache interface {
	GetChannelMetadata(ctx context.Context, channel string) (domain.ChannelMetadata, error)
	SaveChannelMetadata(ctx context.Context, channel, conversationID, systemMessageID string) error
	DeleteChannelMetadata(ctx context.Context, channel string) error
	GetMessageMetadata(ctx context.Context, messageID string) (domain.MessageMetadata, bool, error)
	SaveMessageMetadata(ctx context.Context, resp domain.AssistantResponse) error
}

type ChatService struct {
	broker  SessionBroker
	cache   ConversationCache
	clients *assistant.ClientCache
	log     zerolog.Logger
}

type TurnInput struct {
	UserID           string
	TenantID         string
	ConversationType string
	Text             string
}

// TurnOutput is the reply to one chat turn. SignInURL is set instead of an
// assistant answer when the user has no usable session.
type TurnOutput struct {
	Reply     string
	MessageID string
	SignInURL string
	Sources   []domain.SourceAttribution
}

type FeedbackInput struct {
	UserID    string
	MessageID string
	Useful    bool
	Reason    string
}

func NewChatService(b SessionBroker, c ConversationCache, clients *assistant.ClientCache, logger zerolog.Logger) (*ChatService, error) {
	if b == nil {
		return nil, errors.New("usecase: session broker must not be nil")
	}
	if c == nil {
		return nil, errors.New("usecase: conversation cache must not be nil")
	}
	if clients == nil {
		return nil, errors.New("usecase: assistant client cache must not be nil")
	}
	return &ChatService{
		broker:  b,
		cache:   c,
		clients: clients,
		log:     logger.With().Str("component", "chat").Logger(),
	}, nil
}

func (s *ChatService) HandleTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	text := strings.TrimSpace(in.Text)
	if userID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if text == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if len(text) > maxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	personal := in.ConversationType == ConversationPersonal
	if personal && strings.TrimSpace(in.TenantID) == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_tenant_id", nil)
	}
	channel := ""
	if personal {
		channel = conversation.ChannelKey(userID, in.TenantID)
	}
	log := s.log.With().Str("teams_user_id", userID).Logger()

	switch strings.ToLower(text) {
	case CommandNewConversation:
		if channel != "" {
			if err := s.cache.DeleteChannelMetadata(ctx, channel); err != nil {
				return TurnOutput{}, newError(ErrorInternal, "cache_delete_error", err)
			}
		}
		log.Info().Msg("conversation reset")
		return TurnOutput{Reply: ReplyNewConversation}, nil
	case CommandSignOut:
		if err := s.broker.EndSession(ctx, userID); err != nil {
			return TurnOutput{}, newError(ErrorInternal, "end_session_error", err)
		}
		s.clients.Forget(userID)
		return TurnOutput{Reply: ReplySignedOut}, nil
	}

	creds, err := s.broker.GetSessionCreds(ctx, userID)
	if err != nil {
		if !needsSignIn(err) {
			return TurnOutput{}, newError(ErrorInternal, "session_read_error", err)
		}
		authURL, startErr := s.broker.StartSession(ctx, userID)
		if startErr != nil {
			return TurnOutput{}, newError(ErrorInternal, "start_session_error", startErr)
		}
		log.Debug().Str("cause", string(session.CodeOf(err))).Msg("sign-in required")
		return TurnOutput{Reply: ReplySignIn, SignInURL: authURL}, nil
	}

	req := assistant.ChatRequest{Message: text}
	if channel != "" {
		md, err := s.cache.GetChannelMetadata(ctx, channel)
		if err != nil {
			return TurnOutput{}, newError(ErrorInternal, "cache_read_error", err)
		}
		req.ConversationID = md.ConversationID
		req.ParentMessageID = md.SystemMessageID
	}

	client, err := s.clients.Get(userID, creds)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "assistant_client_error", err)
	}
	resp, err := client.Chat(ctx, req)
	if err != nil {
		if isThrottled(err) {
			return TurnOutput{}, newError(ErrorRateLimited, "assistant_rate_limited", err)
		}
		return TurnOutput{}, newError(ErrorUpstream, "assistant_error", err)
	}

	// The answer is returned even if caching fails; the next turn then starts
	// a new conversation.
	if channel != "" {
		if err := s.cache.SaveChannelMetadata(ctx, channel, resp.ConversationID, resp.SystemMessageID); err != nil {
			log.Warn().Err(err).Msg("save channel metadata failed")
		}
	}
	if err := s.cache.SaveMessageMetadata(ctx, resp); err != nil {
		log.Warn().Err(err).Str("message_id", resp.SystemMessageID).Msg("save message metadata failed")
	}

	return TurnOutput{
		Reply:     resp.SystemMessage,
		MessageID: resp.SystemMessageID,
		Sources:   resp.SourceAttributions,
	}, nil
}

// SubmitFeedback records a usefulness rating for a cached assistant message.
func (s *ChatService) SubmitFeedback(ctx context.Context, in FeedbackInput) error {
	userID := strings.TrimSpace(in.UserID)
	messageID := strings.TrimSpace(in.MessageID)
	if userID == "" || messageID == "" {
		return newError(ErrorInvalidInput, "missing_feedback_fields", nil)
	}
	if !assistant.ValidFeedbackReason(in.Reason) {
		return newError(ErrorInvalidInput, "unknown_feedback_reason", nil)
	}

	md, found, err := s.cache.GetMessageMetadata(ctx, messageID)
	if err != nil {
		return newError(ErrorInternal, "cache_read_error", err)
	}
	if !found {
		return newError(ErrorMessageNotFound, "message_metadata_missing", nil)
	}

	creds, err := s.broker.GetSessionCreds(ctx, userID)
	if err != nil {
		if needsSignIn(err) {
			return newError(ErrorSignInRequired, "no_active_session", err)
		}
		return newError(ErrorInternal, "session_read_error", err)
	}
	client, err := s.clients.Get(userID, creds)
	if err != nil {
		return newError(ErrorInternal, "assistant_client_error", err)
	}
	if err := client.PutFeedback(ctx, assistant.Feedback{
		ConversationID: md.ConversationID,
		MessageID:      md.MessageID,
		Useful:         in.Useful,
		Reason:         in.Reason,
	}); err != nil {
		if isThrottled(err) {
			return newError(ErrorRateLimited, "assistant_rate_limited", err)
		}
		return newError(ErrorUpstream, "assistant_feedback_error", err)
	}
	return nil
}

// Sources returns the citations cached with an assistant message.
func (s *ChatService) Sources(ctx context.Context, messageID string) ([]domain.SourceAttribution, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, newError(ErrorInvalidInput, "empty_message_id", nil)
	}
	md, found, err := s.cache.GetMessageMetadata(ctx, messageID)
	if err != nil {
		return nil, newError(ErrorInternal, "cache_read_error", err)
	}
	if !found {
		return nil, newError(ErrorMessageNotFound, "message_metadata_missing", nil)
	}
	return md.SourceAttributions, nil
}

func needsSignIn(err error) bool {
	return session.RequiresSignIn(err) || session.IsCode(err, session.ErrorKeyUnavailable)
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ThrottlingException"
}
