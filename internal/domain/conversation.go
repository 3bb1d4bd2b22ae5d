package domain

// ChannelMetadata is the assistant continuation handle cached per user-channel.
// A zero value means "start a new conversation".
type ChannelMetadata struct {
	Channel         string `dynamodbav:"channel"`
	ConversationID  string `dynamodbav:"conversationId"`
	SystemMessageID string `dynamodbav:"systemMessageId"`
	LatestTs        int64  `dynamodbav:"latestTs"`
	ExpireAt        int64  `dynamodbav:"expireAt"`
}

func (m ChannelMetadata) ExpiresAt() int64 { return m.ExpireAt }

// MessageMetadata is a cached assistant response, keyed by the assistant's
// message id, so later feedback and citation actions can find it.
type MessageMetadata struct {
	MessageID          string              `dynamodbav:"messageId"`
	ConversationID     string              `dynamodbav:"conversationId"`
	SystemMessage      string              `dynamodbav:"systemMessage"`
	SourceAttributions []SourceAttribution `dynamodbav:"sourceAttributions"`
	SystemMessageID    string              `dynamodbav:"systemMessageId"`
	UserMessageID      string              `dynamodbav:"userMessageId"`
	Ts                 int64               `dynamodbav:"ts"`
	ExpireAt           int64               `dynamodbav:"expireAt"`
}

func (m MessageMetadata) ExpiresAt() int64 { return m.ExpireAt }
