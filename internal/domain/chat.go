package domain

// SourceAttribution is a single citation returned with an assistant answer.
type SourceAttribution struct {
	Title          string `dynamodbav:"title" json:"title"`
	URL            string `dynamodbav:"url" json:"url"`
	Snippet        string `dynamodbav:"snippet,omitempty" json:"snippet,omitempty"`
	CitationNumber int    `dynamodbav:"citationNumber,omitempty" json:"citationNumber,omitempty"`
}

// AssistantResponse is the provider-agnostic result of one assistant turn.
type AssistantResponse struct {
	ConversationID     string
	SystemMessage      string
	SystemMessageID    string
	UserMessageID      string
	SourceAttributions []SourceAttribution
}
