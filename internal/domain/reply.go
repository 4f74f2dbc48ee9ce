package domain

// GenerateRequest is sent to the reply generator for one aggregated message.
type GenerateRequest struct {
	Message       string
	Conversations []ConversationTurn
	CustomerID    int64
	BusinessID    int64
}

// GeneratedReply is the reply generator's answer. Intent and Confidence are
// optional.
type GeneratedReply struct {
	Response   string
	Intent     string
	Confidence *float64
}

// SendResult identifies a message delivered over the external channel.
type SendResult struct {
	MessageID   string
	RecipientID string
}
