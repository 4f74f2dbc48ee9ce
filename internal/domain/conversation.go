package domain

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationTurn is one role-tagged utterance in the bounded context history
// fed to the reply generator.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Channel is a connected messaging page owned by a business.
type Channel struct {
	ID         int64
	ExternalID string // platform page id
	Name       string
	Platform   string
	BusinessID int64
}

// Conversation links one customer to one channel.
type Conversation struct {
	ID         int64
	ChannelID  int64
	CustomerID int64
}
