package domain

// QueueItem is one inbound message scheduled for dispatch. It is built by the
// producer at enqueue time and never re-enqueued.
type QueueItem struct {
	ConversationID    int64  `json:"conversationId"`
	ChannelID         int64  `json:"channelId"`
	MessageID         string `json:"messageId"`
	ExternalMessageID string `json:"externalMessageId,omitempty"`
	SenderID          string `json:"senderId"`
	RecipientID       string `json:"recipientId"`
	Text              string `json:"text"`
	Platform          string `json:"platform"`
	// CreatedAt is an RFC 3339 timestamp.
	CreatedAt string `json:"createdAt,omitempty"`
	// DebounceTimestamp is epoch millis assigned by the producer. Zero means
	// the item carries no debounce metadata and is dispatched as final.
	DebounceTimestamp int64 `json:"debounceTimestamp,omitempty"`
}

// HasDebounce reports whether the producer stamped the item.
func (q QueueItem) HasDebounce() bool {
	return q.DebounceTimestamp > 0
}
