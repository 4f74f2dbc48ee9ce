package domain

import "time"

const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"

	PlatformFacebook = "FACEBOOK"

	AttachmentImage = "image"

	// ImagePlaceholder is the text stored for outbound image replies.
	ImagePlaceholder = "[Image]"
)

// Attachment is a media reference carried by a message.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// MessageRecord is a persisted inbound or outbound chat message.
type MessageRecord struct {
	ID                string       `json:"messageId"`
	ConversationID    int64        `json:"conversationId"`
	ChannelID         int64        `json:"channelId"`
	ExternalMessageID string       `json:"externalMessageId,omitempty"`
	SenderID          string       `json:"senderId"`
	RecipientID       string       `json:"recipientId"`
	Direction         string       `json:"direction"`
	Text              string       `json:"text"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	Platform          string       `json:"platform"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// QueueItem builds the dispatch payload for an inbound record.
func (m MessageRecord) QueueItem() QueueItem {
	item := QueueItem{
		ConversationID:    m.ConversationID,
		ChannelID:         m.ChannelID,
		MessageID:         m.ID,
		ExternalMessageID: m.ExternalMessageID,
		SenderID:          m.SenderID,
		RecipientID:       m.RecipientID,
		Text:              m.Text,
		Platform:          m.Platform,
	}
	if !m.CreatedAt.IsZero() {
		item.CreatedAt = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return item
}
