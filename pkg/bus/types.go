package bus

// InboundMessage is a user message arriving from a chat channel.
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	MessageID string            `json:"message_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply to deliver on a channel.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	// ReplyTo references the inbound MessageID when the channel supports it.
	ReplyTo string `json:"reply_to,omitempty"`
}

type MessageHandler func(InboundMessage) error

// Stats reports queue depth and drops since start.
type Stats struct {
	InboundQueued   int
	OutboundQueued  int
	DroppedInbound  uint64
	DroppedOutbound uint64
}
