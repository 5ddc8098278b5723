package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

// Channel is a chat front end that feeds the shared conversation.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       messageBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Compound sender IDs look like "123456|username".
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

// HandleMessage forwards an allowed message to the chat loop. It reports
// whether the bus accepted it.
func (c *BaseChannel) HandleMessage(senderID, chatID, messageID, content string, metadata map[string]string) bool {
	if !c.IsAllowed(senderID) {
		return false
	}

	msg := bus.InboundMessage{
		Channel:   c.name,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		MessageID: messageID,
		Metadata:  metadata,
	}

	if !c.bus.PublishInbound(msg) {
		logger.WarnCF(c.name, "Inbound queue full, message dropped", map[string]interface{}{
			"chat_id":    chatID,
			"message_id": messageID,
		})
		return false
	}
	return true
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
