package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
	// Discord caps messages at 2000 characters; the slack leaves room for
	// extending a chunk to the end of a code block.
	discordChunkLimit = 1500
)

var errNotRunning = errors.New("discord bot not running")

type DiscordChannel struct {
	*BaseChannel
	session  *discordgo.Session
	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("discord token is empty")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus, cfg.AllowFrom),
		session:     session,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

// Send delivers a chat reply. The first chunk is posted as a reply to the
// originating message when ReplyTo is set.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return errNotRunning
	}

	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	defer c.endTyping(channelID)

	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	replyTo := msg.ReplyTo
	for _, chunk := range splitMessage(msg.Content, discordChunkLimit) {
		if err := c.sendChunk(ctx, channelID, chunk, replyTo); err != nil {
			return err
		}
		replyTo = ""
	}

	return nil
}

// splitMessage breaks content into chunks of about limit bytes, preferring
// line and word boundaries. A chunk that would cut a ``` fence is stretched
// to the closing fence when that stays within limit+fenceSlack, otherwise it
// ends before the fence opens.
func splitMessage(content string, limit int) []string {
	var chunks []string

	for content != "" {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}

		end := naturalBreak(content[:limit])
		if open := unclosedFence(content[:end]); open >= 0 {
			end = fenceAwareEnd(content, end, open, limit)
		}

		chunks = append(chunks, content[:end])
		content = strings.TrimSpace(content[end:])
	}

	return chunks
}

const (
	fenceSlack      = 500
	newlineLookback = 200
	spaceLookback   = 100
)

// naturalBreak returns the cut position for s: the last newline in the tail,
// then the last blank, then the last rune boundary.
func naturalBreak(s string) int {
	if i := lastIndexWithin(s, "\n", newlineLookback); i > 0 {
		return i
	}
	if i := lastIndexWithin(s, " \t", spaceLookback); i > 0 {
		return i
	}
	end := len(s)
	r := end - 1
	for r > 0 && !utf8.RuneStart(s[r]) {
		r--
	}
	if r > 0 && !utf8.FullRuneInString(s[r:]) {
		end = r
	}
	return end
}

func lastIndexWithin(s, chars string, window int) int {
	from := len(s) - window
	if from < 0 {
		from = 0
	}
	i := strings.LastIndexAny(s[from:], chars)
	if i < 0 {
		return -1
	}
	return from + i
}

// unclosedFence returns the offset of the last ``` in text when the fences
// are unbalanced, or -1.
func unclosedFence(text string) int {
	if strings.Count(text, "```")%2 == 0 {
		return -1
	}
	return strings.LastIndex(text, "```")
}

func fenceAwareEnd(content string, end, open, limit int) int {
	extended := limit + fenceSlack
	if len(content) <= extended {
		return len(content)
	}
	if i := strings.Index(content[end:], "```"); i >= 0 && end+i+3 <= extended {
		return end + i + 3
	}
	if open > 0 {
		if e := naturalBreak(content[:open]); e > 0 {
			return e
		}
	}
	return end
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content, replyTo string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if replyTo != "" {
			ref := &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
			_, err = c.session.ChannelMessageSendReply(channelID, content, ref)
		} else {
			_, err = c.session.ChannelMessageSend(channelID, content)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) beginTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{
		pending: 1,
		cancel:  cancel,
	}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if m.Author.Bot || (s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}

	if !c.IsAllowed(m.Author.ID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]interface{}{
			"user_id": m.Author.ID,
		})
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		// Attachments alone carry nothing the text pipeline can use.
		return
	}

	senderName := m.Author.Username
	if m.Author.Discriminator != "" && m.Author.Discriminator != "0" {
		senderName += "#" + m.Author.Discriminator
	}

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_name": senderName,
		"sender_id":   m.Author.ID,
		"chars":       len(content),
	})

	metadata := map[string]string{
		"username":     m.Author.Username,
		"display_name": senderName,
		"guild_id":     m.GuildID,
		"is_dm":        fmt.Sprintf("%t", m.GuildID == ""),
	}

	if c.HandleMessage(m.Author.ID, m.ChannelID, m.ID, content, metadata) {
		c.beginTyping(m.ChannelID)
	}
}
