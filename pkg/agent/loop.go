// DotChat - conversational backend with bounded context
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotChat contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/generation"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/metrics"
)

// ErrEmptyMessage is returned for blank user input; nothing is persisted.
var ErrEmptyMessage = errors.New("empty message")

// TurnResult is the outcome of one successfully committed exchange.
type TurnResult struct {
	Reply         string
	Summary       string
	UserTurn      memory.Turn
	AssistantTurn memory.Turn
}

type LoopOptions struct {
	Model      string
	WindowSize int
	Metrics    *metrics.Metrics
	// Bus is only needed by Run.
	Bus *bus.MessageBus
	// Cache backs the /summary chat command when set.
	Cache *memory.SummaryCache
}

// ChatLoop handles user turns end to end: persist, summarize, generate,
// persist, commit. A failed step leaves the store as it was.
type ChatLoop struct {
	store          memory.Store
	summarizer     *memory.Summarizer
	contextBuilder *ContextBuilder
	generator      memory.Generator
	model          string
	windowSize     int
	metrics        *metrics.Metrics
	bus            *bus.MessageBus
	cache          *memory.SummaryCache
	running        atomic.Bool
}

func NewChatLoop(store memory.Store, summarizer *memory.Summarizer, contextBuilder *ContextBuilder, generator memory.Generator, opts LoopOptions) *ChatLoop {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 10
	}
	return &ChatLoop{
		store:          store,
		summarizer:     summarizer,
		contextBuilder: contextBuilder,
		generator:      generator,
		model:          opts.Model,
		windowSize:     opts.WindowSize,
		metrics:        opts.Metrics,
		bus:            opts.Bus,
		cache:          opts.Cache,
	}
}

// HandleMessage runs one exchange inside a unit of work. On any failure
// the unit is rolled back and the original error is returned, so
// errors.Is still matches generation.ErrRateLimitExceeded,
// generation.ErrGenerationFailed and memory.ErrPersistence.
func (cl *ChatLoop) HandleMessage(ctx context.Context, userText string) (result TurnResult, err error) {
	if strings.TrimSpace(userText) == "" {
		return TurnResult{}, ErrEmptyMessage
	}

	start := time.Now()
	defer func() {
		cl.metrics.RecordChatTurn(turnStatus(err), time.Since(start))
	}()

	tx, err := cl.store.Begin(ctx)
	if err != nil {
		return TurnResult{}, err
	}
	defer func() {
		if err != nil {
			cl.rollback(ctx, tx, err)
		}
	}()

	userTurn, err := tx.Append(ctx, memory.RoleUser, userText)
	if err != nil {
		return TurnResult{}, err
	}

	window, err := tx.Recent(ctx, cl.windowSize)
	if err != nil {
		return TurnResult{}, err
	}
	summary, err := cl.summarizer.Summarize(ctx, window)
	if err != nil {
		return TurnResult{}, err
	}

	prompt := cl.contextBuilder.BuildPrompt(summary, userText)
	reply, err := cl.generator.Generate(ctx, cl.model, prompt)
	if err != nil {
		return TurnResult{}, err
	}

	assistantTurn, err := tx.Append(ctx, memory.RoleAssistant, reply)
	if err != nil {
		return TurnResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return TurnResult{}, err
	}

	logger.InfoCF("chat", "Turn committed", map[string]interface{}{
		"unit_of_work":      tx.ID(),
		"user_turn_id":      userTurn.ID,
		"assistant_turn_id": assistantTurn.ID,
		"window_turns":      len(window),
		"summary_chars":     len(summary),
		"reply_chars":       len(reply),
		"duration_ms":       time.Since(start).Milliseconds(),
	})

	return TurnResult{
		Reply:         reply,
		Summary:       summary,
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
	}, nil
}

// rollback must run even when ctx is already cancelled.
func (cl *ChatLoop) rollback(ctx context.Context, tx memory.Tx, cause error) {
	cl.metrics.RecordRollback()
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	fields := map[string]interface{}{
		"unit_of_work": tx.ID(),
		"cause":        cause.Error(),
	}
	if err := tx.Rollback(rbCtx); err != nil {
		fields["rollback_error"] = err.Error()
		logger.ErrorCF("chat", "Rollback failed", fields)
		return
	}
	logger.WarnCF("chat", "Turn rolled back", fields)
}

func turnStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, generation.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, generation.ErrGenerationFailed):
		return "generation_failed"
	case errors.Is(err, memory.ErrPersistence):
		return "persistence_failed"
	default:
		return "error"
	}
}

// Run consumes inbound channel messages until ctx is done or the bus
// closes, replying on the originating channel.
func (cl *ChatLoop) Run(ctx context.Context) error {
	if cl.bus == nil {
		return fmt.Errorf("chat loop has no message bus")
	}
	cl.running.Store(true)
	defer cl.running.Store(false)

	for {
		msg, ok := cl.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}

		logger.InfoCF("chat", fmt.Sprintf("Processing message from %s:%s", msg.Channel, msg.SenderID),
			map[string]interface{}{
				"channel":   msg.Channel,
				"chat_id":   msg.ChatID,
				"sender_id": msg.SenderID,
				"preview":   truncate(msg.Content, 80),
			})

		response := cl.processMessage(ctx, msg)
		if response == "" {
			continue
		}
		cl.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: response,
			ReplyTo: msg.MessageID,
		})
	}
}

func (cl *ChatLoop) Running() bool {
	return cl.running.Load()
}

func (cl *ChatLoop) processMessage(ctx context.Context, msg bus.InboundMessage) string {
	if response, handled := cl.handleCommand(ctx, msg); handled {
		return response
	}

	result, err := cl.HandleMessage(ctx, msg.Content)
	if err != nil {
		return userFacingError(err)
	}
	return result.Reply
}

func userFacingError(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return ""
	case errors.Is(err, generation.ErrRateLimitExceeded):
		return "I'm getting too many requests right now. Please try again in a minute."
	case errors.Is(err, generation.ErrGenerationFailed):
		return "Sorry, I couldn't reach the language model. Please try again."
	default:
		return fmt.Sprintf("Error processing message: %v", err)
	}
}

func (cl *ChatLoop) handleCommand(ctx context.Context, msg bus.InboundMessage) (string, bool) {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "/") {
		return "", false
	}

	parts := strings.Fields(content)
	switch parts[0] {
	case "/model":
		return fmt.Sprintf("Current model: %s", cl.model), true

	case "/summary":
		if cl.cache == nil {
			return "Summaries are not available on this channel", true
		}
		if len(parts) > 1 && parts[1] == "refresh" {
			summary, err := cl.cache.Regenerate(ctx)
			if err != nil {
				cl.metrics.RecordSummaryRegeneration("error")
				return userFacingError(err), true
			}
			cl.metrics.RecordSummaryRegeneration("success")
			return valueOr(summary, "(nothing to summarize yet)"), true
		}
		summary, ok := cl.cache.Retrieve()
		if !ok {
			return "No summary generated yet. Use /summary refresh", true
		}
		return valueOr(summary, "(empty)"), true

	case "/count":
		n, err := cl.store.Count(ctx)
		if err != nil {
			return userFacingError(err), true
		}
		return fmt.Sprintf("%d turns stored", n), true
	}

	return "", false
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
