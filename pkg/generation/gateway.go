// Package generation is the single path through which prompts reach the
// configured LLM provider. Every call is subject to the process rate limit.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/metrics"
	"github.com/dotsetgreg/dotchat/pkg/providers"
)

var (
	// ErrRateLimitExceeded means the limiter refused the call; nothing was sent.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrGenerationFailed wraps any transport, provider or timeout failure.
	ErrGenerationFailed = errors.New("generation failed")
)

// Limiter admits or refuses a call.
type Limiter interface {
	Allow() bool
}

type Options struct {
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	Metrics     *metrics.Metrics
}

// Gateway forwards single-prompt requests to a provider.
type Gateway struct {
	provider providers.LLMProvider
	limiter  Limiter
	opts     Options
}

func NewGateway(provider providers.LLMProvider, limiter Limiter, opts Options) *Gateway {
	return &Gateway{provider: provider, limiter: limiter, opts: opts}
}

// Generate sends prompt as one user message and returns the reply text
// unmodified. It makes at most one provider call and never retries.
func (g *Gateway) Generate(ctx context.Context, model, prompt string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = g.provider.GetDefaultModel()
	}

	if !g.limiter.Allow() {
		g.opts.Metrics.RecordRateLimited(model)
		logger.WarnCF("generation", "Rate limit exceeded", map[string]interface{}{
			"model": model,
		})
		return "", ErrRateLimitExceeded
	}

	callCtx := ctx
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	options := map[string]interface{}{}
	if g.opts.MaxTokens > 0 {
		options["max_tokens"] = g.opts.MaxTokens
	}
	if g.opts.Temperature > 0 {
		options["temperature"] = g.opts.Temperature
	}

	start := time.Now()
	resp, err := g.provider.Chat(callCtx, []providers.Message{{Role: "user", Content: prompt}}, model, options)
	elapsed := time.Since(start)
	if err == nil && resp == nil {
		err = errors.New("provider returned no response")
	}
	if err != nil {
		g.opts.Metrics.RecordGeneration(model, "error", elapsed)
		logger.ErrorCF("generation", "Generation call failed", map[string]interface{}{
			"model":       model,
			"duration_ms": elapsed.Milliseconds(),
			"error":       err.Error(),
		})
		return "", fmt.Errorf("%w: %s: %w", ErrGenerationFailed, model, err)
	}

	g.opts.Metrics.RecordGeneration(model, "success", elapsed)
	fields := map[string]interface{}{
		"model":         model,
		"duration_ms":   elapsed.Milliseconds(),
		"prompt_chars":  len(prompt),
		"reply_chars":   len(resp.Content),
		"finish_reason": resp.FinishReason,
	}
	if resp.Usage != nil {
		fields["total_tokens"] = resp.Usage.TotalTokens
	}
	logger.DebugCF("generation", "Generation call completed", fields)
	return resp.Content, nil
}
