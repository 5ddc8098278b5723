package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotchat/pkg/metrics"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/ratelimit"
)

type stubProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	delay    time.Duration
	calls    int
	messages [][]providers.Message
	models   []string
	options  []map[string]interface{}
}

func (p *stubProvider) Chat(ctx context.Context, messages []providers.Message, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	p.mu.Lock()
	p.calls++
	p.messages = append(p.messages, messages)
	p.models = append(p.models, model)
	p.options = append(p.options, options)
	delay, reply, err := p.delay, p.reply, p.err
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &providers.LLMResponse{Content: reply, FinishReason: "stop"}, nil
}

func (p *stubProvider) GetDefaultModel() string { return "default-model" }

type denyAll struct{}

func (denyAll) Allow() bool { return false }

func TestGenerate_ReturnsReplyVerbatim(t *testing.T) {
	provider := &stubProvider{reply: "  Hi there\n"}
	limiter, err := ratelimit.NewSlidingWindow(5, time.Minute)
	require.NoError(t, err)
	g := NewGateway(provider, limiter, Options{MaxTokens: 256, Temperature: 0.5})

	got, err := g.Generate(context.Background(), "gemini-2.5-flash", "prompt text")
	require.NoError(t, err)
	assert.Equal(t, "  Hi there\n", got)

	require.Equal(t, 1, provider.calls)
	assert.Equal(t, []providers.Message{{Role: "user", Content: "prompt text"}}, provider.messages[0])
	assert.Equal(t, "gemini-2.5-flash", provider.models[0])
	assert.Equal(t, 256, provider.options[0]["max_tokens"])
	assert.Equal(t, 0.5, provider.options[0]["temperature"])
	assert.Equal(t, 1, limiter.Len())
}

func TestGenerate_EmptyModelUsesProviderDefault(t *testing.T) {
	provider := &stubProvider{reply: "ok"}
	limiter, err := ratelimit.NewSlidingWindow(1, time.Minute)
	require.NoError(t, err)

	_, err = NewGateway(provider, limiter, Options{}).Generate(context.Background(), " ", "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"default-model"}, provider.models)
}

func TestGenerate_DeniedMakesNoProviderCall(t *testing.T) {
	provider := &stubProvider{reply: "unused"}
	m := metrics.NewMetrics()
	g := NewGateway(provider, denyAll{}, Options{Metrics: m})

	_, err := g.Generate(context.Background(), "m", "p")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.NotErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, 0, provider.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitDeniedTotal))
}

func TestGenerate_SecondCallDeniedWithinWindow(t *testing.T) {
	provider := &stubProvider{reply: "ok"}
	limiter, err := ratelimit.NewSlidingWindow(1, time.Minute)
	require.NoError(t, err)
	g := NewGateway(provider, limiter, Options{})

	_, err = g.Generate(context.Background(), "m", "first")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "m", "second")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, 1, provider.calls)
}

func TestGenerate_ProviderErrorIsGenerationFailure(t *testing.T) {
	cause := errors.New("connection reset")
	provider := &stubProvider{err: cause}
	limiter, err := ratelimit.NewSlidingWindow(5, time.Minute)
	require.NoError(t, err)
	m := metrics.NewMetrics()

	_, err = NewGateway(provider, limiter, Options{Metrics: m}).Generate(context.Background(), "m", "p")
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GenerationRequestsTotal.WithLabelValues("m", "error")))
}

func TestGenerate_TimeoutIsGenerationFailure(t *testing.T) {
	provider := &stubProvider{reply: "late", delay: time.Second}
	limiter, err := ratelimit.NewSlidingWindow(5, time.Minute)
	require.NoError(t, err)
	g := NewGateway(provider, limiter, Options{Timeout: 20 * time.Millisecond})

	_, err = g.Generate(context.Background(), "m", "p")
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
