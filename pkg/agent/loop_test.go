package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/generation"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/metrics"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/ratelimit"
)

const (
	testSummaryModel = "summary-model"
	testChatModel    = "chat-model"
	testSummaryTmpl  = "SUMMARIZE:\n{{conversation}}"
	testChatTmpl     = "{{summary}}||{{message}}"
)

// scriptedGenerator answers per model and records every prompt.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	prompts map[string][]string
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		replies: map[string]string{},
		errs:    map[string]error{},
		prompts: map[string][]string{},
	}
}

func (g *scriptedGenerator) Generate(_ context.Context, model, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts[model] = append(g.prompts[model], prompt)
	if err := g.errs[model]; err != nil {
		return "", err
	}
	return g.replies[model], nil
}

func (g *scriptedGenerator) promptsFor(model string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts[model]...)
}

func newTestStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "state", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestLoop(t *testing.T, store memory.Store, gen memory.Generator, opts LoopOptions) *ChatLoop {
	t.Helper()
	if opts.Model == "" {
		opts.Model = testChatModel
	}
	summarizer := memory.NewSummarizer(gen, testSummaryModel, testSummaryTmpl)
	return NewChatLoop(store, summarizer, NewContextBuilder(testChatTmpl), gen, opts)
}

func TestHandleMessage_FirstTurnOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := newScriptedGenerator()
	gen.replies[testSummaryModel] = ""
	gen.replies[testChatModel] = "Hi there"
	m := metrics.NewMetrics()
	loop := newTestLoop(t, store, gen, LoopOptions{Metrics: m})

	result, err := loop.HandleMessage(ctx, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", result.Reply)
	assert.Equal(t, "", result.Summary)
	assert.Equal(t, "Hi there", result.AssistantTurn.Content)
	assert.Greater(t, result.AssistantTurn.ID, result.UserTurn.ID)

	turns, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, memory.RoleUser, turns[0].Role)
	assert.Equal(t, "Hello", turns[0].Content)
	assert.Equal(t, memory.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hi there", turns[1].Content)

	assert.Equal(t, []string{"SUMMARIZE:\nUSER: Hello"}, gen.promptsFor(testSummaryModel))
	assert.Equal(t, []string{"||Hello"}, gen.promptsFor(testChatModel))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChatTurnsTotal.WithLabelValues("success")))
}

func TestHandleMessage_SummaryFlowsIntoPrompt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := newScriptedGenerator()
	gen.replies[testSummaryModel] = "user greeted"
	gen.replies[testChatModel] = "Doing well"
	loop := newTestLoop(t, store, gen, LoopOptions{})

	_, err := loop.HandleMessage(ctx, "Hello")
	require.NoError(t, err)
	result, err := loop.HandleMessage(ctx, "How are you?")
	require.NoError(t, err)

	assert.Equal(t, "user greeted", result.Summary)
	assert.Equal(t, "Doing well", result.Reply)

	summaries := gen.promptsFor(testSummaryModel)
	require.Len(t, summaries, 2)
	assert.Equal(t, "SUMMARIZE:\nUSER: Hello\nASSISTANT: Doing well\nUSER: How are you?", summaries[1])
	chats := gen.promptsFor(testChatModel)
	assert.Equal(t, "user greeted||How are you?", chats[1])

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestHandleMessage_WindowIsBounded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, c := range []string{"one", "two", "three"} {
		_, err := store.Append(ctx, memory.RoleUser, c)
		require.NoError(t, err)
	}
	gen := newScriptedGenerator()
	gen.replies[testSummaryModel] = "s"
	gen.replies[testChatModel] = "r"
	loop := newTestLoop(t, store, gen, LoopOptions{WindowSize: 2})

	_, err := loop.HandleMessage(ctx, "four")
	require.NoError(t, err)
	assert.Equal(t, []string{"SUMMARIZE:\nUSER: three\nUSER: four"}, gen.promptsFor(testSummaryModel))
}

func TestHandleMessage_GenerationFailureLeavesStoreEmpty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := newScriptedGenerator()
	gen.errs[testChatModel] = fmt.Errorf("%w: upstream 503", generation.ErrGenerationFailed)
	m := metrics.NewMetrics()
	loop := newTestLoop(t, store, gen, LoopOptions{Metrics: m})

	result, err := loop.HandleMessage(ctx, "X")
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrGenerationFailed)
	assert.Equal(t, TurnResult{}, result)

	turns, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChatRollbacksTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChatTurnsTotal.WithLabelValues("generation_failed")))
}

func TestHandleMessage_SummarizerFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.Append(ctx, memory.RoleUser, "earlier")
	require.NoError(t, err)

	gen := newScriptedGenerator()
	boom := errors.New("summary backend down")
	gen.errs[testSummaryModel] = boom
	loop := newTestLoop(t, store, gen, LoopOptions{})

	_, err = loop.HandleMessage(ctx, "next")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, gen.promptsFor(testChatModel))

	turns, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "earlier", turns[0].Content)
}

// faultyStore hands out units of work that fail after the real write.
type faultyStore struct {
	memory.Store
	failAssistantAppend bool
	failCommit          bool
}

func (s *faultyStore) Begin(ctx context.Context) (memory.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, store: s}, nil
}

type faultyTx struct {
	memory.Tx
	store *faultyStore
}

func (tx *faultyTx) Append(ctx context.Context, role memory.Role, content string) (memory.Turn, error) {
	turn, err := tx.Tx.Append(ctx, role, content)
	if err != nil {
		return turn, err
	}
	if role == memory.RoleAssistant && tx.store.failAssistantAppend {
		return memory.Turn{}, fmt.Errorf("%w: disk full", memory.ErrPersistence)
	}
	return turn, nil
}

func (tx *faultyTx) Commit(ctx context.Context) error {
	if tx.store.failCommit {
		return fmt.Errorf("%w: database is locked", memory.ErrPersistence)
	}
	return tx.Tx.Commit(ctx)
}

func TestHandleMessage_PersistenceFailureAfterReplyRollsBack(t *testing.T) {
	tests := []struct {
		name  string
		store func(memory.Store) *faultyStore
	}{
		{
			name:  "assistant append",
			store: func(s memory.Store) *faultyStore { return &faultyStore{Store: s, failAssistantAppend: true} },
		},
		{
			name:  "commit",
			store: func(s memory.Store) *faultyStore { return &faultyStore{Store: s, failCommit: true} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			base := newTestStore(t)
			_, err := base.Append(ctx, memory.RoleUser, "earlier")
			require.NoError(t, err)

			gen := newScriptedGenerator()
			gen.replies[testSummaryModel] = "s"
			gen.replies[testChatModel] = "Hi there"
			m := metrics.NewMetrics()
			loop := newTestLoop(t, tt.store(base), gen, LoopOptions{Metrics: m})

			result, err := loop.HandleMessage(ctx, "Hello")
			require.Error(t, err)
			assert.ErrorIs(t, err, memory.ErrPersistence)
			assert.Equal(t, TurnResult{}, result)

			turns, err := base.All(ctx)
			require.NoError(t, err)
			require.Len(t, turns, 1)
			assert.Equal(t, "earlier", turns[0].Content)

			window, err := base.Recent(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, window, 1)
			assert.Equal(t, float64(1), testutil.ToFloat64(m.ChatRollbacksTotal))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.ChatTurnsTotal.WithLabelValues("persistence_failed")))
		})
	}
}

type echoProvider struct{}

func (echoProvider) Chat(_ context.Context, messages []providers.Message, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{Content: "echo: " + messages[len(messages)-1].Content}, nil
}

func (echoProvider) GetDefaultModel() string { return "echo" }

func TestHandleMessage_RateLimitedReplyRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	// One admission per minute: the summary call takes it, the reply is refused.
	limiter, err := ratelimit.NewSlidingWindow(1, time.Minute)
	require.NoError(t, err)
	gateway := generation.NewGateway(echoProvider{}, limiter, generation.Options{})
	loop := newTestLoop(t, store, gateway, LoopOptions{})

	_, err = loop.HandleMessage(ctx, "Hello")
	assert.ErrorIs(t, err, generation.ErrRateLimitExceeded)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHandleMessage_EmptyMessage(t *testing.T) {
	store := newTestStore(t)
	gen := newScriptedGenerator()
	loop := newTestLoop(t, store, gen, LoopOptions{})

	_, err := loop.HandleMessage(context.Background(), "  \n\t")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, gen.promptsFor(testSummaryModel))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRun_RepliesOnOriginatingChannel(t *testing.T) {
	store := newTestStore(t)
	gen := newScriptedGenerator()
	gen.replies[testChatModel] = "pong"
	msgBus := bus.NewMessageBus()
	defer msgBus.Close()
	loop := newTestLoop(t, store, gen, LoopOptions{Bus: msgBus})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	msgBus.PublishInbound(bus.InboundMessage{Channel: "discord", ChatID: "c1", SenderID: "u1", Content: "ping", MessageID: "m1"})

	outCtx, outCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer outCancel()
	out, ok := msgBus.SubscribeOutbound(outCtx)
	require.True(t, ok)
	assert.Equal(t, "discord", out.Channel)
	assert.Equal(t, "c1", out.ChatID)
	assert.Equal(t, "pong", out.Content)
	assert.Equal(t, "m1", out.ReplyTo)

	msgBus.PublishInbound(bus.InboundMessage{Channel: "discord", ChatID: "c1", Content: "/count"})
	out, ok = msgBus.SubscribeOutbound(outCtx)
	require.True(t, ok)
	assert.Equal(t, "2 turns stored", out.Content)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_RequiresBus(t *testing.T) {
	loop := newTestLoop(t, newTestStore(t), newScriptedGenerator(), LoopOptions{})
	assert.Error(t, loop.Run(context.Background()))
}

func TestUserFacingError(t *testing.T) {
	assert.Contains(t, userFacingError(fmt.Errorf("wrap: %w", generation.ErrRateLimitExceeded)), "too many requests")
	assert.Contains(t, userFacingError(generation.ErrGenerationFailed), "language model")
	assert.Equal(t, "", userFacingError(ErrEmptyMessage))
}
