package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/cache"
	"chatrelay/internal/models"
	"chatrelay/internal/pending"
	"chatrelay/internal/persona"
	"chatrelay/internal/runner"
	"chatrelay/internal/sanitize"
)

const (
	shortAnswer = "Paris is the capital of France."
	fullAnswer  = "Paris is the capital of France. It has held that role for centuries and remains the country's political and cultural heart."
)

type fakeRunner struct {
	mu        sync.Mutex
	calls     []recordedCall
	reply     func(prompt string, opts runner.Options) (string, error)
	available bool
	initErr   error
}

type recordedCall struct {
	prompt string
	opts   runner.Options
}

func (f *fakeRunner) Generate(_ context.Context, prompt string, opts runner.Options) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{prompt: prompt, opts: opts})
	f.mu.Unlock()
	return f.reply(prompt, opts)
}

func (f *fakeRunner) Available(context.Context) bool { return f.available }

func (f *fakeRunner) Init(context.Context) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.available = true
	return nil
}

func (f *fakeRunner) Model() string { return "test-model" }

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) call(i int) recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// isShortPrompt distinguishes the two phases by their trailing instruction.
func isShortPrompt(prompt string) bool {
	return strings.Contains(prompt, "never stop mid-sentence")
}

func defaultReply(prompt string, _ runner.Options) (string, error) {
	if isShortPrompt(prompt) {
		return shortAnswer, nil
	}
	return fullAnswer, nil
}

type fakeSearcher struct {
	mu    sync.Mutex
	calls int
	resp  *models.SearchResponse
	err   error
}

func (f *fakeSearcher) Search(context.Context, string) (*models.SearchResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.resp, f.err
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestOrchestrator(t *testing.T, gen *fakeRunner, search Searcher) *Orchestrator {
	t.Helper()
	personas := persona.Default()
	sanitizer := sanitize.New(personas.All()...)
	o := New(gen, search, sanitizer, personas, cache.New(16, time.Minute), pending.NewMemoryStore(time.Minute), nil)
	return o
}

func chatReq(message string) models.ChatRequest {
	return models.ChatRequest{Message: message, UseWebSearch: models.SearchNever}
}

func TestRejectsEmptyMessage(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	o := newTestOrchestrator(t, gen, nil)

	_, err := o.Chat(context.Background(), chatReq("   "))

	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, gen.callCount(), "validation happens before any generation")
}

func TestRejectsOversizedMessage(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	search := &fakeSearcher{}
	o := newTestOrchestrator(t, gen, search)

	req := models.ChatRequest{
		Message:      strings.Repeat("x", models.MaxMessageLength+1),
		UseWebSearch: models.SearchAlways,
	}
	_, err := o.Chat(context.Background(), req)

	assert.ErrorIs(t, err, ErrMessageTooLong)
	assert.Zero(t, gen.callCount(), "no generation after rejection")
	assert.Zero(t, search.callCount(), "no search after rejection")
}

func TestRunnerUnavailableFailsRequest(t *testing.T) {
	gen := &fakeRunner{available: false, initErr: errors.New("still down"), reply: defaultReply}
	o := newTestOrchestrator(t, gen, nil)

	_, err := o.Chat(context.Background(), chatReq("What is the capital of France?"))

	assert.ErrorIs(t, err, runner.ErrUnavailable)
	assert.Zero(t, gen.callCount())
}

func TestRunnerReinitRecovers(t *testing.T) {
	gen := &fakeRunner{available: false, reply: defaultReply}
	o := newTestOrchestrator(t, gen, nil)

	resp, err := o.Chat(context.Background(), chatReq("What is the capital of France?"))

	require.NoError(t, err, "one reinitialization attempt is permitted")
	assert.Equal(t, shortAnswer, resp.Answer)
}

func TestTwoPhaseContract(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	o := newTestOrchestrator(t, gen, nil)

	resp, err := o.Chat(context.Background(), chatReq("What is the capital of France?"))

	require.NoError(t, err)
	assert.Equal(t, shortAnswer, resp.Answer)
	assert.True(t, resp.PendingFull)
	require.NotEmpty(t, resp.FullID)
	assert.False(t, resp.UsedWeb)
	assert.Empty(t, resp.Sources)
	assert.Equal(t, "en", resp.Language)
	assert.Equal(t, "test-model", resp.Model)

	o.WaitBackground()

	entry, ok := o.Full(resp.FullID)
	require.True(t, ok)
	assert.True(t, entry.Ready)
	assert.Equal(t, fullAnswer, entry.Answer)
	assert.Empty(t, entry.Err)
	assert.GreaterOrEqual(t, len(entry.Answer), len(resp.Answer))
}

func TestShortPhaseBudgets(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	o := newTestOrchestrator(t, gen, nil)

	_, err := o.Chat(context.Background(), chatReq("What is the capital of France?"))
	require.NoError(t, err)
	o.WaitBackground()

	require.Equal(t, 2, gen.callCount())

	short := gen.call(0)
	assert.True(t, isShortPrompt(short.prompt))
	assert.Equal(t, 96, short.opts.MaxTokens)
	assert.InDelta(t, 0.55, short.opts.Temperature, 1e-9)

	full := gen.call(1)
	assert.False(t, isShortPrompt(full.prompt))
	assert.Equal(t, 1024, full.opts.MaxTokens)
	assert.InDelta(t, 0.7, full.opts.Temperature, 1e-9)
}

func TestBackgroundFailureFallsBackToShortAnswer(t *testing.T) {
	gen := &fakeRunner{available: true}
	gen.reply = func(prompt string, _ runner.Options) (string, error) {
		if isShortPrompt(prompt) {
			return shortAnswer, nil
		}
		return "", errors.New("runner crashed mid-generation")
	}
	o := newTestOrchestrator(t, gen, nil)

	resp, err := o.Chat(context.Background(), chatReq("What is the capital of France?"))
	require.NoError(t, err)

	o.WaitBackground()

	entry, ok := o.Full(resp.FullID)
	require.True(t, ok)
	assert.True(t, entry.Ready, "the full slot always settles, even on failure")
	assert.Equal(t, shortAnswer, entry.Answer, "falls back to the sanitized short answer")
	assert.Contains(t, entry.Err, "runner crashed")
}

func TestPollUnknownID(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	o := newTestOrchestrator(t, gen, nil)

	_, ok := o.Full("never-issued")
	assert.False(t, ok)
}

func TestCacheHitSkipsRunner(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	o := newTestOrchestrator(t, gen, nil)

	req := chatReq("What is the capital of France?")

	first, err := o.Chat(context.Background(), req)
	require.NoError(t, err)
	o.WaitBackground()
	callsAfterFirst := gen.callCount()

	second, err := o.Chat(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	assert.False(t, second.PendingFull, "cached responses skip the background phase")
	assert.Equal(t, callsAfterFirst, gen.callCount(), "no runner call on a cache hit")
}

func TestCacheKeyedOnHistory(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	o := newTestOrchestrator(t, gen, nil)

	req := chatReq("What is the capital of France?")
	_, err := o.Chat(context.Background(), req)
	require.NoError(t, err)
	o.WaitBackground()
	before := gen.callCount()

	withHistory := req
	withHistory.ConversationHistory = []models.Turn{{Role: "user", Content: "earlier question"}}
	resp, err := o.Chat(context.Background(), withHistory)
	require.NoError(t, err)
	o.WaitBackground()

	assert.False(t, resp.Cached, "different recent history misses the cache")
	assert.Greater(t, gen.callCount(), before)
}

func TestSinglePhase(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	o := newTestOrchestrator(t, gen, nil)

	fast := false
	req := chatReq("What is the capital of France?")
	req.Fast = &fast

	resp, err := o.Chat(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, fullAnswer, resp.Answer)
	assert.False(t, resp.PendingFull)
	assert.Empty(t, resp.FullID)
	assert.Equal(t, 1, gen.callCount())

	call := gen.call(0)
	assert.Equal(t, models.DefaultMaxTokens, call.opts.MaxTokens)
	assert.InDelta(t, models.DefaultTemperature, call.opts.Temperature, 1e-9)
}

func TestAutoSearchRequiresLengthAndKeyword(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		searched bool
	}{
		{"short with keyword", "latest Paris news", false},
		{"long without keyword", "please explain how photosynthesis works in great detail", false},
		{"long with keyword", "what is the latest news about the French elections today", true},
		{"french keyword", "quelles sont les actualités du jour à Paris en ce moment", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeRunner{available: true, reply: defaultReply}
			search := &fakeSearcher{resp: &models.SearchResponse{Provider: "duckduckgo"}}
			o := newTestOrchestrator(t, gen, search)

			req := models.ChatRequest{Message: tt.message, UseWebSearch: models.SearchAuto}
			_, err := o.Chat(context.Background(), req)
			require.NoError(t, err)
			o.WaitBackground()

			if tt.searched {
				assert.Equal(t, 1, search.callCount())
			} else {
				assert.Zero(t, search.callCount())
			}
		})
	}
}

func TestAlwaysAndNeverModes(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	search := &fakeSearcher{resp: &models.SearchResponse{
		Provider: "duckduckgo",
		Summary:  "- Paris: the capital of France since ages past.",
		Results:  []models.SearchResult{{Title: "Paris", URL: "https://example.org", Host: "example.org"}},
	}}
	o := newTestOrchestrator(t, gen, search)

	resp, err := o.Chat(context.Background(), models.ChatRequest{Message: "hi", UseWebSearch: models.SearchAlways})
	require.NoError(t, err)
	o.WaitBackground()
	assert.True(t, resp.UsedWeb)
	assert.Len(t, resp.Sources, 1)
	assert.Equal(t, "duckduckgo", resp.SearchProvider)
	assert.Equal(t, 1, search.callCount())

	resp, err = o.Chat(context.Background(), models.ChatRequest{Message: "what is the latest news today about anything at all", UseWebSearch: models.SearchNever})
	require.NoError(t, err)
	o.WaitBackground()
	assert.False(t, resp.UsedWeb)
	assert.Equal(t, 1, search.callCount(), "never mode must not search")
}

func TestSearchFailureIsAdvisoryOnly(t *testing.T) {
	gen := &fakeRunner{available: true, reply: defaultReply}
	search := &fakeSearcher{err: errors.New("rate limited")}
	o := newTestOrchestrator(t, gen, search)

	resp, err := o.Chat(context.Background(), models.ChatRequest{Message: "hello there", UseWebSearch: models.SearchAlways})

	require.NoError(t, err, "search failure never aborts generation")
	assert.Equal(t, shortAnswer, resp.Answer)
	assert.False(t, resp.UsedWeb)
	assert.NotEmpty(t, resp.SearchError)
	o.WaitBackground()
}

func TestGarbageTriggersOneRetry(t *testing.T) {
	gen := &fakeRunner{available: true}
	gen.reply = func(prompt string, _ runner.Options) (string, error) {
		if !isShortPrompt(prompt) {
			return fullAnswer, nil
		}
		if strings.Contains(prompt, "Answer the question directly.") {
			return shortAnswer + " It lies on the Seine in the north of the country.", nil
		}
		return "I'm ready to assist you! Please provide your first request.", nil
	}
	o := newTestOrchestrator(t, gen, nil)

	resp, err := o.Chat(context.Background(), chatReq("What is the capital of France?"))
	require.NoError(t, err)
	o.WaitBackground()

	assert.Contains(t, resp.Answer, "Paris is the capital of France.")
	assert.NotContains(t, resp.Answer, "ready to assist")

	retry := gen.call(1)
	assert.Contains(t, retry.prompt, "Answer the question directly.")
	assert.InDelta(t, 0.75, retry.opts.Temperature, 1e-9, "retry bumps temperature by 0.2")
	assert.Equal(t, 192, retry.opts.MaxTokens, "retry doubles the token ceiling")
}

func TestGarbageRetryKeepsOriginalWhenWorse(t *testing.T) {
	gen := &fakeRunner{available: true}
	canned := "I'm ready to assist you! Please provide your first request."
	gen.reply = func(prompt string, _ runner.Options) (string, error) {
		if !isShortPrompt(prompt) {
			return fullAnswer, nil
		}
		return canned, nil
	}
	o := newTestOrchestrator(t, gen, nil)

	resp, err := o.Chat(context.Background(), chatReq("What is the capital of France?"))
	require.NoError(t, err)
	o.WaitBackground()

	// Both attempts were canned; the first output is kept rather than
	// looping forever.
	assert.Equal(t, 3, gen.callCount(), "exactly one retry for the short phase")
	assert.NotEmpty(t, resp.Answer)
}

func TestEmptyOutputIsNeverCachedOrServed(t *testing.T) {
	gen := &fakeRunner{available: true}
	broken := true
	gen.reply = func(prompt string, opts runner.Options) (string, error) {
		if broken {
			return "", nil
		}
		return defaultReply(prompt, opts)
	}
	o := newTestOrchestrator(t, gen, nil)

	fast := false
	req := chatReq("What is the capital of France?")
	req.Fast = &fast

	_, err := o.Chat(context.Background(), req)
	require.ErrorIs(t, err, errEmptyOutput)
	assert.Equal(t, 2, gen.callCount(), "one retry before giving up")

	broken = false
	resp, err := o.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Cached, "a failed generation must not populate the cache")
	assert.Equal(t, fullAnswer, resp.Answer)
}

func TestIncompleteAnswerGetsOneContinuation(t *testing.T) {
	gen := &fakeRunner{available: true}
	partial := "Paris is the capital of France and"
	gen.reply = func(prompt string, _ runner.Options) (string, error) {
		if strings.Contains(prompt, "Continue your previous answer briefly") {
			return "it has been so for many centuries.", nil
		}
		if isShortPrompt(prompt) {
			return partial, nil
		}
		return fullAnswer, nil
	}
	o := newTestOrchestrator(t, gen, nil)

	resp, err := o.Chat(context.Background(), chatReq("What is the capital of France?"))
	require.NoError(t, err)
	o.WaitBackground()

	assert.Equal(t, partial+" it has been so for many centuries.", resp.Answer)
}

func TestContinuationFailureKeepsPartial(t *testing.T) {
	gen := &fakeRunner{available: true}
	partial := "Paris is the capital of France and"
	gen.reply = func(prompt string, _ runner.Options) (string, error) {
		if strings.Contains(prompt, "Continue your previous answer briefly") {
			return "", errors.New("runner hiccup")
		}
		if isShortPrompt(prompt) {
			return partial, nil
		}
		return fullAnswer, nil
	}
	o := newTestOrchestrator(t, gen, nil)

	resp, err := o.Chat(context.Background(), chatReq("What is the capital of France?"))

	require.NoError(t, err, "continuation failure is never user visible")
	assert.Equal(t, partial, resp.Answer)
	o.WaitBackground()
}

func TestFrenchDetection(t *testing.T) {
	gen := &fakeRunner{available: true}
	gen.reply = func(prompt string, _ runner.Options) (string, error) {
		return "Paris est la capitale de la France depuis des siècles.", nil
	}
	o := newTestOrchestrator(t, gen, nil)

	resp, err := o.Chat(context.Background(), chatReq("Quelle est la capitale de la France ?"))
	require.NoError(t, err)
	o.WaitBackground()

	assert.Equal(t, "fr", resp.Language)
}
