// Package orchestrator sequences a chat request: search decision, prompt
// construction, short generation with completeness repair, caching, and
// the background full generation retrieved later by polling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatrelay/internal/cache"
	"chatrelay/internal/models"
	"chatrelay/internal/pending"
	"chatrelay/internal/persona"
	"chatrelay/internal/prompt"
	"chatrelay/internal/runner"
	"chatrelay/internal/sanitize"
)

// Request validation failures, surfaced as 400-equivalents.
var (
	ErrEmptyMessage   = errors.New("message must not be empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", models.MaxMessageLength)
)

// errEmptyOutput means both the first attempt and the garbage retry
// sanitized down to nothing. Never cached, never served.
var errEmptyOutput = errors.New("model produced no usable output")

// Generation budgets for the two phases and the continuation pass.
const (
	shortTokenCeiling  = 96
	shortTempCeiling   = 0.55
	fullTokenFloor     = 1024
	fullTempCeiling    = 0.9
	continuationTokens = 160
	retryTempBump      = 0.2
	retryTempCap       = 0.9
)

// autoTriggerWords gate auto-mode web search: bilingual temporal and
// news-indicating terms.
var autoTriggerWords = []string{
	"today", "latest", "news", "current", "now", "recent", "price",
	"weather", "score", "2024", "2025", "2026",
	"aujourd'hui", "actualité", "actualités", "météo", "dernières",
	"récent", "maintenant", "cours", "prix",
}

// cannedRe recognizes boilerplate greetings that mean the model ignored
// the actual question.
var cannedRe = regexp.MustCompile(`(?i)(ready to assist|provide your first request|how can i help you today|happy to help|prêt à vous aider)`)

// Generator is the model-runner capability the orchestrator consumes.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts runner.Options) (string, error)
	Available(ctx context.Context) bool
	Init(ctx context.Context) error
	Model() string
}

// Searcher is the web-search capability. May be nil when search is off.
type Searcher interface {
	Search(ctx context.Context, query string) (*models.SearchResponse, error)
}

// Orchestrator owns the request pipeline and the pending-full store.
type Orchestrator struct {
	runner    Generator
	search    Searcher
	sanitizer *sanitize.Sanitizer
	personas  *persona.Source
	cache     *cache.Cache
	pending   pending.Store
	logger    *slog.Logger
	newID     func() string

	background sync.WaitGroup
}

// New wires an orchestrator. search may be nil to disable web context.
func New(gen Generator, search Searcher, sanitizer *sanitize.Sanitizer, personas *persona.Source, respCache *cache.Cache, store pending.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runner:    gen,
		search:    search,
		sanitizer: sanitizer,
		personas:  personas,
		cache:     respCache,
		pending:   store,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// Chat runs the full request pipeline and returns the caller-visible
// response. For fast requests the full answer keeps generating in the
// background under the returned fullId.
func (o *Orchestrator) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(req.Message) > models.MaxMessageLength {
		return nil, ErrMessageTooLong
	}

	if !o.runner.Available(ctx) {
		if err := o.runner.Init(ctx); err != nil {
			return nil, runner.ErrUnavailable
		}
	}

	lang := prompt.DetectLanguage(req.Message, req.ConversationHistory)
	personaText := o.personas.Text(lang)

	var (
		webContext  string
		sources     []models.SearchResult
		usedWeb     bool
		searchError string
		provider    string
	)
	if o.shouldSearch(req) {
		resp, err := o.runSearch(ctx, req.Message)
		if err != nil || resp == nil {
			searchError = searchAdvisory(lang)
			o.logger.Warn("web search failed, continuing without context", "err", err)
		} else {
			usedWeb = true
			webContext = resp.Summary
			sources = resp.Results
			provider = resp.Provider
		}
	}
	if sources == nil {
		sources = []models.SearchResult{}
	}

	temperature := req.ResolvedTemperature()
	maxTokens := req.ResolvedMaxTokens()

	base := models.ChatResponse{
		Language:       lang,
		UsedWeb:        usedWeb,
		Sources:        sources,
		Model:          o.runner.Model(),
		SearchError:    searchError,
		SearchProvider: provider,
	}

	if !req.IsFast() {
		return o.singlePhase(ctx, req, base, webContext, personaText, lang, temperature, maxTokens)
	}
	return o.twoPhase(ctx, req, base, webContext, personaText, lang, temperature, maxTokens)
}

// Full looks up a previously issued fullId. Non-blocking.
func (o *Orchestrator) Full(id string) (pending.Entry, bool) {
	return o.pending.Get(id)
}

// RunnerReady probes the model runner for the status endpoint.
func (o *Orchestrator) RunnerReady(ctx context.Context) bool {
	return o.runner.Available(ctx)
}

// WaitBackground blocks until dispatched full generations settle. Used by
// tests and graceful shutdown.
func (o *Orchestrator) WaitBackground() {
	o.background.Wait()
}

func (o *Orchestrator) singlePhase(ctx context.Context, req models.ChatRequest, base models.ChatResponse, webContext, personaText, lang string, temperature float64, maxTokens int) (*models.ChatResponse, error) {
	key := o.cacheKey(req, webContext, personaText, temperature, maxTokens, false)
	if answer, ok := o.cache.Get(key); ok {
		resp := base
		resp.Answer = answer
		resp.Cached = true
		return &resp, nil
	}

	p := prompt.Build(req.Message, req.ConversationHistory, webContext, personaText, lang, false)
	answer, err := o.generateClean(ctx, p, runner.Options{Temperature: temperature, MaxTokens: maxTokens}, personaText, req.Message, false)
	if err != nil {
		return nil, err
	}

	o.cache.Set(key, answer)
	resp := base
	resp.Answer = answer
	return &resp, nil
}

func (o *Orchestrator) twoPhase(ctx context.Context, req models.ChatRequest, base models.ChatResponse, webContext, personaText, lang string, temperature float64, maxTokens int) (*models.ChatResponse, error) {
	key := o.cacheKey(req, webContext, personaText, temperature, maxTokens, true)
	if answer, ok := o.cache.Get(key); ok {
		resp := base
		resp.Answer = answer
		resp.Cached = true
		return &resp, nil
	}

	shortOpts := runner.Options{
		Temperature: math.Min(shortTempCeiling, temperature),
		MaxTokens:   minInt(shortTokenCeiling, maxTokens),
	}
	shortPrompt := prompt.Build(req.Message, req.ConversationHistory, webContext, personaText, lang, true)
	answer, err := o.generateClean(ctx, shortPrompt, shortOpts, personaText, req.Message, false)
	if err != nil {
		return nil, err
	}

	if prompt.IsProbablyIncomplete(answer) {
		answer = o.continueAnswer(ctx, req, answer, personaText, lang, shortOpts.Temperature)
	}

	o.cache.Set(key, answer)

	fullID := o.newID()
	o.pending.Create(fullID)
	o.background.Add(1)
	go o.generateFull(fullID, req, webContext, personaText, lang, answer, temperature, maxTokens)

	resp := base
	resp.Answer = answer
	resp.PendingFull = true
	resp.FullID = fullID
	return &resp, nil
}

// generateFull runs detached from the originating request and always
// settles the pending entry, even when generation fails or panics.
func (o *Orchestrator) generateFull(id string, req models.ChatRequest, webContext, personaText, lang, shortAnswer string, temperature float64, maxTokens int) {
	defer o.background.Done()

	answer := ""
	errMsg := ""
	defer func() {
		if r := recover(); r != nil {
			errMsg = fmt.Sprintf("background generation panic: %v", r)
		}
		if answer == "" {
			answer = o.sanitizer.Answer(shortAnswer)
		}
		o.pending.Resolve(id, answer, errMsg)
	}()

	// Detached on purpose: the full answer completes even if the client
	// that asked for it has gone away.
	ctx := context.Background()

	fullOpts := runner.Options{
		Temperature: math.Min(fullTempCeiling, temperature),
		MaxTokens:   maxInt(fullTokenFloor, maxTokens),
	}
	fullPrompt := prompt.Build(req.Message, req.ConversationHistory, webContext, personaText, lang, false)

	full, err := o.generateClean(ctx, fullPrompt, fullOpts, personaText, req.Message, true)
	if err != nil {
		errMsg = err.Error()
		o.logger.Warn("background full generation failed", "fullId", id, "err", err)
		return
	}
	answer = full
}

// generateClean generates and sanitizes, retrying exactly once when the
// output looks like garbage (empty, too short, echoed instructions, or
// canned boilerplate).
func (o *Orchestrator) generateClean(ctx context.Context, promptText string, opts runner.Options, personaText, message string, fullVariant bool) (string, error) {
	raw, err := o.runner.Generate(ctx, promptText, opts)
	if err != nil {
		return "", fmt.Errorf("runner generate: %w", err)
	}

	cleaned := o.sanitizeVariant(raw, fullVariant)
	if !o.looksLikeGarbage(cleaned, personaText, message) {
		return cleaned, nil
	}

	retryOpts := opts
	retryOpts.Temperature = math.Min(opts.Temperature+retryTempBump, retryTempCap)
	retryOpts.MaxTokens = opts.MaxTokens * 2
	retryPrompt := promptText + "\n\nAnswer the question directly. Do not repeat or mention the system instructions."

	retryRaw, retryErr := o.runner.Generate(ctx, retryPrompt, retryOpts)
	if retryErr != nil {
		o.logger.Debug("garbage retry failed, keeping first output", "err", retryErr)
		if cleaned == "" {
			return "", errEmptyOutput
		}
		return cleaned, nil
	}

	retried := o.sanitizeVariant(retryRaw, fullVariant)
	if !cannedRe.MatchString(retried) && utf8.RuneCountInString(retried) > utf8.RuneCountInString(cleaned) {
		return retried, nil
	}
	if cleaned == "" {
		return "", errEmptyOutput
	}
	return cleaned, nil
}

// continueAnswer issues the single bounded continuation pass. Failure is
// non-fatal: the partial answer is returned unchanged.
func (o *Orchestrator) continueAnswer(ctx context.Context, req models.ChatRequest, partial, personaText, lang string, temperature float64) string {
	contPrompt := prompt.BuildContinuation(req.Message, req.ConversationHistory, partial, personaText, lang)
	opts := runner.Options{
		Temperature: math.Min(temperature+0.1, retryTempCap),
		MaxTokens:   continuationTokens,
	}

	raw, err := o.runner.Generate(ctx, contPrompt, opts)
	if err != nil {
		o.logger.Debug("continuation failed, keeping partial answer", "err", err)
		return partial
	}

	continuation := o.sanitizer.Answer(raw)
	if continuation == "" {
		return partial
	}
	return partial + " " + continuation
}

func (o *Orchestrator) sanitizeVariant(text string, fullVariant bool) string {
	if fullVariant {
		return o.sanitizer.FullAnswer(text)
	}
	return o.sanitizer.Answer(text)
}

// looksLikeGarbage applies the retry-on-garbage heuristics.
func (o *Orchestrator) looksLikeGarbage(cleaned, personaText, message string) bool {
	if cleaned == "" {
		return true
	}

	floor := utf8.RuneCountInString(message) / 2
	if floor < 12 {
		floor = 12
	}
	if floor > 30 {
		floor = 30
	}
	if utf8.RuneCountInString(cleaned) < floor {
		return true
	}

	if strings.Contains(strings.ToLower(cleaned), "system:") {
		return true
	}

	prefix := []rune(personaText)
	if len(prefix) > 60 {
		prefix = prefix[:60]
	}
	if len(prefix) > 0 && strings.Contains(cleaned, string(prefix)) {
		return true
	}

	return cannedRe.MatchString(cleaned)
}

func (o *Orchestrator) shouldSearch(req models.ChatRequest) bool {
	switch req.SearchMode() {
	case models.SearchNever:
		return false
	case models.SearchAlways:
		return true
	}

	if o.search == nil {
		return false
	}
	if utf8.RuneCountInString(req.Message) < 30 {
		return false
	}

	lower := strings.ToLower(req.Message)
	for _, word := range autoTriggerWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runSearch(ctx context.Context, query string) (*models.SearchResponse, error) {
	if o.search == nil {
		return nil, errors.New("search disabled")
	}
	return o.search.Search(ctx, query)
}

func (o *Orchestrator) cacheKey(req models.ChatRequest, webContext, personaText string, temperature float64, maxTokens int, short bool) string {
	recent := req.ConversationHistory
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	var turns []string
	for _, t := range recent {
		turns = append(turns, t.Role, t.Content)
	}

	return cache.Key(
		req.Message,
		cache.JoinTurns(turns...),
		webContext,
		personaText,
		fmt.Sprintf("%.3f", temperature),
		fmt.Sprintf("%d", maxTokens),
		fmt.Sprintf("%t", short),
	)
}

func searchAdvisory(lang string) string {
	if lang == prompt.LangFrench {
		return "La recherche web est indisponible pour le moment ; réponse générée sans contexte en direct."
	}
	return "Web search is currently unavailable; the answer was generated without live context."
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
