package models

// Search modes accepted on a chat request.
const (
	SearchAlways = "always"
	SearchNever  = "never"
	SearchAuto   = "auto"
)

// Defaults applied when a request leaves generation options unset.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 512
)

// MaxMessageLength bounds the size of an incoming chat message.
const MaxMessageLength = 5000

// Turn is a single caller-supplied conversation turn. The relay never
// mutates history, it only reads and trims it for prompt construction.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message             string   `json:"message"`
	UseWebSearch        string   `json:"useWebSearch"`
	ConversationHistory []Turn   `json:"conversationHistory"`
	Temperature         *float64 `json:"temperature,omitempty"`
	MaxTokens           *int     `json:"maxTokens,omitempty"`
	Fast                *bool    `json:"fast,omitempty"`
}

// IsFast reports whether the two-phase path applies. Absent means fast.
func (r ChatRequest) IsFast() bool {
	return r.Fast == nil || *r.Fast
}

// ResolvedTemperature returns the caller temperature or the default.
func (r ChatRequest) ResolvedTemperature() float64 {
	if r.Temperature != nil && *r.Temperature > 0 {
		return *r.Temperature
	}
	return DefaultTemperature
}

// ResolvedMaxTokens returns the caller token budget or the default.
func (r ChatRequest) ResolvedMaxTokens() int {
	if r.MaxTokens != nil && *r.MaxTokens > 0 {
		return *r.MaxTokens
	}
	return DefaultMaxTokens
}

// SearchMode normalizes the requested web-search mode, defaulting to auto.
func (r ChatRequest) SearchMode() string {
	switch r.UseWebSearch {
	case SearchAlways, SearchNever, SearchAuto:
		return r.UseWebSearch
	default:
		return SearchAuto
	}
}

// SearchResult is one ranked web result. Ephemeral, produced per request.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Snippet     string `json:"snippet"`
	Host        string `json:"host"`
}

// SearchResponse is what the search collaborator returns for a query.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Summary  string         `json:"summary"`
	Provider string         `json:"provider"`
}

// ChatResponse is the body returned by POST /api/chat.
type ChatResponse struct {
	Answer         string         `json:"answer"`
	PendingFull    bool           `json:"pendingFull"`
	FullID         string         `json:"fullId,omitempty"`
	Language       string         `json:"language"`
	UsedWeb        bool           `json:"usedWeb"`
	Sources        []SearchResult `json:"sources"`
	Model          string         `json:"model"`
	SearchError    string         `json:"searchError,omitempty"`
	SearchProvider string         `json:"searchProvider,omitempty"`
	Cached         bool           `json:"cached,omitempty"`
}

// FullResponse is the body returned by GET /api/chat/full/:id.
type FullResponse struct {
	Ready  bool   `json:"ready"`
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FeedbackRequest is the body of POST /api/feedback.
type FeedbackRequest struct {
	MessageID string `json:"messageId"`
	Feedback  string `json:"feedback"`
	Content   string `json:"content,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}
