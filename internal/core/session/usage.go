package session

// Usage records token accounting for a single model response, per spec §3.
type Usage struct {
	InputTokens         int64            `json:"input_tokens"`
	OutputTokens        int64            `json:"output_tokens"`
	CacheReadTokens     int64            `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64            `json:"cache_creation_tokens,omitempty"`
	ServerToolUse       *ServerToolUsage `json:"server_tool_use,omitempty"`
}

// ServerToolUsage counts server-side tool invocations billed alongside the
// response (web search, web fetch).
type ServerToolUsage struct {
	WebSearchRequests int64 `json:"web_search_requests,omitempty"`
	WebFetchRequests  int64 `json:"web_fetch_requests,omitempty"`
}

// ContextUsage is the token count that counts against the model's context
// window: input + cache-read + cache-creation tokens.
func (u Usage) ContextUsage() int64 {
	return u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Add accumulates other into u in place.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	if other.ServerToolUse != nil {
		if u.ServerToolUse == nil {
			u.ServerToolUse = &ServerToolUsage{}
		}
		u.ServerToolUse.WebSearchRequests += other.ServerToolUse.WebSearchRequests
		u.ServerToolUse.WebFetchRequests += other.ServerToolUse.WebFetchRequests
	}
}

// DefaultLongContextThreshold is the model-configurable input+cache token
// count above which the long-context pricing multiplier applies.
const DefaultLongContextThreshold = 200_000
