// Package block implements the immutable content-block model shared by
// every message in the agent runtime: text, tool use/result, thinking,
// documents, search results, and images, each optionally carrying a cache
// breakpoint hint.
package block

import "encoding/json"

// Kind discriminates the variant held by a Block.
type Kind string

const (
	KindText             Kind = "text"
	KindImage            Kind = "image"
	KindDocument         Kind = "document"
	KindSearchResult     Kind = "search_result"
	KindToolUse          Kind = "tool_use"
	KindToolResult       Kind = "tool_result"
	KindThinking         Kind = "thinking"
	KindRedactedThinking Kind = "redacted_thinking"
	KindServerToolUse    Kind = "server_tool_use"
	KindWebSearchResult  Kind = "web_search_result"
	KindWebFetchResult   Kind = "web_fetch_result"
)

// CacheTTL is the duration a prefix-cache breakpoint should be retained for.
type CacheTTL string

const (
	CacheTTL5m CacheTTL = "5m"
	CacheTTL1h CacheTTL = "1h"
)

// CacheHint marks a block as a prefix-cache breakpoint.
type CacheHint struct {
	Ephemeral bool     `json:"ephemeral"`
	TTL       CacheTTL `json:"ttl,omitempty"`
}

// Source identifies where an Image/Document/SearchResult's payload lives.
type Source struct {
	Type      string `json:"type"` // base64 | url | file_ref
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileRef   string `json:"file_ref,omitempty"`
}

// Citation attaches provenance to a span of generated text.
type Citation struct {
	Type      string `json:"type"`
	Source    string `json:"source,omitempty"`
	StartChar int    `json:"start_char,omitempty"`
	EndChar   int    `json:"end_char,omitempty"`
}

// Block is a tagged union over every content-block variant a message can
// carry. Only the fields relevant to Kind are populated; callers must
// switch on Kind before reading variant-specific fields.
type Block struct {
	Kind Kind `json:"kind"`

	// Text / Document / SearchResult
	Text             string     `json:"text,omitempty"`
	Citations        []Citation `json:"citations,omitempty"`
	CitationsEnabled bool       `json:"citations_enabled,omitempty"`
	CacheHint        *CacheHint `json:"cache_hint,omitempty"`

	// Image / Document / SearchResult source
	Source *Source `json:"source,omitempty"`
	Title  string  `json:"title,omitempty"`
	Blocks []Block `json:"blocks,omitempty"` // SearchResult's nested content

	// ToolUse / ServerToolUse
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolResult
	ToolUseID string  `json:"tool_use_id,omitempty"`
	Content   []Block `json:"content,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`

	// Thinking / RedactedThinking
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// WebSearchResult / WebFetchResult
	Query  string `json:"query,omitempty"`
	Result string `json:"result,omitempty"`
}

// NewTextBlock creates a Text block, optionally marked as a cache breakpoint.
func NewTextBlock(text string, hint *CacheHint) Block {
	return Block{Kind: KindText, Text: text, CacheHint: hint}
}

// NewImageBlock creates an Image block from a source.
func NewImageBlock(src Source) Block {
	return Block{Kind: KindImage, Source: &src}
}

// NewDocumentBlock creates a Document block.
func NewDocumentBlock(src Source, title string, citationsEnabled bool, hint *CacheHint) Block {
	return Block{Kind: KindDocument, Source: &src, Title: title, CitationsEnabled: citationsEnabled, CacheHint: hint}
}

// NewSearchResultBlock creates a SearchResult block.
func NewSearchResultBlock(src Source, title string, blocks []Block, citationsEnabled bool, hint *CacheHint) Block {
	return Block{Kind: KindSearchResult, Source: &src, Title: title, Blocks: blocks, CitationsEnabled: citationsEnabled, CacheHint: hint}
}

// NewToolUseBlock creates a ToolUse block representing the model's request
// to invoke a tool.
func NewToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Kind: KindToolUse, ID: id, Name: name, Input: input}
}

// NewToolResultBlock creates a ToolResult block carrying the output fed
// back to the model for a prior ToolUse.
func NewToolResultBlock(toolUseID string, content []Block, isError bool) Block {
	return Block{Kind: KindToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// NewTextToolResult is a convenience for the common case of a single text
// block as tool output.
func NewTextToolResult(toolUseID, text string, isError bool) Block {
	return NewToolResultBlock(toolUseID, []Block{NewTextBlock(text, nil)}, isError)
}

// NewThinkingBlock creates a Thinking block.
func NewThinkingBlock(text, signature string) Block {
	return Block{Kind: KindThinking, Text: text, Signature: signature}
}

// NewRedactedThinkingBlock creates a RedactedThinking block.
func NewRedactedThinkingBlock(data string) Block {
	return Block{Kind: KindRedactedThinking, Data: data}
}

// NewServerToolUseBlock creates a ServerToolUse block.
func NewServerToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Kind: KindServerToolUse, ID: id, Name: name, Input: input}
}

// NewWebSearchResultBlock creates a WebSearchResult block.
func NewWebSearchResultBlock(query, result string) Block {
	return Block{Kind: KindWebSearchResult, Query: query, Result: result}
}

// NewWebFetchResultBlock creates a WebFetchResult block.
func NewWebFetchResultBlock(query, result string) Block {
	return Block{Kind: KindWebFetchResult, Query: query, Result: result}
}

// HasCacheBreakpoint reports whether the block carries a cache hint.
func (b Block) HasCacheBreakpoint() bool {
	return b.CacheHint != nil
}

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an ordered sequence of content blocks authored by one role.
// Messages are immutable once constructed; the session tree never mutates
// a Message's Content after it has been appended.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// Text concatenates every Text block's contents, in order. It ignores
// non-text blocks (tool use, thinking, etc).
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Kind == KindText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns every ToolUse block in the message, in order.
func (m Message) ToolUses() []Block {
	var out []Block
	for _, b := range m.Content {
		if b.Kind == KindToolUse {
			out = append(out, b)
		}
	}
	return out
}
