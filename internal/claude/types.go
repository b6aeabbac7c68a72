// Package claude defines the canonical Anthropic-Messages request/response
// schema that every provider translator pivots through, and the helpers
// used to parse and normalize an inbound request before it reaches the
// router.
package claude

import "encoding/json"

// Request is the canonical Claude Messages request. Every provider request
// builder (CodeWhisperer, Gemini, OpenAI) consumes this shape; every SSE
// re-serializer produces events shaped like what a native Claude response
// would contain.
type Request struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	Tools       []Tool          `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Thinking    *Thinking       `json:"thinking,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// Thinking carries the extended-thinking opt-in and its token budget.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is one turn in the conversation.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Tool is a client-declared tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ContentBlock is the tagged-union element of a message's content array.
// Only the fields relevant to Type are populated; the rest are zero.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource is the base64 image payload carried by an "image" block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// CacheControl is Anthropic's per-block caching hint; only "ephemeral" is
// modeled since that is all the simulator understands.
type CacheControl struct {
	Type string `json:"type"`
}

// SystemBlocks normalizes the System field, which may be a bare string or
// an ordered list of text blocks, into a slice of blocks.
func (r *Request) SystemBlocks() []ContentBlock {
	if len(r.System) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(r.System, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: asString}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err == nil {
		return blocks
	}
	return nil
}

// ContentBlocks normalizes a message's Content, which may be a bare string
// or an ordered list of blocks, into a slice of blocks.
func (m *Message) ContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: asString}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	return nil
}

// CoalesceConsecutive merges consecutive same-role messages by
// concatenating their content-block arrays, per spec §4.2.1's requirement
// that C8 do this before any provider request builder runs.
func CoalesceConsecutive(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			merged := append(out[len(out)-1].ContentBlocks(), m.ContentBlocks()...)
			out[len(out)-1].Content = marshalBlocks(merged)
			continue
		}
		out = append(out, Message{Role: m.Role, Content: marshalBlocks(m.ContentBlocks())})
	}
	return out
}

func marshalBlocks(blocks []ContentBlock) json.RawMessage {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	b, err := json.Marshal(blocks)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}

// TextContentOf returns the plain-text rendering of a tool_result's content,
// which may itself be a bare string or a list of text/image blocks.
func TextContentOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return ""
}
