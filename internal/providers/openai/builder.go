// Package openai builds OpenAI-compatible chat-completion requests from a
// canonical Claude request, per spec §4.2.3, and is also the pivot for the
// Claude-format custom_api channel which needs no content translation.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/brightweave/aqrelay/internal/claude"
)

// Request is the wire shape POSTed to an OpenAI-compatible
// /chat/completions endpoint.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

// Message is one chat turn. Content is a plain string when the turn is a
// single text part, and otherwise a list of ContentPart.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multi-part message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries a data-URL-encoded image.
type ImageURL struct {
	URL string `json:"url"`
}

// Tool is an OpenAI function-tool declaration.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the (name, description, schema) triple for a tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a model-issued tool invocation in OpenAI's wire shape.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the name and JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Options carries pieces Build needs beyond the request body itself.
type Options struct {
	// ThinkingAsPrefix, when true, renders a thinking block as a
	// "<thinking>...</thinking>" prefix on the following text instead of
	// dropping it, for OpenAI-compatible backends that have no native
	// thinking channel.
	ThinkingAsPrefix bool
}

// Build translates req into an OpenAI-compatible Request.
func Build(req *claude.Request, opts Options) (*Request, error) {
	out := &Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}

	if sys := flattenSystem(req.SystemBlocks()); sys != "" {
		sysJSON, _ := json.Marshal(sys)
		out.Messages = append(out.Messages, Message{Role: "system", Content: sysJSON})
	}

	for _, m := range req.Messages {
		converted, err := convertMessage(m, opts)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	if len(req.Tools) > 0 {
		out.Tools = make([]Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			out.Tools = append(out.Tools, Tool{
				Type: "function",
				Function: ToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}
	if len(req.ToolChoice) > 0 {
		out.ToolChoice = req.ToolChoice
	}

	return out, nil
}

func flattenSystem(blocks []claude.ContentBlock) string {
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// convertMessage maps one Claude message to zero or more OpenAI messages:
// a user turn with tool_result blocks expands into one "tool" message per
// block (OpenAI has no multi-result-per-message shape), and an assistant
// turn with tool_use blocks carries them as tool_calls alongside any text.
func convertMessage(m claude.Message, opts Options) ([]Message, error) {
	blocks := m.ContentBlocks()

	switch m.Role {
	case "user":
		return convertUserMessage(blocks)
	case "assistant":
		return convertAssistantMessage(blocks, opts)
	default:
		return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}

func convertUserMessage(blocks []claude.ContentBlock) ([]Message, error) {
	var toolResults []Message
	var parts []ContentPart
	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			parts = append(parts, ContentPart{Type: "text", Text: blk.Text})
		case "image":
			if blk.Source != nil {
				parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", blk.Source.MediaType, blk.Source.Data),
				}})
			}
		case "tool_result":
			text := claude.TextContentOf(blk.Content)
			contentJSON, _ := json.Marshal(text)
			toolResults = append(toolResults, Message{Role: "tool", ToolCallID: blk.ToolUseID, Content: contentJSON})
		}
	}

	var out []Message
	if len(parts) > 0 {
		content, err := contentOf(parts)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{Role: "user", Content: content})
	}
	out = append(out, toolResults...)
	return out, nil
}

func convertAssistantMessage(blocks []claude.ContentBlock, opts Options) ([]Message, error) {
	var text string
	var toolCalls []ToolCall
	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			text += blk.Text
		case "thinking":
			if opts.ThinkingAsPrefix && blk.Thinking != "" {
				text = "<thinking>" + blk.Thinking + "</thinking>" + text
			}
		case "tool_use":
			args, err := json.Marshal(jsonOrEmpty(blk.Input))
			if err != nil {
				return nil, err
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   blk.ID,
				Type: "function",
				Function: ToolCallFunction{Name: blk.Name, Arguments: string(args)},
			})
		}
	}

	msg := Message{Role: "assistant"}
	if text != "" {
		contentJSON, _ := json.Marshal(text)
		msg.Content = contentJSON
	}
	msg.ToolCalls = toolCalls
	return []Message{msg}, nil
}

func jsonOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func contentOf(parts []ContentPart) (json.RawMessage, error) {
	if len(parts) == 1 && parts[0].Type == "text" {
		return json.Marshal(parts[0].Text)
	}
	return json.Marshal(parts)
}
