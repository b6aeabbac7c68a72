// Package gemini builds Google Gemini internal streamGenerateContent
// requests from a canonical Claude request, per spec §4.2.2.
package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/brightweave/aqrelay/internal/claude"
	"github.com/brightweave/aqrelay/internal/providers/modelmap"
)

// Request is the wire shape POSTed to the Gemini internal RPC.
type Request struct {
	Project   string          `json:"project"`
	RequestID string          `json:"request_id"`
	Request   InnerRequest    `json:"request"`
	Model     string          `json:"model"`
	UserAgent string          `json:"user_agent"`
}

// InnerRequest is Gemini's own generateContent payload shape.
type InnerRequest struct {
	Contents          []Content       `json:"contents"`
	GenerationConfig  GenerationConfig `json:"generationConfig"`
	Tools             []Tool          `json:"tools,omitempty"`
	SystemInstruction *Content        `json:"systemInstruction,omitempty"`
}

// Content is one turn.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is a tagged-union element of a Content's Parts.
type Part struct {
	Text         string          `json:"text,omitempty"`
	Thought      bool            `json:"thought,omitempty"`
	FunctionCall *FunctionCall   `json:"functionCall,omitempty"`
	FunctionResp *FunctionResp   `json:"functionResponse,omitempty"`
}

// FunctionCall is a model-issued tool invocation.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResp is the client's answer to a FunctionCall.
type FunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// GenerationConfig carries sampling and token-budget parameters.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens"`
}

// Tool is a Gemini function declaration.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration is one tool's (name, description, schema) triple.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Options carries the pieces Build needs beyond the request body itself.
type Options struct {
	Project      string
	RequestID    string
	UserAgent    string
	ModelMapping map[string]string
}

// rejectedSchemaKeywords are JSON-Schema keywords Gemini's schema validator
// rejects; their semantic content is folded into the tool description
// instead of being dropped outright, per spec §4.2.2.
var rejectedSchemaKeywords = []string{"exclusiveMaximum", "exclusiveMinimum", "$schema", "additionalProperties", "const"}

// Build translates req into a Gemini Request.
func Build(req *claude.Request, opts Options) (*Request, error) {
	thinkingBudget := 0
	if req.Thinking != nil {
		thinkingBudget = req.Thinking.BudgetTokens
	}
	maxOutputTokens := req.MaxTokens
	if thinkingBudget > maxOutputTokens {
		maxOutputTokens = thinkingBudget
	}
	maxOutputTokens++

	contents, err := buildContents(req)
	if err != nil {
		return nil, err
	}

	out := &Request{
		Project:   opts.Project,
		RequestID: opts.RequestID,
		Model:     modelmap.GeminiTarget(req.Model, opts.ModelMapping),
		UserAgent: opts.UserAgent,
		Request: InnerRequest{
			Contents: contents,
			GenerationConfig: GenerationConfig{
				Temperature:     req.Temperature,
				MaxOutputTokens: maxOutputTokens,
			},
		},
	}

	if sys := flattenSystemText(req.SystemBlocks()); sys != "" {
		out.Request.SystemInstruction = &Content{Parts: []Part{{Text: sys}}}
	}
	if tools := buildTools(req.Tools); len(tools) > 0 {
		out.Request.Tools = tools
	}
	return out, nil
}

func flattenSystemText(blocks []claude.ContentBlock) string {
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

func buildTools(tools []claude.Tool) []Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		schema, appendix := stripRejectedKeywords(t.InputSchema)
		desc := t.Description
		if appendix != "" {
			desc = desc + "\n\n" + appendix
		}
		decls = append(decls, FunctionDeclaration{Name: t.Name, Description: desc, Parameters: schema})
	}
	return []Tool{{FunctionDeclarations: decls}}
}

// stripRejectedKeywords removes keys in rejectedSchemaKeywords from the
// top level and nested "properties" of a JSON-Schema object, returning a
// human-readable note of what was dropped so the semantic content isn't
// lost entirely.
func stripRejectedKeywords(schema json.RawMessage) (json.RawMessage, string) {
	if len(schema) == 0 {
		return schema, ""
	}
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		return schema, ""
	}
	note := ""
	strip(m, &note)
	out, err := json.Marshal(m)
	if err != nil {
		return schema, note
	}
	return out, note
}

func strip(m map[string]any, note *string) {
	for _, key := range rejectedSchemaKeywords {
		if v, ok := m[key]; ok {
			*note += fmt.Sprintf("constraint %s=%v is enforced by the caller, not the schema.\n", key, v)
			delete(m, key)
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		for _, v := range props {
			if nested, ok := v.(map[string]any); ok {
				strip(nested, note)
			}
		}
	}
}

// buildContents walks the canonical messages, mapping roles and content
// blocks per spec §4.2.2's rules: tool_use -> functionCall, tool_result ->
// synthetic user functionResponse message, thinking (with signature) ->
// {thought:true, text}, with a placeholder text part when an assistant
// turn would otherwise carry only a thought part.
func buildContents(req *claude.Request) ([]Content, error) {
	// toolNameByID lets tool_result blocks recover the function name when
	// the client omitted it, by remembering the most recent matching
	// functionCall in conversation order.
	toolNameByID := make(map[string]string)

	var out []Content
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []Part
		var toolResultParts []Part
		for _, blk := range msg.ContentBlocks() {
			switch blk.Type {
			case "text":
				if blk.Text != "" {
					parts = append(parts, Part{Text: blk.Text})
				}
			case "thinking":
				if blk.Signature != "" {
					parts = append(parts, Part{Thought: true, Text: blk.Thinking})
				}
			case "tool_use":
				toolNameByID[blk.ID] = blk.Name
				parts = append(parts, Part{FunctionCall: &FunctionCall{Name: blk.Name, Args: blk.Input}})
			case "tool_result":
				name := toolNameByID[blk.ToolUseID]
				if name == "" {
					name = "tool_response"
				}
				respJSON, _ := json.Marshal(map[string]string{"result": claude.TextContentOf(blk.Content)})
				toolResultParts = append(toolResultParts, Part{FunctionResp: &FunctionResp{Name: name, Response: respJSON}})
			case "image":
				// Image parts are out of Gemini-internal-RPC scope for this
				// proxy; dropped rather than silently corrupting the turn.
			}
		}

		if len(parts) > 0 {
			if role == "model" && onlyThought(parts) {
				parts = append(parts, Part{Text: "."})
			}
			out = append(out, Content{Role: role, Parts: parts})
		}
		if len(toolResultParts) > 0 {
			out = append(out, Content{Role: "user", Parts: toolResultParts})
		}
	}
	return out, nil
}

func onlyThought(parts []Part) bool {
	for _, p := range parts {
		if !p.Thought {
			return false
		}
	}
	return true
}
