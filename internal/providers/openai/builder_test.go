package openai

import (
	"encoding/json"
	"testing"

	"github.com/brightweave/aqrelay/internal/claude"
	"github.com/stretchr/testify/require"
)

func msg(role string, content any) claude.Message {
	raw, _ := json.Marshal(content)
	return claude.Message{Role: role, Content: raw}
}

func TestBuild_SystemBecomesSystemMessage(t *testing.T) {
	sys, _ := json.Marshal("be terse")
	req := &claude.Request{
		Model:    "gpt-4o",
		System:   sys,
		Messages: []claude.Message{msg("user", "hi")},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.Equal(t, "system", out.Messages[0].Role)
}

func TestBuild_ToolUseBecomesToolCalls(t *testing.T) {
	req := &claude.Request{
		Model: "gpt-4o",
		Messages: []claude.Message{
			msg("assistant", []claude.ContentBlock{
				{Type: "tool_use", ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"nyc"}`)},
			}),
		},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.Len(t, out.Messages[0].ToolCalls, 1)
	require.Equal(t, "get_weather", out.Messages[0].ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"city":"nyc"}`, out.Messages[0].ToolCalls[0].Function.Arguments)
}

func TestBuild_ToolResultBecomesToolMessage(t *testing.T) {
	content, _ := json.Marshal("sunny")
	req := &claude.Request{
		Model: "gpt-4o",
		Messages: []claude.Message{
			msg("user", []claude.ContentBlock{
				{Type: "tool_result", ToolUseID: "call_1", Content: content},
			}),
		},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.Equal(t, "tool", out.Messages[0].Role)
	require.Equal(t, "call_1", out.Messages[0].ToolCallID)
}

func TestBuild_ImageBecomesDataURL(t *testing.T) {
	req := &claude.Request{
		Model: "gpt-4o",
		Messages: []claude.Message{
			msg("user", []claude.ContentBlock{
				{Type: "image", Source: &claude.ImageSource{Type: "base64", MediaType: "image/png", Data: "abc123"}},
			}),
		},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	var parts []ContentPart
	require.NoError(t, json.Unmarshal(out.Messages[0].Content, &parts))
	require.Equal(t, "data:image/png;base64,abc123", parts[0].ImageURL.URL)
}

func TestBuild_ThinkingAsPrefixOptIn(t *testing.T) {
	req := &claude.Request{
		Model: "gpt-4o",
		Messages: []claude.Message{
			msg("assistant", []claude.ContentBlock{
				{Type: "thinking", Thinking: "pondering"},
				{Type: "text", Text: "answer"},
			}),
		},
	}
	out, err := Build(req, Options{ThinkingAsPrefix: true})
	require.NoError(t, err)
	var text string
	require.NoError(t, json.Unmarshal(out.Messages[0].Content, &text))
	require.Contains(t, text, "<thinking>pondering</thinking>")
	require.Contains(t, text, "answer")
}

func TestBuild_ToolDeclarationsMapped(t *testing.T) {
	req := &claude.Request{
		Model:    "gpt-4o",
		Messages: []claude.Message{msg("user", "hi")},
		Tools:    []claude.Tool{{Name: "search", Description: "search the web", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.Len(t, out.Tools, 1)
	require.Equal(t, "function", out.Tools[0].Type)
	require.Equal(t, "search", out.Tools[0].Function.Name)
}
