package gemini

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

func TestBuild_RoleMapping(t *testing.T) {
	req := &claude.Request{
		Model:     "claude-sonnet-4.5",
		MaxTokens: 256,
		Messages: []claude.Message{
			msg("user", "hi"),
			msg("assistant", "hello back"),
		},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.Len(t, out.Request.Contents, 2)
	require.Equal(t, "user", out.Request.Contents[0].Role)
	require.Equal(t, "model", out.Request.Contents[1].Role)
}

func TestBuild_ToolUseBecomesFunctionCall(t *testing.T) {
	req := &claude.Request{
		Model:     "claude-sonnet-4.5",
		MaxTokens: 256,
		Messages: []claude.Message{
			msg("assistant", []claude.ContentBlock{
				{Type: "tool_use", ID: "t1", Name: "get_weather", Input: json.RawMessage(`{"city":"nyc"}`)},
			}),
		},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.Len(t, out.Request.Contents, 1)
	part := out.Request.Contents[0].Parts[0]
	require.NotNil(t, part.FunctionCall)
	require.Equal(t, "get_weather", part.FunctionCall.Name)
}

func TestBuild_ToolResultBecomesFunctionResponse(t *testing.T) {
	req := &claude.Request{
		Model:     "claude-sonnet-4.5",
		MaxTokens: 256,
		Messages: []claude.Message{
			msg("assistant", []claude.ContentBlock{
				{Type: "tool_use", ID: "t1", Name: "get_weather"},
			}),
			msg("user", []claude.ContentBlock{
				{Type: "tool_result", ToolUseID: "t1", Content: json.RawMessage(`"sunny"`)},
			}),
		},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.Len(t, out.Request.Contents, 2)
	resultContent := out.Request.Contents[1]
	require.Equal(t, "user", resultContent.Role)
	require.NotNil(t, resultContent.Parts[0].FunctionResp)
	require.Equal(t, "get_weather", resultContent.Parts[0].FunctionResp.Name)
}

func TestBuild_ThinkingBecomesThoughtPart(t *testing.T) {
	req := &claude.Request{
		Model:     "claude-sonnet-4.5",
		MaxTokens: 256,
		Messages: []claude.Message{
			msg("assistant", []claude.ContentBlock{
				{Type: "thinking", Thinking: "let me think", Signature: "sig123"},
			}),
		},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.Len(t, out.Request.Contents, 1)
	parts := out.Request.Contents[0].Parts
	require.True(t, parts[0].Thought)
	require.Equal(t, "let me think", parts[0].Text)
	require.Len(t, parts, 2, "an all-thought assistant turn gets a placeholder text part")
}

func TestBuild_MaxOutputTokensAccountsForThinkingBudget(t *testing.T) {
	req := &claude.Request{
		Model:     "claude-sonnet-4.5",
		MaxTokens: 100,
		Thinking:  &claude.Thinking{Type: "enabled", BudgetTokens: 4000},
		Messages:  []claude.Message{msg("user", "hi")},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.Equal(t, 4001, out.Request.GenerationConfig.MaxOutputTokens)
}

func TestStripRejectedKeywords_RemovesAndNotes(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"age":{"type":"integer","exclusiveMinimum":0}},"additionalProperties":false}`)
	out, note := stripRejectedKeywords(schema)
	require.NotContains(t, string(out), "additionalProperties")
	require.NotContains(t, string(out), "exclusiveMinimum")
	require.Contains(t, note, "exclusiveMinimum")
	require.Contains(t, note, "additionalProperties")
}

func TestBuild_SystemInstructionFlattened(t *testing.T) {
	sys, _ := json.Marshal("be terse")
	req := &claude.Request{
		Model:     "claude-sonnet-4.5",
		MaxTokens: 256,
		System:    sys,
		Messages:  []claude.Message{msg("user", "hi")},
	}
	out, err := Build(req, Options{})
	require.NoError(t, err)
	require.NotNil(t, out.Request.SystemInstruction)
	require.Equal(t, "be terse", out.Request.SystemInstruction.Parts[0].Text)
}
