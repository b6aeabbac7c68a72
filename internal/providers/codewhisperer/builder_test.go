package codewhisperer

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

func TestNormalizeToolResult_EmptySuccess(t *testing.T) {
	blk := claude.ContentBlock{Type: "tool_result", ToolUseID: "t1"}
	require.Equal(t, "Command executed successfully", normalizeToolResult(blk))
}

func TestNormalizeToolResult_EmptyError(t *testing.T) {
	blk := claude.ContentBlock{Type: "tool_result", ToolUseID: "t1", IsError: true}
	require.Equal(t, "Tool use was cancelled by the user", normalizeToolResult(blk))
}

func TestFlattenUserHistory_MergesDuplicateToolUseID(t *testing.T) {
	m := msg("user", []claude.ContentBlock{
		{Type: "tool_result", ToolUseID: "t1", Content: rawString("part one. ")},
		{Type: "tool_result", ToolUseID: "t1", Content: rawString("part two.")},
	})
	got := flattenUserHistory(m)
	require.Equal(t, "part one. part two.", got)
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestBuild_LastMessageBecomesCurrentMessage(t *testing.T) {
	req := &claude.Request{
		Model: "claude-sonnet-4.5",
		Messages: []claude.Message{
			msg("user", "hello"),
			msg("assistant", "hi there"),
			msg("user", "follow up question"),
		},
	}
	out, err := Build(req, "arn:aws:example", false)
	require.NoError(t, err)
	require.Len(t, out.ConversationState.History, 2)
	require.Contains(t, out.ConversationState.CurrentMessage.UserInputMessage.Content, "follow up question")
	require.Equal(t, "arn:aws:example", out.ProfileArn)
	require.Equal(t, "MANUAL", out.ConversationState.ChatTriggerType)
}

func TestBuild_ThinkingMarkerDuplicated(t *testing.T) {
	req := &claude.Request{
		Model:    "claude-sonnet-4.5",
		Messages: []claude.Message{msg("user", "hi")},
	}
	out, err := Build(req, "", true)
	require.NoError(t, err)
	content := out.ConversationState.CurrentMessage.UserInputMessage.Content
	first := indexAll(content, thinkingMarker)
	require.Len(t, first, 2)
}

func indexAll(s, sub string) []int {
	var out []int
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			out = append(out, i)
		}
	}
	return out
}

func TestBuild_ToolDescriptionTruncated(t *testing.T) {
	longDesc := make([]byte, maxToolDescriptionLen+500)
	for i := range longDesc {
		longDesc[i] = 'x'
	}
	req := &claude.Request{
		Model:    "claude-sonnet-4.5",
		Messages: []claude.Message{msg("user", "hi")},
		Tools:    []claude.Tool{{Name: "big_tool", Description: string(longDesc)}},
	}
	out, err := Build(req, "", false)
	require.NoError(t, err)
	require.Len(t, out.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.Tools, 1)
	tool := out.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.Tools[0]
	require.Len(t, tool.ToolSpecification.Description, maxToolDescriptionLen)
	require.Contains(t, out.ConversationState.CurrentMessage.UserInputMessage.Content, "TOOL DOCUMENTATION")
}
