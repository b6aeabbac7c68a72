package tooldedup

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

func TestAnnotate_MarksSecondIdenticalCall(t *testing.T) {
	result1, _ := json.Marshal("sunny")
	result2, _ := json.Marshal("sunny")
	msgs := []claude.Message{
		msg("assistant", []claude.ContentBlock{{Type: "tool_use", ID: "t1", Name: "get_weather", Input: json.RawMessage(`{"city":"nyc"}`)}}),
		msg("user", []claude.ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: result1}}),
		msg("assistant", []claude.ContentBlock{{Type: "tool_use", ID: "t2", Name: "get_weather", Input: json.RawMessage(`{"city":"nyc"}`)}}),
		msg("user", []claude.ContentBlock{{Type: "tool_result", ToolUseID: "t2", Content: result2}}),
	}

	out := Annotate(msgs)

	firstResult := out[1].ContentBlocks()[0]
	secondResult := out[3].ContentBlocks()[0]
	require.NotContains(t, claude.TextContentOf(firstResult.Content), "repeated")
	require.Contains(t, claude.TextContentOf(secondResult.Content), "repeated")
}

func TestAnnotate_DifferentInputsNotMarked(t *testing.T) {
	result1, _ := json.Marshal("sunny")
	result2, _ := json.Marshal("rainy")
	msgs := []claude.Message{
		msg("assistant", []claude.ContentBlock{{Type: "tool_use", ID: "t1", Name: "get_weather", Input: json.RawMessage(`{"city":"nyc"}`)}}),
		msg("user", []claude.ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: result1}}),
		msg("assistant", []claude.ContentBlock{{Type: "tool_use", ID: "t2", Name: "get_weather", Input: json.RawMessage(`{"city":"sf"}`)}}),
		msg("user", []claude.ContentBlock{{Type: "tool_result", ToolUseID: "t2", Content: result2}}),
	}

	out := Annotate(msgs)
	for _, m := range out {
		for _, blk := range m.ContentBlocks() {
			if blk.Type == "tool_result" {
				require.NotContains(t, claude.TextContentOf(blk.Content), "repeated")
			}
		}
	}
}
