// Package tooldedup annotates repeated tool_use invocations within a
// conversation, grounded on original_source's src/processing/tool_dedup.py.
// It is a UX hack, not a correctness mechanism: it never blocks or rewrites
// a tool_use block, it only appends a short marker to the matching
// tool_result's text so a downstream model notices the repetition.
package tooldedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/brightweave/aqrelay/internal/claude"
)

const marker = "\n[note: identical tool call repeated in this conversation]"

// callKey identifies a tool_use invocation by its (name, canonicalized
// input) pair, independent of the id the client assigned it.
func callKey(name string, input json.RawMessage) string {
	var canon any
	if err := json.Unmarshal(input, &canon); err != nil {
		canon = string(input)
	}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(append([]byte(name+":"), b...))
	return hex.EncodeToString(sum[:])
}

// Annotate scans msgs for tool_use blocks whose (name, input) pair
// repeats, and appends marker to the text content of the corresponding
// tool_result for every occurrence after the first. msgs itself is left
// untouched: when some call repeats it returns a new slice, otherwise it
// returns msgs as is.
func Annotate(msgs []claude.Message) []claude.Message {
	seen := make(map[string]bool)
	repeatedToolUseIDs := make(map[string]bool)

	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		for _, blk := range m.ContentBlocks() {
			if blk.Type != "tool_use" {
				continue
			}
			key := callKey(blk.Name, blk.Input)
			if seen[key] {
				repeatedToolUseIDs[blk.ID] = true
			}
			seen[key] = true
		}
	}

	if len(repeatedToolUseIDs) == 0 {
		return msgs
	}

	out := make([]claude.Message, len(msgs))
	for i, m := range msgs {
		if m.Role != "user" {
			out[i] = m
			continue
		}
		blocks := m.ContentBlocks()
		changed := false
		for j, blk := range blocks {
			if blk.Type == "tool_result" && repeatedToolUseIDs[blk.ToolUseID] {
				blocks[j].Content = annotateContent(blk.Content)
				changed = true
			}
		}
		if !changed {
			out[i] = m
			continue
		}
		raw, err := json.Marshal(blocks)
		if err != nil {
			out[i] = m
			continue
		}
		out[i] = claude.Message{Role: m.Role, Content: raw}
	}
	return out
}

func annotateContent(raw json.RawMessage) json.RawMessage {
	text := claude.TextContentOf(raw)
	annotated, _ := json.Marshal(fmt.Sprintf("%s%s", text, marker))
	return annotated
}
