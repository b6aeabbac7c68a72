package cache

import (
	"encoding/json"
	"strings"

	"github.com/brightweave/aqrelay/internal/claude"
)

// ExtractCacheable concatenates, in request order, every content-block's
// text that carries cache_control.type=="ephemeral", system blocks first
// then message blocks, per spec §4.4. Images, tool_use, and tool_result
// blocks contribute a stable canonical JSON serialization instead of raw
// text so the key is still deterministic when those are what's marked
// cacheable.
func ExtractCacheable(req *claude.Request) string {
	var b strings.Builder
	for _, block := range req.SystemBlocks() {
		appendIfCacheable(&b, block)
	}
	for _, msg := range req.Messages {
		for _, block := range msg.ContentBlocks() {
			appendIfCacheable(&b, block)
		}
	}
	return b.String()
}

func appendIfCacheable(b *strings.Builder, block claude.ContentBlock) {
	if block.CacheControl == nil || block.CacheControl.Type != "ephemeral" {
		return
	}
	b.WriteString(canonicalText(block))
}

// canonicalText renders a content block the way the cache key wants it:
// raw text for text/thinking blocks, a stable JSON serialization for
// everything else.
func canonicalText(block claude.ContentBlock) string {
	switch block.Type {
	case "text":
		return block.Text
	case "thinking":
		return block.Thinking
	case "image":
		out, _ := json.Marshal(block.Source)
		return string(out)
	case "tool_use":
		out, _ := json.Marshal(struct {
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{Name: block.Name, Input: block.Input})
		return string(out)
	case "tool_result":
		out, _ := json.Marshal(struct {
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
		}{ToolUseID: block.ToolUseID, Content: block.Content})
		return string(out)
	default:
		return ""
	}
}
