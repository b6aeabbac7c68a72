// Package sse implements the canonical internal stream-event schema (§3,
// ProviderStreamEvent) and the re-serializer (C3) that turns a provider's
// native stream into the Anthropic Server-Sent-Events sequence described in
// spec §4.3, plus the wire writer that emits it to an http.ResponseWriter.
package sse

import "encoding/json"

// Event is one Anthropic SSE event: a "event: <Type>" line followed by a
// "data: <json>" line. Data is pre-marshaled by whichever constructor built
// the event so the writer never needs to know the payload shape.
type Event struct {
	Type string
	Data json.RawMessage
}

// Usage mirrors Anthropic's usage block, including the simulated cache
// accounting from C4.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Every caller passes a value built from concrete fields; a marshal
		// failure here means a programmer error, not a runtime condition.
		panic("sse: marshal: " + err.Error())
	}
	return b
}

func messageStart(id, model string, usage Usage) Event {
	return Event{Type: "message_start", Data: marshal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	})}
}

func contentBlockStart(index int, block map[string]any) Event {
	return Event{Type: "content_block_start", Data: marshal(map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": block,
	})}
}

func textDelta(index int, text string) Event {
	return Event{Type: "content_block_delta", Data: marshal(map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})}
}

func thinkingDelta(index int, text string) Event {
	return Event{Type: "content_block_delta", Data: marshal(map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "thinking_delta", "thinking": text},
	})}
}

func signatureDelta(index int, sig string) Event {
	return Event{Type: "content_block_delta", Data: marshal(map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "signature_delta", "signature": sig},
	})}
}

func inputJSONDelta(index int, partialJSON string) Event {
	return Event{Type: "content_block_delta", Data: marshal(map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partialJSON},
	})}
}

func contentBlockStop(index int) Event {
	return Event{Type: "content_block_stop", Data: marshal(map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})}
}

func messageDelta(stopReason string, usage Usage) Event {
	return Event{Type: "message_delta", Data: marshal(map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": usage,
	})}
}

func messageStop() Event {
	return Event{Type: "message_stop", Data: marshal(map[string]any{"type": "message_stop"})}
}

func ping() Event {
	return Event{Type: "ping", Data: marshal(map[string]any{"type": "ping"})}
}

func errorEvent(errType, message string) Event {
	return Event{Type: "error", Data: marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})}
}

// MapStopReason normalizes a provider-native finish reason to one of
// Anthropic's four stop_reason values, per spec §4.3.
func MapStopReason(native string) string {
	switch native {
	case "end_turn", "stop":
		return "end_turn"
	case "tool_use", "tool_calls":
		return "tool_use"
	case "max_tokens", "length":
		return "max_tokens"
	case "stop_sequence":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}
