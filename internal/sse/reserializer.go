package sse

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// segmentKind is the kind of content block currently open on the output
// stream.
type segmentKind int

const (
	segNone segmentKind = iota
	segText
	segThinking
	segToolUse
)

// Reserializer accumulates provider-native stream fragments and emits the
// canonical Anthropic SSE sequence described in spec §4.3: exactly one
// message_start, content-block segments with strictly monotonic indices,
// exactly one message_delta, and exactly one message_stop, with no events
// emitted after message_stop.
//
// One Reserializer instance handles exactly one request/response.
type Reserializer struct {
	messageID string
	model     string

	started bool
	stopped bool

	nextIndex  int
	openKind   segmentKind
	openIndex  int
	toolInputs map[int]*strings.Builder // provider-side tool indices already opened, for OpenAI (the builders stay empty)
	toolUseIDs map[int]string           // our content-block index -> provider toolUseId, for Amazon Q
	toolOpenIndex []openToolTrack       // provider tool_calls index -> our content-block index, for OpenAI

	usage Usage
}

// New returns a Reserializer for one response to the given model.
func New(model string) *Reserializer {
	return &Reserializer{
		messageID:  "msg_" + uuid.NewString(),
		model:      model,
		openKind:   segNone,
		toolInputs: make(map[int]*strings.Builder),
		toolUseIDs: make(map[int]string),
	}
}

// Start emits message_start with the given input-token count and the cache
// accounting pair computed by C4. It must be called exactly once, before
// any Feed* call.
func (r *Reserializer) Start(inputTokens, cacheCreation, cacheRead int) []Event {
	if r.started {
		return nil
	}
	r.started = true
	r.usage.InputTokens = inputTokens
	r.usage.CacheCreationInputTokens = cacheCreation
	r.usage.CacheReadInputTokens = cacheRead
	return []Event{messageStart(r.messageID, r.model, r.usage)}
}

func (r *Reserializer) openText() []Event {
	if r.openKind == segText {
		return nil
	}
	evs := r.closeOpen()
	r.openIndex = r.nextIndex
	r.nextIndex++
	r.openKind = segText
	evs = append(evs, contentBlockStart(r.openIndex, map[string]any{"type": "text", "text": ""}))
	return evs
}

func (r *Reserializer) openThinking() []Event {
	if r.openKind == segThinking {
		return nil
	}
	evs := r.closeOpen()
	r.openIndex = r.nextIndex
	r.nextIndex++
	r.openKind = segThinking
	evs = append(evs, contentBlockStart(r.openIndex, map[string]any{"type": "thinking", "thinking": ""}))
	return evs
}

func (r *Reserializer) openToolUse(id, name string) []Event {
	evs := r.closeOpen()
	r.openIndex = r.nextIndex
	r.nextIndex++
	r.openKind = segToolUse
	evs = append(evs, contentBlockStart(r.openIndex, map[string]any{
		"type": "tool_use", "id": id, "name": name, "input": map[string]any{},
	}))
	return evs
}

func (r *Reserializer) closeOpen() []Event {
	if r.openKind == segNone {
		return nil
	}
	r.openKind = segNone
	return []Event{contentBlockStop(r.openIndex)}
}

// --- Amazon Q -----------------------------------------------------------

// FeedAmazonQEvent translates one decoded CodeWhisperer event-stream
// payload (already parsed JSON) into zero or more Anthropic SSE events,
// per spec §4.3's Amazon Q segment-splitting rules: a tool_use event (has
// toolUseId and name) opens a new segment; text deltas coalesce into the
// current text segment; a tool_use with stop:true closes the segment; text
// after a closed tool segment opens a fresh text segment.
func (r *Reserializer) FeedAmazonQEvent(payload []byte) []Event {
	if r.stopped || !r.started {
		return nil
	}
	g := gjson.ParseBytes(payload)

	if toolUseID := g.Get("toolUseId"); toolUseID.Exists() && g.Get("name").Exists() {
		var evs []Event
		if r.openKind != segToolUse || r.openIndex != r.toolUseIndexFor(toolUseID.String()) {
			evs = append(evs, r.openToolUse(toolUseID.String(), g.Get("name").String())...)
			r.toolUseIDs[r.openIndex] = toolUseID.String()
		}
		if input := g.Get("input"); input.Exists() && input.String() != "" {
			evs = append(evs, inputJSONDelta(r.openIndex, input.String()))
		}
		if g.Get("stop").Bool() {
			evs = append(evs, r.closeOpen()...)
		}
		return evs
	}

	if content := g.Get("content"); content.Exists() {
		var evs []Event
		if r.openKind != segText {
			evs = append(evs, r.openText()...)
		}
		if text := content.String(); text != "" {
			evs = append(evs, textDelta(r.openIndex, text))
		}
		return evs
	}

	return nil
}

// toolUseIndexFor is a defensive helper: a given toolUseId should only ever
// map to the currently-open tool segment (CodeWhisperer streams one tool
// call at a time), so this just reports the open index when it matches, or
// -1 to force opening a fresh segment.
func (r *Reserializer) toolUseIndexFor(id string) int {
	if r.openKind != segToolUse {
		return -1
	}
	if got, ok := r.toolUseIDs[r.openIndex]; ok && got == id {
		return r.openIndex
	}
	return -1
}

// --- Gemini ---------------------------------------------------------------

// FeedGeminiPart translates one streamed candidates[0].content.parts[i]
// element (already JSON) into zero or more events. thought:true parts are
// thinking segments; functionCall parts are tool_use segments emitted in
// one input_json_delta; everything else is text.
func (r *Reserializer) FeedGeminiPart(part gjson.Result) []Event {
	if r.stopped || !r.started {
		return nil
	}
	if fc := part.Get("functionCall"); fc.Exists() {
		name := fc.Get("name").String()
		id := "toolu_" + uuid.NewString()
		evs := r.openToolUse(id, name)
		args := fc.Get("args")
		argsJSON := "{}"
		if args.Exists() {
			argsJSON = args.Raw
		}
		evs = append(evs, inputJSONDelta(r.openIndex, argsJSON))
		evs = append(evs, r.closeOpen()...)
		return evs
	}
	if part.Get("thought").Bool() {
		evs := r.openThinking()
		if text := part.Get("text").String(); text != "" {
			evs = append(evs, thinkingDelta(r.openIndex, text))
		}
		return evs
	}
	text := part.Get("text").String()
	var evs []Event
	if r.openKind != segText {
		evs = append(evs, r.openText()...)
	}
	if text != "" {
		evs = append(evs, textDelta(r.openIndex, text))
	}
	return evs
}

// CloseThinkingWithSignature finalizes the currently open thinking segment
// by emitting the provider signature as a signature_delta, then closes it.
// An empty signature closes the segment without a signature_delta; the
// Gemini stream handler in the router always passes an empty signature, so
// Gemini thinking segments end without one.
func (r *Reserializer) CloseThinkingWithSignature(signature string) []Event {
	if r.openKind != segThinking {
		return nil
	}
	var evs []Event
	if signature != "" {
		evs = append(evs, signatureDelta(r.openIndex, signature))
	}
	evs = append(evs, r.closeOpen()...)
	return evs
}

// --- OpenAI -----------------------------------------------------------------

// FeedOpenAIDelta translates one choices[0].delta object (already JSON)
// into zero or more events. content -> text; tool_calls[].function.arguments
// -> tool_use segments keyed by tool_calls[].index.
func (r *Reserializer) FeedOpenAIDelta(delta gjson.Result) []Event {
	if r.stopped || !r.started {
		return nil
	}
	var evs []Event
	if content := delta.Get("content"); content.Exists() && content.String() != "" {
		if r.openKind != segText {
			evs = append(evs, r.openText()...)
		}
		evs = append(evs, textDelta(r.openIndex, content.String()))
	}
	if toolCalls := delta.Get("tool_calls"); toolCalls.Exists() && toolCalls.IsArray() {
		toolCalls.ForEach(func(_, tc gjson.Result) bool {
			idx := int(tc.Get("index").Int())
			name := tc.Get("function.name").String()
			id := tc.Get("id").String()
			if _, seen := r.toolInputs[idx]; !seen {
				if id == "" {
					id = "toolu_" + uuid.NewString()
				}
				evs = append(evs, r.openToolUse(id, name)...)
				r.toolInputs[idx] = &strings.Builder{}
				r.toolOpenIndex = append(r.toolOpenIndex, openToolTrack{providerIdx: idx, ourIndex: r.openIndex})
			}
			if args := tc.Get("function.arguments"); args.Exists() && args.String() != "" {
				ourIdx := r.ourIndexFor(idx)
				evs = append(evs, inputJSONDelta(ourIdx, args.String()))
			}
			return true
		})
	}
	return evs
}

type openToolTrack struct {
	providerIdx int
	ourIndex    int
}

func (r *Reserializer) ourIndexFor(providerIdx int) int {
	for _, t := range r.toolOpenIndex {
		if t.providerIdx == providerIdx {
			return t.ourIndex
		}
	}
	return r.openIndex
}

// --- Claude pass-through -----------------------------------------------

// FeedClaudeEvent relays a native Claude SSE event (already split into its
// event-type and data) after re-pointing block indices to this
// Reserializer's own counter, so pass-through streams still respect the
// strictly-monotonic-from-0 invariant even though the upstream might not
// start at 0 (e.g. when the proxy itself inserted no blocks yet).
// In practice Anthropic always starts at 0, so this degenerates to a pure
// relay; it exists to keep the invariant enforced at one place.
func (r *Reserializer) FeedClaudeEvent(eventType string, data gjson.Result) []Event {
	if r.stopped {
		return nil
	}
	switch eventType {
	case "message_start":
		if !r.started {
			r.started = true
			if u := data.Get("message.usage"); u.Exists() {
				r.usage.InputTokens = int(u.Get("input_tokens").Int())
				r.usage.CacheCreationInputTokens = int(u.Get("cache_creation_input_tokens").Int())
				r.usage.CacheReadInputTokens = int(u.Get("cache_read_input_tokens").Int())
			}
		}
		return []Event{messageStart(r.messageID, r.model, r.usage)}
	case "content_block_start":
		idx := r.nextIndex
		r.nextIndex++
		r.openIndex = idx
		switch data.Get("content_block.type").String() {
		case "thinking":
			r.openKind = segThinking
		case "tool_use":
			r.openKind = segToolUse
		default:
			r.openKind = segText
		}
		var block map[string]any
		_ = json.Unmarshal([]byte(data.Get("content_block").Raw), &block)
		return []Event{contentBlockStart(idx, block)}
	case "content_block_delta":
		idx := r.openIndex
		d := data.Get("delta")
		switch d.Get("type").String() {
		case "text_delta":
			return []Event{textDelta(idx, d.Get("text").String())}
		case "thinking_delta":
			return []Event{thinkingDelta(idx, d.Get("thinking").String())}
		case "signature_delta":
			return []Event{signatureDelta(idx, d.Get("signature").String())}
		case "input_json_delta":
			return []Event{inputJSONDelta(idx, d.Get("partial_json").String())}
		}
		return nil
	case "content_block_stop":
		r.openKind = segNone
		return []Event{contentBlockStop(r.openIndex)}
	case "message_delta":
		if u := data.Get("usage"); u.Exists() {
			r.usage.OutputTokens = int(u.Get("output_tokens").Int())
		}
		return []Event{messageDelta(data.Get("delta.stop_reason").String(), r.usage)}
	case "message_stop":
		r.stopped = true
		return []Event{messageStop()}
	case "ping":
		return []Event{ping()}
	default:
		return nil
	}
}

// Ping returns an idle-keepalive event. Callers are responsible for rate
// limiting to at most one every 15s per spec §4.3.
func (r *Reserializer) Ping() Event { return ping() }

// Finish closes any still-open segment and emits the final message_delta +
// message_stop pair. It must be called exactly once, after which no
// further Feed* or Finish call has any effect.
func (r *Reserializer) Finish(stopReason string, outputTokens int) []Event {
	if r.stopped {
		return nil
	}
	var evs []Event
	evs = append(evs, r.closeOpen()...)
	r.usage.OutputTokens = outputTokens
	evs = append(evs, messageDelta(MapStopReason(stopReason), r.usage))
	evs = append(evs, messageStop())
	r.stopped = true
	return evs
}

// Abort closes any open segment and emits an error event followed by a
// graceful message_stop, per spec §7's "partial failures mid-stream" rule.
func (r *Reserializer) Abort(errType, message string) []Event {
	if r.stopped {
		return nil
	}
	var evs []Event
	evs = append(evs, r.closeOpen()...)
	evs = append(evs, errorEvent(errType, message))
	if r.started {
		evs = append(evs, messageStop())
	}
	r.stopped = true
	return evs
}
