package router

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightweave/aqrelay/internal/account"
	"github.com/brightweave/aqrelay/internal/claude"
	"github.com/brightweave/aqrelay/internal/providers/customapi"
	"github.com/brightweave/aqrelay/internal/providers/openai"
	"github.com/brightweave/aqrelay/internal/sse"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// handleCustomAPI implements spec §4.11: a user-configured OpenAI- or
// Claude-compatible upstream, selected by the account's other.format. There
// is no token refresh (client_secret is a static API key). dispatchCustomAPI
// reports every upstream failure as fatal, so a failed request is returned
// to the client without trying another account.
func (r *Router) handleCustomAPI(ctx context.Context, req *claude.Request, opts RequestOptions, w http.ResponseWriter) *Error {
	excluded := make(map[string]bool)

	for switches := 0; switches <= maxAccountSwitches; switches++ {
		a, perr := r.pickAccount(ctx, account.KindCustomAPI, req, opts, excluded)
		if perr != nil {
			return perr
		}

		mapped := cloneWithModel(req, a.MapModel(req.Model))
		if m := a.OtherString("model"); m != "" {
			mapped.Model = m
		}

		result := r.dispatchCustomAPI(ctx, a, mapped, w)
		switch result.outcome {
		case outcomeSuccess:
			r.Distributor.RecordUsage(a.ID, true)
			return nil
		case outcomeStreamedFailure:
			r.Distributor.RecordUsage(a.ID, false)
			return nil
		case outcomeSwitchAccount:
			excluded[a.ID] = true
			r.Distributor.RecordUsage(a.ID, false)
			continue
		case outcomeFatal:
			r.Distributor.RecordUsage(a.ID, false)
			return result.err
		}
	}
	return errAccountSuspended("exhausted account switches")
}

func (r *Router) dispatchCustomAPI(ctx context.Context, a *account.Account, req *claude.Request, w http.ResponseWriter) dispatchResult {
	format := customapi.Format(a.OtherString("format"))
	if format == "" {
		format = customapi.FormatOpenAI
	}
	apiBase := strings.TrimRight(a.OtherString("api_base"), "/")
	if apiBase == "" {
		return dispatchResult{outcome: outcomeFatal, err: errValidation("custom_api account missing other.api_base")}
	}

	var url string
	var headers map[string]string
	var body []byte

	switch format {
	case customapi.FormatOpenAI:
		built, err := customapi.BuildRequest(req, format, openai.Options{})
		if err != nil {
			return dispatchResult{outcome: outcomeFatal, err: errValidation(err.Error())}
		}
		body = withOpenAIStreamFlags(built)
		if !strings.HasSuffix(apiBase, "/v1") {
			apiBase += "/v1"
		}
		url = apiBase + "/chat/completions"
		headers = map[string]string{
			"Authorization": "Bearer " + a.ClientSecret,
			"Content-Type":  "application/json",
		}

	case customapi.FormatClaude:
		built, err := customapi.BuildRequest(req, format, openai.Options{})
		if err != nil {
			return dispatchResult{outcome: outcomeFatal, err: errValidation(err.Error())}
		}
		body = built
		url = apiBase + "/v1/messages"
		headers = map[string]string{
			"x-api-key":         a.ClientSecret,
			"anthropic-version": "2023-06-01",
			"Content-Type":      "application/json",
		}

	default:
		return dispatchResult{outcome: outcomeFatal, err: errValidation(fmt.Sprintf("unknown custom_api format %q", format))}
	}

	cacheCreation, cacheRead := r.cacheAccounting(req)

	var resp *http.Response
	var networkAttempts, serverErrAttempts int
	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return dispatchResult{outcome: outcomeFatal, err: errValidation(err.Error())}
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err = r.HTTPClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return dispatchResult{outcome: outcomeFatal, err: nil}
			}
			networkAttempts++
			if networkAttempts > 3 {
				return dispatchResult{outcome: outcomeFatal, err: errUpstreamNetworkError(err.Error())}
			}
			logUpstreamRetry("custom_api", "network error", networkAttempts)
			time.Sleep(1 * time.Second)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			serverErrAttempts++
			if serverErrAttempts > 3 {
				return dispatchResult{outcome: outcomeFatal, err: errUpstreamServerError("upstream 5xx exhausted retries")}
			}
			logUpstreamRetry("custom_api", "5xx", serverErrAttempts)
			time.Sleep(backoff(serverErrAttempts - 1))
			continue
		}
		break
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return dispatchResult{outcome: outcomeFatal, err: errUpstreamServerError(fmt.Sprintf("upstream status %d: %s", resp.StatusCode, truncate(string(bodyBytes), 500)))}
	}

	reader := resp.Body
	if resp.Header.Get("Content-Encoding") == "zstd" {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return dispatchResult{outcome: outcomeStreamedFailure}
		}
		decompressed, err := customapi.DecompressBody(raw, "zstd")
		if err != nil {
			return dispatchResult{outcome: outcomeFatal, err: errUpstreamServerError(err.Error())}
		}
		reader = io.NopCloser(bytes.NewReader(decompressed))
	}

	if format == customapi.FormatClaude {
		return r.streamCustomAPIClaude(ctx, reader, a.ID, req, cacheCreation, cacheRead, w)
	}
	return r.streamCustomAPIOpenAI(ctx, reader, a.ID, req, cacheCreation, cacheRead, w)
}

// withOpenAIStreamFlags injects stream:true and stream_options per spec
// §4.11, since openai.Build populates Stream from the canonical request
// rather than always forcing it on for this channel.
func withOpenAIStreamFlags(built []byte) []byte {
	patched, err := sjson.SetBytes(built, "stream", true)
	if err != nil {
		return built
	}
	patched, err = sjson.SetBytes(patched, "stream_options.include_usage", true)
	if err != nil {
		return built
	}
	return patched
}

func (r *Router) streamCustomAPIOpenAI(ctx context.Context, body io.Reader, accountID string, req *claude.Request, cacheCreation, cacheRead int, w http.ResponseWriter) dispatchResult {
	sw := sse.NewWriter(w)
	rs := sse.New(req.Model)

	inputTokens := estimateInputTokens(req)
	if err := sw.SendAll(rs.Start(inputTokens, cacheCreation, cacheRead)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	outputTokens := 0
	stopReason := "end_turn"

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			writeSSEError(sw, rs, "upstream-network-error", "client disconnected")
			return dispatchResult{outcome: outcomeStreamedFailure}
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		g := gjson.Parse(payload)

		if usage := g.Get("usage"); usage.Exists() {
			if out := int(usage.Get("completion_tokens").Int()); out > 0 {
				outputTokens = out
			}
		}
		if reason := g.Get("choices.0.finish_reason").String(); reason != "" {
			stopReason = mapOpenAIFinishReason(reason)
		}
		delta := g.Get("choices.0.delta")
		if delta.Exists() {
			if err := sw.SendAll(rs.FeedOpenAIDelta(delta)); err != nil {
				return dispatchResult{outcome: outcomeStreamedFailure}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		writeSSEError(sw, rs, "upstream-network-error", err.Error())
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	if err := sw.SendAll(rs.Finish(stopReason, outputTokens)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	r.Usage.Record(usageRow(accountID, uuid.NewString(), "custom_api", req.Model, inputTokens, outputTokens, cacheCreation, cacheRead))
	return dispatchResult{outcome: outcomeSuccess}
}

// streamCustomAPIClaude relays an upstream Anthropic-shaped SSE stream
// through C3 verbatim, only consulting each event for usage accounting.
func (r *Router) streamCustomAPIClaude(ctx context.Context, body io.Reader, accountID string, req *claude.Request, cacheCreation, cacheRead int, w http.ResponseWriter) dispatchResult {
	sw := sse.NewWriter(w)
	rs := sse.New(req.Model)

	inputTokens := estimateInputTokens(req)
	if err := sw.SendAll(rs.Start(inputTokens, cacheCreation, cacheRead)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	outputTokens := 0
	stopReason := "end_turn"
	var currentEvent string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			writeSSEError(sw, rs, "upstream-network-error", "client disconnected")
			return dispatchResult{outcome: outcomeStreamedFailure}
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || currentEvent == "" {
				continue
			}
			g := gjson.Parse(payload)
			// message_start/message_delta/message_stop are re-derived from
			// Start/Finish above so the client sees exactly one of each;
			// only their usage/stop_reason fields are worth keeping.
			switch currentEvent {
			case "message_start":
				if in := int(g.Get("message.usage.input_tokens").Int()); in > 0 {
					inputTokens = in
				}
				continue
			case "message_delta":
				if out := int(g.Get("usage.output_tokens").Int()); out > 0 {
					outputTokens = out
				}
				if reason := g.Get("delta.stop_reason").String(); reason != "" {
					stopReason = reason
				}
				continue
			case "message_stop":
				continue
			}
			if err := sw.SendAll(rs.FeedClaudeEvent(currentEvent, g)); err != nil {
				return dispatchResult{outcome: outcomeStreamedFailure}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		writeSSEError(sw, rs, "upstream-network-error", err.Error())
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	if err := sw.SendAll(rs.Finish(stopReason, outputTokens)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	r.Usage.Record(usageRow(accountID, uuid.NewString(), "custom_api", req.Model, inputTokens, outputTokens, cacheCreation, cacheRead))
	return dispatchResult{outcome: outcomeSuccess}
}

func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}
