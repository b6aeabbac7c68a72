package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightweave/aqrelay/internal/account"
	"github.com/brightweave/aqrelay/internal/claude"
	"github.com/brightweave/aqrelay/internal/providers/gemini"
	"github.com/brightweave/aqrelay/internal/sse"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const defaultGeminiEndpoint = "https://cloudcode-pa.googleapis.com"

// handleGemini implements spec §4.10: the amazonq flow with a Gemini-shaped
// upstream, per-model quota account filtering, and 429 quota refresh.
func (r *Router) handleGemini(ctx context.Context, req *claude.Request, opts RequestOptions, w http.ResponseWriter) *Error {
	excluded := make(map[string]bool)

	for switches := 0; switches <= 1; switches++ {
		a, perr := r.pickGeminiAccount(ctx, req, opts, excluded)
		if perr != nil {
			return perr
		}

		fresh, err := r.Tokens.EnsureFresh(ctx, a)
		if err != nil {
			excluded[a.ID] = true
			r.Distributor.RecordUsage(a.ID, false)
			continue
		}

		mappedModel := fresh.MapModel(req.Model)
		result := r.dispatchGemini(ctx, fresh, req, mappedModel, w)

		switch result.outcome {
		case outcomeSuccess:
			r.Distributor.RecordUsage(fresh.ID, true)
			return nil
		case outcomeStreamedFailure:
			r.Distributor.RecordUsage(fresh.ID, false)
			return nil
		case outcomeSwitchAccount:
			excluded[fresh.ID] = true
			r.Distributor.RecordUsage(fresh.ID, false)
			continue
		case outcomeFatal:
			r.Distributor.RecordUsage(fresh.ID, false)
			return result.err
		}
	}
	return errAccountSuspended("exhausted account switches")
}

// pickGeminiAccount layers the per-model quota check (spec §4.10) on top of
// the shared selection logic: a candidate whose mapped-model quota is
// exhausted and whose resetTime has not passed is treated as excluded.
func (r *Router) pickGeminiAccount(ctx context.Context, req *claude.Request, opts RequestOptions, excluded map[string]bool) (*account.Account, *Error) {
	if opts.ForcedAccountID != "" {
		return r.pickAccount(ctx, account.KindGemini, req, opts, excluded)
	}

	quotaExcluded := make(map[string]bool, len(excluded))
	for k, v := range excluded {
		quotaExcluded[k] = v
	}
	accs, err := r.Store.ListEnabled(ctx, account.KindGemini)
	if err == nil {
		for _, a := range accs {
			if excluded[a.ID] {
				continue
			}
			mapped := a.MapModel(req.Model)
			if !geminiModelQuotaOK(a, mapped) {
				quotaExcluded[a.ID] = true
			}
		}
	}
	return r.pickAccount(ctx, account.KindGemini, req, opts, quotaExcluded)
}

// geminiModelQuotaOK reads other.creditsInfo.models[model].remainingFraction,
// treating a past resetTime as an auto-restored 1.0 fraction on read, per
// spec §4.10.
func geminiModelQuotaOK(a *account.Account, model string) bool {
	credits, _ := a.Other["creditsInfo"].(map[string]any)
	if credits == nil {
		return true
	}
	models, _ := credits["models"].(map[string]any)
	if models == nil {
		return true
	}
	entry, ok := models[model].(map[string]any)
	if !ok {
		return true
	}
	if frac, ok := entry["remainingFraction"].(float64); ok && frac > 0 {
		return true
	}
	resetRaw, _ := entry["resetTime"].(string)
	if resetRaw == "" {
		return false
	}
	resetTime, err := time.Parse(time.RFC3339, resetRaw)
	if err != nil {
		return false
	}
	return time.Now().After(resetTime)
}

func (r *Router) dispatchGemini(ctx context.Context, a *account.Account, req *claude.Request, mappedModel string, w http.ResponseWriter) dispatchResult {
	endpoint := a.OtherString("api_endpoint")
	if endpoint == "" {
		endpoint = defaultGeminiEndpoint
	}
	project := a.OtherString("project")

	built, err := gemini.Build(req, gemini.Options{
		Project:      project,
		RequestID:    uuid.NewString(),
		UserAgent:    "google-api-go-client/0.5 aqrelay/1.0",
		ModelMapping: map[string]string{req.Model: mappedModel},
	})
	if err != nil {
		return dispatchResult{outcome: outcomeFatal, err: errValidation(err.Error())}
	}
	body, err := json.Marshal(built)
	if err != nil {
		return dispatchResult{outcome: outcomeFatal, err: errValidation(err.Error())}
	}

	cacheCreation, cacheRead := r.cacheAccounting(req)
	url := strings.TrimRight(endpoint, "/") + "/v1internal:streamGenerateContent?alt=sse"

	var resp *http.Response
	var networkAttempts, serverErrAttempts int
	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
		if err != nil {
			return dispatchResult{outcome: outcomeFatal, err: errValidation(err.Error())}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.AccessToken)

		resp, err = r.HTTPClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return dispatchResult{outcome: outcomeFatal, err: nil}
			}
			networkAttempts++
			if networkAttempts > 3 {
				return dispatchResult{outcome: outcomeFatal, err: errUpstreamNetworkError(err.Error())}
			}
			logUpstreamRetry("gemini", "network error", networkAttempts)
			time.Sleep(1 * time.Second)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			serverErrAttempts++
			if serverErrAttempts > 3 {
				return dispatchResult{outcome: outcomeFatal, err: errUpstreamServerError("upstream 5xx exhausted retries")}
			}
			logUpstreamRetry("gemini", "5xx", serverErrAttempts)
			time.Sleep(backoff(serverErrAttempts - 1))
			continue
		}
		break
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if resp.ContentLength == 0 {
			return r.streamEmptyGeminiResponse(req, cacheCreation, cacheRead, w)
		}
		return r.streamGeminiResponse(ctx, resp.Body, a.ID, req, cacheCreation, cacheRead, w)

	case resp.StatusCode == 429:
		r.refreshGeminiQuota(ctx, a, mappedModel, project, endpoint)
		if latest, err := r.Store.Get(ctx, a.ID); err == nil {
			a = latest
		}
		if geminiModelQuotaOK(a, mappedModel) {
			r.Distributor.SetCooldown(a.ID, 300)
		}
		return dispatchResult{outcome: outcomeSwitchAccount}

	case resp.StatusCode == 401 || resp.StatusCode == 403:
		bodyBytes, _ := io.ReadAll(resp.Body)
		log.WithField("account", a.ID).Warnf("gemini auth error: %s", truncate(string(bodyBytes), 300))
		return dispatchResult{outcome: outcomeSwitchAccount}

	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return dispatchResult{outcome: outcomeFatal, err: errUpstreamServerError(fmt.Sprintf("upstream status %d: %s", resp.StatusCode, truncate(string(bodyBytes), 500)))}
	}
}

// refreshGeminiQuota calls the provider's fetchAvailableModels RPC to learn
// the mapped model's current remainingFraction/resetTime after a 429, per
// spec §4.10, and persists the result so the next geminiModelQuotaOK read
// reflects it.
func (r *Router) refreshGeminiQuota(ctx context.Context, a *account.Account, mappedModel, project, endpoint string) {
	url := strings.TrimRight(endpoint, "/") + "/v1internal:fetchAvailableModels?project=" + project
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.AccessToken)
	resp, err := r.HTTPClient.Do(httpReq)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	g := gjson.ParseBytes(body)
	var frac float64
	var resetTime string
	g.Get("models").ForEach(func(_, m gjson.Result) bool {
		if m.Get("name").String() == mappedModel {
			frac = m.Get("remainingFraction").Float()
			resetTime = m.Get("resetTime").String()
			return false
		}
		return true
	})

	if frac > 0.03 {
		return // stays usable; caller sets a plain cooldown instead.
	}
	reset := time.Now().Add(time.Hour)
	if resetTime != "" {
		if t, err := time.Parse(time.RFC3339, resetTime); err == nil {
			reset = t
		}
	}
	if err := r.Store.MarkModelExhausted(ctx, a.ID, mappedModel, reset); err != nil {
		log.WithField("account", a.ID).Warnf("gemini: mark model exhausted: %v", err)
	}
}

// streamEmptyGeminiResponse handles the Content-Length:0 edge case from
// spec §4.10: a complete but empty Anthropic SSE sequence.
func (r *Router) streamEmptyGeminiResponse(req *claude.Request, cacheCreation, cacheRead int, w http.ResponseWriter) dispatchResult {
	sw := sse.NewWriter(w)
	rs := sse.New(req.Model)
	inputTokens := estimateInputTokens(req)
	if err := sw.SendAll(rs.Start(inputTokens, cacheCreation, cacheRead)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}
	if err := sw.SendAll(rs.FeedGeminiPart(gjson.Parse(`{"text":""}`))); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}
	if err := sw.SendAll(rs.Finish("end_turn", 0)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}
	return dispatchResult{outcome: outcomeSuccess}
}

// streamGeminiResponse reads the alt=sse "data: {...}" line stream and
// feeds each candidates[0].content.parts[] element through C3.
func (r *Router) streamGeminiResponse(ctx context.Context, body io.Reader, accountID string, req *claude.Request, cacheCreation, cacheRead int, w http.ResponseWriter) dispatchResult {
	sw := sse.NewWriter(w)
	rs := sse.New(req.Model)

	inputTokens := estimateInputTokens(req)
	if err := sw.SendAll(rs.Start(inputTokens, cacheCreation, cacheRead)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	outputChars := 0
	sawThought := false
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

		if reason := g.Get("response.candidates.0.finishReason").String(); reason != "" {
			stopReason = mapGeminiFinishReason(reason)
		}

		parts := g.Get("response.candidates.0.content.parts")
		if !parts.Exists() {
			parts = g.Get("candidates.0.content.parts")
		}
		parts.ForEach(func(_, part gjson.Result) bool {
			outputChars += len(part.Get("text").String())
			if part.Get("thought").Bool() {
				sawThought = true
			} else if sawThought {
				sawThought = false
				if err := sw.SendAll(rs.CloseThinkingWithSignature("")); err != nil {
					return false
				}
			}
			if err := sw.SendAll(rs.FeedGeminiPart(part)); err != nil {
				return false
			}
			return true
		})
	}
	if err := scanner.Err(); err != nil {
		writeSSEError(sw, rs, "upstream-network-error", err.Error())
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	outputTokens := estimateTokenCount(outputChars)
	if err := sw.SendAll(rs.Finish(stopReason, outputTokens)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	r.Usage.Record(usageRow(accountID, uuid.NewString(), "gemini", req.Model, inputTokens, outputTokens, cacheCreation, cacheRead))
	return dispatchResult{outcome: outcomeSuccess}
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}
