package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightweave/aqrelay/internal/account"
	"github.com/brightweave/aqrelay/internal/claude"
	"github.com/brightweave/aqrelay/internal/eventstream"
	"github.com/brightweave/aqrelay/internal/providers/codewhisperer"
	"github.com/brightweave/aqrelay/internal/sse"
	"github.com/brightweave/aqrelay/internal/token"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const amazonQEndpoint = "https://q.us-east-1.amazonaws.com/"

// handleAmazonQ implements spec §4.8 steps 4-9 for the amazonq channel.
func (r *Router) handleAmazonQ(ctx context.Context, req *claude.Request, opts RequestOptions, w http.ResponseWriter) *Error {
	excluded := make(map[string]bool)

	for switches := 0; switches <= maxAccountSwitches; switches++ {
		a, perr := r.pickAccount(ctx, account.KindAmazonQ, req, opts, excluded)
		if perr != nil {
			return perr
		}

		fresh, err := r.Tokens.EnsureFresh(ctx, a)
		if err != nil {
			excluded[a.ID] = true
			if _, revoked := err.(*token.RevokedError); revoked {
				r.Distributor.RecordUsage(a.ID, false)
				continue
			}
			log.WithField("account", a.ID).Warnf("amazonq token refresh failed: %v", err)
			r.Distributor.RecordUsage(a.ID, false)
			continue
		}

		mapped := cloneWithModel(req, fresh.MapModel(req.Model))
		result := r.dispatchAmazonQ(ctx, fresh, mapped, w)

		switch result.outcome {
		case outcomeSuccess:
			r.Distributor.RecordUsage(fresh.ID, true)
			return nil
		case outcomeStreamedFailure:
			// Bytes already reached the client; no retry is possible.
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

func cloneWithModel(req *claude.Request, model string) *claude.Request {
	clone := *req
	clone.Model = model
	return &clone
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSwitchAccount
	outcomeStreamedFailure
	outcomeFatal
)

type dispatchResult struct {
	outcome outcome
	err     *Error
}

// dispatchAmazonQ performs the HTTP call (with 5xx/network retries) and,
// on 200, streams the response to the client. It never returns
// outcomeSwitchAccount once streaming has begun.
func (r *Router) dispatchAmazonQ(ctx context.Context, a *account.Account, req *claude.Request, w http.ResponseWriter) dispatchResult {
	return r.dispatchAmazonQAttempt(ctx, a, req, w, false)
}

func (r *Router) dispatchAmazonQAttempt(ctx context.Context, a *account.Account, req *claude.Request, w http.ResponseWriter, retriedAuth bool) dispatchResult {
	cwReq, err := codewhisperer.Build(req, a.OtherString("profileArn"), req.Thinking != nil)
	if err != nil {
		return dispatchResult{outcome: outcomeFatal, err: errValidation(err.Error())}
	}
	body, err := json.Marshal(cwReq)
	if err != nil {
		return dispatchResult{outcome: outcomeFatal, err: errValidation(err.Error())}
	}

	cacheCreation, cacheRead := r.cacheAccounting(req)

	var resp *http.Response
	var networkAttempts, serverErrAttempts int
	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, amazonQEndpoint, bytes.NewReader(body))
		if err != nil {
			return dispatchResult{outcome: outcomeFatal, err: errValidation(err.Error())}
		}
		httpReq.Header.Set("Content-Type", "application/x-amz-json-1.0")
		httpReq.Header.Set("X-Amz-Target", "AmazonCodeWhispererStreamingService.GenerateAssistantResponse")
		httpReq.Header.Set("Authorization", "Bearer "+a.AccessToken)
		httpReq.Header.Set("Amz-Sdk-Request", fmt.Sprintf("attempt=%d; max=%d", networkAttempts+serverErrAttempts+1, maxAccountSwitches+1))
		httpReq.Header.Set("User-Agent", "aws-sdk-go2/1.0 os/other lang/go md/aqrelay")

		resp, err = r.HTTPClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return dispatchResult{outcome: outcomeFatal, err: nil}
			}
			networkAttempts++
			if networkAttempts > 3 {
				return dispatchResult{outcome: outcomeFatal, err: errUpstreamNetworkError(err.Error())}
			}
			logUpstreamRetry("amazonq", "network error", networkAttempts)
			time.Sleep(1 * time.Second)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			serverErrAttempts++
			if serverErrAttempts > 3 {
				return dispatchResult{outcome: outcomeFatal, err: errUpstreamServerError("upstream 5xx exhausted retries")}
			}
			logUpstreamRetry("amazonq", "5xx", serverErrAttempts)
			time.Sleep(backoff(serverErrAttempts - 1))
			continue
		}
		break
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return r.streamAmazonQResponse(ctx, resp.Body, a.ID, req, cacheCreation, cacheRead, w)

	case resp.StatusCode == 401 || resp.StatusCode == 403:
		bodyBytes, _ := io.ReadAll(resp.Body)
		if bytes.Contains(bodyBytes, []byte("TEMPORARILY_SUSPENDED")) {
			r.disableAccount(ctx, a.ID, "TEMPORARILY_SUSPENDED")
			return dispatchResult{outcome: outcomeSwitchAccount}
		}
		if retriedAuth {
			return dispatchResult{outcome: outcomeFatal, err: errUpstreamServerError("auth retry exhausted")}
		}
		refreshed, refErr := r.Tokens.ForceRefresh(ctx, a)
		if refErr != nil {
			return dispatchResult{outcome: outcomeSwitchAccount}
		}
		return r.dispatchAmazonQAttempt(ctx, refreshed, req, w, true)

	case resp.StatusCode == 429:
		bodyBytes, _ := io.ReadAll(resp.Body)
		if bytes.Contains(bodyBytes, []byte("ServiceQuotaExceededException")) && bytes.Contains(bodyBytes, []byte("MONTHLY_REQUEST_COUNT")) {
			r.disableAccount(ctx, a.ID, "MONTHLY_REQUEST_COUNT")
			return dispatchResult{outcome: outcomeFatal, err: errUpstreamRateLimited("monthly quota exceeded")}
		}
		r.Distributor.SetCooldown(a.ID, 300)
		return dispatchResult{outcome: outcomeFatal, err: errUpstreamRateLimited("rate limited")}

	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return dispatchResult{outcome: outcomeFatal, err: errUpstreamServerError(fmt.Sprintf("upstream status %d: %s", resp.StatusCode, truncate(string(bodyBytes), 500)))}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (r *Router) disableAccount(ctx context.Context, id, reason string) {
	_, _ = r.Store.Update(ctx, id, func(a *account.Account) {
		a.Enabled = false
		if a.Other == nil {
			a.Other = map[string]any{}
		}
		a.Other["suspended"] = true
		a.Other["suspend_reason"] = reason
	})
}

// streamAmazonQResponse pipes the AWS event-stream body through C1 -> C3
// and writes the Anthropic SSE sequence to w.
func (r *Router) streamAmazonQResponse(ctx context.Context, body io.Reader, accountID string, req *claude.Request, cacheCreation, cacheRead int, w http.ResponseWriter) dispatchResult {
	sw := sse.NewWriter(w)
	rs := sse.New(req.Model)

	inputTokens := estimateInputTokens(req)
	if err := sw.SendAll(rs.Start(inputTokens, cacheCreation, cacheRead)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	framer := eventstream.New()
	buf := make([]byte, 32*1024)
	outputChars := 0
	stopReason := "end_turn"

	for {
		select {
		case <-ctx.Done():
			writeSSEError(sw, rs, "upstream-network-error", "client disconnected")
			return dispatchResult{outcome: outcomeStreamedFailure}
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			events, feErr := framer.Feed(buf[:n])
			if feErr != nil {
				writeSSEError(sw, rs, "upstream-parse-error", feErr.Error())
				return dispatchResult{outcome: outcomeStreamedFailure}
			}
			for _, ev := range events {
				if strings.Contains(strings.ToLower(ev.EventType), "exception") {
					writeSSEError(sw, rs, "upstream-parse-error", "upstream error event: "+ev.EventType)
					return dispatchResult{outcome: outcomeStreamedFailure}
				}
				outputChars += len(ev.Payload)
				if err := sw.SendAll(rs.FeedAmazonQEvent(ev.Payload)); err != nil {
					return dispatchResult{outcome: outcomeStreamedFailure}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			writeSSEError(sw, rs, "upstream-network-error", readErr.Error())
			return dispatchResult{outcome: outcomeStreamedFailure}
		}
	}

	outputTokens := estimateTokenCount(outputChars)
	if err := sw.SendAll(rs.Finish(stopReason, outputTokens)); err != nil {
		return dispatchResult{outcome: outcomeStreamedFailure}
	}

	r.Usage.Record(usageRow(accountID, uuid.NewString(), "amazonq", req.Model, inputTokens, outputTokens, cacheCreation, cacheRead))
	return dispatchResult{outcome: outcomeSuccess}
}

func estimateTokenCount(chars int) int {
	if chars <= 0 {
		return 0
	}
	n := chars / 4
	if n < 1 {
		n = 1
	}
	return n
}

// estimateInputTokens is the optional validation-guard estimator from
// spec §4.8: text tokens ~= chars/4, image tokens ~= base64 bytes/1024 *
// 256.
func estimateInputTokens(req *claude.Request) int {
	chars := 0
	imageTokens := 0
	for _, b := range req.SystemBlocks() {
		chars += len(b.Text)
	}
	for _, m := range req.Messages {
		for _, b := range m.ContentBlocks() {
			switch b.Type {
			case "text":
				chars += len(b.Text)
			case "tool_result":
				chars += len(claude.TextContentOf(b.Content))
			case "image":
				if b.Source != nil {
					imageTokens += len(b.Source.Data) / 1024 * 256
				}
			}
		}
	}
	return estimateTokenCount(chars) + imageTokens
}
