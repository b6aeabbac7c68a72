// Package router implements the request orchestrator (C8): channel
// selection, account selection, token refresh, prompt-cache accounting,
// provider request building, upstream dispatch with retry/backoff, and
// response re-serialization back to the client, per spec §4.8-§4.11.
package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/brightweave/aqrelay/internal/account"
	"github.com/brightweave/aqrelay/internal/cache"
	"github.com/brightweave/aqrelay/internal/claude"
	"github.com/brightweave/aqrelay/internal/config"
	"github.com/brightweave/aqrelay/internal/distributor"
	"github.com/brightweave/aqrelay/internal/sessionbinding"
	"github.com/brightweave/aqrelay/internal/sse"
	"github.com/brightweave/aqrelay/internal/token"
	"github.com/brightweave/aqrelay/internal/tooldedup"
	"github.com/brightweave/aqrelay/internal/usage"
	log "github.com/sirupsen/logrus"
)

// maxAccountSwitches bounds the number of times a single request may move
// to a different account after an invalid_grant or suspension, per spec
// §4.8/§7.
const maxAccountSwitches = 3

// Router wires together every component a /v1/messages request touches.
type Router struct {
	Store       account.Store
	Distributor *distributor.Distributor
	Tokens      *token.Manager
	Cache       *cache.Manager
	Sessions    *sessionbinding.Store
	Usage       *usage.Tracker
	Config      *config.Config
	HTTPClient  *http.Client
}

// New constructs a Router. httpClient may be nil to use a default client
// with the spec §5 upstream timeout of 300s.
func New(store account.Store, dist *distributor.Distributor, tokens *token.Manager, cacheMgr *cache.Manager, sessions *sessionbinding.Store, tracker *usage.Tracker, cfg *config.Config, httpClient *http.Client) *Router {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 300 * time.Second}
	}
	return &Router{
		Store:       store,
		Distributor: dist,
		Tokens:      tokens,
		Cache:       cacheMgr,
		Sessions:    sessions,
		Usage:       tracker,
		Config:      cfg,
		HTTPClient:  httpClient,
	}
}

// RequestOptions carries the per-request inputs the HTTP layer extracts
// from headers before calling into the router.
type RequestOptions struct {
	// ForcedAccountID corresponds to the X-Account-ID header.
	ForcedAccountID string
	// TestMode corresponds to X-Test-Mode: true, allowing a disabled
	// forced account through.
	TestMode bool
	// ForcedChannel pins the channel for /v1/gemini/messages and
	// /v1/custom_api/messages; empty means "decide by model".
	ForcedChannel account.Kind
}

// Handle is the single entry point for all three client-facing message
// routes. It writes the full Anthropic SSE sequence (or an Anthropic error
// JSON body if nothing has been streamed yet) to w, and returns only once
// the response is fully written or ctx is cancelled.
func (r *Router) Handle(ctx context.Context, req *claude.Request, opts RequestOptions, w http.ResponseWriter) *Error {
	if len(req.Messages) == 0 {
		return errValidation("messages must not be empty")
	}

	channel, err := r.selectChannel(ctx, req, opts)
	if err != nil {
		return err
	}

	req.Messages = claude.CoalesceConsecutive(req.Messages)
	if r.Config == nil || r.Config.EnableToolDedup {
		req.Messages = tooldedup.Annotate(req.Messages)
	}

	switch channel {
	case account.KindGemini:
		return r.handleGemini(ctx, req, opts, w)
	case account.KindCustomAPI:
		return r.handleCustomAPI(ctx, req, opts, w)
	default:
		return r.handleAmazonQ(ctx, req, opts, w)
	}
}

// selectChannel picks the provider kind for this request: a forced
// account or forced channel wins outright; otherwise the model name is
// matched against the config store's allow-lists, defaulting to amazonq.
func (r *Router) selectChannel(ctx context.Context, req *claude.Request, opts RequestOptions) (account.Kind, *Error) {
	if opts.ForcedAccountID != "" {
		a, err := r.Store.Get(ctx, opts.ForcedAccountID)
		if err != nil {
			return "", errValidation("unknown X-Account-ID")
		}
		return a.Kind, nil
	}
	if opts.ForcedChannel != "" {
		return opts.ForcedChannel, nil
	}

	model := strings.ToLower(req.Model)
	if r.Config != nil {
		for _, m := range r.Config.GeminiOnlyModels {
			if strings.ToLower(m) == model {
				return account.KindGemini, nil
			}
		}
		for _, m := range r.Config.AmazonQOnlyModels {
			if strings.ToLower(m) == model {
				return account.KindAmazonQ, nil
			}
		}
	}
	return account.KindAmazonQ, nil
}

// pickAccount resolves the account to use for kind: the forced override
// if present (honoring TestMode to bypass the enabled check), else a
// session-binding hit, else a fresh distributor pick.
func (r *Router) pickAccount(ctx context.Context, kind account.Kind, req *claude.Request, opts RequestOptions, excluded map[string]bool) (*account.Account, *Error) {
	if opts.ForcedAccountID != "" {
		a, err := r.Store.Get(ctx, opts.ForcedAccountID)
		if err != nil {
			return nil, errValidation("unknown X-Account-ID")
		}
		if !a.Enabled && !opts.TestMode {
			return nil, errAccountSuspended("forced account is disabled")
		}
		return a, nil
	}

	if r.Sessions != nil && r.Config != nil && r.Config.EnableSessionBinding {
		if sys := firstSystemText(req); sys != "" {
			hash := sessionbinding.Hash(sys)
			if id, ok := r.Sessions.Lookup(hash); ok && !excluded[id] {
				if a, err := r.Store.Get(ctx, id); err == nil && a.Enabled && a.Kind == kind {
					return a, nil
				}
			}
		}
	}

	modelOK := func(a *account.Account) bool { return !excluded[a.ID] }
	a, err := r.Distributor.Pick(ctx, kind, modelOK)
	if err != nil {
		return nil, errNoAccountAvailable()
	}

	if r.Sessions != nil && r.Config != nil && r.Config.EnableSessionBinding {
		if sys := firstSystemText(req); sys != "" {
			r.Sessions.Bind(sessionbinding.Hash(sys), a.ID, "", string(kind))
		}
	}
	return a, nil
}

func firstSystemText(req *claude.Request) string {
	for _, b := range req.SystemBlocks() {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}

// cacheAccounting runs C4 over req's cacheable content.
func (r *Router) cacheAccounting(req *claude.Request) (creation, read int) {
	if r.Cache == nil {
		return 0, 0
	}
	text := cache.ExtractCacheable(req)
	res := r.Cache.Check(text)
	return res.CreationTokens, res.ReadTokens
}

// backoff returns the exponential-backoff-plus-jitter delay for a 5xx
// retry attempt (0-indexed), per spec §4.8: 1s, 2s, 4s.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	jitter := time.Duration(attempt*137) * time.Millisecond
	return base + jitter
}

func logUpstreamRetry(channel, reason string, attempt int) {
	log.WithFields(log.Fields{"channel": channel, "attempt": attempt}).Warnf("upstream retry: %s", reason)
}

// usageRow builds the C9 record for one successfully completed request.
func usageRow(accountID, requestID, channel, model string, inputTokens, outputTokens, cacheCreation, cacheRead int) usage.Row {
	return usage.Row{
		RequestID:                requestID,
		AccountID:                accountID,
		Channel:                  channel,
		Model:                    model,
		InputTokens:              inputTokens,
		OutputTokens:             outputTokens,
		CacheCreationInputTokens: cacheCreation,
		CacheReadInputTokens:     cacheRead,
		CreatedAt:                time.Now(),
	}
}

// writeSSEError renders a partial-failure mid-stream per spec §7: close
// the currently open block, emit an error event, then message_stop, only
// if the stream has actually started.
func writeSSEError(w *sse.Writer, rs interface {
	Abort(errType, message string) []sse.Event
}, errType, message string) {
	_ = w.SendAll(rs.Abort(errType, message))
}
