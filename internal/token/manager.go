// Package token implements the token manager (C7): per-kind bearer-token
// refresh, persistence, revocation detection, and the background refresh
// scheduler, per spec §4.7.
package token

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/brightweave/aqrelay/internal/account"
	log "github.com/sirupsen/logrus"
)

const (
	amazonQTokenURL = "https://oidc.us-east-1.amazonaws.com/token"
	geminiTokenURL  = "https://oauth2.googleapis.com/token"

	refreshSkew = 5 * time.Minute
)

// Manager refreshes bearer tokens under a per-account mutual-exclusion
// lock so concurrent requests targeting the same account share one
// refresh (spec §4.7, testable property #4).
type Manager struct {
	store  account.Store
	client *http.Client

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stopScheduler chan struct{}
}

// New constructs a Manager backed by store, using client for outbound
// refresh calls (a default client is used when nil).
func New(store account.Store, client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{store: store, client: client, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// EnsureFresh refreshes a's bearer token if missing or within refreshSkew
// of expiry, re-reading the persisted row after acquiring the lock so a
// waiter that lost the race picks up the winner's refreshed token instead
// of refreshing again.
func (m *Manager) EnsureFresh(ctx context.Context, a *account.Account) (*account.Account, error) {
	if a.Kind == account.KindCustomAPI {
		return a, nil // client_secret is a static API key; no refresh.
	}

	if !m.needsRefresh(a) {
		return a, nil
	}

	lock := m.lockFor(a.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read: another goroutine may have refreshed while we waited.
	fresh, err := m.store.Get(ctx, a.ID)
	if err != nil {
		return a, err
	}
	if !m.needsRefresh(fresh) {
		return fresh, nil
	}

	switch fresh.Kind {
	case account.KindAmazonQ:
		return m.refreshAmazonQ(ctx, fresh)
	case account.KindGemini:
		return m.refreshGemini(ctx, fresh)
	default:
		return fresh, nil
	}
}

// ForceRefresh refreshes a's bearer token unconditionally, under the same
// per-account lock as EnsureFresh. Used when an upstream call rejects a
// token that looked unexpired locally (spec §4.8's 401/403 handling).
func (m *Manager) ForceRefresh(ctx context.Context, a *account.Account) (*account.Account, error) {
	if a.Kind == account.KindCustomAPI {
		return a, nil
	}

	lock := m.lockFor(a.ID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := m.store.Get(ctx, a.ID)
	if err != nil {
		return a, err
	}
	switch fresh.Kind {
	case account.KindAmazonQ:
		return m.refreshAmazonQ(ctx, fresh)
	case account.KindGemini:
		return m.refreshGemini(ctx, fresh)
	default:
		return fresh, nil
	}
}

func (m *Manager) needsRefresh(a *account.Account) bool {
	if a.AccessToken == "" {
		return true
	}
	switch a.Kind {
	case account.KindAmazonQ:
		exp, ok := jwtExpiry(a.AccessToken)
		if !ok {
			return true
		}
		return time.Until(exp) < refreshSkew
	case account.KindGemini:
		raw := a.OtherString("token_expires_at")
		if raw == "" {
			return true
		}
		exp, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return true
		}
		return time.Until(exp) < refreshSkew
	default:
		return false
	}
}

// jwtExpiry decodes the "exp" claim from a JWT's unverified payload
// segment without validating the signature — the manager only needs the
// expiry to decide whether to refresh, not to authenticate the token.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}

type amazonQTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// RevokedError marks an unrecoverable "invalid_grant" response. By the time
// it is returned the manager has already disabled the account and marked it
// suspended, per spec §4.7/§7's account-suspended taxonomy entry.
type RevokedError struct{ Reason string }

func (e *RevokedError) Error() string { return "token: account revoked: " + e.Reason }

func (m *Manager) refreshAmazonQ(ctx context.Context, a *account.Account) (*account.Account, error) {
	body, _ := json.Marshal(map[string]string{
		"grantType":    "refresh_token",
		"clientId":     a.ClientID,
		"clientSecret": a.ClientSecret,
		"refreshToken": a.RefreshToken,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, amazonQTokenURL, bytes.NewReader(body))
	if err != nil {
		return a, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")

	resp, err := m.client.Do(req)
	if err != nil {
		_ = m.store.UpdateTokens(ctx, a.ID, "", "", "failed_network_error")
		return a, fmt.Errorf("token: amazonq refresh: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK {
		var parsed amazonQTokenResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return a, fmt.Errorf("token: amazonq refresh: decode response: %w", err)
		}
		if parsed.ExpiresIn <= 0 {
			parsed.ExpiresIn = 3600
		}
		if err := m.store.UpdateTokens(ctx, a.ID, parsed.AccessToken, parsed.RefreshToken, "success"); err != nil {
			return a, err
		}
		return m.store.Get(ctx, a.ID)
	}

	if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(respBody), "invalid_grant") {
		_, _ = m.store.Update(ctx, a.ID, func(acc *account.Account) {
			acc.Enabled = false
			if acc.Other == nil {
				acc.Other = map[string]any{}
			}
			acc.Other["suspended"] = true
			acc.Other["suspend_reason"] = "INVALID_GRANT"
			acc.LastRefreshStatus = "failed_invalid_grant"
			acc.LastRefreshTime = time.Now()
		})
		return a, &RevokedError{Reason: "INVALID_GRANT"}
	}

	status := fmt.Sprintf("failed_%d", resp.StatusCode)
	_ = m.store.UpdateTokens(ctx, a.ID, "", "", status)
	return a, fmt.Errorf("token: amazonq refresh: status %d: %s", resp.StatusCode, string(respBody))
}

func (m *Manager) refreshGemini(ctx context.Context, a *account.Account) (*account.Account, error) {
	form := url.Values{}
	form.Set("client_id", a.ClientID)
	form.Set("client_secret", a.ClientSecret)
	form.Set("refresh_token", a.RefreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, geminiTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return a, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		_ = m.store.UpdateTokens(ctx, a.ID, "", "", "failed_network_error")
		return a, fmt.Errorf("token: gemini refresh: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		status := fmt.Sprintf("failed_%d", resp.StatusCode)
		_ = m.store.UpdateTokens(ctx, a.ID, "", "", status)
		return a, fmt.Errorf("token: gemini refresh: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return a, fmt.Errorf("token: gemini refresh: decode response: %w", err)
	}
	expiry := time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	if _, err := m.store.Update(ctx, a.ID, func(acc *account.Account) {
		acc.AccessToken = parsed.AccessToken
		acc.LastRefreshStatus = "success"
		acc.LastRefreshTime = time.Now()
		if acc.Other == nil {
			acc.Other = map[string]any{}
		}
		acc.Other["token_expires_at"] = expiry.Format(time.RFC3339)
	}); err != nil {
		return a, err
	}
	return m.store.Get(ctx, a.ID)
}

// StartBackgroundScheduler refreshes every enabled amazonq account
// sequentially with 1s spacing, every interval, until the returned stop
// function is called. Failures are logged but never stop the loop, per
// spec §4.7.
func (m *Manager) StartBackgroundScheduler(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	m.stopScheduler = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.refreshAllAmazonQ(ctx)
			case <-m.stopScheduler:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		if m.stopScheduler != nil {
			close(m.stopScheduler)
		}
	}
}

func (m *Manager) refreshAllAmazonQ(ctx context.Context) {
	accs, err := m.store.ListEnabled(ctx, account.KindAmazonQ)
	if err != nil {
		log.Warnf("token: scheduler: list accounts: %v", err)
		return
	}
	for _, a := range accs {
		if _, err := m.refreshAmazonQ(ctx, a); err != nil {
			log.Warnf("token: scheduler: refresh %s failed: %v", a.ID, err)
		}
		time.Sleep(time.Second)
	}
}
