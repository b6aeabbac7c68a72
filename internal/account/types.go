// Package account implements the Account store (C5): CRUD, rate-limit
// logging, and quota/credits metadata persistence, backed by an embedded
// bbolt key-value store standing in for the spec's abstracted
// SQLite/MySQL row store.
package account

import "time"

// Kind enumerates the provider kinds a credential record can represent.
type Kind string

const (
	KindAmazonQ   Kind = "amazonq"
	KindGemini    Kind = "gemini"
	KindCustomAPI Kind = "custom_api"
)

// Account is a credential record identified by an opaque id, per spec §3.
type Account struct {
	ID                string         `json:"id"`
	Label             string         `json:"label"`
	Kind              Kind           `json:"kind"`
	ClientID          string         `json:"client_id,omitempty"`
	ClientSecret      string         `json:"client_secret,omitempty"`
	RefreshToken      string         `json:"refresh_token,omitempty"`
	AccessToken       string         `json:"access_token,omitempty"`
	Other             map[string]any `json:"other,omitempty"`
	Enabled           bool           `json:"enabled"`
	Weight            int            `json:"weight"`
	RateLimitPerHour  int            `json:"rate_limit_per_hour"`
	LastRefreshTime   time.Time      `json:"last_refresh_time,omitempty"`
	LastRefreshStatus string         `json:"last_refresh_status,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// OtherString reads a string-valued key from the free-form metadata bag.
func (a *Account) OtherString(key string) string {
	if a.Other == nil {
		return ""
	}
	v, _ := a.Other[key].(string)
	return v
}

// OtherBool reads a bool-valued key from the free-form metadata bag.
func (a *Account) OtherBool(key string) bool {
	if a.Other == nil {
		return false
	}
	v, _ := a.Other[key].(bool)
	return v
}

// ModelMapping is one entry of the other.modelMappings list.
type ModelMapping struct {
	RequestModel string `json:"requestModel"`
	TargetModel  string `json:"targetModel"`
}

// ModelMappings decodes other["modelMappings"] into typed entries,
// tolerating absence or a malformed shape by returning nil.
func (a *Account) ModelMappings() []ModelMapping {
	raw, ok := a.Other["modelMappings"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]ModelMapping, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		req, _ := m["requestModel"].(string)
		target, _ := m["targetModel"].(string)
		if req != "" && target != "" {
			out = append(out, ModelMapping{RequestModel: req, TargetModel: target})
		}
	}
	return out
}

// MapModel applies the account's per-account model mapping (other.modelMappings),
// returning the requested model unchanged when no entry matches.
func (a *Account) MapModel(requested string) string {
	for _, mm := range a.ModelMappings() {
		if mm.RequestModel == requested {
			return mm.TargetModel
		}
	}
	return requested
}

// CallLogRow is one append-only row used for "requests in last hour"
// enforcement and display.
type CallLogRow struct {
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
}

// CallStats summarizes call volume against the account's configured limit.
type CallStats struct {
	Hour      int `json:"hour"`
	Day       int `json:"day"`
	Total     int `json:"total"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}
