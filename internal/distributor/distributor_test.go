package distributor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/brightweave/aqrelay/internal/account"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	accounts map[string]*account.Account
}

func newFakeStore(accs ...*account.Account) *fakeStore {
	s := &fakeStore{accounts: map[string]*account.Account{}}
	for _, a := range accs {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *fakeStore) ListEnabled(_ context.Context, kind account.Kind) ([]*account.Account, error) {
	var out []*account.Account
	for _, a := range s.accounts {
		if a.Enabled && (kind == "" || a.Kind == kind) {
			out = append(out, a)
		}
	}
	return out, nil
}
func (s *fakeStore) ListAll(ctx context.Context) ([]*account.Account, error) { return s.ListEnabled(ctx, "") }
func (s *fakeStore) Get(_ context.Context, id string) (*account.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	return a, nil
}
func (s *fakeStore) Create(_ context.Context, a *account.Account) error { s.accounts[a.ID] = a; return nil }
func (s *fakeStore) Update(_ context.Context, id string, patch func(*account.Account)) (*account.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	patch(a)
	return a, nil
}
func (s *fakeStore) Delete(_ context.Context, id string) error { delete(s.accounts, id); return nil }
func (s *fakeStore) UpdateTokens(context.Context, string, string, string, string) error { return nil }
func (s *fakeStore) RecordCall(context.Context, string, string) error                   { return nil }
func (s *fakeStore) CheckRateLimit(context.Context, string) (bool, error)                { return true, nil }
func (s *fakeStore) CallStats(context.Context, string) (account.CallStats, error) {
	return account.CallStats{}, nil
}
func (s *fakeStore) MarkModelExhausted(context.Context, string, string, time.Time) error { return nil }
func (s *fakeStore) Close() error                                                 { return nil }

func TestPick_FairnessAtEqualWeights(t *testing.T) {
	accs := make([]*account.Account, 5)
	for i := range accs {
		accs[i] = &account.Account{ID: string(rune('a' + i)), Kind: account.KindAmazonQ, Enabled: true, Weight: 50, RateLimitPerHour: 1000}
	}
	store := newFakeStore(accs...)
	d := New(store)
	ctx := context.Background()

	counts := map[string]int{}
	const n = 20000
	for i := 0; i < n; i++ {
		a, err := d.Pick(ctx, account.KindAmazonQ, nil)
		require.NoError(t, err)
		counts[a.ID]++
		d.RecordUsage(a.ID, true)
	}

	mean := float64(n) / float64(len(accs))
	var variance float64
	for _, c := range counts {
		diff := float64(c) - mean
		variance += diff * diff
	}
	variance /= float64(len(accs))
	rsd := math.Sqrt(variance) / mean
	require.Less(t, rsd, 0.20, "selection distribution RSD too high: %v", counts)
}

func TestPick_DisabledNeverSelected(t *testing.T) {
	enabled := &account.Account{ID: "on", Kind: account.KindGemini, Enabled: true, Weight: 50, RateLimitPerHour: 1000}
	disabled := &account.Account{ID: "off", Kind: account.KindGemini, Enabled: false, Weight: 50, RateLimitPerHour: 1000}
	store := newFakeStore(enabled, disabled)
	d := New(store)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		a, err := d.Pick(ctx, account.KindGemini, nil)
		require.NoError(t, err)
		require.Equal(t, "on", a.ID)
	}
}

func TestPick_AllCooldownedFallsBackToFullSet(t *testing.T) {
	a1 := &account.Account{ID: "a1", Kind: account.KindAmazonQ, Enabled: true, Weight: 50, RateLimitPerHour: 1000}
	store := newFakeStore(a1)
	d := New(store)
	d.SetCooldown("a1", 300)

	a, err := d.Pick(context.Background(), account.KindAmazonQ, nil)
	require.NoError(t, err)
	require.Equal(t, "a1", a.ID)
}

func TestPick_NoAccountsReturnsErr(t *testing.T) {
	store := newFakeStore()
	d := New(store)
	_, err := d.Pick(context.Background(), account.KindAmazonQ, nil)
	require.ErrorIs(t, err, ErrNoAccountAvailable)
}

type fakeCooldownBackend struct {
	until map[string]time.Time
}

func (b *fakeCooldownBackend) Set(id string, until time.Time) error {
	b.until[id] = until
	return nil
}

func (b *fakeCooldownBackend) Get(id string) (time.Time, bool, error) {
	until, ok := b.until[id]
	return until, ok, nil
}

func TestSetCooldown_UsesExternalBackendWhenSet(t *testing.T) {
	a1 := &account.Account{ID: "a1", Kind: account.KindAmazonQ, Enabled: true, Weight: 50, RateLimitPerHour: 1000}
	store := newFakeStore(a1)
	d := New(store)
	backend := &fakeCooldownBackend{until: map[string]time.Time{}}
	d.SetCooldownBackend(backend)

	d.SetCooldown("a1", 300)
	require.True(t, d.IsInCooldown("a1"))
	_, ok := backend.until["a1"]
	require.True(t, ok, "cooldown should have been written through to the backend")
}
