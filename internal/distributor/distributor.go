// Package distributor implements the account distributor (C6): given a
// requested provider kind (and optional model filter), it scores every
// enabled candidate account and picks one via weighted random selection,
// per spec §4.6.
package distributor

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/brightweave/aqrelay/internal/account"
	log "github.com/sirupsen/logrus"
)

// ErrNoAccountAvailable is the "no-account-available" taxonomy error from
// spec §7, surfaced by the router as a 503.
var ErrNoAccountAvailable = errors.New("distributor: no account available")

// usageRecord is the in-memory per-account counter set from spec §3's
// AccountUsageRecord. Lazily created on first selection, never destroyed.
type usageRecord struct {
	successCount    int
	failCount       int
	lastUsedMs      int64
	recentUsage     int
	recentWindowEnd int64 // unix ms marking the end of the current 60s window
}

// CooldownBackend externalizes the cooldown map so a multi-process
// deployment can share it, per spec §5's shared-resource note and
// SPEC_FULL's Redis option. The default Distributor keeps cooldowns
// in-process; SetCooldownBackend swaps in a shared implementation.
type CooldownBackend interface {
	Set(id string, until time.Time) error
	Get(id string) (until time.Time, ok bool, err error)
}

// Distributor owns the usage-record and cooldown maps exclusively, per
// spec §3's ownership rule. Safe for concurrent use.
type Distributor struct {
	store account.Store

	mu        sync.Mutex
	usage     map[string]*usageRecord
	cooldowns map[string]time.Time // account id -> cooldown end, used when backend is nil

	backend CooldownBackend
}

// New constructs a Distributor backed by the given account store, using an
// in-process cooldown map.
func New(store account.Store) *Distributor {
	return &Distributor{
		store:     store,
		usage:     make(map[string]*usageRecord),
		cooldowns: make(map[string]time.Time),
	}
}

// SetCooldownBackend switches cooldown state to an external backend (e.g.
// Redis) so it is shared across proxy instances. Must be called before
// the Distributor is used concurrently.
func (d *Distributor) SetCooldownBackend(b CooldownBackend) {
	d.backend = b
}

// SetCooldown excludes id from selection until seconds from now. seconds<=0
// defaults to 300, matching spec §4.6.
func (d *Distributor) SetCooldown(id string, seconds int) {
	if seconds <= 0 {
		seconds = 300
	}
	until := time.Now().Add(time.Duration(seconds) * time.Second)

	if d.backend != nil {
		if err := d.backend.Set(id, until); err != nil {
			log.Warnf("distributor: redis cooldown set failed, falling back to in-process: %v", err)
		} else {
			return
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cooldowns[id] = until
}

// IsInCooldown reports whether id is currently excluded, evicting the
// entry lazily if it has expired.
func (d *Distributor) IsInCooldown(id string) bool {
	if d.backend != nil {
		until, ok, err := d.backend.Get(id)
		if err == nil {
			return ok && time.Now().Before(until)
		}
		log.Warnf("distributor: redis cooldown get failed, falling back to in-process: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	end, ok := d.cooldowns[id]
	if !ok {
		return false
	}
	if time.Now().After(end) {
		delete(d.cooldowns, id)
		return false
	}
	return true
}

// RecordUsage updates in-memory success/fail counters for id after a
// request completes.
func (d *Distributor) RecordUsage(id string, success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.recordLocked(id)
	if success {
		rec.successCount++
	} else {
		rec.failCount++
	}
}

func (d *Distributor) recordLocked(id string) *usageRecord {
	rec, ok := d.usage[id]
	if !ok {
		rec = &usageRecord{}
		d.usage[id] = rec
	}
	return rec
}

// score computes the spec §4.6 weighted score for one account.
func score(rec *usageRecord, weight int, nowMs int64) float64 {
	total := rec.successCount + rec.failCount
	var successScore float64
	successRate := 1.0
	if total > 0 {
		successRate = float64(rec.successCount) / float64(total)
	}
	switch {
	case total < 10:
		successScore = 40
	case successRate < 0.5:
		successScore = successRate * 20
	default:
		successScore = successRate * 40
	}

	var cooldownScore float64
	secondsSinceUse := 1e9
	if rec.lastUsedMs > 0 {
		secondsSinceUse = float64(nowMs-rec.lastUsedMs) / 1000
	}
	switch {
	case secondsSinceUse >= 300:
		cooldownScore = 30
	case secondsSinceUse >= 60:
		cooldownScore = 25
	case secondsSinceUse >= 30:
		cooldownScore = 15
	default:
		cooldownScore = 5
	}

	balanceScore := 30 - float64(rec.recentUsage)*10
	if balanceScore < 0 {
		balanceScore = 0
	}

	w := float64(weight)
	if w < 1 {
		w = 1
	}
	return (successScore + cooldownScore + balanceScore) * (w / 50)
}

func successRateOf(rec *usageRecord) (rate float64, total int) {
	total = rec.successCount + rec.failCount
	if total == 0 {
		return 1, 0
	}
	return float64(rec.successCount) / float64(total), total
}

// Pick selects one enabled account of kind, optionally restricted to those
// whose mapped model is usable (model filter is advisory; callers that
// care about Gemini per-model quota apply it via modelOK).
func (d *Distributor) Pick(ctx context.Context, kind account.Kind, modelOK func(*account.Account) bool) (*account.Account, error) {
	candidates, err := d.store.ListEnabled(ctx, kind)
	if err != nil {
		return nil, err
	}
	if modelOK != nil {
		filtered := candidates[:0:0]
		for _, a := range candidates {
			if modelOK(a) {
				filtered = append(filtered, a)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil, ErrNoAccountAvailable
	}

	eligible := d.filterAvailable(ctx, candidates)
	if len(eligible) == 0 {
		eligible = candidates // fall back to the full set, spec §4.6 step 2
	}

	eligible = d.filterBySuccessRate(eligible)
	if len(eligible) == 0 {
		eligible = candidates
	}

	chosen, err := d.weightedPick(eligible)
	if err != nil {
		return nil, err
	}

	d.bumpUsage(chosen.ID)
	return chosen, nil
}

func (d *Distributor) filterAvailable(ctx context.Context, candidates []*account.Account) []*account.Account {
	out := make([]*account.Account, 0, len(candidates))
	for _, a := range candidates {
		if d.IsInCooldown(a.ID) {
			continue
		}
		ok, err := d.store.CheckRateLimit(ctx, a.ID)
		if err != nil || !ok {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (d *Distributor) filterBySuccessRate(candidates []*account.Account) []*account.Account {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*account.Account, 0, len(candidates))
	for _, a := range candidates {
		rec := d.recordLocked(a.ID)
		rate, total := successRateOf(rec)
		if total <= 10 || rate >= 0.5 {
			out = append(out, a)
		}
	}
	return out
}

func (d *Distributor) weightedPick(candidates []*account.Account) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, ErrNoAccountAvailable
	}
	d.mu.Lock()
	nowMs := time.Now().UnixMilli()
	scores := make([]float64, len(candidates))
	minScore := 0.0
	for i, a := range candidates {
		rec := d.recordLocked(a.ID)
		scores[i] = score(rec, a.Weight, nowMs)
		if scores[i] < minScore {
			minScore = scores[i]
		}
	}
	d.mu.Unlock()

	shift := 0.0
	if minScore <= 0 {
		shift = 1 - minScore
	}
	total := 0.0
	for i := range scores {
		scores[i] += shift
		total += scores[i]
	}
	if total <= 0 {
		return candidates[0], nil
	}

	target, err := rand.Int(rand.Reader, big.NewInt(int64(total*1000)))
	if err != nil {
		return candidates[0], nil
	}
	pick := float64(target.Int64()) / 1000
	cum := 0.0
	for i, s := range scores {
		cum += s
		if pick <= cum {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func (d *Distributor) bumpUsage(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.recordLocked(id)
	now := time.Now().UnixMilli()
	if now >= rec.recentWindowEnd {
		rec.recentUsage = 0
		rec.recentWindowEnd = now + 60_000
	}
	rec.recentUsage++
	rec.lastUsedMs = now
}
