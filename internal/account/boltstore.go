package account

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketAccounts = []byte("accounts")
	bucketCallLogs = []byte("call_logs")
)

// BoltStore is the embedded-KV implementation of Store, standing in for
// the SQLite/MySQL persistence driver the spec abstracts away at its
// interface (spec §1 Out of scope). Rows older than 24h are eligible for
// pruning via PruneCallLogs.
type BoltStore struct {
	db *bbolt.DB
	mu sync.Mutex // serializes single-row upserts, per spec §5
}

// OpenBoltStore opens (creating if absent) a bbolt database file at path
// and ensures both buckets exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("account: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAccounts); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCallLogs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) ListAll(_ context.Context) ([]*Account, error) {
	var out []*Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		return b.ForEach(func(_, v []byte) error {
			var a Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *BoltStore) ListEnabled(ctx context.Context, kind Kind) ([]*Account, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(all))
	for _, a := range all {
		if a.Enabled && (kind == "" || a.Kind == kind) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *BoltStore) Get(_ context.Context, id string) (*Account, error) {
	var a *Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketAccounts).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		a = &Account{}
		return json.Unmarshal(v, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *BoltStore) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if a.Weight < 1 {
		a.Weight = 50
	}
	if a.RateLimitPerHour <= 0 {
		a.RateLimitPerHour = 20
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b.Get([]byte(a.ID)) != nil {
			return fmt.Errorf("account: id %q already exists", a.ID)
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.ID), data)
	})
}

// Update loads the row, applies patch, and writes it back atomically under
// the store's write lock. kind is immutable once created, per spec §3's
// invariant; patch must not attempt to change it (enforced by restoring it
// post-patch).
func (s *BoltStore) Update(_ context.Context, id string, patch func(*Account)) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *Account
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var a Account
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		originalKind := a.Kind
		patch(&a)
		a.Kind = originalKind
		if a.Weight < 1 {
			a.Weight = 1
		}
		a.UpdatedAt = time.Now()
		data, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		result = &a
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).Delete([]byte(id))
	})
}

// UpdateTokens persists a refresh outcome: new tokens (refreshToken may be
// empty when not rotated) and the status string, e.g. "success",
// "failed_400", "failed_invalid_grant". LastRefreshTime is always bumped
// on success, enforcing the strictly-monotonic-expiry invariant is the
// caller's (token manager's) job since only it knows the new expiry.
func (s *BoltStore) UpdateTokens(ctx context.Context, id, accessToken, refreshToken, status string) error {
	_, err := s.Update(ctx, id, func(a *Account) {
		if accessToken != "" {
			a.AccessToken = accessToken
		}
		if refreshToken != "" {
			a.RefreshToken = refreshToken
		}
		a.LastRefreshStatus = status
		a.LastRefreshTime = time.Now()
	})
	return err
}

func callLogKey(accountID string, ts time.Time, seq uint64) []byte {
	key := make([]byte, 0, len(accountID)+1+8+8)
	key = append(key, accountID...)
	key = append(key, 0)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UnixNano()))
	key = append(key, tsBuf[:]...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	key = append(key, seqBuf[:]...)
	return key
}

func (s *BoltStore) RecordCall(_ context.Context, id, model string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCallLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		row := CallLogRow{AccountID: id, Timestamp: time.Now(), Model: model}
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(callLogKey(id, row.Timestamp, seq), data)
	})
}

// scanCallLogs iterates every row for id with a timestamp >= since.
func (s *BoltStore) scanCallLogs(id string, since time.Time) ([]CallLogRow, error) {
	prefix := append([]byte(id), 0)
	var out []CallLogRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCallLogs).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row CallLogRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if !row.Timestamp.Before(since) {
				out = append(out, row)
			}
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) CheckRateLimit(ctx context.Context, id string) (bool, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	rows, err := s.scanCallLogs(id, time.Now().Add(-time.Hour))
	if err != nil {
		return false, err
	}
	return len(rows) < a.RateLimitPerHour, nil
}

func (s *BoltStore) CallStats(ctx context.Context, id string) (CallStats, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return CallStats{}, err
	}
	now := time.Now()
	allTime, err := s.scanCallLogs(id, time.Time{})
	if err != nil {
		return CallStats{}, err
	}
	var hour, day int
	for _, r := range allTime {
		if now.Sub(r.Timestamp) <= time.Hour {
			hour++
		}
		if now.Sub(r.Timestamp) <= 24*time.Hour {
			day++
		}
	}
	remaining := a.RateLimitPerHour - hour
	if remaining < 0 {
		remaining = 0
	}
	return CallStats{Hour: hour, Day: day, Total: len(allTime), Limit: a.RateLimitPerHour, Remaining: remaining}, nil
}

// MarkModelExhausted writes other.creditsInfo.models[model].{remainingFraction=0,resetTime}.
func (s *BoltStore) MarkModelExhausted(ctx context.Context, id, model string, resetTime time.Time) error {
	_, err := s.Update(ctx, id, func(a *Account) {
		if a.Other == nil {
			a.Other = map[string]any{}
		}
		credits, _ := a.Other["creditsInfo"].(map[string]any)
		if credits == nil {
			credits = map[string]any{}
		}
		models, _ := credits["models"].(map[string]any)
		if models == nil {
			models = map[string]any{}
		}
		models[model] = map[string]any{
			"remainingFraction": 0.0,
			"resetTime":         resetTime.Format(time.RFC3339),
		}
		credits["models"] = models
		a.Other["creditsInfo"] = credits
	})
	return err
}

// PruneCallLogs deletes rows older than the retention window (default 24h,
// spec §3's CallLog rule: rows older than the longest query window may be
// pruned).
func (s *BoltStore) PruneCallLogs(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCallLogs)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row CallLogRow
			if err := json.Unmarshal(v, &row); err != nil {
				continue
			}
			if row.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
