// Package sessionbinding implements the optional heuristic that pins a
// conversation to the account that last served it, grounded on
// original_source's src/auth/session_binding.py. It is a convenience for
// cache locality, not a correctness requirement: callers always fall back
// to normal distributor selection on a miss.
package sessionbinding

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a binding survives without being re-touched.
	DefaultTTL = 30 * time.Minute
	// DefaultMaxEntries bounds memory use; the oldest entry is evicted
	// once this is exceeded.
	DefaultMaxEntries = 1000
)

type entry struct {
	hash          string
	accountID     string
	conversationID string
	kind          string
	expiresAt     time.Time
}

// Store binds a system-prompt hash to the account that last handled it.
type Store struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List
	index      map[string]*list.Element
}

// New constructs a Store. ttl<=0 and maxEntries<=0 fall back to their
// package defaults.
func New(ttl time.Duration, maxEntries int) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
}

// Hash computes the binding key for a system prompt: SHA-256 of its first
// 200 characters, matching the original heuristic.
func Hash(systemPromptText string) string {
	runes := []rune(systemPromptText)
	if len(runes) > 200 {
		runes = runes[:200]
	}
	sum := sha256.Sum256([]byte(string(runes)))
	return hex.EncodeToString(sum[:])
}

// Bind upserts a hash -> account binding, evicting the least-recently-used
// entry if this insert would exceed maxEntries.
func (s *Store) Bind(hash, accountID, conversationID, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[hash]; ok {
		e := el.Value.(*entry)
		e.accountID = accountID
		e.conversationID = conversationID
		e.kind = kind
		e.expiresAt = time.Now().Add(s.ttl)
		s.order.MoveToFront(el)
		return
	}

	if s.order.Len() >= s.maxEntries {
		oldest := s.order.Back()
		if oldest != nil {
			delete(s.index, oldest.Value.(*entry).hash)
			s.order.Remove(oldest)
		}
	}

	e := &entry{hash: hash, accountID: accountID, conversationID: conversationID, kind: kind, expiresAt: time.Now().Add(s.ttl)}
	el := s.order.PushFront(e)
	s.index[hash] = el
}

// Lookup returns the bound account id for hash, false if unbound or the
// binding has expired. A hit refreshes recency but not the TTL clock, so a
// binding dies 30 minutes after it was last written, not last read.
func (s *Store) Lookup(hash string) (accountID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, found := s.index[hash]
	if !found {
		return "", false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		delete(s.index, hash)
		s.order.Remove(el)
		return "", false
	}
	s.order.MoveToFront(el)
	return e.accountID, true
}

// Len reports the current number of live bindings, including ones that
// have expired but not yet been evicted by a Lookup or Bind.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
