package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheck_MissThenHit(t *testing.T) {
	m := NewManager(DefaultTTL, DefaultMaxEntries)
	text := "A repeated system prompt that is long enough to matter."

	r1 := m.Check(text)
	assert.Zero(t, r1.ReadTokens)
	assert.Equal(t, TokenCount(text), r1.CreationTokens)

	r2 := m.Check(text)
	assert.Zero(t, r2.CreationTokens)
	assert.Equal(t, TokenCount(text), r2.ReadTokens)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.HitCount)
	assert.Equal(t, int64(1), stats.MissCount)
}

func TestCheck_ContentLengthCollisionEvicts(t *testing.T) {
	m := NewManager(DefaultTTL, DefaultMaxEntries)
	// Two different-length strings with the same key prefix would need a
	// real SHA-256 collision to share a Key(); instead we directly exercise
	// the collision branch by forging an entry with a mismatched length.
	text := "hello cacheable text"
	first := m.Check(text)
	assert.Equal(t, TokenCount(text), first.CreationTokens)

	key := Key(text)
	m.mu.Lock()
	m.entries[key].contentLength = len(text) + 1
	m.mu.Unlock()

	second := m.Check(text)
	assert.Equal(t, TokenCount(text), second.CreationTokens)
	assert.Zero(t, second.ReadTokens)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.EvictionCount)
}

func TestCheck_EmptyTextNeverCaches(t *testing.T) {
	m := NewManager(DefaultTTL, DefaultMaxEntries)
	r := m.Check("")
	assert.Zero(t, r.CreationTokens)
	assert.Zero(t, r.ReadTokens)
	assert.Equal(t, 0, m.Len())
}

func TestKey_DeterministicAcrossInstances(t *testing.T) {
	a := Key("some text")
	b := Key("some text")
	assert.Equal(t, a, b)
}

func TestEvictBatch_OldestFirst(t *testing.T) {
	m := NewManager(DefaultTTL, MinMaxEntries)
	for i := 0; i < MinMaxEntries; i++ {
		m.Check(randomText(i))
		time.Sleep(time.Microsecond)
	}
	before := m.Len()
	m.Check(randomText(MinMaxEntries))
	assert.Less(t, m.Len(), before+1)

	m.mu.Lock()
	_, oldestKept := m.entries[Key(randomText(0))]
	_, newestKept := m.entries[Key(randomText(MinMaxEntries))]
	m.mu.Unlock()
	assert.False(t, oldestKept, "the least recently accessed entry should be evicted first")
	assert.True(t, newestKept)
}

// randomText returns a distinct 40-byte cacheable text for each i.
func randomText(i int) string {
	return fmt.Sprintf("cacheable text number %018d", i)
}

type fakeBackend struct {
	entries map[string]int
}

func (b *fakeBackend) Get(key string) (int, bool, error) {
	n, ok := b.entries[key]
	return n, ok, nil
}

func (b *fakeBackend) Set(key string, contentLength int, _ time.Duration) error {
	b.entries[key] = contentLength
	return nil
}

func TestCheck_UsesExternalBackendWhenSet(t *testing.T) {
	m := NewManager(DefaultTTL, DefaultMaxEntries)
	backend := &fakeBackend{entries: map[string]int{}}
	m.SetBackend(backend)

	text := "a backend-routed cacheable prompt"
	r1 := m.Check(text)
	assert.Zero(t, r1.ReadTokens)
	assert.Equal(t, TokenCount(text), r1.CreationTokens)

	r2 := m.Check(text)
	assert.Zero(t, r2.CreationTokens)
	assert.Equal(t, TokenCount(text), r2.ReadTokens)

	_, ok := backend.entries[Key(text)]
	assert.True(t, ok)
}
