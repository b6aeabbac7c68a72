package sessionbinding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBindLookup_RoundTrip(t *testing.T) {
	s := New(time.Hour, 10)
	h := Hash("you are a helpful assistant")
	s.Bind(h, "acct-1", "conv-1", "amazonq")
	got, ok := s.Lookup(h)
	require.True(t, ok)
	require.Equal(t, "acct-1", got)
}

func TestLookup_MissOnUnknownHash(t *testing.T) {
	s := New(time.Hour, 10)
	_, ok := s.Lookup(Hash("never bound"))
	require.False(t, ok)
}

func TestLookup_ExpiredEntryEvicted(t *testing.T) {
	s := New(1*time.Millisecond, 10)
	h := Hash("short lived")
	s.Bind(h, "acct-1", "conv-1", "amazonq")
	time.Sleep(5 * time.Millisecond)
	_, ok := s.Lookup(h)
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestBind_EvictsOldestWhenOverCapacity(t *testing.T) {
	s := New(time.Hour, 2)
	s.Bind(Hash("first"), "acct-1", "c1", "amazonq")
	s.Bind(Hash("second"), "acct-2", "c2", "amazonq")
	s.Bind(Hash("third"), "acct-3", "c3", "amazonq")

	require.Equal(t, 2, s.Len())
	_, ok := s.Lookup(Hash("first"))
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = s.Lookup(Hash("third"))
	require.True(t, ok)
}

func TestHash_TruncatesTo200Chars(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	short := string(long[:200])
	require.Equal(t, Hash(short), Hash(string(long)))
}
