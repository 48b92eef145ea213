package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateThenGet(t *testing.T) {
	s := NewMemoryStore(time.Minute)

	s.Create("id-1")

	entry, ok := s.Get("id-1")
	require.True(t, ok)
	assert.False(t, entry.Ready)
	assert.Empty(t, entry.Answer)
	assert.False(t, entry.StartedAt.IsZero())
}

func TestUnknownID(t *testing.T) {
	s := NewMemoryStore(time.Minute)

	_, ok := s.Get("never-created")
	assert.False(t, ok)
}

func TestResolveSettlesOnce(t *testing.T) {
	s := NewMemoryStore(time.Minute)

	s.Create("id-1")
	s.Resolve("id-1", "the full answer", "")
	s.Resolve("id-1", "a different answer", "late error")

	entry, ok := s.Get("id-1")
	require.True(t, ok)
	assert.True(t, entry.Ready)
	assert.Equal(t, "the full answer", entry.Answer, "a settled entry never changes")
	assert.Empty(t, entry.Err)
	assert.False(t, entry.FinishedAt.IsZero())
}

func TestResolveWithError(t *testing.T) {
	s := NewMemoryStore(time.Minute)

	s.Create("id-1")
	s.Resolve("id-1", "fallback short answer", "generation failed")

	entry, ok := s.Get("id-1")
	require.True(t, ok)
	assert.True(t, entry.Ready, "errored generations still settle as ready")
	assert.Equal(t, "fallback short answer", entry.Answer)
	assert.Equal(t, "generation failed", entry.Err)
}

func TestRepeatedPollsIdempotent(t *testing.T) {
	s := NewMemoryStore(time.Minute)

	s.Create("id-1")
	s.Resolve("id-1", "answer", "")

	first, ok := s.Get("id-1")
	require.True(t, ok)
	second, ok := s.Get("id-1")
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestEntriesExpire(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Create("id-1")
	s.Resolve("id-1", "answer", "")

	now = now.Add(2 * time.Minute)
	_, ok := s.Get("id-1")
	assert.False(t, ok, "settled entries expire after the store TTL")
}

func TestResolveUnknownIDIsNoop(t *testing.T) {
	s := NewMemoryStore(time.Minute)

	s.Resolve("ghost", "answer", "")

	_, ok := s.Get("ghost")
	assert.False(t, ok)
}
