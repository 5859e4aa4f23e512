package cache

import (
	"testing"
	"time"

	"phantomtrack/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewMemoryCache(time.Minute, 0)
	defer c.Close()
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Size(), "expired entries stay until swept")

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Size())
}

func TestReferenceCache(t *testing.T) {
	var evicted []string
	rc := NewReferenceCache(time.Hour, func(ref models.ReferenceTrack) {
		evicted = append(evicted, ref.ID)
	})
	defer rc.Close()

	now := time.Unix(1700000000, 0)
	rc.now = func() time.Time { return now }

	rc.Put(models.ReferenceTrack{ID: "b", FilePath: "/up/b.wav", UploadedAt: now.Add(time.Second)})
	rc.Put(models.ReferenceTrack{ID: "a", FilePath: "/up/a.mp3", UploadedAt: now})

	refs := rc.List()
	require.Len(t, refs, 2)
	assert.Equal(t, "a", refs[0].ID)
	assert.Equal(t, "b", refs[1].ID)

	ref, ok := rc.FindByPath("/up/b.wav")
	require.True(t, ok)
	assert.Equal(t, "b", ref.ID)

	got, ok := rc.GetReference("a")
	require.True(t, ok)
	assert.Equal(t, "/up/a.mp3", got.FilePath)

	rc.Delete("a")
	_, ok = rc.GetReference("a")
	assert.False(t, ok)

	now = now.Add(2 * time.Hour)
	assert.Empty(t, rc.List())
	assert.Equal(t, 1, rc.Sweep())
	assert.Equal(t, []string{"b"}, evicted)
}
