package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet_RoundTrips(t *testing.T) {
	c := New(nil)
	c.Put(NamespaceRepoMeta, "acme/web", 42)

	v, ok := c.Get(NamespaceRepoMeta, "acme/web")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestCache_Get_MissingKeyOrNamespace(t *testing.T) {
	c := New(nil)
	c.Put(NamespaceRepoMeta, "acme/web", 1)

	_, ok := c.Get(NamespaceRepoMeta, "other/repo")
	assert.False(t, ok)

	_, ok = c.Get(NamespaceRepoPRs, "acme/web")
	assert.False(t, ok)
}

func TestCache_Get_TTLExpiryBoundaryIsExclusive(t *testing.T) {
	c := New(nil)
	c.Put(NamespaceIsBot, "renovate[bot]", true, 20*time.Millisecond)

	v, ok := c.Get(NamespaceIsBot, "renovate[bot]")
	require.True(t, ok)
	assert.Equal(t, true, v)

	time.Sleep(30 * time.Millisecond)

	_, ok = c.Get(NamespaceIsBot, "renovate[bot]")
	assert.False(t, ok, "entry must be treated as expired once now is not before expiresAt")
}

func TestCache_Put_OverrideTTLTakesPrecedenceOverNamespaceDefault(t *testing.T) {
	c := New(map[Namespace]time.Duration{NamespaceRepoMeta: time.Hour})
	c.Put(NamespaceRepoMeta, "acme/web", 1, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get(NamespaceRepoMeta, "acme/web")
	assert.False(t, ok, "explicit per-Put ttl must override the namespace default")
}

func TestCache_Invalidate_SingleKey(t *testing.T) {
	c := New(nil)
	c.Put(NamespaceRepoPRs, "acme/web", []int{1, 2})
	c.Put(NamespaceRepoPRs, "acme/api", []int{3})

	c.Invalidate(NamespaceRepoPRs, "acme/web")

	_, ok := c.Get(NamespaceRepoPRs, "acme/web")
	assert.False(t, ok)
	_, ok = c.Get(NamespaceRepoPRs, "acme/api")
	assert.True(t, ok)
}

func TestCache_Invalidate_WholeNamespace(t *testing.T) {
	c := New(nil)
	c.Put(NamespacePRChecks, "acme/web#1", "success")
	c.Put(NamespacePRChecks, "acme/web#2", "pending")

	c.Invalidate(NamespacePRChecks, "")

	_, ok := c.Get(NamespacePRChecks, "acme/web#1")
	assert.False(t, ok)
	_, ok = c.Get(NamespacePRChecks, "acme/web#2")
	assert.False(t, ok)
}

func TestCache_Sweep_RemovesOnlyExpiredEntries(t *testing.T) {
	c := New(nil)
	c.Put(NamespaceRepoMeta, "expired", 1, 5*time.Millisecond)
	c.Put(NamespaceRepoMeta, "live", 2, time.Hour)

	time.Sleep(15 * time.Millisecond)
	c.Sweep()

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)

	_, ok := c.Get(NamespaceRepoMeta, "live")
	assert.True(t, ok)
}

func TestCache_Stats_TracksHitsMissesAndSize(t *testing.T) {
	c := New(nil)
	c.Put(NamespaceRepoMeta, "acme/web", 1)

	_, _ = c.Get(NamespaceRepoMeta, "acme/web") // hit
	_, _ = c.Get(NamespaceRepoMeta, "missing")  // miss

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}
