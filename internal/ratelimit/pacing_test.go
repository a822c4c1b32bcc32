package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacingLimiter_Wait_AdmitsWithinBurst(t *testing.T) {
	p := NewPacingLimiter(10, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(ctx, "acme/web"))
	}
}

func TestPacingLimiter_Wait_PerKeyIsolation(t *testing.T) {
	p := NewPacingLimiter(1, 1)
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx, "acme/web"))

	start := time.Now()
	require.NoError(t, p.Wait(ctx, "acme/api"))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 200*time.Millisecond, "a burst-exhausted bucket on one repository must not throttle a different repository's bucket")
}

func TestPacingLimiter_Wait_ContextCanceledReturnsError(t *testing.T) {
	p := NewPacingLimiter(1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Wait(ctx, "acme/web")) // consume the single burst token
	cancel()

	err := p.Wait(ctx, "acme/web")
	assert.Error(t, err)
}

func TestPacingLimiter_LimiterFor_ReusesSameBucketPerKey(t *testing.T) {
	p := NewPacingLimiter(5, 5)

	first := p.limiterFor("acme/web")
	second := p.limiterFor("acme/web")
	other := p.limiterFor("acme/api")

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
}
