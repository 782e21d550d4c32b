package chains

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenKey = "0x1000000000000000000000000000000000000001"

func TestRegistryReserveIsExclusive(t *testing.T) {
	r := NewRegistry()

	ticket, ok := r.Reserve(tokenKey)
	require.True(t, ok)

	_, ok = r.Reserve(tokenKey)
	assert.False(t, ok, "pending reservation blocks a second one")

	sub := newSubscription(make(chan error))
	require.True(t, r.Commit(tokenKey, ticket, NewHandle(pool, sub, nil)))

	_, ok = r.Reserve(tokenKey)
	assert.False(t, ok, "live handle blocks a reservation")
	assert.Equal(t, 1, r.Len())

	got, ok := r.Pool(tokenKey)
	require.True(t, ok)
	assert.Equal(t, pool, got)
}

func TestRegistryReleaseAllowsRetry(t *testing.T) {
	r := NewRegistry()

	ticket, ok := r.Reserve(tokenKey)
	require.True(t, ok)
	r.Release(tokenKey, ticket)

	_, ok = r.Reserve(tokenKey)
	assert.True(t, ok)
}

func TestRegistryResetDisposesHandles(t *testing.T) {
	r := NewRegistry()

	subs := []*MockSubscription{newSubscription(make(chan error)), newSubscription(make(chan error))}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, key := range []string{tokenKey, "0x3000000000000000000000000000000000000003"} {
		ticket, ok := r.Reserve(key)
		require.True(t, ok)
		cancelFn := func() {}
		if i == 0 {
			cancelFn = cancel
		}
		require.True(t, r.Commit(key, ticket, NewHandle(pool, subs[i], cancelFn)))
	}

	assert.Equal(t, 2, r.Reset())
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Has(tokenKey))
	assert.Error(t, ctx.Err(), "consumer context cancelled")

	for _, sub := range subs {
		sub.AssertNumberOfCalls(t, "Unsubscribe", 1)
	}

	// a second reset leaves disposed handles alone
	assert.Equal(t, 0, r.Reset())
	for _, sub := range subs {
		sub.AssertNumberOfCalls(t, "Unsubscribe", 1)
	}
}

func TestRegistryCommitAfterResetDisposes(t *testing.T) {
	r := NewRegistry()

	ticket, ok := r.Reserve(tokenKey)
	require.True(t, ok)

	r.Reset()

	sub := newSubscription(make(chan error))
	assert.False(t, r.Commit(tokenKey, ticket, NewHandle(pool, sub, nil)))
	assert.Equal(t, 0, r.Len())
	sub.AssertNumberOfCalls(t, "Unsubscribe", 1)
}

func TestRegistryDropOnlyCurrentHandle(t *testing.T) {
	r := NewRegistry()

	ticket, _ := r.Reserve(tokenKey)
	current := NewHandle(pool, newSubscription(make(chan error)), nil)
	require.True(t, r.Commit(tokenKey, ticket, current))

	stale := NewHandle(pool, newSubscription(make(chan error)), nil)
	assert.False(t, r.Drop(tokenKey, stale))
	assert.True(t, r.Has(tokenKey))

	assert.True(t, r.Drop(tokenKey, current))
	assert.False(t, r.Has(tokenKey))
}

func TestRegistryCooldown(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Cooldown(tokenKey, time.Minute)

	_, ok := r.Reserve(tokenKey)
	assert.False(t, ok)

	// cooldowns outlive a session reset
	r.Reset()
	_, ok = r.Reserve(tokenKey)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = r.Reserve(tokenKey)
	assert.True(t, ok)
}
