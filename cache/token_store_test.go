package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/imagewatch/domain"
	"go.pilab.hu/imagewatch/internal/actor"
	"go.pilab.hu/imagewatch/internal/testutil"
)

func newTestStore(t *testing.T, clock Clock, cleanup, ttl time.Duration, maxPerUser int) *TokenStore {
	t.Helper()
	store := NewTokenStore(Config{
		CleanupInterval: cleanup,
		TTL:             ttl,
		MaxPerUser:      maxPerUser,
		Clock:           clock,
	})
	t.Cleanup(func() {
		_ = store.Close()
		store.Wait()
	})
	return store
}

func TestTokenStore_IssueCheckRevoke(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testutil.FixedClock(), time.Hour, time.Hour, 16)

	tok, err := store.Issue(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	ok, err := store.CheckAndRefresh(ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Revoke(ctx, tok))

	ok, err = store.CheckAndRefresh(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenStore_UnknownToken(t *testing.T) {
	store := newTestStore(t, nil, time.Hour, time.Hour, 16)

	ok, err := store.CheckAndRefresh(context.Background(), domain.Token("nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenStore_CleanupTickExpiresTokens(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	store := newTestStore(t, clock, 5*time.Millisecond, time.Minute, 16)

	tok, err := store.Issue(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	// Stats does not refresh anything, so polling it cannot keep the token alive.
	assert.Eventually(t, func() bool {
		stats, err := store.Stats(ctx)
		return err == nil && stats == Stats{}
	}, time.Second, 5*time.Millisecond)

	ok, err := store.CheckAndRefresh(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenStore_CleanupTickEnforcesCap(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	store := newTestStore(t, clock, 5*time.Millisecond, time.Hour, 2)

	var tokens []domain.Token
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		tok, err := store.Issue(ctx, "alice")
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	assert.Eventually(t, func() bool {
		stats, err := store.Stats(ctx)
		return err == nil && stats.Tokens == 2
	}, time.Second, 5*time.Millisecond)

	for i, tok := range tokens {
		ok, err := store.CheckAndRefresh(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, i >= 2, ok, "token %d", i)
	}
}

func TestTokenStore_UnavailableAfterClose(t *testing.T) {
	store := NewTokenStore(Config{CleanupInterval: time.Hour, TTL: time.Hour, MaxPerUser: 1})
	require.NoError(t, store.Close())
	store.Wait()

	_, err := store.Issue(context.Background(), "alice")
	assert.ErrorIs(t, err, actor.ErrUnavailable)

	_, err = store.CheckAndRefresh(context.Background(), "x")
	assert.ErrorIs(t, err, actor.ErrUnavailable)

	assert.ErrorIs(t, store.Revoke(context.Background(), "x"), actor.ErrUnavailable)
}

func TestHashToken(t *testing.T) {
	a := HashToken("token-a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashToken("token-a"))
	assert.NotEqual(t, a, HashToken("token-b"))
}
