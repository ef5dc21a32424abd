package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/imagewatch/domain"
)

func TestStatsCollector(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil, time.Hour, time.Hour, 16)
	_, err := store.Issue(ctx, domain.Username("alice"))
	require.NoError(t, err)
	_, err = store.Issue(ctx, domain.Username("alice"))
	require.NoError(t, err)
	_, err = store.Issue(ctx, domain.Username("bob"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewStatsCollector(store)))

	expected := `
# HELP imagewatch_active_tokens Tokens currently held by the token store.
# TYPE imagewatch_active_tokens gauge
imagewatch_active_tokens 3
# HELP imagewatch_token_identities Usernames holding at least one token.
# TYPE imagewatch_token_identities gauge
imagewatch_token_identities 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestStatsCollector_StoppedStore(t *testing.T) {
	store := newTestStore(t, nil, time.Hour, time.Hour, 16)
	_ = store.Close()
	store.Wait()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewStatsCollector(store)))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Zero(t, count)
}
