package cacheindex

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectSetGetRoundTrip(t *testing.T) {
	srv := startMiniredis(t)
	idx := Connect("redis://" + srv.Addr())
	require.True(t, idx.Available())

	type payload struct {
		Text string `json:"text"`
	}
	ctx := context.Background()
	idx.Set(ctx, "k1", payload{Text: "hello"}, time.Minute)

	var got payload
	ok := idx.Get(ctx, "k1", &got)
	assert.True(t, ok)
	assert.Equal(t, "hello", got.Text)
}

func TestConnectEmptyURLDisablesIndex(t *testing.T) {
	idx := Connect("")
	assert.False(t, idx.Available())

	var dest map[string]string
	assert.False(t, idx.Get(context.Background(), "anything", &dest))
}

func TestConnectUnreachableURLDisablesIndex(t *testing.T) {
	idx := Connect("redis://127.0.0.1:1")
	assert.False(t, idx.Available())
}

func TestGetMissReturnsFalse(t *testing.T) {
	srv := startMiniredis(t)
	idx := Connect("redis://" + srv.Addr())

	var dest map[string]string
	assert.False(t, idx.Get(context.Background(), "no-such-key", &dest))
}

func TestDeleteRemovesKey(t *testing.T) {
	srv := startMiniredis(t)
	idx := Connect("redis://" + srv.Addr())
	ctx := context.Background()

	idx.Set(ctx, "k2", "value", time.Minute)
	idx.Delete(ctx, "k2")

	var dest string
	assert.False(t, idx.Get(ctx, "k2", &dest))
}
