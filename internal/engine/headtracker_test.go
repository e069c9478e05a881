package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadTracker_CachedWithinMaxAgeSkipsFetch(t *testing.T) {
	h := NewHeadTracker(time.Minute, 50*time.Millisecond)
	h.Observe(100)

	called := false
	head, err := h.Head(context.Background(), func(context.Context) (uint64, error) {
		called = true
		return 999, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)
	assert.False(t, called, "fresh cache must not trigger an RPC fallback")
}

func TestHeadTracker_StaleFallsBackToFetch(t *testing.T) {
	h := NewHeadTracker(10*time.Millisecond, 20*time.Millisecond)
	h.Observe(100)
	time.Sleep(15 * time.Millisecond)

	head, err := h.Head(context.Background(), func(context.Context) (uint64, error) {
		return 150, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(150), head)
}

func TestHeadTracker_StreamUpdateWinsOverFetch(t *testing.T) {
	h := NewHeadTracker(10*time.Millisecond, 200*time.Millisecond)
	h.Observe(100)
	time.Sleep(15 * time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Observe(200)
	}()

	called := false
	head, err := h.Head(context.Background(), func(context.Context) (uint64, error) {
		called = true
		return 999, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(200), head)
	assert.False(t, called)
}

func TestHeadTracker_NeverRegresses(t *testing.T) {
	h := NewHeadTracker(time.Minute, time.Millisecond)
	h.Observe(500)
	h.Observe(400)
	head, _ := h.Snapshot()
	assert.Equal(t, uint64(500), head)
}
