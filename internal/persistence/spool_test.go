package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestSpool(t *testing.T, maxDepth int) *Spool {
	t.Helper()
	logger := zerolog.Nop()
	path := filepath.Join(t.TempDir(), "spool.db")
	s, err := NewSpool(path, maxDepth, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSpool_SpoolAndDrainPreservesOrder(t *testing.T) {
	s := newTestSpool(t, 10)

	require.NoError(t, s.Spool([]byte("first")))
	require.NoError(t, s.Spool([]byte("second")))
	require.NoError(t, s.Spool([]byte("third")))
	require.Equal(t, 3, s.Depth())

	var drained []string
	err := s.Drain(context.Background(), func(_ context.Context, envelope []byte) error {
		drained = append(drained, string(envelope))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "third"}, drained)
	require.Equal(t, 0, s.Depth())
}

func TestSpool_RefusesBeyondMaxDepth(t *testing.T) {
	s := newTestSpool(t, 2)
	require.NoError(t, s.Spool([]byte("a")))
	require.NoError(t, s.Spool([]byte("b")))
	require.Error(t, s.Spool([]byte("c")))
	require.Equal(t, 2, s.Depth())
}

func TestSpool_DrainStopsOnFirstFailure(t *testing.T) {
	s := newTestSpool(t, 10)
	require.NoError(t, s.Spool([]byte("first")))
	require.NoError(t, s.Spool([]byte("second")))

	calls := 0
	err := s.Drain(context.Background(), func(_ context.Context, envelope []byte) error {
		calls++
		return context.DeadlineExceeded
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 2, s.Depth(), "a failed publish must leave the entry spooled")
}
