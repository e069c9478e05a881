package withdraw

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryable_NetworkErrorsRetryable(t *testing.T) {
	require.True(t, isRetryable(errors.New("connection reset by peer")))
	require.True(t, isRetryable(errors.New("context deadline exceeded: timeout")))
	require.True(t, isRetryable(errors.New("429 too many requests")))
}

func TestIsRetryable_PermanentErrorsNotRetryable(t *testing.T) {
	require.False(t, isRetryable(errors.New("execution reverted: insufficient balance")))
	require.False(t, isRetryable(errors.New("nonce too low")))
	require.False(t, isRetryable(errors.New("replacement transaction underpriced")))
}

func TestIsRetryable_UnknownDefaultsToRetryable(t *testing.T) {
	require.True(t, isRetryable(errors.New("something unexpected happened")))
}
