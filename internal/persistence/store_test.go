package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultwatch/depositmon/pkg/models"
)

func TestDedupKey_DistinguishesTypeAndWallet(t *testing.T) {
	a := dedupKey(1, "0xabc", "0xwallet1", models.ActivityDeposit)
	b := dedupKey(1, "0xabc", "0xwallet1", models.ActivityWithdraw)
	c := dedupKey(1, "0xabc", "0xwallet2", models.ActivityDeposit)
	d := dedupKey(2, "0xabc", "0xwallet1", models.ActivityDeposit)

	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, a, d)
	require.Equal(t, a, dedupKey(1, "0xabc", "0xwallet1", models.ActivityDeposit))
}
