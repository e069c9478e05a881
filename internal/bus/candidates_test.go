package bus

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultwatch/depositmon/pkg/models"
)

func TestCandidateEnvelope_DepositRoundTrips(t *testing.T) {
	env := CandidateEnvelope{
		Type: CandidateDeposit,
		Deposit: &models.DepositCandidate{
			ChainID:        137,
			WalletAddress:  "0xaaaa",
			FromAddress:    "0xbbbb",
			ToAddress:      "0xaaaa",
			Amount:         big.NewInt(42),
			TxHash:         "0xdeadbeef",
			BlockNumber:    100,
			BlockTimestamp: time.Unix(1000, 0).UTC(),
			UserID:         "user-1",
		},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded CandidateEnvelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, CandidateDeposit, decoded.Type)
	require.Nil(t, decoded.Withdraw)
	require.NotNil(t, decoded.Deposit)
	require.Equal(t, "0xdeadbeef", decoded.Deposit.TxHash)
	require.Equal(t, 0, decoded.Deposit.Amount.Cmp(big.NewInt(42)))
}

func TestCandidateEnvelope_WithdrawRoundTrips(t *testing.T) {
	env := CandidateEnvelope{
		Type: CandidateWithdraw,
		Withdraw: &models.WithdrawCandidate{
			ChainID:       1,
			WalletAddress: "0xaaaa",
			FromAddress:   "0xaaaa",
			ToAddress:     "0xcccc",
			Amount:        big.NewInt(7),
			TxHash:        "0xfeedface",
			BlockNumber:   55,
			UserID:        "user-2",
		},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded CandidateEnvelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, CandidateWithdraw, decoded.Type)
	require.Nil(t, decoded.Deposit)
	require.NotNil(t, decoded.Withdraw)
	require.Equal(t, "0xfeedface", decoded.Withdraw.TxHash)
}

type stubSpool struct {
	spooled [][]byte
	err     error
}

func (s *stubSpool) Spool(envelope []byte) error {
	if s.err != nil {
		return s.err
	}
	s.spooled = append(s.spooled, envelope)
	return nil
}

func TestSubjectFor_UserScopedVsBroadcast(t *testing.T) {
	require.Equal(t, "EVENTS.depositDetected.user-1", subjectFor(EventDepositDetected, "user-1"))
	require.Equal(t, "EVENTS.depositDetected.broadcast", subjectFor(EventDepositDetected, ""))
}
