package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vaultwatch/depositmon/internal/withdraw"
	"github.com/vaultwatch/depositmon/pkg/models"
)

type fakeChain struct {
	diag      models.ChainDiagnostics
	triggered bool
	scheduled bool
}

func (f *fakeChain) Diagnostics() models.ChainDiagnostics { return f.diag }
func (f *fakeChain) TriggerCheck()                        { f.triggered = true }
func (f *fakeChain) ScheduleBacklogCheck(ctx context.Context, fromBlock, toBlock uint64) {
	f.scheduled = true
}

type fakeWallets struct {
	added bool
	err   error
}

func (f *fakeWallets) Add(ctx context.Context, chainID int64, address, userID string) error {
	f.added = true
	return f.err
}

type fakeWithdrawer struct {
	result *withdraw.Result
	err    error
}

func (f *fakeWithdrawer) Withdraw(ctx context.Context, req withdraw.Request) (*withdraw.Result, error) {
	return f.result, f.err
}

func newTestServer(chain *fakeChain, wallets *fakeWallets, withdrawer *fakeWithdrawer) *Server {
	logger := zerolog.Nop()
	return NewServer(
		map[int64]ChainOps{1: chain},
		map[int64]Withdrawer{1: withdrawer},
		wallets,
		100,
		logger,
	)
}

func TestHandleDiagnosticsAll_ReturnsEveryChain(t *testing.T) {
	chain := &fakeChain{diag: models.ChainDiagnostics{ChainID: 1, LastKnownHead: 42}}
	srv := newTestServer(chain, &fakeWallets{}, &fakeWithdrawer{})

	req := httptest.NewRequest(http.MethodGet, "/diagnostics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []models.ChainDiagnostics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, uint64(42), got[0].LastKnownHead)
}

func TestHandleDiagnosticsOne_UnknownChainReturns404(t *testing.T) {
	chain := &fakeChain{}
	srv := newTestServer(chain, &fakeWallets{}, &fakeWithdrawer{})

	req := httptest.NewRequest(http.MethodGet, "/diagnostics/999", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTrigger_InvokesTriggerCheck(t *testing.T) {
	chain := &fakeChain{}
	srv := newTestServer(chain, &fakeWallets{}, &fakeWithdrawer{})

	req := httptest.NewRequest(http.MethodPost, "/trigger/1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, chain.triggered)
}

func TestHandleAddWallet_RegistersAndSchedulesBacklog(t *testing.T) {
	chain := &fakeChain{diag: models.ChainDiagnostics{LastKnownHead: 500}}
	wallets := &fakeWallets{}
	srv := newTestServer(chain, wallets, &fakeWithdrawer{})

	body, _ := json.Marshal(addWalletRequest{ChainID: 1, Address: "0xabc", UserID: "user-1"})
	req := httptest.NewRequest(http.MethodPost, "/wallets", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, wallets.added)
	require.True(t, chain.scheduled)
}

func TestHandleWithdraw_InsufficientFundsMapsTo422(t *testing.T) {
	chain := &fakeChain{}
	withdrawer := &fakeWithdrawer{err: withdraw.ErrInsufficientFunds}
	srv := newTestServer(chain, &fakeWallets{}, withdrawer)

	body, _ := json.Marshal(withdrawRequest{ChainID: 1, UserID: "u", ToAddress: "0xabc", Amount: "100"})
	req := httptest.NewRequest(http.MethodPost, "/withdraw", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleWithdraw_SelfTransferMapsTo400(t *testing.T) {
	chain := &fakeChain{}
	withdrawer := &fakeWithdrawer{err: withdraw.ErrSelfTransfer}
	srv := newTestServer(chain, &fakeWallets{}, withdrawer)

	body, _ := json.Marshal(withdrawRequest{ChainID: 1, UserID: "u", ToAddress: "0xabc", Amount: "100"})
	req := httptest.NewRequest(http.MethodPost, "/withdraw", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWithdraw_InvalidAmountRejected(t *testing.T) {
	chain := &fakeChain{}
	srv := newTestServer(chain, &fakeWallets{}, &fakeWithdrawer{})

	body, _ := json.Marshal(withdrawRequest{ChainID: 1, UserID: "u", ToAddress: "0xabc", Amount: "not-a-number"})
	req := httptest.NewRequest(http.MethodPost, "/withdraw", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWithdraw_Success(t *testing.T) {
	chain := &fakeChain{}
	withdrawer := &fakeWithdrawer{result: &withdraw.Result{TxHash: "0xdeadbeef", From: "0xfrom", To: "0xto", Amount: big.NewInt(100)}}
	srv := newTestServer(chain, &fakeWallets{}, withdrawer)

	body, _ := json.Marshal(withdrawRequest{ChainID: 1, UserID: "u", ToAddress: "0xto", Amount: "100"})
	req := httptest.NewRequest(http.MethodPost, "/withdraw", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "0xdeadbeef", got["txHash"])
}
