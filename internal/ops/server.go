// Package ops is the scaffolding operational HTTP surface described in
// spec.md §4.10/§8: diagnostics, manual trigger, wallet registration, and
// withdrawal origination. It is not a production user-facing API — no
// auth, JSON in/out only — modeled on the teacher's health-check server
// but routed with gorilla/mux since several of these endpoints carry a
// path parameter the teacher's plain http.HandlerFunc never needed.
package ops

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/vaultwatch/depositmon/internal/withdraw"
	"github.com/vaultwatch/depositmon/pkg/models"
)

// ChainOps is the subset of engine.ChainEngine this server needs per
// chain. Kept as an interface so ops has no import-time dependency on
// internal/engine.
type ChainOps interface {
	Diagnostics() models.ChainDiagnostics
	TriggerCheck()
	ScheduleBacklogCheck(ctx context.Context, fromBlock, toBlock uint64)
}

// WalletAdder is the registry operation /wallets drives.
type WalletAdder interface {
	Add(ctx context.Context, chainID int64, address, userID string) error
}

// Withdrawer is the withdrawal path /withdraw drives, one per chain.
type Withdrawer interface {
	Withdraw(ctx context.Context, req withdraw.Request) (*withdraw.Result, error)
}

// Server is the ops HTTP surface. chains maps chain ID to its engine and
// withdrawal service.
type Server struct {
	router      *mux.Router
	chains      map[int64]ChainOps
	wallets     WalletAdder
	withdrawers map[int64]Withdrawer
	logger      zerolog.Logger
}

// NewServer builds the ops router. newWalletWindow is the lookback
// distance /wallets schedules a backlog check over (spec.md §6
// NEW_WALLET_WINDOW).
func NewServer(chains map[int64]ChainOps, withdrawers map[int64]Withdrawer, wallets WalletAdder, newWalletWindow uint64, logger zerolog.Logger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		chains:      chains,
		wallets:     wallets,
		withdrawers: withdrawers,
		logger:      logger,
	}
	s.router.HandleFunc("/diagnostics", s.handleDiagnosticsAll).Methods(http.MethodGet)
	s.router.HandleFunc("/diagnostics/{chain}", s.handleDiagnosticsOne).Methods(http.MethodGet)
	s.router.HandleFunc("/trigger/{chain}", s.handleTrigger).Methods(http.MethodPost)
	s.router.HandleFunc("/wallets", s.handleAddWallet(newWalletWindow)).Methods(http.MethodPost)
	s.router.HandleFunc("/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	return s
}

// Handler returns the configured router for use in an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleDiagnosticsAll(w http.ResponseWriter, r *http.Request) {
	all := make([]models.ChainDiagnostics, 0, len(s.chains))
	for _, c := range s.chains {
		all = append(all, c.Diagnostics())
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleDiagnosticsOne(w http.ResponseWriter, r *http.Request) {
	chainID, c, ok := s.resolveChain(w, r)
	if !ok {
		return
	}
	_ = chainID
	writeJSON(w, http.StatusOK, c.Diagnostics())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	_, c, ok := s.resolveChain(w, r)
	if !ok {
		return
	}
	c.TriggerCheck()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

type addWalletRequest struct {
	ChainID uint64 `json:"chainId"`
	Address string `json:"address"`
	UserID  string `json:"userId"`
}

func (s *Server) handleAddWallet(newWalletWindow uint64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addWalletRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		c, ok := s.chains[int64(req.ChainID)]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown chain")
			return
		}

		if err := s.wallets.Add(r.Context(), int64(req.ChainID), req.Address, req.UserID); err != nil {
			s.logger.Error().Err(err).Msg("failed to add wallet")
			writeError(w, http.StatusInternalServerError, "failed to add wallet")
			return
		}

		diag := c.Diagnostics()
		var fromBlock uint64
		if diag.LastKnownHead > newWalletWindow {
			fromBlock = diag.LastKnownHead - newWalletWindow
		}
		c.ScheduleBacklogCheck(r.Context(), fromBlock, diag.LastKnownHead)

		writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
	}
}

type withdrawRequest struct {
	ChainID   uint64 `json:"chainId"`
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	ToAddress string `json:"toAddress"`
	Amount    string `json:"amount"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	svc, ok := s.withdrawers[int64(req.ChainID)]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chain")
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	result, err := svc.Withdraw(r.Context(), withdraw.Request{
		UserID:    req.UserID,
		Email:     req.Email,
		ToAddress: req.ToAddress,
		Amount:    amount,
	})
	if err != nil {
		switch err {
		case withdraw.ErrInsufficientFunds:
			writeError(w, http.StatusUnprocessableEntity, "insufficient funds")
		case withdraw.ErrSelfTransfer:
			writeError(w, http.StatusBadRequest, "self-transfer rejected")
		default:
			s.logger.Error().Err(err).Msg("withdrawal failed")
			writeError(w, http.StatusInternalServerError, "withdrawal failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"txHash": result.TxHash,
		"from":   result.From,
		"to":     result.To,
		"amount": result.Amount.String(),
	})
}

func (s *Server) resolveChain(w http.ResponseWriter, r *http.Request) (int64, ChainOps, bool) {
	vars := mux.Vars(r)
	chainID, err := strconv.ParseInt(vars["chain"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return 0, nil, false
	}
	c, ok := s.chains[chainID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chain")
		return 0, nil, false
	}
	return chainID, c, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
