package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crossrail-labs/crossrail/bridge"
	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/escrow"
	"github.com/crossrail-labs/crossrail/ledger"
	"github.com/crossrail-labs/crossrail/types"
	"github.com/go-chi/chi/v5"
)

// statusFor maps service errors onto HTTP status codes following the error
// taxonomy: validation 400, authorization 403, missing 404, conflicts 409,
// broadcast failures 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest),
		errors.Is(err, bridge.ErrInvalidTransfer),
		errors.Is(err, escrow.ErrInvalidEscrow):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, bridge.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyReplaced),
		errors.Is(err, ledger.ErrAlreadyConfirmed),
		errors.Is(err, bridge.ErrNotCancellable),
		errors.Is(err, bridge.ErrStaleRecord),
		errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrBroadcastFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func pagination(r *http.Request) (int64, int64) {
	page, err := strconv.ParseInt(r.URL.Query().Get("page"), 10, 64)
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.ParseInt(r.URL.Query().Get("pageSize"), 10, 64)
	if err != nil || pageSize < 1 {
		pageSize = 10
	}
	return page, pageSize
}

func (s *Server) handleTransactionsGet(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)

	filter := models.Filter{
		Status: r.URL.Query().Get("status"),
		Wallet: r.URL.Query().Get("wallet"),
		Chain:  r.URL.Query().Get("chain"),
		TxHash: r.URL.Query().Get("txHash"),
		Kind:   r.URL.Query().Get("kind"),
	}

	result, err := s.db.GetPendingTransactions(r.Context(), filter, page, pageSize)
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, result)
}

type submitRequest struct {
	Wallet   string  `json:"wallet"`
	Chain    string  `json:"chain"`
	To       string  `json:"to"`
	Value    string  `json:"value"`
	Data     string  `json:"data,omitempty"`
	GasLimit uint64  `json:"gas_limit"`
	Nonce    *uint64 `json:"nonce,omitempty"`
	Kind     string  `json:"kind"`
}

func (s *Server) handleTransactionSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}

	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		ERROR(w, http.StatusBadRequest, errors.New("invalid value"))
		return
	}

	tx, err := s.ledger.Submit(r.Context(), req.Wallet, req.Chain, ledger.SubmitRequest{
		To:       req.To,
		Value:    value,
		Data:     common.FromHex(req.Data),
		GasLimit: req.GasLimit,
		Nonce:    req.Nonce,
		Kind:     types.TxKind(req.Kind),
	})
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}

	JSON(w, http.StatusCreated, tx)
}

func (s *Server) handleTransactionSpeedUp(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ledger.SpeedUp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusOK, tx)
}

func (s *Server) handleTransactionCancel(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ledger.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusOK, tx)
}

type reconcileRequest struct {
	Wallet string `json:"wallet"`
	Chain  string `json:"chain"`
}

func (s *Server) handleTransactionsReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}

	confirmed, err := s.ledger.Reconcile(r.Context(), req.Wallet, req.Chain)
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusOK, confirmed)
}
