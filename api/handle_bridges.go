package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/crossrail-labs/crossrail/bridge"
	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/types"
	"github.com/go-chi/chi/v5"
)

type transferRequest struct {
	Wallet      string `json:"wallet"`
	Asset       string `json:"asset,omitempty"`
	Amount      string `json:"amount"`
	SourceChain string `json:"source_chain"`
	DestChain   string `json:"dest_chain"`
	Recipient   string `json:"recipient"`
	Protocol    string `json:"protocol"`
}

func (r transferRequest) toDomain() (bridge.TransferRequest, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return bridge.TransferRequest{}, errors.New("invalid amount")
	}
	protocol := types.BridgeProtocol(r.Protocol)
	if r.Protocol == "" {
		protocol = types.ProtocolLockMint
	}
	return bridge.TransferRequest{
		Wallet:      r.Wallet,
		Asset:       r.Asset,
		Amount:      amount,
		SourceChain: r.SourceChain,
		DestChain:   r.DestChain,
		Recipient:   r.Recipient,
		Protocol:    protocol,
	}, nil
}

func (s *Server) handleBridgesGet(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)

	filter := models.BridgeFilter{
		State:       r.URL.Query().Get("state"),
		SourceChain: r.URL.Query().Get("sourceChain"),
		DestChain:   r.URL.Query().Get("destChain"),
		Sender:      r.URL.Query().Get("sender"),
		Recipient:   r.URL.Query().Get("recipient"),
	}

	result, err := s.bridges.List(r.Context(), filter, page, pageSize)
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

func (s *Server) handleBridgeGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.bridges.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusOK, rec)
}

func (s *Server) handleBridgeInitiate(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}

	domainReq, err := req.toDomain()
	if err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.bridges.Initiate(r.Context(), domainReq)
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusCreated, rec)
}

func (s *Server) handleBridgeEstimate(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}

	domainReq, err := req.toDomain()
	if err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}

	estimate, err := s.bridges.EstimateFee(r.Context(), domainReq)
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusOK, estimate)
}

func (s *Server) handleBridgeCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.bridges.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusOK, rec)
}
