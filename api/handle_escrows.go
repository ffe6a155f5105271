package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/escrow"
	"github.com/crossrail-labs/crossrail/types"
	"github.com/go-chi/chi/v5"
)

type escrowCreateRequest struct {
	Wallet       string `json:"wallet"`
	Chain        string `json:"chain"`
	Seller       string `json:"seller"`
	Arbitrator   string `json:"arbitrator"`
	Amount       string `json:"amount"`
	PaymentType  string `json:"payment_type"`
	TokenAddress string `json:"token_address,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	RefundPolicy string `json:"refund_policy,omitempty"`
}

func (s *Server) handleEscrowsGet(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)

	filter := models.EscrowFilter{
		State: r.URL.Query().Get("state"),
		Chain: r.URL.Query().Get("chain"),
		Party: r.URL.Query().Get("party"),
	}

	result, err := s.escrows.List(r.Context(), filter, page, pageSize)
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	esc, err := s.escrows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusOK, esc)
}

func (s *Server) handleEscrowEventsGet(w http.ResponseWriter, r *http.Request) {
	events, err := s.escrows.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusOK, events)
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	var req escrowCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		ERROR(w, http.StatusBadRequest, errors.New("invalid amount"))
		return
	}

	refundPolicy := types.RefundPolicy(req.RefundPolicy)
	if req.RefundPolicy == "" {
		refundPolicy = types.RefundBuyerOnly
	}

	esc, err := s.escrows.Create(r.Context(), escrow.CreateRequest{
		Wallet:       req.Wallet,
		ChainID:      req.Chain,
		Seller:       req.Seller,
		Arbitrator:   req.Arbitrator,
		Amount:       amount,
		PaymentType:  types.PaymentType(req.PaymentType),
		TokenAddress: req.TokenAddress,
		Title:        req.Title,
		Description:  req.Description,
		RefundPolicy: refundPolicy,
	})
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusCreated, esc)
}

type escrowTransitionRequest struct {
	Action string `json:"action"`
	Wallet string `json:"wallet"`
}

func (s *Server) handleEscrowTransition(w http.ResponseWriter, r *http.Request) {
	var req escrowTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}

	esc, err := s.escrows.Transition(r.Context(), chi.URLParam(r, "id"), types.EscrowAction(req.Action), req.Wallet)
	if err != nil {
		ERROR(w, statusFor(err), err)
		return
	}
	JSON(w, http.StatusOK, esc)
}
