package httpserver

import (
	"net/http"
	"strconv"

	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/userstore"
)

type accountEndpoint struct {
	server *Server
}

func newAccountEndpoint(s *Server) endpoint {
	return &accountEndpoint{server: s}
}

func (e *accountEndpoint) Name() string { return "account" }

func (e *accountEndpoint) Routes() []route {
	s := e.server
	return []route{
		{Method: http.MethodGet, Path: "/account", Handler: s.withUser(s.handleAccount)},
		{Method: http.MethodGet, Path: "/account/transactions", Handler: s.withUser(s.handleTransactions)},
		{Method: http.MethodPost, Path: "/vouchers/redeem", Handler: s.withUser(s.handleRedeem)},
	}
}

type accountResponse struct {
	UserID              string         `json:"userId"`
	SubscriptionBalance int64          `json:"subscriptionBalance"`
	Balance             int64          `json:"balance"`
	Total               int64          `json:"total"`
	User                userstore.User `json:"user"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, u userstore.User) {
	acct, err := s.ledger.Account(r.Context(), u.ID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, accountResponse{
		UserID:              u.ID,
		SubscriptionBalance: acct.SubscriptionBalance,
		Balance:             acct.Balance,
		Total:               acct.Total(),
		User:                u,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request, u userstore.User) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.respondError(w, http.StatusBadRequest, errInvalidLimit)
			return
		}
		limit = n
	}
	txs, err := s.ledger.History(r.Context(), u.ID, limit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type redeemRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

type redeemResponse struct {
	Manna         int64  `json:"manna"`
	TransactionID string `json:"transactionId,omitempty"`
	Entitlement   string `json:"entitlement,omitempty"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request, u userstore.User) {
	var req redeemRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.vouchers.Redeem(r.Context(), u.ID, req.Code)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, redeemResponse{Manna: res.Manna, TransactionID: res.TransactionID, Entitlement: res.Entitlement})
}
