package httpserver

import (
	"net/http"

	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/userstore"
	"github.com/tokligence/taskd/internal/voucher"
)

type adminEndpoint struct {
	server *Server
}

func newAdminEndpoint(s *Server) endpoint {
	return &adminEndpoint{server: s}
}

func (e *adminEndpoint) Name() string { return "admin" }

func (e *adminEndpoint) Routes() []route {
	s := e.server
	return []route{
		{Method: http.MethodPost, Path: "/admin/credit", Handler: s.requireAdmin(s.handleAdminCredit)},
		{Method: http.MethodPost, Path: "/admin/vouchers", Handler: s.requireAdmin(s.handleAdminCreateVouchers)},
	}
}

type adminCreditRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
	Amount int64  `json:"amount" validate:"gt=0"`
	Memo   string `json:"memo" validate:"max=256"`
	// EventID makes a retried grant apply once.
	EventID string `json:"eventId" validate:"max=128"`
}

type adminCreditResponse struct {
	Balance             int64  `json:"balance"`
	SubscriptionBalance int64  `json:"subscriptionBalance"`
	TransactionID       string `json:"transactionId"`
	AlreadyApplied      bool   `json:"alreadyApplied,omitempty"`
}

func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request, admin userstore.User) {
	var req adminCreditRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	p := ledger.Posting{
		UserID: req.UserID,
		Amount: req.Amount,
		Type:   ledger.TxAdminCredit,
		Memo:   req.Memo,
	}
	if req.EventID != "" {
		p.Correlation = ledger.Correlation{EventID: req.EventID, EventType: string(ledger.TxAdminCredit)}
	}
	res, err := s.ledger.Credit(r.Context(), p)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if !res.AlreadyApplied {
		s.metrics.RecordGrant(req.Amount)
		s.logger.Printf("admin %s credited %d to %s (tx %s)", admin.ID, req.Amount, req.UserID, res.Transaction.ID)
	}
	s.respondJSON(w, http.StatusOK, adminCreditResponse{
		Balance:             res.Account.Balance,
		SubscriptionBalance: res.Account.SubscriptionBalance,
		TransactionID:       res.Transaction.ID,
		AlreadyApplied:      res.AlreadyApplied,
	})
}

type adminVoucherRequest struct {
	Code         string   `json:"code" validate:"required,max=64"`
	Amount       int64    `json:"amount" validate:"gte=0"`
	Action       string   `json:"action" validate:"omitempty,oneof=credit entitlement"`
	Entitlement  string   `json:"entitlement" validate:"max=64"`
	AllowedUsers []string `json:"allowedUsers" validate:"dive,required"`
	MultiUse     bool     `json:"multiUse"`
	// Count creates that many single-use instances sharing the code.
	Count int `json:"count" validate:"omitempty,min=1,max=1000"`
}

func (s *Server) handleAdminCreateVouchers(w http.ResponseWriter, r *http.Request, admin userstore.User) {
	var req adminVoucherRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	count := req.Count
	if count == 0 || req.MultiUse {
		count = 1
	}
	created := make([]voucher.Voucher, 0, count)
	for i := 0; i < count; i++ {
		v, err := s.vouchers.Create(r.Context(), voucher.Voucher{
			Code:         req.Code,
			Amount:       req.Amount,
			Action:       voucher.Action(req.Action),
			Entitlement:  req.Entitlement,
			AllowedUsers: req.AllowedUsers,
			MultiUse:     req.MultiUse,
		})
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		created = append(created, v)
	}
	s.logger.Printf("admin %s created %d voucher(s) for code %q", admin.ID, len(created), req.Code)
	s.respondJSON(w, http.StatusCreated, map[string]any{"vouchers": created})
}
