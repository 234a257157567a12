package voucher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/taskd/internal/hooks"
	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/metrics"
)

// Entitlements grants feature flags to users. GrantEntitlement returns
// false when the flag was already present.
type Entitlements interface {
	GrantEntitlement(ctx context.Context, userID, flag string) (bool, error)
}

// Result is what a redemption yields to the caller.
type Result struct {
	Manna         int64  `json:"manna"`
	TransactionID string `json:"transactionId,omitempty"`
	Entitlement   string `json:"entitlement,omitempty"`
}

// Options configures a Service.
type Options struct {
	Notifier *hooks.Notifier
	Metrics  *metrics.Collector
	Logger   *log.Logger
}

// Service redeems vouchers against the ledger and user entitlements.
type Service struct {
	store    Store
	ledger   *ledger.Service
	users    Entitlements
	notifier *hooks.Notifier
	metrics  *metrics.Collector
	logger   *log.Logger
}

func NewService(store Store, led *ledger.Service, users Entitlements, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Service{
		store:    store,
		ledger:   led,
		users:    users,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Create validates and stores a voucher definition.
func (s *Service) Create(ctx context.Context, v Voucher) (Voucher, error) {
	v.Code = strings.TrimSpace(v.Code)
	if v.Code == "" {
		return Voucher{}, fmt.Errorf("%w: code required", ErrInvalid)
	}
	if v.Action == "" {
		v.Action = ActionCredit
	}
	switch v.Action {
	case ActionCredit:
		if v.Amount <= 0 {
			return Voucher{}, fmt.Errorf("%w: credit vouchers need a positive amount", ErrInvalid)
		}
	case ActionEntitlement:
		if strings.TrimSpace(v.Entitlement) == "" {
			return Voucher{}, fmt.Errorf("%w: entitlement name required", ErrInvalid)
		}
	default:
		return Voucher{}, fmt.Errorf("%w: unknown action %q", ErrInvalid, v.Action)
	}
	// Instances of one code share an allow-list, so eligibility does not
	// depend on which instance a redemption claims.
	existing, err := s.store.FindVouchers(ctx, Normalize(v.Code))
	if err != nil {
		return Voucher{}, err
	}
	for _, e := range existing {
		if !sameUsers(e.AllowedUsers, v.AllowedUsers) {
			return Voucher{}, fmt.Errorf("%w: code %q exists with a different allow-list", ErrInvalid, v.Code)
		}
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.Used = false
	v.RedeemedBy = nil
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if err := s.store.CreateVoucher(ctx, v); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

// Redeem applies code for userID at most once.
func (s *Service) Redeem(ctx context.Context, userID, code string) (Result, error) {
	if strings.TrimSpace(userID) == "" {
		return Result{}, errors.New("voucher: user id required")
	}
	key := Normalize(code)
	if key == "" {
		return Result{}, ErrNotFound
	}
	found, err := s.store.FindVouchers(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if len(found) == 0 {
		return Result{}, ErrNotFound
	}
	redeemed, err := s.store.HasRedeemed(ctx, key, userID)
	if err != nil {
		return Result{}, err
	}
	if redeemed {
		return Result{}, ErrAlreadyRedeemed
	}
	v := found[0]
	if !v.Allows(userID) {
		return Result{}, ErrNotEligible
	}

	claimed := false
	if !v.MultiUse {
		if v, err = s.store.ClaimVoucher(ctx, key, userID); err != nil {
			return Result{}, err
		}
		claimed = true
	}
	release := func() {
		if !claimed {
			return
		}
		if err := s.store.ReleaseVoucher(ctx, v.ID); err != nil {
			s.logger.Printf("release voucher %s: %v", v.ID, err)
		}
	}
	if !v.Allows(userID) {
		release()
		return Result{}, ErrNotEligible
	}

	res, err := s.dispatch(ctx, userID, key, v)
	if err != nil {
		release()
		return Result{}, err
	}

	err = s.store.RecordRedemption(ctx, Redemption{
		ID:            uuid.NewString(),
		VoucherID:     v.ID,
		Code:          key,
		UserID:        userID,
		TransactionID: res.TransactionID,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, ErrAlreadyRedeemed) {
		// The effect was applied; the correlated ledger entry or the
		// entitlement row still prevents a second application.
		s.logger.Printf("record redemption of %s by %s: %v", key, userID, err)
	}

	s.notifier.Notify(hooks.Event{
		ID:         uuid.NewString(),
		Type:       hooks.EventVoucherRedeemed,
		OccurredAt: time.Now().UTC(),
		UserID:     userID,
		Metadata:   map[string]any{"code": key, "action": string(v.Action), "amount": v.Amount},
	}, nil)
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, userID, key string, v Voucher) (Result, error) {
	switch v.Action {
	case ActionEntitlement:
		granted, err := s.users.GrantEntitlement(ctx, userID, v.Entitlement)
		if err != nil {
			return Result{}, err
		}
		if !granted {
			return Result{}, ErrAlreadyRedeemed
		}
		acct, err := s.ledger.Account(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		return Result{Manna: acct.Total(), Entitlement: v.Entitlement}, nil
	default:
		res, err := s.ledger.Credit(ctx, ledger.Posting{
			UserID:      userID,
			Amount:      v.Amount,
			Type:        ledger.TxVoucherCredit,
			Correlation: ledger.Correlation{EventID: "voucher:" + key + ":" + userID, EventType: "voucher"},
			Memo:        "voucher " + key,
		})
		if err != nil {
			return Result{}, err
		}
		if res.AlreadyApplied {
			return Result{}, ErrAlreadyRedeemed
		}
		s.metrics.RecordGrant(v.Amount)
		return Result{Manna: res.Account.Total(), TransactionID: res.Transaction.ID}, nil
	}
}

func sameUsers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, u := range a {
		seen[u]++
	}
	for _, u := range b {
		if seen[u] == 0 {
			return false
		}
		seen[u]--
	}
	return true
}
