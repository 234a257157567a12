package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RefundPolicy decides which balance receives a task refund.
type RefundPolicy string

const (
	// RefundToBalance credits the full refund to the permanent balance,
	// regardless of where the debit was drawn from.
	RefundToBalance RefundPolicy = "balance"
	// RefundToOrigin returns each part of the debit to the instrument it
	// was taken from.
	RefundToOrigin RefundPolicy = "origin"
)

// ParseRefundPolicy maps a configuration value to a policy.
func ParseRefundPolicy(v string) (RefundPolicy, error) {
	switch RefundPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", RefundToBalance:
		return RefundToBalance, nil
	case RefundToOrigin:
		return RefundToOrigin, nil
	default:
		return "", fmt.Errorf("ledger: unknown refund policy %q", v)
	}
}

const defaultMaxRetries = 5

// Options configures a Service.
type Options struct {
	MaxRetries   int
	RefundPolicy RefundPolicy
	Logger       *log.Logger
	Now          func() time.Time
}

// Service applies debits and credits to accounts with optimistic
// concurrency on the account version.
type Service struct {
	store      Store
	maxRetries int
	policy     RefundPolicy
	logger     *log.Logger
	now        func() time.Time
}

// Result reports the outcome of a balance mutation.
type Result struct {
	Account        Account
	Transaction    Transaction
	AlreadyApplied bool
}

// Posting describes a single balance mutation.
type Posting struct {
	UserID      string
	Amount      int64
	Type        TxType
	TaskID      string
	Correlation Correlation
	Memo        string
}

// PaymentKind selects the ledger effect of a successful payment.
type PaymentKind string

const (
	PaymentOneTime      PaymentKind = "one_time"
	PaymentSubscription PaymentKind = "subscription"
)

// PaymentEvent is the ledger-relevant part of a payment provider event.
type PaymentEvent struct {
	EventID   string
	EventType string
	UserID    string
	Amount    int64
	Kind      PaymentKind
}

func NewService(store Store, opts Options) *Service {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RefundPolicy == "" {
		opts.RefundPolicy = RefundToBalance
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:      store,
		maxRetries: opts.MaxRetries,
		policy:     opts.RefundPolicy,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// RefundPolicy reports the configured refund destination.
func (s *Service) RefundPolicy() RefundPolicy { return s.policy }

// Account returns the user's balances. A user without an account reads as
// zero on both balances.
func (s *Service) Account(ctx context.Context, userID string) (Account, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{UserID: userID}, nil
	}
	return acct, err
}

// Open creates the account for userID if it does not exist yet.
func (s *Service) Open(ctx context.Context, userID string) (Account, error) {
	if strings.TrimSpace(userID) == "" {
		return Account{}, errors.New("ledger: user id required")
	}
	return s.store.EnsureAccount(ctx, userID)
}

// History lists the most recent transactions for a user.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// Debit spends amount from subscription credit first and permanent balance
// second. The account must exist and hold enough in total.
func (s *Service) Debit(ctx context.Context, p Posting) (Result, error) {
	if p.Amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if p.Type == "" {
		p.Type = TxTaskDebit
	}
	return s.apply(ctx, p.UserID, p.Correlation, false, func(cur Account) (Account, Transaction, error) {
		if cur.Total() < p.Amount {
			return Account{}, Transaction{}, ErrInsufficientFunds
		}
		fromSub := min(cur.SubscriptionBalance, p.Amount)
		fromBal := p.Amount - fromSub
		next := cur
		next.SubscriptionBalance -= fromSub
		next.Balance -= fromBal
		return next, s.newTx(p, -p.Amount, -fromSub, -fromBal), nil
	})
}

// Credit adds amount to the permanent balance, creating the account when
// needed. A correlated credit that was already applied is reported through
// Result.AlreadyApplied and leaves balances untouched.
func (s *Service) Credit(ctx context.Context, p Posting) (Result, error) {
	if p.Amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if p.Type == "" {
		p.Type = TxAdminCredit
	}
	return s.apply(ctx, p.UserID, p.Correlation, true, func(cur Account) (Account, Transaction, error) {
		next := cur
		next.Balance += p.Amount
		return next, s.newTx(p, p.Amount, 0, p.Amount), nil
	})
}

// Refund returns the debit recorded for taskID to its owner. It is
// correlated on the task, so repeated calls credit at most once.
func (s *Service) Refund(ctx context.Context, taskID string) (Result, error) {
	debit, err := s.store.FindTransaction(ctx, taskID, string(TxTaskDebit))
	if errors.Is(err, ErrTransactionNotFound) {
		return Result{}, ErrNoDebit
	}
	if err != nil {
		return Result{}, err
	}
	p := Posting{
		UserID:      debit.UserID,
		Amount:      -debit.Amount,
		Type:        TxTaskRefund,
		TaskID:      taskID,
		Correlation: Correlation{EventID: taskID, EventType: string(TxTaskRefund)},
		Memo:        "refund for task " + taskID,
	}
	subDelta, balDelta := int64(0), p.Amount
	if s.policy == RefundToOrigin {
		subDelta, balDelta = -debit.SubscriptionDelta, -debit.BalanceDelta
	}
	return s.apply(ctx, p.UserID, p.Correlation, true, func(cur Account) (Account, Transaction, error) {
		next := cur
		next.SubscriptionBalance += subDelta
		next.Balance += balDelta
		return next, s.newTx(p, p.Amount, subDelta, balDelta), nil
	})
}

// ResetSubscription sets the subscription balance to amount for a new
// billing cycle. Unused subscription credit does not carry over.
func (s *Service) ResetSubscription(ctx context.Context, userID string, amount int64, corr Correlation) (Result, error) {
	if amount < 0 {
		return Result{}, ErrInvalidAmount
	}
	p := Posting{UserID: userID, Type: TxSubscriptionCredit, Correlation: corr, Memo: "subscription cycle"}
	return s.apply(ctx, userID, corr, true, func(cur Account) (Account, Transaction, error) {
		delta := amount - cur.SubscriptionBalance
		next := cur
		next.SubscriptionBalance = amount
		return next, s.newTx(p, delta, delta, 0), nil
	})
}

// ApplyPayment turns a successful payment event into its ledger effect.
func (s *Service) ApplyPayment(ctx context.Context, ev PaymentEvent) (Result, error) {
	if ev.EventID == "" || ev.EventType == "" {
		return Result{}, errors.New("ledger: payment event requires id and type")
	}
	if strings.TrimSpace(ev.UserID) == "" {
		return Result{}, errors.New("ledger: payment event requires user id")
	}
	corr := Correlation{EventID: ev.EventID, EventType: ev.EventType}
	switch ev.Kind {
	case PaymentSubscription:
		return s.ResetSubscription(ctx, ev.UserID, ev.Amount, corr)
	case PaymentOneTime, "":
		return s.Credit(ctx, Posting{
			UserID:      ev.UserID,
			Amount:      ev.Amount,
			Type:        TxPaymentCredit,
			Correlation: corr,
			Memo:        "payment " + ev.EventID,
		})
	default:
		return Result{}, fmt.Errorf("ledger: unknown payment kind %q", ev.Kind)
	}
}

type mutation func(cur Account) (Account, Transaction, error)

func (s *Service) apply(ctx context.Context, userID string, corr Correlation, create bool, mutate mutation) (Result, error) {
	if strings.TrimSpace(userID) == "" {
		return Result{}, errors.New("ledger: user id required")
	}
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if !corr.IsZero() {
			if res, done, err := s.replayed(ctx, userID, corr); done || err != nil {
				return res, err
			}
		}
		cur, err := s.load(ctx, userID, create)
		if err != nil {
			return Result{}, err
		}
		next, tx, err := mutate(cur)
		if err != nil {
			return Result{}, err
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = tx.CreatedAt
		err = s.store.ApplyTransaction(ctx, cur.Version, next, tx)
		switch {
		case err == nil:
			return Result{Account: next, Transaction: tx}, nil
		case errors.Is(err, ErrVersionConflict):
			continue
		case errors.Is(err, ErrDuplicateTransaction):
			res, _, rerr := s.replayed(ctx, userID, corr)
			return res, rerr
		default:
			return Result{}, err
		}
	}
	s.logger.Printf("ALERT ledger conflict retries exhausted user=%s attempts=%d", userID, s.maxRetries)
	return Result{}, ErrConflict
}

func (s *Service) replayed(ctx context.Context, userID string, corr Correlation) (Result, bool, error) {
	prior, err := s.store.FindTransaction(ctx, corr.EventID, corr.EventType)
	if errors.Is(err, ErrTransactionNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	acct, err := s.Account(ctx, userID)
	if err != nil {
		return Result{}, true, err
	}
	return Result{Account: acct, Transaction: prior, AlreadyApplied: true}, true, nil
}

func (s *Service) load(ctx context.Context, userID string, create bool) (Account, error) {
	if create {
		return s.store.EnsureAccount(ctx, userID)
	}
	return s.store.GetAccount(ctx, userID)
}

func (s *Service) newTx(p Posting, amount, subDelta, balDelta int64) Transaction {
	return Transaction{
		ID:                uuid.NewString(),
		UserID:            p.UserID,
		Type:              p.Type,
		Amount:            amount,
		SubscriptionDelta: subDelta,
		BalanceDelta:      balDelta,
		TaskID:            p.TaskID,
		EventID:           p.Correlation.EventID,
		EventType:         p.Correlation.EventType,
		Memo:              p.Memo,
		CreatedAt:         s.now(),
	}
}
