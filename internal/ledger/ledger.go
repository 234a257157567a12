package ledger

import (
	"context"
	"errors"
	"time"
)

// TxType classifies a ledger transaction.
type TxType string

const (
	TxTaskDebit          TxType = "task_debit"
	TxTaskRefund         TxType = "task_refund"
	TxVoucherCredit      TxType = "voucher_credit"
	TxSubscriptionCredit TxType = "subscription_credit"
	TxPaymentCredit      TxType = "payment_credit"
	TxAdminCredit        TxType = "admin_credit"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrConflict          = errors.New("ledger: too many concurrent updates")
	ErrNoDebit           = errors.New("ledger: no debit recorded for task")

	// Store level outcomes. The service retries on ErrVersionConflict and
	// turns ErrDuplicateTransaction into an already-applied result.
	ErrVersionConflict      = errors.New("ledger: account version conflict")
	ErrDuplicateTransaction = errors.New("ledger: duplicate correlated transaction")
	ErrTransactionNotFound  = errors.New("ledger: transaction not found")
)

// Account holds the two balances of a user. Subscription credit is spent
// before permanent balance.
type Account struct {
	UserID              string    `json:"userId"`
	SubscriptionBalance int64     `json:"subscriptionBalance"`
	Balance             int64     `json:"balance"`
	Version             int64     `json:"-"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Total is the spendable amount across both instruments.
func (a Account) Total() int64 {
	return a.SubscriptionBalance + a.Balance
}

// Correlation identifies an external event a transaction originates from.
// A non-empty correlation is applied at most once.
type Correlation struct {
	EventID   string
	EventType string
}

func (c Correlation) IsZero() bool {
	return c.EventID == "" && c.EventType == ""
}

// Transaction is an immutable ledger line. Amount is signed; the deltas
// record how it split across the two balances.
type Transaction struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	Type              TxType    `json:"type"`
	Amount            int64     `json:"amount"`
	SubscriptionDelta int64     `json:"subscriptionDelta"`
	BalanceDelta      int64     `json:"balanceDelta"`
	TaskID            string    `json:"taskId,omitempty"`
	EventID           string    `json:"eventId,omitempty"`
	EventType         string    `json:"eventType,omitempty"`
	Memo              string    `json:"memo,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Store defines persistence behaviour for the ledger.
//
// ApplyTransaction must write next and tx atomically, and only when the
// stored account version still equals expectedVersion.
type Store interface {
	GetAccount(ctx context.Context, userID string) (Account, error)
	EnsureAccount(ctx context.Context, userID string) (Account, error)
	ApplyTransaction(ctx context.Context, expectedVersion int64, next Account, tx Transaction) error
	FindTransaction(ctx context.Context, eventID, eventType string) (Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}
