package voucher

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Action is what redeeming a voucher does.
type Action string

const (
	ActionCredit      Action = "credit"
	ActionEntitlement Action = "entitlement"
)

var (
	ErrNotFound        = errors.New("voucher: not found")
	ErrAlreadyRedeemed = errors.New("voucher: already redeemed")
	ErrNotEligible     = errors.New("voucher: not eligible")
	ErrExhausted       = errors.New("voucher: exhausted")
	ErrInvalid         = errors.New("voucher: invalid definition")
)

// Voucher is a redeemable code. Several single-use instances may share a
// code; each instance is consumed once.
type Voucher struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Amount       int64     `json:"amount"`
	Action       Action    `json:"action"`
	Entitlement  string    `json:"entitlement,omitempty"`
	AllowedUsers []string  `json:"allowedUsers,omitempty"`
	MultiUse     bool      `json:"multiUse"`
	Used         bool      `json:"used"`
	RedeemedBy   []string  `json:"redeemedBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Allows reports whether userID passes the voucher's allow-list.
func (v Voucher) Allows(userID string) bool {
	if len(v.AllowedUsers) == 0 {
		return true
	}
	for _, u := range v.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// Redemption records that a user redeemed a code.
type Redemption struct {
	ID            string    `json:"id"`
	VoucherID     string    `json:"voucherId"`
	Code          string    `json:"code"`
	UserID        string    `json:"userId"`
	TransactionID string    `json:"transactionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Normalize returns the canonical lookup form of a code.
func Normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Store persists vouchers and redemptions. Codes are matched
// case-insensitively.
//
// ClaimVoucher atomically marks one open single-use instance of code as
// used by userID, returning ErrExhausted when none is left.
// RecordRedemption returns ErrAlreadyRedeemed when (code, user) exists.
type Store interface {
	CreateVoucher(ctx context.Context, v Voucher) error
	FindVouchers(ctx context.Context, code string) ([]Voucher, error)
	HasRedeemed(ctx context.Context, code, userID string) (bool, error)
	ClaimVoucher(ctx context.Context, code, userID string) (Voucher, error)
	ReleaseVoucher(ctx context.Context, id string) error
	RecordRedemption(ctx context.Context, r Redemption) error
}
