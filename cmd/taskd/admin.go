package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/taskd/internal/auth"
	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/voucher"
)

var (
	creditUser   string
	creditAmount int64
	creditMemo   string
	creditEvent  string
)

var creditCmd = &cobra.Command{
	Use:   "credit",
	Short: "Grant credit to a user's balance",
	RunE:  runCredit,
}

var (
	voucherCode         string
	voucherAmount       int64
	voucherAction       string
	voucherEntitlement  string
	voucherAllowedUsers string
	voucherMultiUse     bool
	voucherCount        int
)

var voucherCmd = &cobra.Command{
	Use:   "voucher",
	Short: "Manage vouchers",
}

var voucherCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create redeemable voucher instances",
	RunE:  runVoucherCreate,
}

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a user",
	RunE:  runToken,
}

func init() {
	creditCmd.Flags().StringVar(&creditUser, "user", "", "User id to credit")
	creditCmd.Flags().Int64Var(&creditAmount, "amount", 0, "Credits to grant")
	creditCmd.Flags().StringVar(&creditMemo, "memo", "", "Note stored with the transaction")
	creditCmd.Flags().StringVar(&creditEvent, "event-id", "", "Idempotency key; a repeated id applies once")
	_ = creditCmd.MarkFlagRequired("user")
	_ = creditCmd.MarkFlagRequired("amount")

	f := voucherCreateCmd.Flags()
	f.StringVar(&voucherCode, "code", "", "Code users redeem (case-insensitive)")
	f.Int64Var(&voucherAmount, "amount", 0, "Credits granted by a credit voucher")
	f.StringVar(&voucherAction, "action", string(voucher.ActionCredit), "credit or entitlement")
	f.StringVar(&voucherEntitlement, "entitlement", "", "Flag granted by an entitlement voucher")
	f.StringVar(&voucherAllowedUsers, "allowed-users", "", "Comma separated user ids; empty allows everyone")
	f.BoolVar(&voucherMultiUse, "multi-use", false, "Redeemable once by every eligible user")
	f.IntVar(&voucherCount, "count", 1, "Number of single-use instances to create")
	_ = voucherCreateCmd.MarkFlagRequired("code")
	voucherCmd.AddCommand(voucherCreateCmd)

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id the token identifies")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTTL, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runCredit(cmd *cobra.Command, args []string) error {
	if creditAmount <= 0 {
		return errors.New("--amount must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	p := ledger.Posting{UserID: creditUser, Amount: creditAmount, Type: ledger.TxAdminCredit, Memo: creditMemo}
	if creditEvent != "" {
		p.Correlation = ledger.Correlation{EventID: creditEvent, EventType: string(ledger.TxAdminCredit)}
	}
	res, err := ledger.NewService(st, ledger.Options{MaxRetries: cfg.LedgerMaxRetries}).Credit(ctx, p)
	if err != nil {
		return err
	}
	if res.AlreadyApplied {
		fmt.Fprintf(cmd.OutOrStdout(), "event %s already applied (tx %s)\n", creditEvent, res.Transaction.ID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s balance=%d subscription=%d tx=%s\n",
		creditUser, res.Account.Balance, res.Account.SubscriptionBalance, res.Transaction.ID)
	return nil
}

func runVoucherCreate(cmd *cobra.Command, args []string) error {
	if voucherCount < 1 {
		return errors.New("--count must be at least 1")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	led := ledger.NewService(st, ledger.Options{MaxRetries: cfg.LedgerMaxRetries})
	svc := voucher.NewService(st, led, st, voucher.Options{})
	created, err := createVouchers(ctx, svc, voucher.Voucher{
		Code:         voucherCode,
		Amount:       voucherAmount,
		Action:       voucher.Action(voucherAction),
		Entitlement:  voucherEntitlement,
		AllowedUsers: splitUsers(voucherAllowedUsers),
		MultiUse:     voucherMultiUse,
	}, voucherCount)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(created)
}

// createVouchers creates count instances of v; multi-use vouchers are
// always a single instance.
func createVouchers(ctx context.Context, svc *voucher.Service, v voucher.Voucher, count int) ([]voucher.Voucher, error) {
	if v.MultiUse {
		count = 1
	}
	out := make([]voucher.Voucher, 0, count)
	for i := 0; i < count; i++ {
		created, err := svc.Create(ctx, v)
		if err != nil {
			return out, err
		}
		out = append(out, created)
	}
	return out, nil
}

func splitUsers(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.AuthSecret == "" {
		return errors.New("auth_secret is not configured")
	}
	token, err := auth.NewManager(cfg.AuthSecret).IssueToken(tokenUser, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
