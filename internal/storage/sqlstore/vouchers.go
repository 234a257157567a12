package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tokligence/taskd/internal/voucher"
)

const voucherColumns = `id, code, amount, action, entitlement, allowed_users, multi_use, used, redeemed_by, created_at`

// claimAttempts bounds how often ClaimVoucher re-reads candidates after
// losing a race on every one of them.
const claimAttempts = 3

func (s *Store) CreateVoucher(ctx context.Context, v voucher.Voucher) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO vouchers(id, code, code_lower, amount, action, entitlement, allowed_users, multi_use, used, redeemed_by, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.Code, voucher.Normalize(v.Code), v.Amount, string(v.Action), v.Entitlement,
		s.d.StringList(v.AllowedUsers), v.MultiUse, v.Used, s.d.StringList(v.RedeemedBy), v.CreatedAt)
	return err
}

func (s *Store) FindVouchers(ctx context.Context, code string) ([]voucher.Voucher, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+voucherColumns+` FROM vouchers WHERE code_lower = ? ORDER BY created_at, id`), voucher.Normalize(code))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []voucher.Voucher
	for rows.Next() {
		v, err := s.scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) HasRedeemed(ctx context.Context, code, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT COUNT(1) FROM voucher_redemptions WHERE code_lower = ? AND user_id = ?`), voucher.Normalize(code), userID).Scan(&n)
	return n > 0, err
}

func (s *Store) ClaimVoucher(ctx context.Context, code, userID string) (voucher.Voucher, error) {
	key := voucher.Normalize(code)
	for attempt := 0; attempt < claimAttempts; attempt++ {
		ids, err := s.openInstances(ctx, key)
		if err != nil {
			return voucher.Voucher{}, err
		}
		if len(ids) == 0 {
			return voucher.Voucher{}, voucher.ErrExhausted
		}
		for _, id := range ids {
			res, err := s.db.ExecContext(ctx, s.q(`
UPDATE vouchers SET used = ?, redeemed_by = ? WHERE id = ? AND used = ?`),
				true, s.d.StringList([]string{userID}), id, false)
			if err != nil {
				return voucher.Voucher{}, err
			}
			if n, err := res.RowsAffected(); err != nil {
				return voucher.Voucher{}, err
			} else if n == 1 {
				return s.getVoucher(ctx, id)
			}
		}
	}
	return voucher.Voucher{}, voucher.ErrExhausted
}

func (s *Store) openInstances(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id FROM vouchers WHERE code_lower = ? AND multi_use = ? AND used = ?
ORDER BY created_at, id LIMIT 8`), key, false, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) getVoucher(ctx context.Context, id string) (voucher.Voucher, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+voucherColumns+` FROM vouchers WHERE id = ?`), id)
	v, err := s.scanVoucher(row)
	if errors.Is(err, sql.ErrNoRows) {
		return voucher.Voucher{}, voucher.ErrNotFound
	}
	return v, err
}

func (s *Store) ReleaseVoucher(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE vouchers SET used = ?, redeemed_by = ? WHERE id = ?`),
		false, s.d.StringList(nil), id)
	return err
}

func (s *Store) RecordRedemption(ctx context.Context, r voucher.Redemption) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO voucher_redemptions(id, voucher_id, code_lower, user_id, transaction_id, created_at)
VALUES(?, ?, ?, ?, ?, ?)`),
		r.ID, r.VoucherID, voucher.Normalize(r.Code), r.UserID, r.TransactionID, r.CreatedAt)
	if err != nil && s.d.IsUniqueViolation(err) {
		return voucher.ErrAlreadyRedeemed
	}
	return err
}

func (s *Store) scanVoucher(r scanner) (voucher.Voucher, error) {
	var (
		v      voucher.Voucher
		action string
	)
	err := r.Scan(&v.ID, &v.Code, &v.Amount, &action, &v.Entitlement, s.d.ScanStringList(&v.AllowedUsers),
		&v.MultiUse, &v.Used, s.d.ScanStringList(&v.RedeemedBy), &v.CreatedAt)
	if err != nil {
		return voucher.Voucher{}, err
	}
	v.Action = voucher.Action(action)
	return v, nil
}
