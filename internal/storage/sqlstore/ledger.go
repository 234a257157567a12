package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tokligence/taskd/internal/ledger"
)

const accountColumns = `user_id, subscription_balance, balance, version, created_at, updated_at`

const transactionColumns = `id, user_id, type, amount, subscription_delta, balance_delta, task_id, event_id, event_type, memo, created_at`

func (s *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	var a ledger.Account
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`), userID).
		Scan(&a.UserID, &a.SubscriptionBalance, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, err
}

func (s *Store) EnsureAccount(ctx context.Context, userID string) (ledger.Account, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO accounts(user_id, subscription_balance, balance, version, created_at, updated_at)
VALUES(?, 0, 0, 0, ?, ?)
ON CONFLICT(user_id) DO NOTHING`), userID, now, now)
	if err != nil {
		return ledger.Account{}, err
	}
	return s.GetAccount(ctx, userID)
}

func (s *Store) ApplyTransaction(ctx context.Context, expectedVersion int64, next ledger.Account, t ledger.Transaction) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE accounts SET subscription_balance = ?, balance = ?, version = ?, updated_at = ?
WHERE user_id = ? AND version = ?`),
			next.SubscriptionBalance, next.Balance, next.Version, next.UpdatedAt,
			next.UserID, expectedVersion)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.ErrVersionConflict
		}
		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO transactions(`+transactionColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, t.UserID, string(t.Type), t.Amount, t.SubscriptionDelta, t.BalanceDelta,
			nullable(t.TaskID), nullable(t.EventID), nullable(t.EventType), t.Memo, t.CreatedAt)
		if err != nil && s.d.IsUniqueViolation(err) {
			return ledger.ErrDuplicateTransaction
		}
		return err
	})
}

func (s *Store) FindTransaction(ctx context.Context, eventID, eventType string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+transactionColumns+` FROM transactions WHERE event_id = ? AND event_type = ?`), eventID, eventType)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return t, err
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+transactionColumns+`
FROM transactions
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(r scanner) (ledger.Transaction, error) {
	var (
		t                         ledger.Transaction
		typ                       string
		taskID, eventID, eventTyp sql.NullString
		memo                      sql.NullString
	)
	err := r.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.SubscriptionDelta, &t.BalanceDelta,
		&taskID, &eventID, &eventTyp, &memo, &t.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Type = ledger.TxType(typ)
	t.TaskID = taskID.String
	t.EventID = eventID.String
	t.EventType = eventTyp.String
	t.Memo = memo.String
	return t, nil
}
