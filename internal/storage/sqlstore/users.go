package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tokligence/taskd/internal/userstore"
)

func (s *Store) GetUser(ctx context.Context, id string) (userstore.User, error) {
	var (
		u            userstore.User
		role, status string
	)
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT id, email, role, status, artifact_count, concept_count, created_at, updated_at
FROM users WHERE id = ?`), id).
		Scan(&u.ID, &u.Email, &role, &status, &u.ArtifactCount, &u.ConceptCount, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return userstore.User{}, userstore.ErrNotFound
	}
	if err != nil {
		return userstore.User{}, err
	}
	u.Role = userstore.Role(role)
	u.Status = userstore.Status(status)

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT flag FROM user_entitlements WHERE user_id = ? ORDER BY flag`), id)
	if err != nil {
		return userstore.User{}, err
	}
	defer rows.Close()
	u.Entitlements = []string{}
	for rows.Next() {
		var flag string
		if err := rows.Scan(&flag); err != nil {
			return userstore.User{}, err
		}
		u.Entitlements = append(u.Entitlements, flag)
	}
	return u, rows.Err()
}

func (s *Store) EnsureUser(ctx context.Context, u userstore.User) (userstore.User, error) {
	if u.ID == "" {
		return userstore.User{}, errors.New("sqlstore: user id required")
	}
	if err := s.insertUser(ctx, s.db, u); err != nil {
		return userstore.User{}, err
	}
	return s.GetUser(ctx, u.ID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertUser(ctx context.Context, db execer, u userstore.User) error {
	if u.Role == "" {
		u.Role = userstore.RoleUser
	}
	if u.Status == "" {
		u.Status = userstore.StatusActive
	}
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, s.q(`
INSERT INTO users(id, email, role, status, artifact_count, concept_count, created_at, updated_at)
VALUES(?, ?, ?, ?, 0, 0, ?, ?)
ON CONFLICT(id) DO NOTHING`), u.ID, u.Email, string(u.Role), string(u.Status), now, now)
	return err
}

func (s *Store) SetUserRole(ctx context.Context, id string, role userstore.Role) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`),
		string(role), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return userstore.ErrNotFound
	}
	return nil
}

func (s *Store) GrantEntitlement(ctx context.Context, userID, flag string) (bool, error) {
	var granted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertUser(ctx, tx, userstore.User{ID: userID}); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`
INSERT INTO user_entitlements(user_id, flag, created_at) VALUES(?, ?, ?)
ON CONFLICT(user_id, flag) DO NOTHING`), userID, flag, time.Now().UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		granted = n == 1
		return err
	})
	return granted, err
}
