package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/joshcabana/verity-backend-sub000/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.User, error)
	// DebitToken removes one token only when the balance covers it.
	// ok is false when the conditional update matched no rows.
	DebitToken(ctx context.Context, id string) (balance int, ok bool, err error)
	CreditToken(ctx context.Context, id string) (balance int, err error)
}

type userRepo struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT * FROM users WHERE id = $1
	`, id)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT * FROM users WHERE access_token_hash = $1
	`, tokenHash)
	return HandleNotFound(&user, err)
}

func (r *userRepo) DebitToken(ctx context.Context, id string) (int, bool, error) {
	var balance int
	err := r.db.GetContext(ctx, &balance, `
		UPDATE users SET
			token_balance = token_balance - 1,
			updated_at = NOW()
		WHERE id = $1 AND token_balance >= 1
		RETURNING token_balance
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (r *userRepo) CreditToken(ctx context.Context, id string) (int, error) {
	var balance int
	err := r.db.GetContext(ctx, &balance, `
		UPDATE users SET
			token_balance = token_balance + 1,
			updated_at = NOW()
		WHERE id = $1
		RETURNING token_balance
	`, id)
	return balance, err
}
