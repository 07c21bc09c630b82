package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/joshcabana/verity-backend-sub000/internal/model"
)

type MatchRepository interface {
	FindByPair(ctx context.Context, userA, userB string) (*model.Match, error)
	// CreateOrGet inserts the canonical pair or returns the row that already
	// holds it. created reports whether this call inserted.
	CreateOrGet(ctx context.Context, userA, userB, sessionID string) (match *model.Match, created bool, err error)
}

type matchRepo struct {
	db *sqlx.DB
}

func NewMatchRepository(db *sqlx.DB) MatchRepository {
	return &matchRepo{db: db}
}

func (r *matchRepo) FindByPair(ctx context.Context, userA, userB string) (*model.Match, error) {
	low, high := model.CanonicalPair(userA, userB)

	var match model.Match
	err := r.db.GetContext(ctx, &match, `
		SELECT * FROM matches WHERE user_low_id = $1 AND user_high_id = $2
	`, low, high)
	return HandleNotFound(&match, err)
}

func (r *matchRepo) CreateOrGet(ctx context.Context, userA, userB, sessionID string) (*model.Match, bool, error) {
	low, high := model.CanonicalPair(userA, userB)

	var match model.Match
	err := r.db.GetContext(ctx, &match, `
		INSERT INTO matches (user_low_id, user_high_id, session_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_low_id, user_high_id) DO NOTHING
		RETURNING *
	`, low, high, sql.NullString{String: sessionID, Valid: sessionID != ""})
	if err == nil {
		return &match, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	existing, err := r.FindByPair(ctx, low, high)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("match conflict reported but row not found")
	}
	return existing, false, nil
}
