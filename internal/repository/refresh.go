package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"studenthub/auth-identity/internal/model"
)

const refreshColumns = `id, user_id, token_hash, status, created_at, expires_at, revoked_at`

func (s *Store) CreateRefreshToken(ctx context.Context, token model.RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, status, created_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, token.ID, token.UserID, token.TokenHash, token.Status, token.CreatedAt, token.ExpiresAt, token.RevokedAt)
	return err
}

func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	var token model.RefreshToken
	row := s.pool.QueryRow(ctx, `
		SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = $1
	`, tokenHash)
	err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.Status, &token.CreatedAt, &token.ExpiresAt, &token.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RefreshToken{}, ErrNotFound
	}
	return token, err
}

// RedeemRefreshToken is the rotation compare-and-swap: only a row still in
// issued state transitions to redeemed, so concurrent redemptions of one
// secret produce exactly one winner. The row stays behind as a tombstone.
func (s *Store) RedeemRefreshToken(ctx context.Context, tokenID string, redeemedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET status = $2, revoked_at = $3
		WHERE id = $1 AND status = $4
	`, tokenID, model.RefreshRedeemed, redeemedAt, model.RefreshIssued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, revokedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET status = $2, revoked_at = $3
		WHERE token_hash = $1 AND status = $4
	`, tokenHash, model.RefreshRevoked, revokedAt, model.RefreshIssued)
	return err
}

func (s *Store) RevokeRefreshTokensByUser(ctx context.Context, userID string, revokedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET status = $2, revoked_at = $3
		WHERE user_id = $1 AND status = $4
	`, userID, model.RefreshRevoked, revokedAt, model.RefreshIssued)
	return err
}
