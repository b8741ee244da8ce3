package verification

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCodeNotFound = errors.New("verification code not found")

// Store keeps email-verification codes in Redis under two keys: the code
// digest maps to the owning user, and a per-user reverse key lets a
// reissue destroy the previous code so at most one code is live per user.
// Expiry is Redis-native; nothing is swept by this service.
type Store struct {
	client redis.UniversalClient
}

func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func codeKey(codeHash string) string {
	return "verify:code:" + codeHash
}

func userKey(userID string) string {
	return "verify:user:" + userID
}

func (s *Store) SaveCode(ctx context.Context, userID, codeHash string, ttl time.Duration) error {
	prior, err := s.client.Get(ctx, userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if prior != "" {
		if err := s.client.Del(ctx, codeKey(prior)).Err(); err != nil {
			return err
		}
	}

	if err := s.client.Set(ctx, codeKey(codeHash), userID, ttl).Err(); err != nil {
		return err
	}
	return s.client.Set(ctx, userKey(userID), codeHash, ttl).Err()
}

// ConsumeCode redeems a code exactly once: GETDEL is atomic, so of any
// number of concurrent consumers exactly one receives the user id.
func (s *Store) ConsumeCode(ctx context.Context, codeHash string) (string, error) {
	userID, err := s.client.GetDel(ctx, codeKey(codeHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCodeNotFound
	}
	if err != nil {
		return "", err
	}
	_ = s.client.Del(ctx, userKey(userID)).Err()
	return userID, nil
}
