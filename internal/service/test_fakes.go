package service

import (
	"context"
	"sync"
	"time"

	"studenthub/auth-identity/internal/model"
	"studenthub/auth-identity/internal/repository"
	"studenthub/auth-identity/internal/verification"
)

// In-memory store fakes mirroring the repository semantics, including
// the conditional-update rotation guarantee. Shared by the service and
// handler test suites.

type FakeUserStore struct {
	mu       sync.Mutex
	users    map[string]model.User // by id
	profiles map[string]model.Profile
}

func NewFakeUserStore() *FakeUserStore {
	return &FakeUserStore{
		users:    map[string]model.User{},
		profiles: map[string]model.Profile{},
	}
}

func (f *FakeUserStore) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (f *FakeUserStore) GetUserByID(_ context.Context, userID string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (f *FakeUserStore) CreateUserWithProfile(_ context.Context, user model.User, profile model.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return repository.ErrEmailTaken
		}
	}
	f.users[user.ID] = user
	f.profiles[user.ID] = profile
	return nil
}

func (f *FakeUserStore) GetProfile(_ context.Context, user model.User) (model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[user.ID]
	if !ok {
		return model.Profile{}, repository.ErrNotFound
	}
	return profile, nil
}

func (f *FakeUserStore) UpdatePasswordHash(_ context.Context, userID, newHash string, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	user.PasswordHash = newHash
	user.UpdatedAt = updatedAt
	f.users[userID] = user
	return nil
}

func (f *FakeUserStore) MarkEmailVerified(_ context.Context, userID string, verifiedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok || user.EmailVerified {
		return false, nil
	}
	user.EmailVerified = true
	user.VerifiedAt = &verifiedAt
	user.UpdatedAt = verifiedAt
	f.users[userID] = user
	return true, nil
}

type FakeRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]model.RefreshToken // by id
}

func NewFakeRefreshStore() *FakeRefreshStore {
	return &FakeRefreshStore{tokens: map[string]model.RefreshToken{}}
}

func (f *FakeRefreshStore) CreateRefreshToken(_ context.Context, token model.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token.ID] = token
	return nil
}

func (f *FakeRefreshStore) GetRefreshToken(_ context.Context, tokenHash string) (model.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, token := range f.tokens {
		if token.TokenHash == tokenHash {
			return token, nil
		}
	}
	return model.RefreshToken{}, repository.ErrNotFound
}

func (f *FakeRefreshStore) RedeemRefreshToken(_ context.Context, tokenID string, redeemedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[tokenID]
	if !ok || token.Status != model.RefreshIssued {
		return false, nil
	}
	token.Status = model.RefreshRedeemed
	token.RevokedAt = &redeemedAt
	f.tokens[tokenID] = token
	return true, nil
}

func (f *FakeRefreshStore) RevokeRefreshToken(_ context.Context, tokenHash string, revokedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, token := range f.tokens {
		if token.TokenHash == tokenHash && token.Status == model.RefreshIssued {
			token.Status = model.RefreshRevoked
			token.RevokedAt = &revokedAt
			f.tokens[id] = token
		}
	}
	return nil
}

func (f *FakeRefreshStore) RevokeRefreshTokensByUser(_ context.Context, userID string, revokedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, token := range f.tokens {
		if token.UserID == userID && token.Status == model.RefreshIssued {
			token.Status = model.RefreshRevoked
			token.RevokedAt = &revokedAt
			f.tokens[id] = token
		}
	}
	return nil
}

func (f *FakeRefreshStore) CountByStatus(status model.RefreshTokenStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, token := range f.tokens {
		if token.Status == status {
			count++
		}
	}
	return count
}

type FakeResetStore struct {
	mu     sync.Mutex
	tokens map[string]model.PasswordResetToken // by hash
}

func NewFakeResetStore() *FakeResetStore {
	return &FakeResetStore{tokens: map[string]model.PasswordResetToken{}}
}

func (f *FakeResetStore) ReplaceResetToken(_ context.Context, token model.PasswordResetToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, existing := range f.tokens {
		if existing.UserID == token.UserID {
			delete(f.tokens, hash)
		}
	}
	f.tokens[token.TokenHash] = token
	return nil
}

func (f *FakeResetStore) GetResetToken(_ context.Context, tokenHash string) (model.PasswordResetToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[tokenHash]
	if !ok {
		return model.PasswordResetToken{}, repository.ErrNotFound
	}
	return token, nil
}

func (f *FakeResetStore) ConsumeResetToken(_ context.Context, tokenHash string) (model.PasswordResetToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[tokenHash]
	if !ok {
		return model.PasswordResetToken{}, repository.ErrNotFound
	}
	delete(f.tokens, tokenHash)
	return token, nil
}

type FakeCodeStore struct {
	mu      sync.Mutex
	byHash  map[string]string // code hash -> user id
	byUser  map[string]string // user id -> code hash
	expires map[string]time.Time
	now     func() time.Time
}

func NewFakeCodeStore() *FakeCodeStore {
	return &FakeCodeStore{
		byHash:  map[string]string{},
		byUser:  map[string]string{},
		expires: map[string]time.Time{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (f *FakeCodeStore) SaveCode(_ context.Context, userID, codeHash string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prior, ok := f.byUser[userID]; ok {
		delete(f.byHash, prior)
		delete(f.expires, prior)
	}
	f.byHash[codeHash] = userID
	f.byUser[userID] = codeHash
	f.expires[codeHash] = f.now().Add(ttl)
	return nil
}

func (f *FakeCodeStore) ConsumeCode(_ context.Context, codeHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.byHash[codeHash]
	if !ok || f.expires[codeHash].Before(f.now()) {
		return "", verification.ErrCodeNotFound
	}
	delete(f.byHash, codeHash)
	delete(f.byUser, userID)
	delete(f.expires, codeHash)
	return userID, nil
}

// RecordingNotifier captures issued secrets so tests can redeem them.
type RecordingNotifier struct {
	mu     sync.Mutex
	codes  map[string]string // email -> verification code
	resets map[string]string // email -> reset token
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{codes: map[string]string{}, resets: map[string]string{}}
}

func (n *RecordingNotifier) SendVerificationCode(_ context.Context, email, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes[email] = code
	return nil
}

func (n *RecordingNotifier) SendPasswordReset(_ context.Context, email, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets[email] = token
	return nil
}

func (n *RecordingNotifier) LastCode(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[email]
}

func (n *RecordingNotifier) LastReset(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resets[email]
}
