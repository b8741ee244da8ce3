package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"studenthub/auth-identity/internal/auth"
	"studenthub/auth-identity/internal/crypto"
	"studenthub/auth-identity/internal/metrics"
	"studenthub/auth-identity/internal/model"
	"studenthub/auth-identity/internal/notify"
	"studenthub/auth-identity/internal/repository"
	"studenthub/auth-identity/internal/verification"
)

// UserStore, RefreshStore, and ResetStore are implemented by
// *repository.Store; CodeStore by *verification.Store. Not-found
// conditions surface as repository.ErrNotFound and
// verification.ErrCodeNotFound respectively.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetUserByID(ctx context.Context, userID string) (model.User, error)
	CreateUserWithProfile(ctx context.Context, user model.User, profile model.Profile) error
	GetProfile(ctx context.Context, user model.User) (model.Profile, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string, updatedAt time.Time) error
	MarkEmailVerified(ctx context.Context, userID string, verifiedAt time.Time) (bool, error)
}

type RefreshStore interface {
	CreateRefreshToken(ctx context.Context, token model.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (model.RefreshToken, error)
	RedeemRefreshToken(ctx context.Context, tokenID string, redeemedAt time.Time) (bool, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string, revokedAt time.Time) error
	RevokeRefreshTokensByUser(ctx context.Context, userID string, revokedAt time.Time) error
}

type ResetStore interface {
	ReplaceResetToken(ctx context.Context, token model.PasswordResetToken) error
	GetResetToken(ctx context.Context, tokenHash string) (model.PasswordResetToken, error)
	ConsumeResetToken(ctx context.Context, tokenHash string) (model.PasswordResetToken, error)
}

type CodeStore interface {
	SaveCode(ctx context.Context, userID, codeHash string, ttl time.Duration) error
	ConsumeCode(ctx context.Context, codeHash string) (string, error)
}

type Params struct {
	Users    UserStore
	Refresh  RefreshStore
	Resets   ResetStore
	Codes    CodeStore
	Notifier notify.Notifier
	Logger   *zap.Logger

	SigningKey *rsa.PrivateKey
	Issuer     string

	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	VerificationCodeTTL time.Duration
	ResetTokenTTL       time.Duration
}

// Service orchestrates the credential and session lifecycle. It holds no
// mutable state of its own; everything lives in the backing stores.
type Service struct {
	users    UserStore
	refresh  RefreshStore
	resets   ResetStore
	codes    CodeStore
	notifier notify.Notifier
	logger   *zap.Logger

	signingKey *rsa.PrivateKey
	issuer     string

	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
	resetTTL   time.Duration

	now func() time.Time
}

func New(p Params) *Service {
	return &Service{
		users:      p.Users,
		refresh:    p.Refresh,
		resets:     p.Resets,
		codes:      p.Codes,
		notifier:   p.Notifier,
		logger:     p.Logger,
		signingKey: p.SigningKey,
		issuer:     p.Issuer,
		accessTTL:  p.AccessTokenTTL,
		refreshTTL: p.RefreshTokenTTL,
		codeTTL:    p.VerificationCodeTTL,
		resetTTL:   p.ResetTokenTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

type Session struct {
	User    model.User
	Profile model.Profile
	Tokens  TokenPair
}

type RegisterInput struct {
	Email      string
	Password   string
	FullName   string
	Phone      string
	SchoolName string
}

func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// Register creates an admin principal with an unverified email, issues
// the first verification code, and returns a usable session immediately;
// verification is not a login gate.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*Session, error) {
	email := NormalizeEmail(input.Email)

	hash, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	schoolName := input.SchoolName
	if schoolName == "" {
		schoolName = "Default School"
	}
	profile := model.Profile{
		Role: model.RoleAdmin,
		Admin: &model.AdminProfile{
			Name:       input.FullName,
			Phone:      input.Phone,
			SchoolName: schoolName,
		},
	}

	if err := s.users.CreateUserWithProfile(ctx, user, profile); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	metrics.Registrations.Inc()

	// Best-effort: a failed code write or send is recovered by the
	// resend endpoint, never by failing the registration.
	s.issueVerificationCode(ctx, user)

	tokens, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, err
	}
	return &Session{User: user, Profile: profile, Tokens: tokens}, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := s.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.Logins.WithLabelValues("failure").Inc()
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := crypto.CheckPassword(user.PasswordHash, password); err != nil {
		metrics.Logins.WithLabelValues("failure").Inc()
		if errors.Is(err, crypto.ErrPasswordMismatch) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	profile, err := s.users.GetProfile(ctx, user)
	if err != nil {
		return nil, err
	}

	tokens, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, err
	}
	metrics.Logins.WithLabelValues("success").Inc()
	return &Session{User: user, Profile: profile, Tokens: tokens}, nil
}

// Refresh rotates the presented token: the matched row flips to redeemed
// behind a conditional update, so a replayed secret loses even when two
// callers race on it. Unknown, dead, and expired tokens are rejected
// identically.
func (s *Service) Refresh(ctx context.Context, refreshSecret string) (*TokenPair, error) {
	record, err := s.refresh.GetRefreshToken(ctx, crypto.HashToken(refreshSecret))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.RefreshRotations.WithLabelValues("failure").Inc()
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	now := s.now()
	if record.Status != model.RefreshIssued || record.Expired(now) {
		metrics.RefreshRotations.WithLabelValues("failure").Inc()
		return nil, ErrInvalidRefreshToken
	}

	redeemed, err := s.refresh.RedeemRefreshToken(ctx, record.ID, now)
	if err != nil {
		return nil, err
	}
	if !redeemed {
		// Lost the race; the winner already rotated this token.
		metrics.RefreshRotations.WithLabelValues("failure").Inc()
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.users.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	tokens, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, err
	}
	metrics.RefreshRotations.WithLabelValues("success").Inc()
	return &tokens, nil
}

// Logout revokes the presented refresh token. Idempotent from the
// caller's perspective: a dead or unknown token still reports success.
func (s *Service) Logout(ctx context.Context, refreshSecret string) error {
	if refreshSecret == "" {
		return nil
	}
	return s.refresh.RevokeRefreshToken(ctx, crypto.HashToken(refreshSecret), s.now())
}

// ForgotPassword never reports whether the email exists. Store and
// delivery failures are logged and swallowed for the same reason.
func (s *Service) ForgotPassword(ctx context.Context, email string) {
	user, err := s.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("forgot-password user lookup failed", zap.Error(err))
		}
		return
	}

	secret, err := crypto.NewOpaqueToken()
	if err != nil {
		s.logger.Error("reset token generation failed", zap.Error(err))
		return
	}

	now := s.now()
	record := model.PasswordResetToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(secret),
		CreatedAt: now,
		ExpiresAt: now.Add(s.resetTTL),
	}
	if err := s.resets.ReplaceResetToken(ctx, record); err != nil {
		s.logger.Error("reset token store failed", zap.Error(err))
		return
	}

	if err := s.notifier.SendPasswordReset(ctx, user.Email, secret); err != nil {
		s.logger.Warn("reset notification failed", zap.String("email", user.Email), zap.Error(err))
	}
}

// VerifyResetToken is the non-consuming pre-check behind the reset page.
// An expired record is destroyed on sight.
func (s *Service) VerifyResetToken(ctx context.Context, resetSecret string) (bool, string) {
	hash := crypto.HashToken(resetSecret)
	record, err := s.resets.GetResetToken(ctx, hash)
	if err != nil {
		return false, ""
	}
	if record.ExpiresAt.Before(s.now()) {
		if _, err := s.resets.ConsumeResetToken(ctx, hash); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("expired reset token cleanup failed", zap.Error(err))
		}
		return false, ""
	}
	user, err := s.users.GetUserByID(ctx, record.UserID)
	if err != nil {
		return false, ""
	}
	return true, user.Email
}

// ResetPassword consumes the token on match regardless of outcome; a
// matched token is spent even when expired.
func (s *Service) ResetPassword(ctx context.Context, resetSecret, newPassword string) error {
	record, err := s.resets.ConsumeResetToken(ctx, crypto.HashToken(resetSecret))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.TokenConsumptions.WithLabelValues("reset", "failure").Inc()
			return ErrInvalidResetToken
		}
		return err
	}
	if record.ExpiresAt.Before(s.now()) {
		metrics.TokenConsumptions.WithLabelValues("reset", "failure").Inc()
		return ErrInvalidResetToken
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, record.UserID, hash, s.now()); err != nil {
		return err
	}
	metrics.TokenConsumptions.WithLabelValues("reset", "success").Inc()
	return nil
}

func (s *Service) VerifyEmail(ctx context.Context, code string) error {
	userID, err := s.codes.ConsumeCode(ctx, crypto.HashToken(code))
	if err != nil {
		if errors.Is(err, verification.ErrCodeNotFound) {
			metrics.TokenConsumptions.WithLabelValues("verification", "failure").Inc()
			return ErrInvalidCode
		}
		return err
	}

	flipped, err := s.users.MarkEmailVerified(ctx, userID, s.now())
	if err != nil {
		return err
	}
	if !flipped {
		// The code matched but the flag was already set; the stale code
		// is destroyed either way.
		metrics.TokenConsumptions.WithLabelValues("verification", "failure").Inc()
		return ErrAlreadyVerified
	}
	metrics.TokenConsumptions.WithLabelValues("verification", "success").Inc()
	return nil
}

// ResendVerification mirrors ForgotPassword's non-enumeration contract.
func (s *Service) ResendVerification(ctx context.Context, email string) {
	user, err := s.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("resend-verification user lookup failed", zap.Error(err))
		}
		return
	}
	if user.EmailVerified {
		return
	}
	s.issueVerificationCode(ctx, user)
}

func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, revokeAllSessions bool) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}

	if err := crypto.CheckPassword(user.PasswordHash, currentPassword); err != nil {
		if errors.Is(err, crypto.ErrPasswordMismatch) {
			return ErrInvalidCredentials
		}
		return err
	}
	if err := crypto.CheckPassword(user.PasswordHash, newPassword); err == nil {
		return ErrSamePassword
	} else if !errors.Is(err, crypto.ErrPasswordMismatch) {
		return err
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}
	now := s.now()
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash, now); err != nil {
		return err
	}

	if revokeAllSessions {
		if err := s.refresh.RevokeRefreshTokensByUser(ctx, user.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Me(ctx context.Context, userID string) (model.User, model.Profile, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.User{}, model.Profile{}, ErrNotFound
		}
		return model.User{}, model.Profile{}, err
	}
	profile, err := s.users.GetProfile(ctx, user)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.User{}, model.Profile{}, ErrNotFound
		}
		return model.User{}, model.Profile{}, err
	}
	return user, profile, nil
}

func (s *Service) issuePair(ctx context.Context, user model.User) (TokenPair, error) {
	accessToken, err := auth.NewAccessToken(s.signingKey, s.issuer, s.accessTTL, auth.Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
	})
	if err != nil {
		return TokenPair{}, err
	}

	refreshSecret, err := crypto.NewOpaqueToken()
	if err != nil {
		return TokenPair{}, err
	}

	now := s.now()
	record := model.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(refreshSecret),
		Status:    model.RefreshIssued,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.refresh.CreateRefreshToken(ctx, record); err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshSecret,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) issueVerificationCode(ctx context.Context, user model.User) {
	code, err := crypto.NewVerificationCode()
	if err != nil {
		s.logger.Error("verification code generation failed", zap.Error(err))
		return
	}
	if err := s.codes.SaveCode(ctx, user.ID, crypto.HashToken(code), s.codeTTL); err != nil {
		s.logger.Error("verification code store failed", zap.Error(err))
		return
	}
	if err := s.notifier.SendVerificationCode(ctx, user.Email, code); err != nil {
		s.logger.Warn("verification notification failed", zap.String("email", user.Email), zap.Error(err))
	}
}
