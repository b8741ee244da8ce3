package http

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"studenthub/auth-identity/internal/auth"
	"studenthub/auth-identity/internal/model"
	"studenthub/auth-identity/internal/service"
)

type Server struct {
	svc       *service.Service
	publicKey *rsa.PublicKey
	issuer    string
	jwks      auth.JWKSet
	logger    *zap.Logger
	validate  *validator.Validate
}

func NewServer(svc *service.Service, publicKey *rsa.PublicKey, issuer string, logger *zap.Logger) (*Server, error) {
	jwks, err := auth.NewJWKSet(publicKey)
	if err != nil {
		return nil, err
	}
	return &Server{
		svc:       svc,
		publicKey: publicKey,
		issuer:    issuer,
		jwks:      jwks,
		logger:    logger,
		validate:  validator.New(),
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.With(s.authMiddleware).Post("/auth/logout", s.handleLogout)

	r.Post("/auth/forgot-password", s.handleForgotPassword)
	r.Get("/auth/verify-reset-token", s.handleVerifyResetToken)
	r.Post("/auth/reset-password", s.handleResetPassword)
	r.Post("/auth/verify-email", s.handleVerifyEmail)
	r.Post("/auth/resend-verification", s.handleResendVerification)

	r.With(s.authMiddleware).Post("/auth/change-password", s.handleChangePassword)
	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)

	return r
}

type userSummary struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"emailVerified"`
}

type authResponse struct {
	User         userSummary `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresIn    int64       `json:"expiresIn"`
}

func newAuthResponse(session *service.Session) authResponse {
	return authResponse{
		User: userSummary{
			ID:            session.User.ID,
			Email:         session.User.Email,
			Name:          session.Profile.Name(),
			Role:          string(session.User.Role),
			EmailVerified: session.User.EmailVerified,
		},
		AccessToken:  session.Tokens.AccessToken,
		RefreshToken: session.Tokens.RefreshToken,
		ExpiresIn:    session.Tokens.ExpiresIn,
	}
}

type registerRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=8"`
	FullName   string `json:"fullName" validate:"required"`
	Phone      string `json:"phone"`
	SchoolName string `json:"schoolName"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	session, err := s.svc.Register(r.Context(), service.RegisterInput{
		Email:      req.Email,
		Password:   req.Password,
		FullName:   strings.TrimSpace(req.FullName),
		Phone:      strings.TrimSpace(req.Phone),
		SchoolName: strings.TrimSpace(req.SchoolName),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newAuthResponse(session))
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	session, err := s.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newAuthResponse(session))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	pair, err := s.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	// Body is optional; an absent or dead token still logs out cleanly.
	_ = decodeJSON(r, &req)

	if err := s.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		s.logger.Error("logout revocation failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	s.svc.ForgotPassword(r.Context(), req.Email)

	// Identical response whether or not the email exists.
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "If that email is registered, a password reset link has been sent",
	})
}

func (s *Server) handleVerifyResetToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing_token")
		return
	}

	valid, email := s.svc.VerifyResetToken(r.Context(), token)
	resp := map[string]interface{}{"valid": valid}
	if valid {
		resp["email"] = email
	}
	writeJSON(w, http.StatusOK, resp)
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if err := s.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset"})
}

type verifyEmailRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if err := s.svc.VerifyEmail(r.Context(), req.Code); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified"})
}

type resendVerificationRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendVerificationRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	s.svc.ResendVerification(r.Context(), req.Email)

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "If that email needs verification, a new code has been sent",
	})
}

type changePasswordRequest struct {
	CurrentPassword   string `json:"currentPassword" validate:"required"`
	NewPassword       string `json:"newPassword" validate:"required,min=8"`
	RevokeAllSessions bool   `json:"revokeAllSessions"`
}

type changePasswordResponse struct {
	Message         string `json:"message"`
	SessionsRevoked bool   `json:"sessionsRevoked,omitempty"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req changePasswordRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	err := s.svc.ChangePassword(r.Context(), claims.UserID, req.CurrentPassword, req.NewPassword, req.RevokeAllSessions)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := changePasswordResponse{Message: "Password updated"}
	if req.RevokeAllSessions {
		resp.Message = "Password updated; all sessions have been logged out"
		resp.SessionsRevoked = true
	}
	writeJSON(w, http.StatusOK, resp)
}

type meResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"emailVerified"`
	Phone         string `json:"phone,omitempty"`
	SchoolName    string `json:"schoolName,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Experience    int    `json:"experience,omitempty"`
	RollNo        string `json:"rollNo,omitempty"`
	ClassID       string `json:"classId,omitempty"`
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	user, profile, err := s.svc.Me(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		s.writeServiceError(w, err)
		return
	}

	resp := meResponse{
		ID:            user.ID,
		Email:         user.Email,
		Name:          profile.Name(),
		Role:          string(user.Role),
		EmailVerified: user.EmailVerified,
	}
	switch profile.Role {
	case model.RoleAdmin:
		resp.Phone = profile.Admin.Phone
		resp.SchoolName = profile.Admin.SchoolName
	case model.RoleTeacher:
		resp.Phone = profile.Teacher.Phone
		resp.Subject = profile.Teacher.Subject
		resp.Experience = profile.Teacher.Experience
	case model.RoleStudent:
		resp.Phone = profile.Student.Phone
		resp.RollNo = profile.Student.RollNo
		resp.ClassID = profile.Student.ClassID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jwks)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := auth.ParseToken(s.publicKey, s.issuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// writeServiceError maps facade failures onto the boundary taxonomy.
// Anything unmapped is logged server-side and collapsed to server_error.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email_taken")
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, service.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
	case errors.Is(err, service.ErrInvalidResetToken):
		writeError(w, http.StatusBadRequest, "invalid_reset_token")
	case errors.Is(err, service.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "invalid_code")
	case errors.Is(err, service.ErrAlreadyVerified):
		writeError(w, http.StatusBadRequest, "already_verified")
	case errors.Is(err, service.ErrSamePassword):
		writeError(w, http.StatusBadRequest, "same_password")
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		s.logger.Error("unhandled service error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := decodeJSON(r, req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error")
		return false
	}
	return true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
