package http

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"studenthub/auth-identity/internal/service"
)

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
)

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate signing key: %v", err)
		}
		signingKey = key
	})
	return signingKey
}

type testEnv struct {
	server   *httptest.Server
	users    *service.FakeUserStore
	refresh  *service.FakeRefreshStore
	notifier *service.RecordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	key := testSigningKey(t)
	users := service.NewFakeUserStore()
	refresh := service.NewFakeRefreshStore()
	notifier := service.NewRecordingNotifier()

	svc := service.New(service.Params{
		Users:               users,
		Refresh:             refresh,
		Resets:              service.NewFakeResetStore(),
		Codes:               service.NewFakeCodeStore(),
		Notifier:            notifier,
		Logger:              zap.NewNop(),
		SigningKey:          key,
		Issuer:              "test-issuer",
		AccessTokenTTL:      15 * time.Minute,
		RefreshTokenTTL:     7 * 24 * time.Hour,
		VerificationCodeTTL: 24 * time.Hour,
		ResetTokenTTL:       time.Hour,
	})

	httpServer, err := NewServer(svc, &key.PublicKey, "test-issuer", zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ts := httptest.NewServer(httpServer.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, users: users, refresh: refresh, notifier: notifier}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, raw
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	resp, raw := e.do(t, method, path, token, body)
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode response %q: %v", raw, err)
	}
	return resp, decoded
}

func (e *testEnv) register(t *testing.T, email, password string) map[string]interface{} {
	t.Helper()

	resp, body := e.doJSON(t, http.MethodPost, "/auth/register", "", map[string]interface{}{
		"email":      email,
		"password":   password,
		"fullName":   "Pat Example",
		"phone":      "0700111222",
		"schoolName": "Hilltop Primary",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want %d (body %v)", resp.StatusCode, http.StatusCreated, body)
	}
	return body
}

func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	code, _ := body["error"].(string)
	if code == "" {
		t.Fatalf("response is not an error payload: %v", body)
	}
	return code
}

func TestRegisterLoginAndMe(t *testing.T) {
	env := newTestEnv(t)

	created := env.register(t, "head@hilltop.ac", "orig-password-1")
	user, ok := created["user"].(map[string]interface{})
	if !ok {
		t.Fatalf("register response missing user: %v", created)
	}
	if user["role"] != "admin" {
		t.Errorf("role = %v, want admin", user["role"])
	}
	if user["emailVerified"] != false {
		t.Errorf("emailVerified = %v, want false", user["emailVerified"])
	}
	if created["accessToken"] == "" || created["refreshToken"] == "" {
		t.Fatal("register response missing token pair")
	}
	if created["expiresIn"] != float64(900) {
		t.Errorf("expiresIn = %v, want 900", created["expiresIn"])
	}

	resp, body := env.doJSON(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "head@hilltop.ac",
		"password": "orig-password-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d (body %v)", resp.StatusCode, body)
	}
	access, _ := body["accessToken"].(string)

	resp, me := env.doJSON(t, http.MethodGet, "/auth/me", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d (body %v)", resp.StatusCode, me)
	}
	if me["email"] != "head@hilltop.ac" {
		t.Errorf("me email = %v", me["email"])
	}
	if me["name"] != "Pat Example" {
		t.Errorf("me name = %v", me["name"])
	}
	if me["schoolName"] != "Hilltop Primary" {
		t.Errorf("me schoolName = %v", me["schoolName"])
	}
	if _, present := me["rollNo"]; present {
		t.Error("admin payload should not carry student fields")
	}
}

func TestRegisterRejectsInvalidPayloads(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"bad email", map[string]interface{}{"email": "not-an-email", "password": "long-enough-1", "fullName": "A"}},
		{"short password", map[string]interface{}{"email": "a@b.ac", "password": "short", "fullName": "A"}},
		{"missing name", map[string]interface{}{"email": "a@b.ac", "password": "long-enough-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.doJSON(t, http.MethodPost, "/auth/register", "", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if code := errorCode(t, body); code != "validation_error" {
				t.Errorf("error = %q, want validation_error", code)
			}
		})
	}
}

func TestRegisterDuplicateEmailConflict(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "head@hilltop.ac", "orig-password-1")

	resp, body := env.doJSON(t, http.MethodPost, "/auth/register", "", map[string]interface{}{
		"email":    "HEAD@hilltop.ac",
		"password": "another-pass-1",
		"fullName": "Other Person",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "email_taken" {
		t.Errorf("error = %q, want email_taken", code)
	}
}

func TestLoginFailureIsUniform(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "head@hilltop.ac", "orig-password-1")

	for _, creds := range []map[string]string{
		{"email": "head@hilltop.ac", "password": "wrong-password-1"},
		{"email": "ghost@hilltop.ac", "password": "orig-password-1"},
	} {
		resp, body := env.doJSON(t, http.MethodPost, "/auth/login", "", creds)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		if code := errorCode(t, body); code != "invalid_credentials" {
			t.Errorf("error = %q, want invalid_credentials", code)
		}
	}
}

func TestRefreshRotationAndReplay(t *testing.T) {
	env := newTestEnv(t)
	created := env.register(t, "head@hilltop.ac", "orig-password-1")
	first, _ := created["refreshToken"].(string)

	resp, body := env.doJSON(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": first})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d (body %v)", resp.StatusCode, body)
	}
	second, _ := body["refreshToken"].(string)
	if second == "" || second == first {
		t.Fatal("refresh did not rotate the token")
	}

	// The redeemed token is a tombstone now; replaying it must fail.
	resp, body = env.doJSON(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": first})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "invalid_refresh_token" {
		t.Errorf("error = %q, want invalid_refresh_token", code)
	}

	resp, _ = env.doJSON(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": second})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second refresh status = %d", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	created := env.register(t, "head@hilltop.ac", "orig-password-1")
	access, _ := created["accessToken"].(string)
	refreshToken, _ := created["refreshToken"].(string)

	resp, _ := env.doJSON(t, http.MethodPost, "/auth/logout", "", map[string]string{"refreshToken": refreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated logout status = %d, want 401", resp.StatusCode)
	}

	resp, _ = env.doJSON(t, http.MethodPost, "/auth/logout", access, map[string]string{"refreshToken": refreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	resp, _ = env.doJSON(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token refresh status = %d, want 401", resp.StatusCode)
	}

	// Logging out again, or with no body at all, still succeeds.
	resp, _ = env.doJSON(t, http.MethodPost, "/auth/logout", access, map[string]string{"refreshToken": refreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat logout status = %d", resp.StatusCode)
	}
	resp, _ = env.doJSON(t, http.MethodPost, "/auth/logout", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bodyless logout status = %d", resp.StatusCode)
	}
}

func TestForgotPasswordResponseDoesNotLeakAccounts(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "head@hilltop.ac", "orig-password-1")

	respKnown, rawKnown := env.do(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": "head@hilltop.ac"})
	respUnknown, rawUnknown := env.do(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": "ghost@hilltop.ac"})

	if respKnown.StatusCode != http.StatusOK || respUnknown.StatusCode != http.StatusOK {
		t.Fatalf("statuses = %d / %d, want 200 / 200", respKnown.StatusCode, respUnknown.StatusCode)
	}
	if !bytes.Equal(rawKnown, rawUnknown) {
		t.Errorf("responses differ between known and unknown email:\n%s\n%s", rawKnown, rawUnknown)
	}

	if env.notifier.LastReset("head@hilltop.ac") == "" {
		t.Error("no reset token delivered to the registered address")
	}
	if env.notifier.LastReset("ghost@hilltop.ac") != "" {
		t.Error("reset token delivered to an unregistered address")
	}
}

func TestPasswordResetEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "head@hilltop.ac", "orig-password-1")

	env.do(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": "head@hilltop.ac"})
	resetToken := env.notifier.LastReset("head@hilltop.ac")
	if resetToken == "" {
		t.Fatal("no reset token delivered")
	}

	resp, body := env.doJSON(t, http.MethodGet, "/auth/verify-reset-token?token="+resetToken, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	if body["valid"] != true || body["email"] != "head@hilltop.ac" {
		t.Fatalf("verify body = %v", body)
	}

	resp, _ = env.doJSON(t, http.MethodPost, "/auth/reset-password", "", map[string]string{
		"token":       resetToken,
		"newPassword": "fresh-password-2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}

	// Token is single use.
	resp, body = env.doJSON(t, http.MethodPost, "/auth/reset-password", "", map[string]string{
		"token":       resetToken,
		"newPassword": "third-password-3",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reuse status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "invalid_reset_token" {
		t.Errorf("error = %q, want invalid_reset_token", code)
	}

	resp, _ = env.doJSON(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "head@hilltop.ac",
		"password": "fresh-password-2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with new password status = %d", resp.StatusCode)
	}
}

func TestVerifyResetTokenUnknown(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.doJSON(t, http.MethodGet, "/auth/verify-reset-token?token=no-such-token", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["valid"] != false {
		t.Errorf("valid = %v, want false", body["valid"])
	}
	if _, present := body["email"]; present {
		t.Error("invalid probe must not reveal an email")
	}
}

func TestEmailVerificationFlow(t *testing.T) {
	env := newTestEnv(t)
	created := env.register(t, "head@hilltop.ac", "orig-password-1")
	access, _ := created["accessToken"].(string)

	code := env.notifier.LastCode("head@hilltop.ac")
	if code == "" {
		t.Fatal("no verification code delivered at registration")
	}

	resp, _ := env.doJSON(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"code": code})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}

	resp, me := env.doJSON(t, http.MethodGet, "/auth/me", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", resp.StatusCode)
	}
	if me["emailVerified"] != true {
		t.Errorf("emailVerified = %v after verification", me["emailVerified"])
	}

	// Code is spent.
	resp, body := env.doJSON(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"code": code})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reuse status = %d, want 400", resp.StatusCode)
	}
	if errCode := errorCode(t, body); errCode != "invalid_code" {
		t.Errorf("error = %q, want invalid_code", errCode)
	}
}

func TestVerifyEmailRejectsMalformedCode(t *testing.T) {
	env := newTestEnv(t)

	for _, code := range []string{"", "12345", "1234567", "abcdef"} {
		resp, body := env.doJSON(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"code": code})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("code %q status = %d, want 400", code, resp.StatusCode)
		}
		if errCode := errorCode(t, body); errCode != "validation_error" {
			t.Errorf("code %q error = %q, want validation_error", code, errCode)
		}
	}
}

func TestResendVerificationIsUniform(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "head@hilltop.ac", "orig-password-1")
	firstCode := env.notifier.LastCode("head@hilltop.ac")

	respKnown, rawKnown := env.do(t, http.MethodPost, "/auth/resend-verification", "", map[string]string{"email": "head@hilltop.ac"})
	respUnknown, rawUnknown := env.do(t, http.MethodPost, "/auth/resend-verification", "", map[string]string{"email": "ghost@hilltop.ac"})

	if respKnown.StatusCode != http.StatusOK || respUnknown.StatusCode != http.StatusOK {
		t.Fatalf("statuses = %d / %d", respKnown.StatusCode, respUnknown.StatusCode)
	}
	if !bytes.Equal(rawKnown, rawUnknown) {
		t.Errorf("responses differ between known and unknown email:\n%s\n%s", rawKnown, rawUnknown)
	}

	secondCode := env.notifier.LastCode("head@hilltop.ac")
	if secondCode == "" || secondCode == firstCode {
		t.Error("resend did not deliver a fresh code")
	}

	// The superseded code no longer works.
	resp, _ := env.doJSON(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"code": firstCode})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("stale code status = %d, want 400", resp.StatusCode)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	created := env.register(t, "head@hilltop.ac", "orig-password-1")
	access, _ := created["accessToken"].(string)
	refreshToken, _ := created["refreshToken"].(string)

	resp, body := env.doJSON(t, http.MethodPost, "/auth/change-password", access, map[string]interface{}{
		"currentPassword": "wrong-password-1",
		"newPassword":     "fresh-password-2",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong current password status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "invalid_credentials" {
		t.Errorf("error = %q, want invalid_credentials", code)
	}

	resp, body = env.doJSON(t, http.MethodPost, "/auth/change-password", access, map[string]interface{}{
		"currentPassword": "orig-password-1",
		"newPassword":     "orig-password-1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("same password status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "same_password" {
		t.Errorf("error = %q, want same_password", code)
	}

	resp, body = env.doJSON(t, http.MethodPost, "/auth/change-password", access, map[string]interface{}{
		"currentPassword":   "orig-password-1",
		"newPassword":       "fresh-password-2",
		"revokeAllSessions": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change status = %d (body %v)", resp.StatusCode, body)
	}
	if body["sessionsRevoked"] != true {
		t.Errorf("sessionsRevoked = %v, want true", body["sessionsRevoked"])
	}

	resp, _ = env.doJSON(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pre-change refresh token still alive, status = %d", resp.StatusCode)
	}

	resp, _ = env.doJSON(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "head@hilltop.ac",
		"password": "fresh-password-2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with changed password status = %d", resp.StatusCode)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.doJSON(t, http.MethodGet, "/auth/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "missing_token" {
		t.Errorf("error = %q, want missing_token", code)
	}

	resp, body = env.doJSON(t, http.MethodGet, "/auth/me", "not.a.jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "invalid_token" {
		t.Errorf("error = %q, want invalid_token", code)
	}
}

func TestJWKSEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.doJSON(t, http.MethodGet, "/.well-known/jwks.json", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	keys, ok := body["keys"].([]interface{})
	if !ok || len(keys) != 1 {
		t.Fatalf("keys = %v, want exactly one", body["keys"])
	}
	key, _ := keys[0].(map[string]interface{})
	for field, want := range map[string]string{"kty": "RSA", "use": "sig", "alg": "RS256"} {
		if key[field] != want {
			t.Errorf("%s = %v, want %s", field, key[field], want)
		}
	}
	if kid, _ := key["kid"].(string); kid == "" {
		t.Error("jwk missing kid")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.doJSON(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}
