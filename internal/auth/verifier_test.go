package auth

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"guardian-gateway/internal/config"
)

const testSecret = "test-secret"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestVerifier() *Verifier {
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: testSecret}}
	v := NewVerifier(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	v.now = func() time.Time { return fixedNow }
	return v
}

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims TokenClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func unsignedToken(t *testing.T, claims TokenClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims() TokenClaims {
	return TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(fixedNow.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Hour)),
		},
		UserID:   "65f0c1",
		Email:    "carer@example.com",
		UserType: "caretaker",
	}
}

func TestVerify_Valid(t *testing.T) {
	v := newTestVerifier()
	token := sign(t, jwt.SigningMethodHS256, testSecret, validClaims())

	claim, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claim.SubjectID != "65f0c1" {
		t.Errorf("SubjectID = %q, want %q", claim.SubjectID, "65f0c1")
	}
	if claim.Role != "caretaker" {
		t.Errorf("Role = %q, want %q", claim.Role, "caretaker")
	}
	if claim.Email != "carer@example.com" {
		t.Errorf("Email = %q, want %q", claim.Email, "carer@example.com")
	}
	if !claim.ExpiresAt.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", claim.ExpiresAt, fixedNow.Add(time.Hour))
	}
	if !claim.IssuedAt.Equal(fixedNow.Add(-time.Hour)) {
		t.Errorf("IssuedAt = %v, want %v", claim.IssuedAt, fixedNow.Add(-time.Hour))
	}
}

func TestVerify_SubjectAndRoleFallbacks(t *testing.T) {
	v := newTestVerifier()
	c := validClaims()
	c.UserID = ""
	c.UserType = ""
	c.Subject = "sub-1"
	c.Role = "admin"

	claim, err := v.Verify(sign(t, jwt.SigningMethodHS512, testSecret, c))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claim.SubjectID != "sub-1" {
		t.Errorf("SubjectID = %q, want %q", claim.SubjectID, "sub-1")
	}
	if claim.Role != "admin" {
		t.Errorf("Role = %q, want %q", claim.Role, "admin")
	}
}

func TestVerify_Rejections(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(fixedNow.Add(-time.Minute))

	notYet := validClaims()
	notYet.NotBefore = jwt.NewNumericDate(fixedNow.Add(time.Minute))

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	noSubject := validClaims()
	noSubject.UserID = ""

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrMalformed},
		{"three bogus segments", "a.b.c", ErrMalformed},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, "other-secret", validClaims()), ErrInvalidSignature},
		{"expired", sign(t, jwt.SigningMethodHS256, testSecret, expired), ErrExpired},
		{"not yet valid", sign(t, jwt.SigningMethodHS256, testSecret, notYet), ErrExpired},
		{"missing exp", sign(t, jwt.SigningMethodHS256, testSecret, noExpiry), ErrMalformed},
		{"missing subject", sign(t, jwt.SigningMethodHS256, testSecret, noSubject), ErrMalformed},
		{"alg none", unsignedToken(t, validClaims()), ErrInvalidSignature},
	}

	v := newTestVerifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyHeader(t *testing.T) {
	v := newTestVerifier()
	token := sign(t, jwt.SigningMethodHS256, testSecret, validClaims())

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"valid", "Bearer " + token, nil},
		{"lowercase scheme", "bearer " + token, nil},
		{"empty", "", ErrMissingCredential},
		{"scheme only", "Bearer", ErrMissingCredential},
		{"scheme with blank token", "Bearer   ", ErrMissingCredential},
		{"basic scheme", "Basic dXNlcjpwYXNz", ErrMalformed},
		{"foreign signature", "Bearer " + sign(t, jwt.SigningMethodHS256, "other-secret", validClaims()), ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyHeader(tt.header)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("VerifyHeader() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("VerifyHeader() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrMissingCredential, "missing_credential"},
		{classify(jwt.ErrTokenMalformed), "malformed"},
		{classify(jwt.ErrTokenExpired), "expired"},
		{classify(jwt.ErrTokenSignatureInvalid), "invalid_signature"},
		{errors.New("other"), "unknown"},
	}

	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
