// Package auth verifies bearer tokens presented to the gateway.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"guardian-gateway/internal/config"
	"guardian-gateway/internal/model"
)

// Rejection reasons. The dispatcher answers 401 for ErrMissingCredential and
// 403 for every other reason.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrMalformed         = errors.New("malformed credential")
	ErrExpired           = errors.New("credential expired")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// validMethods pins the accepted algorithms to the HMAC family of the shared secret.
var validMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// TokenClaims is the payload issued by the identity service.
type TokenClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"userId"`
	Email    string `json:"email,omitempty"`
	UserType string `json:"user_type,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Verifier validates bearer tokens against the shared secret. It holds no
// per-request state and is safe for concurrent use. Signature comparison is
// done by jwt's HMAC verifier with hmac.Equal, which is constant time.
type Verifier struct {
	secret []byte
	now    func() time.Time
	logger *slog.Logger
}

// NewVerifier creates a Verifier from the configured secret.
func NewVerifier(cfg *config.Config, logger *slog.Logger) *Verifier {
	return &Verifier{
		secret: []byte(cfg.Auth.JWTSecret),
		now:    time.Now,
		logger: logger.With("component", "token_verifier"),
	}
}

// VerifyHeader extracts the bearer token from an Authorization header value
// and verifies it.
func (v *Verifier) VerifyHeader(authorization string) (*model.Claim, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingCredential
	}
	scheme, token, _ := strings.Cut(authorization, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformed, scheme)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingCredential
	}
	return v.Verify(token)
}

// Verify checks the token signature and validity window and returns the
// identity it carries.
func (v *Verifier) Verify(token string) (*model.Claim, error) {
	claims := &TokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	_, err := parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: token carries no subject", ErrMalformed)
	}
	role := claims.UserType
	if role == "" {
		role = claims.Role
	}

	c := &model.Claim{
		SubjectID: subject,
		Email:     claims.Email,
		Role:      role,
	}
	if claims.IssuedAt != nil {
		c.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	return c, nil
}

// classify maps jwt parse errors onto the rejection reasons.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	default:
		// Signature mismatch, disallowed algorithm, unverifiable token.
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
}

// Reason returns a stable label for a verification error, used in logs and metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "unknown"
	}
}
