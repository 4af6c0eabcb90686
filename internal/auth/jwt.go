// Package auth is the identity core: password hashing, session tokens,
// Google identity verification and the request-time access gates.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. POST /login (or /google-auth) → service.AuthService checks the
//     credentials and asks TokenService for a signed session token
//  2. The token is returned in the body AND set as an HttpOnly cookie
//  3. On protected routes RequireSignIn reads the token (Bearer header or
//     cookie), verifies it and puts a Principal in the request context
//  4. CheckRole / RequirePermission decide whether that Principal may proceed
//
// WHY JWT?
// JWT (JSON Web Token) is stateless — the server doesn't need to store session
// data. All the information needed (user id, role, expiry) is inside the
// signed token. Rotating JWT_SECRET therefore logs everybody out, which is
// acceptable for short-lived sessions.
//
// JWT STRUCTURE (three base64url-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: {"alg":"HS256","typ":"JWT"}
//	- Payload: {"sub":"<user id>","role":"user","jti":"...","iat":...,"exp":...}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sakif/authcore/internal/model"
)

// DefaultTokenTTL is how long a session token stays valid.
const DefaultTokenTTL = 12 * time.Hour

// DefaultIssuer is written to and required in the "iss" claim.
const DefaultIssuer = "authcore"

// Typed verification failures.
//
// Callers that only care about "valid or not" can check err != nil. Callers
// that want to react differently (e.g. a client that silently re-logs in on
// expiry but alerts on a bad signature) use errors.Is.
var (
	ErrTokenExpired      = errors.New("auth: token expired")
	ErrTokenMalformed    = errors.New("auth: token malformed")
	ErrSignatureMismatch = errors.New("auth: token signature mismatch")
)

// Claims is what Verify hands back to callers.
type Claims struct {
	SubjectID string
	Role      model.Role
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// sessionClaims is the JWT payload. It embeds jwt.RegisteredClaims which
// includes standard fields like Issuer, Subject, ExpiresAt, IssuedAt, ID.
type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService handles JWT creation and validation.
//
// The secret is read once at startup and never mutated, so one TokenService
// is shared by every request goroutine without locking.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// TokenOption customises a TokenService.
type TokenOption func(*TokenService)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithIssuer sets the "iss" claim written and required.
func WithIssuer(iss string) TokenOption {
	return func(s *TokenService) {
		if iss != "" {
			s.issuer = iss
		}
	}
}

// NewTokenService creates a TokenService with the given secret.
// The secret should be at least 32 bytes of random data in production.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	s := &TokenService{
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		issuer: DefaultIssuer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the configured token lifetime (used for cookie Max-Age).
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue creates and signs a session token for subjectID carrying role.
func (s *TokenService) Issue(subjectID string, role model.Role) (string, error) {
	token, _, err := s.sign(subjectID, role, s.ttl)
	return token, err
}

// IssueSession is Issue that also returns the token's "exp", so a cookie
// can be given exactly the same lifetime.
func (s *TokenService) IssueSession(subjectID string, role model.Role) (string, time.Time, error) {
	return s.sign(subjectID, role, s.ttl)
}

// IssueWithDuration creates a token with a custom lifetime.
// Used in tests (a negative duration yields an already-expired token).
func (s *TokenService) IssueWithDuration(subjectID string, role model.Role, d time.Duration) (string, error) {
	token, _, err := s.sign(subjectID, role, d)
	return token, err
}

func (s *TokenService) sign(subjectID string, role model.Role, d time.Duration) (string, time.Time, error) {
	if subjectID == "" {
		return "", time.Time{}, errors.New("auth: token subject must not be empty")
	}
	if _, err := model.ParseRole(string(role)); err != nil {
		return "", time.Time{}, fmt.Errorf("auth: issuing token: %w", err)
	}

	// NumericDate truncates to whole seconds; the returned expiry is the
	// truncated value that actually goes into the token.
	now := time.Now()
	exp := jwt.NewNumericDate(now.Add(d))
	c := sessionClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
			Issuer:    s.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, exp.Time, nil
}

// Verify parses and verifies a token string.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Algorithm is HS256 (prevents "alg":"none" and RS/HS confusion attacks)
//   - Signature is valid (wasn't tampered with)
//   - Token has an expiry and it is in the future
//   - Issuer matches ours (prevents tokens from other apps)
//
// Then we check our own claims: non-empty subject and a known role.
func (s *TokenService) Verify(tokenStr string) (*Claims, error) {
	var c sessionClaims
	_, err := jwt.ParseWithClaims(
		tokenStr,
		&c,
		func(token *jwt.Token) (any, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, classify(err)
	}

	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenMalformed)
	}
	role, err := model.ParseRole(c.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	out := &Claims{
		SubjectID: c.Subject,
		Role:      role,
		TokenID:   c.ID,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// classify maps jwt library errors onto our three typed failures.
// Order matters: an expired token with a bad signature is reported as a
// signature mismatch because v5 checks the signature first.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureMismatch
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
