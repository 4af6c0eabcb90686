package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
)

// CookieName is the HttpOnly cookie carrying the session token.
const CookieName = "token"

// contextKey is an unexported type used for context keys in this package.
//
// WHY A CUSTOM TYPE FOR CONTEXT KEYS?
// context.WithValue uses any as the key type. If you use a plain string like
// context.WithValue(ctx, "principal", p), ANY package that knows the string can
// read or shadow your value. Only THIS package can create a contextKey, so
// only this package can write the Principal that handlers trust.
type contextKey string

const principalKey contextKey = "principal"

// Principal is the verified caller attached to the request context.
type Principal struct {
	SubjectID string
	Role      model.Role
	TokenID   string
	ExpiresAt time.Time
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller set by RequireSignIn.
// Returns (Principal{}, false) on routes without RequireSignIn.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.SubjectID != ""
}

// UserLookup is the slice of the user store the Gate needs.
type UserLookup interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// ErrUnknownSubject means the token verified but its subject no longer exists.
var ErrUnknownSubject = errors.New("auth: token subject no longer exists")

// Gate builds the access-control middlewares.
type Gate struct {
	tokens   *TokenService
	users    UserLookup
	denylist Denylist // nil when revocation is disabled
	logger   *slog.Logger
}

// NewGate creates a Gate. denylist may be nil.
func NewGate(tokens *TokenService, users UserLookup, denylist Denylist, logger *slog.Logger) *Gate {
	return &Gate{tokens: tokens, users: users, denylist: denylist, logger: logger}
}

// Authenticate verifies a raw token, consults the denylist and loads the
// subject from the user store. The returned role is the stored one, so a
// demoted or deleted account loses access before its token expires.
//
// Token problems and a vanished subject come back as rejections (see
// isTokenRejection); anything else is a backend failure.
func (g *Gate) Authenticate(ctx context.Context, raw string) (Principal, error) {
	c, err := g.tokens.Verify(raw)
	if err != nil {
		return Principal{}, err
	}
	if g.denylist != nil {
		revoked, err := g.denylist.IsRevoked(ctx, c.TokenID)
		if err != nil {
			return Principal{}, fmt.Errorf("checking denylist: %w", err)
		}
		if revoked {
			return Principal{}, ErrTokenRevoked
		}
	}

	user, err := g.users.FindByID(ctx, c.SubjectID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return Principal{}, ErrUnknownSubject
		}
		return Principal{}, fmt.Errorf("loading subject: %w", err)
	}

	return Principal{
		SubjectID: user.ID,
		Role:      user.Role,
		TokenID:   c.TokenID,
		ExpiresAt: c.ExpiresAt,
	}, nil
}

// RequireSignIn enforces authentication on protected routes.
//
// It reads the token from the Authorization header ("Bearer <token>") or,
// failing that, from the "token" HttpOnly cookie. Any verification failure
// (missing, malformed, expired, bad signature, revoked, deleted account)
// answers 401 and the downstream handler never runs. The response does not
// say which failure it was; the log line does.
//
// When the denylist or the user store cannot be reached the caller gets 503
// with Retry-After, since the token itself may be fine.
func (g *Gate) RequireSignIn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := TokenFromRequest(r)
		if raw == "" {
			deny(w, http.StatusUnauthorized, "authentication required")
			return
		}

		p, err := g.Authenticate(r.Context(), raw)
		if err != nil {
			if !isTokenRejection(err) {
				g.logger.Error("sign-in check unavailable",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				w.Header().Set("Retry-After", "1")
				deny(w, http.StatusServiceUnavailable, "service temporarily unavailable, please retry")
				return
			}
			g.logger.Info("sign-in required: token rejected",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			deny(w, http.StatusUnauthorized, "authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// CheckRole permits the request only if the signed-in role is in roles.
//
// It MUST be mounted after RequireSignIn: the role is only trustworthy once
// the token carrying it has been verified. Without a Principal it answers
// 401 rather than guessing.
func CheckRole(roles ...model.Role) func(http.Handler) http.Handler {
	allowed := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !allowed[p.Role] {
				deny(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission is CheckRole driven by the permission table.
func RequirePermission(op Operation) func(http.Handler) http.Handler {
	return CheckRole(RolesFor(op)...)
}

// TokenFromRequest extracts the raw session token, header first.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

func isTokenRejection(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrSignatureMismatch) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrUnknownSubject)
}

// deny writes the same {success:false, message} envelope the handlers use.
// It is duplicated here (instead of importing handler) to keep auth free of
// HTTP-layer dependencies.
func deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}{false, message})
}
