// Package service — authentication business logic.
//
// AuthService is the business logic layer for authentication. It sits between
// the HTTP handlers and the repository/auth utilities:
//
//	AuthHandler (HTTP) → AuthService (business rules) → UserRepository (DB)
//	                   ↘ PasswordService, TokenService, IdentityVerifier
//
// KEY RESPONSIBILITIES:
//   - Register and Login with email + password
//   - Reconcile Google identities with local accounts (GoogleAuth)
//   - Gate the administrative operations through the permission table
//   - Turn store and identity-provider failures into apperror.Upstream,
//     after logging the real cause
//
// The service never writes to storage except through UserRepository, and it
// never holds locks: two concurrent registrations for the same email are
// serialised by the store's unique index, and the loser gets a Conflict.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/metrics"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

// MaxNameLength bounds display names, counted in characters.
const MaxNameLength = 100

// Client-facing messages. Login failures all share one message so the
// response never says whether the email exists.
const (
	msgInvalidCredentials = "invalid email or password"
	msgEmailExists        = "email already registered"
	msgUpstream           = "service temporarily unavailable, please retry"
	msgInvalidIdentity    = "Google sign-in could not be verified"
)

// Operation names used as the "operation" metric label.
const (
	opRegister  = "register"
	opLogin     = "login"
	opGoogle    = "google"
	opLogout    = "logout"
	opListUsers = "list_users"
	opDeleteAll = "delete_all"
)

// AuthService handles the authentication business logic.
//
// DEPENDENCIES (injected via NewAuthService):
//   - users      repository.UserRepository  → read/write user records
//   - passwords  *auth.PasswordService      → argon2id hashing
//   - tokens     *auth.TokenService         → issue/verify session JWTs
//   - identity   auth.IdentityVerifier      → Google assertion checks
//   - denylist   auth.Denylist              → optional, logout revocation
//   - metrics    *metrics.Metrics           → optional, outcome counters
//   - logger     *slog.Logger               → structured logging
type AuthService struct {
	users     repository.UserRepository
	passwords *auth.PasswordService
	tokens    *auth.TokenService
	identity  auth.IdentityVerifier
	denylist  auth.Denylist
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures optional AuthService dependencies.
type Option func(*AuthService)

// WithDenylist enables server-side revocation on Logout.
func WithDenylist(d auth.Denylist) Option {
	return func(s *AuthService) { s.denylist = d }
}

// WithMetrics records every outcome in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *AuthService) { s.metrics = m }
}

// NewAuthService creates an AuthService with all required dependencies.
// Call this in server.go (or main.go) when wiring the dependency graph.
func NewAuthService(
	users repository.UserRepository,
	passwords *auth.PasswordService,
	tokens *auth.TokenService,
	identity auth.IdentityVerifier,
	logger *slog.Logger,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		users:     users,
		passwords: passwords,
		tokens:    tokens,
		identity:  identity,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterInput is the body of POST /register.
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginInput is the body of POST /login.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is returned by the operations that sign a user in.
// It bundles the user record and the issued JWT together so the caller
// (the HTTP handler) can set the cookie and respond in one step.
type AuthResult struct {
	User      *model.User
	Token     string
	ExpiresAt time.Time
}

// Register creates a password account with the default role.
//
// It does NOT sign the user in: the client calls Login afterwards.
//
// WHY CHECK FindByEmail IF THE INDEX REJECTS DUPLICATES ANYWAY?
// The lookup lets the common case fail before paying for an argon2 hash.
// It is not what guarantees uniqueness; the Create below is. A racing
// registration that slips between the two still gets a Conflict from the
// store, mapped to the same message.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (user *model.User, err error) {
	defer func() { s.record(opRegister, err) }()

	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)

	if name == "" {
		return nil, apperror.ValidationFailed("name", "name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, apperror.ValidationFailed("name", fmt.Sprintf("name must be at most %d characters", MaxNameLength))
	}
	if !validEmail(email) {
		return nil, apperror.ValidationFailed("email", "a valid email address is required")
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return nil, passwordValidation(err)
	}

	switch _, err := s.users.FindByEmail(ctx, email); {
	case err == nil:
		return nil, apperror.Conflict("email", msgEmailExists)
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, s.upstream(ctx, opRegister, err)
	}

	hash, err := s.passwords.Hash(ctx, in.Password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	user = &model.User{
		Name:    name,
		Email:   email,
		Role:    model.DefaultRole,
		Account: model.LocalAccount{Hash: hash},
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.Conflict("email", msgEmailExists)
		}
		return nil, s.upstream(ctx, opRegister, err)
	}

	s.logger.InfoContext(ctx, "user registered",
		slog.String("userID", user.ID),
		slog.String("email", user.Email),
	)
	return user, nil
}

// Login checks an email + password pair and issues a session token.
//
// Unknown email, federated-only account and wrong password all return the
// same Unauthorized message, and the first two still spend a hash
// verification so response time does not tell them apart either.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (result *AuthResult, err error) {
	defer func() { s.record(opLogin, err) }()

	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, apperror.ValidationFailed("email", "email and password are required")
	}
	if len(in.Password) > auth.MaxPasswordLength {
		return nil, apperror.Unauthorized(msgInvalidCredentials)
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.passwords.VerifyDummy(ctx, in.Password)
			return nil, apperror.Unauthorized(msgInvalidCredentials)
		}
		return nil, s.upstream(ctx, opLogin, err)
	}

	hash, ok := user.PasswordHash()
	if !ok {
		// Federated-only account: same answer as a wrong password.
		s.passwords.VerifyDummy(ctx, in.Password)
		return nil, apperror.Unauthorized(msgInvalidCredentials)
	}

	match, err := s.passwords.Verify(ctx, hash, in.Password)
	if err != nil {
		s.logger.ErrorContext(ctx, "password verification failed",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("service/auth: verifying password for %s: %w", user.ID, err)
	}
	if !match {
		return nil, apperror.Unauthorized(msgInvalidCredentials)
	}

	return s.issue(ctx, user, "password")
}

// GoogleAuth signs in with a Google identity, creating or linking the
// account as needed.
//
// IDENTITY RECONCILIATION (priority order matters):
//  1. A user with this federated id exists → sign them in.
//  2. Else a user with this email exists and has no federated id → link the
//     Google id to that account, then sign in. No duplicate is created.
//  3. Else create a Google-only user (no password).
//
// A user found by email that is already linked to a DIFFERENT Google id is
// a Conflict; silently relinking would let one Google account take over
// another's record.
//
// Steps 2 and 3 can lose a race to a concurrent GoogleAuth for the same
// person. The store reports that as a Conflict, and one retry from step 1
// then finds the winner's record.
func (s *AuthService) GoogleAuth(ctx context.Context, assertion auth.IdentityAssertion) (result *AuthResult, err error) {
	defer func() { s.record(opGoogle, err) }()

	id, err := s.identity.Verify(ctx, assertion)
	if err != nil {
		if errors.Is(err, auth.ErrIdentityUpstream) {
			return nil, s.upstream(ctx, opGoogle, err)
		}
		s.logger.InfoContext(ctx, "google assertion rejected", slog.String("error", err.Error()))
		return nil, apperror.Unauthorized(msgInvalidIdentity)
	}

	return s.signInIdentity(ctx, id)
}

// SignInIdentity runs the reconciliation for an already verified identity.
// The server-side OAuth callback uses it after GoogleProvider.Exchange.
func (s *AuthService) SignInIdentity(ctx context.Context, id *auth.Identity) (result *AuthResult, err error) {
	defer func() { s.record(opGoogle, err) }()
	return s.signInIdentity(ctx, id)
}

// signInIdentity retries reconcile once when it loses a race: a Conflict
// means another request created or linked first, a NotFound means the
// account was deleted between lookup and link. Either way the next pass
// sees the new state.
func (s *AuthService) signInIdentity(ctx context.Context, id *auth.Identity) (*AuthResult, error) {
	var (
		user *model.User
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		user, err = s.reconcile(ctx, id)
		if err == nil || !retryable(err) {
			break
		}
	}
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && !errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		return nil, s.upstream(ctx, opGoogle, err)
	}
	return s.issue(ctx, user, "google")
}

func retryable(err error) bool {
	return errors.Is(err, apperror.ErrConflict) || errors.Is(err, apperror.ErrNotFound)
}

func (s *AuthService) reconcile(ctx context.Context, id *auth.Identity) (*model.User, error) {
	// 1. by federated id
	user, err := s.users.FindByFederatedID(ctx, id.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}

	// 2. by email, then link
	user, err = s.users.FindByEmail(ctx, id.Email)
	switch {
	case err == nil:
		// model.Link decides linkability: only a password-only account
		// may take a Google id. The store repeats the check atomically.
		if _, err := model.Link(user.Account, id.Subject); err != nil {
			if errors.Is(err, model.ErrAlreadyFederated) {
				return nil, apperror.Conflict("email", "this email is linked to a different Google account")
			}
			return nil, err
		}
		linkedUser, err := s.users.LinkFederatedID(ctx, user.ID, id.Subject, id.Picture)
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "google identity linked to existing account",
			slog.String("userID", linkedUser.ID),
		)
		return linkedUser, nil
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, err
	}

	// 3. create
	name := id.Name
	if name == "" {
		name, _, _ = strings.Cut(id.Email, "@")
	}
	user = &model.User{
		Name:       name,
		Email:      id.Email,
		PictureURL: id.Picture,
		Role:       model.DefaultRole,
		Account:    model.FederatedAccount{Subject: id.Subject},
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "user registered via google", slog.String("userID", user.ID))
	return user, nil
}

// Logout revokes rawToken until its natural expiry when a denylist is
// configured. It reports whether a revocation was written.
//
// Logout always succeeds from the client's point of view: the handler
// clears the cookie regardless. A token that does not verify has nothing
// worth revoking.
func (s *AuthService) Logout(ctx context.Context, rawToken string) bool {
	if s.denylist == nil || rawToken == "" {
		s.record(opLogout, nil)
		return false
	}

	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		s.record(opLogout, nil)
		return false
	}

	if err := s.denylist.Revoke(ctx, claims.TokenID, claims.ExpiresAt); err != nil {
		s.logger.ErrorContext(ctx, "token revocation failed",
			slog.String("userID", claims.SubjectID),
			slog.String("error", err.Error()),
		)
		s.record(opLogout, err)
		return false
	}

	s.metrics.TokenRevoked()
	s.record(opLogout, nil)
	return true
}

// GetProfile returns the signed-in user's own record.
func (s *AuthService) GetProfile(ctx context.Context, actor auth.Principal) (*model.User, error) {
	if !auth.Can(actor.Role, auth.OpViewProfile) {
		return nil, apperror.Forbidden("insufficient permissions")
	}
	user, err := s.users.FindByID(ctx, actor.SubjectID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		return nil, s.upstream(ctx, "get_profile", err)
	}
	return user, nil
}

// ListUsers returns every user. Only roles granted OpListUsers may call it.
func (s *AuthService) ListUsers(ctx context.Context, actor auth.Principal) (users []model.User, err error) {
	defer func() { s.record(opListUsers, err) }()

	if !auth.Can(actor.Role, auth.OpListUsers) {
		return nil, apperror.Forbidden("insufficient permissions")
	}
	users, err = s.users.List(ctx)
	if err != nil {
		return nil, s.upstream(ctx, opListUsers, err)
	}
	return users, nil
}

// DeleteAllUsers removes every user, including the caller.
func (s *AuthService) DeleteAllUsers(ctx context.Context, actor auth.Principal) (n int64, err error) {
	defer func() { s.record(opDeleteAll, err) }()

	if !auth.Can(actor.Role, auth.OpDeleteAllUsers) {
		return 0, apperror.Forbidden("insufficient permissions")
	}
	n, err = s.users.DeleteAll(ctx)
	if err != nil {
		return 0, s.upstream(ctx, opDeleteAll, err)
	}

	s.logger.WarnContext(ctx, "all users deleted",
		slog.String("actorID", actor.SubjectID),
		slog.Int64("count", n),
	)
	return n, nil
}

// EnsureAdmin creates the bootstrap admin account if no user owns email.
//
// Registration only ever creates RoleUser accounts, so without this seed
// there would be no way to reach the admin routes on a fresh database.
// An existing admin with that email is left untouched; an existing
// non-admin is an error, because silently promoting it is not safe.
func (s *AuthService) EnsureAdmin(ctx context.Context, name, email, password string) (*model.User, bool, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return nil, false, apperror.ValidationFailed("email", "bootstrap admin email is invalid")
	}

	existing, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Role != model.RoleAdmin {
			return nil, false, fmt.Errorf("service/auth: bootstrap email %s belongs to a %s account", email, existing.Role)
		}
		return existing, false, nil
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, false, fmt.Errorf("service/auth: looking up bootstrap admin: %w", err)
	}

	if err := auth.ValidatePassword(password); err != nil {
		return nil, false, passwordValidation(err)
	}
	hash, err := s.passwords.Hash(ctx, password)
	if err != nil {
		return nil, false, fmt.Errorf("service/auth: hashing bootstrap password: %w", err)
	}

	if name = strings.TrimSpace(name); name == "" {
		name = "Administrator"
	}
	admin := &model.User{
		Name:    name,
		Email:   email,
		Role:    model.RoleAdmin,
		Account: model.LocalAccount{Hash: hash},
	}
	if err := s.users.Create(ctx, admin); err != nil {
		return nil, false, fmt.Errorf("service/auth: creating bootstrap admin: %w", err)
	}

	s.logger.InfoContext(ctx, "bootstrap admin created", slog.String("userID", admin.ID))
	return admin, true, nil
}

// issue signs a token for user with its CURRENT role.
func (s *AuthService) issue(ctx context.Context, user *model.User, method string) (*AuthResult, error) {
	token, expiresAt, err := s.tokens.IssueSession(user.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for user %s: %w", user.ID, err)
	}

	s.logger.InfoContext(ctx, "user authenticated",
		slog.String("userID", user.ID),
		slog.String("method", method),
	)
	return &AuthResult{
		User:      user,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// upstream logs the real cause and returns the generic retryable error.
func (s *AuthService) upstream(ctx context.Context, op string, err error) error {
	s.logger.ErrorContext(ctx, "upstream failure",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return apperror.Upstream(msgUpstream)
}

func (s *AuthService) record(op string, err error) {
	s.metrics.AuthAttempt(op, outcomeOf(err))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, apperror.ErrValidation):
		return metrics.OutcomeInvalid
	case errors.Is(err, apperror.ErrConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, apperror.ErrUnauthorized):
		return metrics.OutcomeUnauthorized
	case errors.Is(err, apperror.ErrForbidden):
		return metrics.OutcomeForbidden
	default:
		return metrics.OutcomeError
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validEmail accepts a bare address only: "Ann <ann@x.com>" parses but is
// not what a sign-up form should store.
func validEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email, "@")
}

func passwordValidation(err error) error {
	switch {
	case errors.Is(err, auth.ErrPasswordTooShort):
		return apperror.ValidationFailed("password", fmt.Sprintf("password must be at least %d characters", auth.MinPasswordLength))
	case errors.Is(err, auth.ErrPasswordTooLong):
		return apperror.ValidationFailed("password", fmt.Sprintf("password must be at most %d bytes", auth.MaxPasswordLength))
	default:
		return apperror.ValidationFailed("password", "invalid password")
	}
}
