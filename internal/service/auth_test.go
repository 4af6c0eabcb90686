package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/metrics"
	"github.com/sakif/authcore/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory implementation of repository.UserRepository.
// Using a fake (not a mock framework) keeps tests easy to read: you can see
// exactly what the fake does. It enforces the same uniqueness rules as the
// real stores.
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[string]*model.User // keyed by internal ID
	nextID int

	// err, when set, is returned by every method to simulate a store outage.
	err error
	// beforeCreate runs once inside the next Create, before the uniqueness
	// check. Tests use it to sneak in a competing write.
	beforeCreate func(f *fakeUserRepo)
	// beforeLink runs once inside the next LinkFederatedID.
	beforeLink func(f *fakeUserRepo)
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User)}
}

func (f *fakeUserRepo) insertLocked(u *model.User) {
	f.nextID++
	u.ID = fmt.Sprintf("user-%d", f.nextID)
	u.Email = strings.ToLower(u.Email)
	if u.Role == "" {
		u.Role = model.DefaultRole
	}
	u.CreatedAt = time.Now()
	copied := *u
	f.users[u.ID] = &copied
}

func (f *fakeUserRepo) Create(ctx context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if hook := f.beforeCreate; hook != nil {
		f.beforeCreate = nil
		hook(f)
	}
	if u.Account == nil {
		return model.ErrNoAuthMethod
	}
	fed, hasFed := u.FederatedID()
	for _, existing := range f.users {
		if existing.Email == strings.ToLower(u.Email) {
			return apperror.Conflict("email", "email already registered")
		}
		if other, ok := existing.FederatedID(); hasFed && ok && other == fed {
			return apperror.Conflict("federatedId", "Google account already linked")
		}
	}
	f.insertLocked(u)
	return nil
}

func (f *fakeUserRepo) find(match func(*model.User) bool, key string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.users {
		if match(u) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, apperror.NotFound("user", key)
}

func (f *fakeUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.ID == id }, id)
}

func (f *fakeUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return f.find(func(u *model.User) bool { return u.Email == email }, email)
}

func (f *fakeUserRepo) FindByFederatedID(ctx context.Context, fedID string) (*model.User, error) {
	return f.find(func(u *model.User) bool {
		got, ok := u.FederatedID()
		return ok && got == fedID
	}, fedID)
}

func (f *fakeUserRepo) LinkFederatedID(ctx context.Context, userID, fedID, picture string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if hook := f.beforeLink; hook != nil {
		f.beforeLink = nil
		hook(f)
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, apperror.NotFound("user", userID)
	}
	for _, other := range f.users {
		if got, ok := other.FederatedID(); ok && got == fedID {
			return nil, apperror.Conflict("federatedId", "Google account already linked")
		}
	}
	acc, err := model.Link(u.Account, fedID)
	if err != nil {
		return nil, apperror.Conflict("federatedId", "already linked")
	}
	u.Account = acc
	if u.PictureURL == "" {
		u.PictureURL = picture
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) List(ctx context.Context) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	users := []model.User{}
	for _, u := range f.users {
		users = append(users, *u)
	}
	return users, nil
}

func (f *fakeUserRepo) DeleteAll(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	n := int64(len(f.users))
	f.users = make(map[string]*model.User)
	return n, nil
}

func (f *fakeUserRepo) Ping(ctx context.Context) error { return f.err }

func (f *fakeUserRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// fakeVerifier returns a fixed identity or error.
type fakeVerifier struct {
	id  *auth.Identity
	err error
}

func (v fakeVerifier) Verify(ctx context.Context, a auth.IdentityAssertion) (*auth.Identity, error) {
	return v.id, v.err
}

type testEnv struct {
	svc     *AuthService
	repo    *fakeUserRepo
	tokens  *auth.TokenService
	deny    *auth.MemoryDenylist
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, verifier auth.IdentityVerifier) *testEnv {
	t.Helper()
	if verifier == nil {
		verifier = auth.ClaimsVerifier{}
	}
	tokens, err := auth.NewTokenService("test-secret-at-least-16-chars")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	env := &testEnv{
		repo:    newFakeUserRepo(),
		tokens:  tokens,
		deny:    auth.NewMemoryDenylist(time.Hour),
		metrics: metrics.New(),
	}
	env.svc = NewAuthService(env.repo, auth.NewPasswordServiceForTest(), tokens, verifier, logger,
		WithDenylist(env.deny),
		WithMetrics(env.metrics),
	)
	return env
}

func (e *testEnv) register(t *testing.T, name, email, password string) *model.User {
	t.Helper()
	u, err := e.svc.Register(context.Background(), RegisterInput{Name: name, Email: email, Password: password})
	require.NoError(t, err)
	return u
}

func googleAssertion(sub, email string) auth.IdentityAssertion {
	return auth.IdentityAssertion{Subject: sub, Email: email, Name: "Gee", Picture: "https://img/g.png"}
}

// =========================================================================
// REGISTER
// =========================================================================

func TestRegister_NormalizesEmailAndDefaultsRole(t *testing.T) {
	env := newTestEnv(t, nil)

	u := env.register(t, "Ann", "ANN@X.com", "password1")

	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "ann@x.com", u.Email)
	assert.Equal(t, model.RoleUser, u.Role)
	assert.Equal(t, model.KindLocal, u.Account.Kind())

	hash, ok := u.PasswordHash()
	require.True(t, ok)
	assert.NotContains(t, hash, "password1")
}

func TestRegister_DistinctEmailsGetDistinctIDs(t *testing.T) {
	env := newTestEnv(t, nil)

	seen := map[string]bool{}
	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		u := env.register(t, "n", email, "password1")
		assert.False(t, seen[u.ID], "duplicate id %s", u.ID)
		seen[u.ID] = true
	}
}

func TestRegister_DuplicateEmailCaseInsensitive(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "Ann", "ann@x.com", "password1")

	_, err := env.svc.Register(context.Background(), RegisterInput{Name: "Ann 2", Email: "ANN@X.COM", Password: "password2"})

	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, "email", apperror.FieldOf(err))
	assert.Equal(t, 1, env.repo.count())
}

func TestRegister_ConflictFromStoreRace(t *testing.T) {
	env := newTestEnv(t, nil)
	// Another request registers the same email between the lookup and the insert.
	env.repo.beforeCreate = func(f *fakeUserRepo) {
		f.insertLocked(&model.User{Name: "winner", Email: "race@x.com", Account: model.LocalAccount{Hash: "h"}})
	}

	_, err := env.svc.Register(context.Background(), RegisterInput{Name: "loser", Email: "race@x.com", Password: "password1"})

	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, msgEmailExists, err.Error())
}

func TestRegister_ConcurrentSameEmail(t *testing.T) {
	env := newTestEnv(t, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Register(context.Background(), RegisterInput{Name: "n", Email: "same@x.com", Password: "password1"})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperror.ErrConflict)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, env.repo.count())
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name      string
		in        RegisterInput
		wantField string
	}{
		{"empty name", RegisterInput{Name: "  ", Email: "a@x.com", Password: "password1"}, "name"},
		{"long name", RegisterInput{Name: strings.Repeat("n", MaxNameLength+1), Email: "a@x.com", Password: "password1"}, "name"},
		{"missing email", RegisterInput{Name: "A", Password: "password1"}, "email"},
		{"malformed email", RegisterInput{Name: "A", Email: "not-an-email", Password: "password1"}, "email"},
		{"display-name email", RegisterInput{Name: "A", Email: "Ann <ann@x.com>", Password: "password1"}, "email"},
		{"short password", RegisterInput{Name: "A", Email: "a@x.com", Password: "short"}, "password"},
		{"seven characters", RegisterInput{Name: "A", Email: "a@x.com", Password: "1234567"}, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			_, err := env.svc.Register(context.Background(), tt.in)

			require.ErrorIs(t, err, apperror.ErrValidation)
			assert.Equal(t, tt.wantField, apperror.FieldOf(err))
			assert.Equal(t, 0, env.repo.count())
		})
	}
}

func TestRegister_StoreFailureIsUpstream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.repo.err = errors.New("disk I/O error at /var/lib/db")

	_, err := env.svc.Register(context.Background(), RegisterInput{Name: "A", Email: "a@x.com", Password: "password1"})

	require.ErrorIs(t, err, apperror.ErrUpstream)
	assert.NotContains(t, err.Error(), "disk", "internal detail leaked to caller")
}

// =========================================================================
// LOGIN
// =========================================================================

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.register(t, "Ann", "ANN@X.com", "password1")

	res, err := env.svc.Login(context.Background(), LoginInput{Email: "ann@x.com", Password: "password1"})
	require.NoError(t, err)

	assert.Equal(t, u.ID, res.User.ID)
	claims, err := env.tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.SubjectID)
	assert.Equal(t, model.RoleUser, claims.Role)
	assert.True(t, res.ExpiresAt.After(time.Now()))
	assert.True(t, res.ExpiresAt.Equal(claims.ExpiresAt), "cookie expiry %v must equal token exp %v", res.ExpiresAt, claims.ExpiresAt)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "Ann", "ann@x.com", "password1")
	_, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "fed@x.com"))
	require.NoError(t, err)

	cases := map[string]LoginInput{
		"wrong password": {Email: "ann@x.com", Password: "password2"},
		"unknown email":  {Email: "nobody@x.com", Password: "password1"},
		"federated only": {Email: "fed@x.com", Password: "password1"},
	}

	var messages []string
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.svc.Login(context.Background(), in)
			require.ErrorIs(t, err, apperror.ErrUnauthorized)
			messages = append(messages, err.Error())
		})
	}

	require.Len(t, messages, 3)
	assert.Equal(t, messages[0], messages[1])
	assert.Equal(t, messages[1], messages[2])
}

func TestLogin_MissingFields(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.Login(context.Background(), LoginInput{Email: "a@x.com"})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestLogin_TooLongPasswordIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "Ann", "ann@x.com", "password1")

	_, err := env.svc.Login(context.Background(), LoginInput{Email: "ann@x.com", Password: strings.Repeat("p", auth.MaxPasswordLength+1)})
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestLogin_StoreFailureIsUpstream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.repo.err = errors.New("connection refused")

	_, err := env.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "password1"})
	assert.ErrorIs(t, err, apperror.ErrUpstream)
}

func TestLogin_UsesCurrentRole(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _, err := env.svc.EnsureAdmin(context.Background(), "Root", "root@x.com", "rootpassword")
	require.NoError(t, err)

	res, err := env.svc.Login(context.Background(), LoginInput{Email: "root@x.com", Password: "rootpassword"})
	require.NoError(t, err)

	claims, err := env.tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, claims.Role)
}

// =========================================================================
// GOOGLE AUTH
// =========================================================================

func TestGoogleAuth_CreatesFederatedUser(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "Gee@X.com"))
	require.NoError(t, err)

	assert.Equal(t, "gee@x.com", res.User.Email)
	assert.Equal(t, "https://img/g.png", res.User.PictureURL)
	assert.Equal(t, model.KindFederated, res.User.Account.Kind())
	_, hasPassword := res.User.PasswordHash()
	assert.False(t, hasPassword)

	claims, err := env.tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.SubjectID)
}

func TestGoogleAuth_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	first, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "gee@x.com"))
	require.NoError(t, err)
	second, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "gee@x.com"))
	require.NoError(t, err)

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, 1, env.repo.count())
}

func TestGoogleAuth_LinksExistingLocalAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	local := env.register(t, "A", "a@x.com", "password1")

	res, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-new", "A@x.com"))
	require.NoError(t, err)

	assert.Equal(t, local.ID, res.User.ID)
	assert.Equal(t, 1, env.repo.count())

	stored, err := env.repo.FindByID(context.Background(), local.ID)
	require.NoError(t, err)
	assert.Equal(t, model.KindLinked, stored.Account.Kind())
	fed, _ := stored.FederatedID()
	assert.Equal(t, "g-new", fed)

	// The password still works after linking.
	_, err = env.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "password1"})
	assert.NoError(t, err)
}

func TestGoogleAuth_FederatedIDTakesPriorityOverEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	first, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "old@x.com"))
	require.NoError(t, err)
	env.register(t, "Other", "new@x.com", "password1")

	// The Google account now reports a different email that belongs to
	// another local user. The federated id wins; nothing is relinked.
	res, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "new@x.com"))
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, res.User.ID)
}

func TestGoogleAuth_EmailLinkedToDifferentSubject(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "gee@x.com"))
	require.NoError(t, err)

	_, err = env.svc.GoogleAuth(context.Background(), googleAssertion("g-2", "gee@x.com"))

	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, 1, env.repo.count())
}

func TestGoogleAuth_RetriesAfterLosingCreateRace(t *testing.T) {
	env := newTestEnv(t, nil)
	var winnerID string
	env.repo.beforeCreate = func(f *fakeUserRepo) {
		w := &model.User{Name: "Gee", Email: "gee@x.com", Account: model.FederatedAccount{Subject: "g-1"}}
		f.insertLocked(w)
		winnerID = w.ID
	}

	res, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "gee@x.com"))
	require.NoError(t, err)

	assert.Equal(t, winnerID, res.User.ID)
	assert.Equal(t, 1, env.repo.count())
}

func TestGoogleAuth_AccountDeletedBeforeLinkIsRecreated(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "Ann", "ann@x.com", "password1")
	env.repo.beforeLink = func(f *fakeUserRepo) {
		f.users = make(map[string]*model.User)
	}

	res, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-ann", "ann@x.com"))

	require.NoError(t, err, "a vanished account must not surface as NotFound")
	_, hasPassword := res.User.PasswordHash()
	assert.False(t, hasPassword)
	fed, _ := res.User.FederatedID()
	assert.Equal(t, "g-ann", fed)
	assert.Equal(t, 1, env.repo.count())
}

func TestSignInIdentity_PersistentNotFoundIsUpstream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "Ann", "ann@x.com", "password1")
	// Every link misses the id while lookups by email still succeed, so
	// the retry cannot converge.
	var moveAway func(f *fakeUserRepo)
	moveAway = func(f *fakeUserRepo) {
		moved := make(map[string]*model.User, len(f.users))
		for key, u := range f.users {
			moved["moved-"+key] = u
		}
		f.users = moved
		f.beforeLink = moveAway
	}
	env.repo.beforeLink = moveAway

	_, err := env.svc.SignInIdentity(context.Background(), &auth.Identity{Subject: "g-ann", Email: "ann@x.com"})

	require.ErrorIs(t, err, apperror.ErrUpstream)
	assert.NotErrorIs(t, err, apperror.ErrNotFound)
}

func TestGoogleAuth_MissingClaimsRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, a := range []auth.IdentityAssertion{
		{Email: "gee@x.com"},
		{Subject: "g-1"},
	} {
		_, err := env.svc.GoogleAuth(context.Background(), a)
		assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	}
	assert.Equal(t, 0, env.repo.count())
}

func TestGoogleAuth_VerifierOutageIsUpstream(t *testing.T) {
	env := newTestEnv(t, fakeVerifier{err: fmt.Errorf("%w: dial tcp: timeout", auth.ErrIdentityUpstream)})

	_, err := env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "gee@x.com"))

	require.ErrorIs(t, err, apperror.ErrUpstream)
	assert.NotContains(t, err.Error(), "dial tcp")
}

func TestGoogleAuth_UsesVerifiedClaims(t *testing.T) {
	// The verifier's identity wins over whatever the client posted.
	env := newTestEnv(t, fakeVerifier{id: &auth.Identity{Subject: "verified-sub", Email: "real@x.com", Name: "Real"}})

	res, err := env.svc.GoogleAuth(context.Background(), googleAssertion("forged-sub", "victim@x.com"))
	require.NoError(t, err)

	assert.Equal(t, "real@x.com", res.User.Email)
	fed, _ := res.User.FederatedID()
	assert.Equal(t, "verified-sub", fed)
}

func TestGoogleAuth_NameFallsBackToEmailLocalPart(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.svc.GoogleAuth(context.Background(), auth.IdentityAssertion{Subject: "g-9", Email: "jo@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "jo", res.User.Name)
}

// =========================================================================
// LOGOUT
// =========================================================================

func TestLogout_RevokesToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "A", "a@x.com", "password1")
	res, err := env.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "password1"})
	require.NoError(t, err)

	assert.True(t, env.svc.Logout(context.Background(), res.Token))

	claims, err := env.tokens.Verify(res.Token)
	require.NoError(t, err)
	revoked, err := env.deny.IsRevoked(context.Background(), claims.TokenID)
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.TokensRevoked))
}

func TestLogout_NoTokenOrInvalidTokenIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.False(t, env.svc.Logout(context.Background(), ""))
	assert.False(t, env.svc.Logout(context.Background(), "not-a-token"))
}

func TestLogout_WithoutDenylist(t *testing.T) {
	tokens, err := auth.NewTokenService("test-secret-at-least-16-chars")
	require.NoError(t, err)
	svc := NewAuthService(newFakeUserRepo(), auth.NewPasswordServiceForTest(), tokens, auth.ClaimsVerifier{},
		slog.New(slog.NewTextHandler(os.Stderr, nil)))

	tok, _ := tokens.Issue("u-1", model.RoleUser)
	assert.False(t, svc.Logout(context.Background(), tok))
}

// =========================================================================
// ADMIN OPERATIONS
// =========================================================================

func TestListUsers_RequiresPermission(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "A", "a@x.com", "password1")

	_, err := env.svc.ListUsers(context.Background(), auth.Principal{SubjectID: "x", Role: model.RoleUser})
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	users, err := env.svc.ListUsers(context.Background(), auth.Principal{SubjectID: "x", Role: model.RoleAdmin})
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestDeleteAllUsers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "A", "a@x.com", "password1")
	env.register(t, "B", "b@x.com", "password1")

	_, err := env.svc.DeleteAllUsers(context.Background(), auth.Principal{Role: model.RoleGuest})
	require.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Equal(t, 2, env.repo.count())

	n, err := env.svc.DeleteAllUsers(context.Background(), auth.Principal{Role: model.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0, env.repo.count())
}

func TestGetProfile(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.register(t, "A", "a@x.com", "password1")

	got, err := env.svc.GetProfile(context.Background(), auth.Principal{SubjectID: u.ID, Role: model.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Email)

	_, err = env.svc.GetProfile(context.Background(), auth.Principal{SubjectID: "gone", Role: model.RoleUser})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// BOOTSTRAP ADMIN
// =========================================================================

func TestEnsureAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	admin, created, err := env.svc.EnsureAdmin(ctx, "", "Root@X.com", "rootpassword")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.RoleAdmin, admin.Role)
	assert.Equal(t, "Administrator", admin.Name)

	again, created, err := env.svc.EnsureAdmin(ctx, "", "root@x.com", "rootpassword")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, admin.ID, again.ID)
}

func TestEnsureAdmin_RefusesToPromoteExistingUser(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "A", "a@x.com", "password1")

	_, _, err := env.svc.EnsureAdmin(context.Background(), "A", "a@x.com", "password1")
	assert.Error(t, err)
}

// =========================================================================
// METRICS
// =========================================================================

func TestOutcomesAreCounted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "A", "a@x.com", "password1")
	_, _ = env.svc.Register(context.Background(), RegisterInput{Name: "A", Email: "a@x.com", Password: "password1"})
	_, _ = env.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "nope-nope"})

	m := env.metrics.AuthAttempts
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WithLabelValues(opRegister, metrics.OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WithLabelValues(opRegister, metrics.OutcomeConflict)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WithLabelValues(opLogin, metrics.OutcomeUnauthorized)))
}

func TestSignInIdentity_CountsOutcome(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.SignInIdentity(context.Background(), &auth.Identity{Subject: "g-1", Email: "gee@x.com", Name: "Gee"})
	require.NoError(t, err)
	_, err = env.svc.GoogleAuth(context.Background(), googleAssertion("g-1", "gee@x.com"))
	require.NoError(t, err)

	// One count per sign-in, whichever entry point was used.
	m := env.metrics.AuthAttempts
	assert.Equal(t, float64(2), testutil.ToFloat64(m.WithLabelValues(opGoogle, metrics.OutcomeSuccess)))
}
