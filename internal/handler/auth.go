package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/service"
)

const stateCookieName = "oauth_state"

// AuthHandler serves the sign-in routes.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRegister       → create a password account
//   - HandleLogin          → check credentials, issue the session token
//   - HandleGoogleAuth     → sign in with a Google assertion posted by the browser
//   - HandleGoogleLogin    → redirect to Google (server-side code flow)
//   - HandleGoogleCallback → receive the code, sign in, redirect to the app
//   - HandleLogout         → revoke (if enabled) and clear the cookie
//   - HandleMe             → return the signed-in user's profile
//
// The token is returned in the response body AND set as an HttpOnly cookie,
// so both API clients (Authorization: Bearer) and browsers work.
type AuthHandler struct {
	svc          *service.AuthService
	google       *auth.GoogleProvider // nil when the code flow is not configured
	secureCookie bool
	logger       *slog.Logger
}

// NewAuthHandler creates an AuthHandler. google may be nil.
func NewAuthHandler(svc *service.AuthService, google *auth.GoogleProvider, secureCookie bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		svc:          svc,
		google:       google,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// HandleRegister creates an account. It does not sign the user in.
//
// HTTP: POST /register  {name, email, password}
// 201 → {success, message, user}
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.svc.Register(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{
		Envelope: Envelope{Success: true, Message: "user registered successfully"},
		User:     newUserView(user),
	})
}

// HandleLogin checks credentials and issues a session token.
//
// HTTP: POST /login  {email, password}
// 200 → {success, message, user, token} + Set-Cookie: token=...
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in service.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Login(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondSignedIn(w, res, "login successful")
}

// HandleGoogleAuth signs in with a Google identity assertion.
//
// HTTP: POST /google-auth  {credential} or {googleId, email, name, picture}
// 200 → {success, message, user, token} + Set-Cookie: token=...
//
// With IDENTITY_MODE=oidc only the signed "credential" is trusted; the
// profile fields are ignored.
func (h *AuthHandler) HandleGoogleAuth(w http.ResponseWriter, r *http.Request) {
	var in auth.IdentityAssertion
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.GoogleAuth(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondSignedIn(w, res, "Google sign-in successful")
}

// HandleGoogleLogin redirects the browser to Google's consent page.
//
// HTTP: GET /google/login
//
// CSRF PROTECTION VIA STATE:
// We generate a random state string and store it in a short-lived cookie.
// When Google calls back, HandleGoogleCallback verifies the state matches.
// This proves the callback was initiated by this server, not a CSRF attacker.
func (h *AuthHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeError(w, apperror.NotFound("route", r.URL.Path))
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10 minutes
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.google.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGoogleCallback completes the server-side OAuth flow.
//
// HTTP: GET /google/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code; the id_token in the response is verified
//  3. Reconcile the identity exactly like POST /google-auth
//  4. Set the session cookie and redirect to the app
func (h *AuthHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeError(w, apperror.NotFound("route", r.URL.Path))
		return
	}

	// --- Step 1: Validate CSRF state ---
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("google callback: state mismatch")
		writeError(w, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}

	// Clear the state cookie — it's single-use
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("google callback: user denied authorization", slog.String("error", errParam))
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}

	// --- Step 2: Exchange code for a verified identity ---
	id, err := h.google.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("google callback: exchange failed", slog.String("error", err.Error()))
		if errors.Is(err, auth.ErrIdentityUpstream) {
			writeError(w, apperror.Upstream("Google is unavailable, please retry"))
			return
		}
		writeError(w, apperror.Unauthorized("Google sign-in could not be verified"))
		return
	}

	// --- Step 3: Reconcile ---
	res, err := h.svc.SignInIdentity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	// --- Step 4: Cookie + redirect ---
	h.setTokenCookie(w, res.Token, res.ExpiresAt)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleLogout signs the client out.
//
// HTTP: GET /logout
//
// Tokens are stateless, so "logout" means the client discards its token;
// we delete the cookie. When a denylist is configured the token id is also
// revoked server-side until the token would have expired anyway, so a
// copied token stops working too.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), auth.TokenFromRequest(r))

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1, // tells the browser to delete the cookie immediately
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "logged out successfully"})
}

// HandleMe returns the currently authenticated user's profile.
//
// HTTP: GET /me
// Auth: RequireSignIn
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("authentication required"))
		return
	}

	user, err := h.svc.GetProfile(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Envelope: Envelope{Success: true},
		User:     newUserView(user),
	})
}

func (h *AuthHandler) respondSignedIn(w http.ResponseWriter, res *service.AuthResult, message string) {
	h.setTokenCookie(w, res.Token, res.ExpiresAt)
	writeJSON(w, http.StatusOK, authResponse{
		Envelope: Envelope{Success: true, Message: message},
		User:     newUserView(res.User),
		Token:    res.Token,
	})
}

// setTokenCookie stores the JWT in an HttpOnly cookie.
// HttpOnly = JavaScript cannot read this cookie (XSS protection).
// SameSite=Lax = sent on top-level navigations but not cross-site POSTs.
func (h *AuthHandler) setTokenCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
