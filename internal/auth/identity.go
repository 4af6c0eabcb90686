package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// GoogleIssuer is Google's OpenID Connect issuer URL.
const GoogleIssuer = "https://accounts.google.com"

var (
	// ErrInvalidAssertion: the assertion is missing required claims, is
	// badly signed, expired, or was issued for another audience.
	ErrInvalidAssertion = errors.New("auth: invalid identity assertion")
	// ErrIdentityUpstream: the identity provider could not be reached.
	ErrIdentityUpstream = errors.New("auth: identity provider unavailable")
)

// IdentityAssertion is what the client sends to POST /google-auth.
//
// Credential is the raw Google ID token (the "credential" field returned by
// Google Identity Services). The profile fields are what the browser decoded
// from that token; OIDCVerifier ignores them and reads the verified claims
// instead, ClaimsVerifier trusts them.
type IdentityAssertion struct {
	Credential string `json:"credential,omitempty"`
	Subject    string `json:"googleId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Picture    string `json:"picture"`
}

// Identity is a normalized, verified federated identity.
type Identity struct {
	Subject string
	Email   string // lowercased
	Name    string
	Picture string
}

// IdentityVerifier turns an assertion into a trusted Identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, a IdentityAssertion) (*Identity, error)
}

// normalize trims every field, lowercases the email and enforces the two
// required claims shared by all verifiers.
func normalize(id Identity) (*Identity, error) {
	id.Subject = strings.TrimSpace(id.Subject)
	id.Email = strings.ToLower(strings.TrimSpace(id.Email))
	id.Name = strings.TrimSpace(id.Name)
	id.Picture = strings.TrimSpace(id.Picture)

	if id.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidAssertion)
	}
	if id.Email == "" {
		return nil, fmt.Errorf("%w: missing email", ErrInvalidAssertion)
	}
	return &id, nil
}

// ClaimsVerifier accepts profile claims that were validated before they
// reached this service (e.g. by a gateway). It only checks presence.
//
// Use it only behind such a boundary: on the open internet anybody can post
// {"googleId": "...", "email": "victim@..."} and sign in as the victim.
type ClaimsVerifier struct{}

// Verify implements IdentityVerifier.
func (ClaimsVerifier) Verify(_ context.Context, a IdentityAssertion) (*Identity, error) {
	return normalize(Identity{
		Subject: a.Subject,
		Email:   a.Email,
		Name:    a.Name,
		Picture: a.Picture,
	})
}

// googleClaims are the ID token claims we read.
// https://developers.google.com/identity/openid-connect/openid-connect#an-id-tokens-payload
type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// OIDCVerifier cryptographically verifies a Google ID token.
//
// go-oidc checks, in order: the signature against Google's published JWKS
// (fetched and cached from the discovery document), the issuer, the audience
// (our OAuth client id) and the expiry. We then require email_verified so an
// unverified address can never be linked to an existing local account.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider at issuer and verifies tokens for clientID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	if clientID == "" {
		return nil, errors.New("auth: OIDC client id is required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: discovering OIDC provider %s: %w", issuer, err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// NewOIDCVerifierWithKeySet builds a verifier without discovery. Tests pass
// an oidc.StaticKeySet holding their own signing key.
func NewOIDCVerifierWithKeySet(issuer, clientID string, keys oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: clientID})}
}

// Verify implements IdentityVerifier.
func (v *OIDCVerifier) Verify(ctx context.Context, a IdentityAssertion) (*Identity, error) {
	if a.Credential == "" {
		return nil, fmt.Errorf("%w: missing credential", ErrInvalidAssertion)
	}
	return v.verifyRaw(ctx, a.Credential)
}

func (v *OIDCVerifier) verifyRaw(ctx context.Context, rawIDToken string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		// go-oidc does not export typed errors for "bad token" vs "JWKS fetch
		// failed". A context error is the one case we can tell apart reliably.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrIdentityUpstream, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	var c googleClaims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %v", ErrInvalidAssertion, err)
	}
	if !c.EmailVerified {
		return nil, fmt.Errorf("%w: email not verified", ErrInvalidAssertion)
	}

	return normalize(Identity{
		Subject: idToken.Subject,
		Email:   c.Email,
		Name:    c.Name,
		Picture: c.Picture,
	})
}
