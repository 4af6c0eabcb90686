package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleProvider wraps golang.org/x/oauth2 for the Google Authorization Code flow.
//
// Most clients use Google Identity Services in the browser and post the
// resulting ID token to /google-auth. GoogleProvider is the server-side
// alternative: the browser is redirected to Google, Google redirects back
// with a code, and the server exchanges the code for tokens.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW:
//  1. Redirect the user to Google's authorization endpoint (AuthURL)
//  2. The user approves on Google
//  3. Google redirects to our callback with a short-lived "code"
//  4. Exchange trades the code for tokens (server-to-server, uses ClientSecret)
//  5. The token response carries an "id_token", which we verify exactly like
//     a browser-supplied credential
type GoogleProvider struct {
	config   *oauth2.Config
	verifier *OIDCVerifier
}

// NewGoogleProvider creates a GoogleProvider.
//
// Scopes:
//   - "openid": required to get an id_token back
//   - "email", "profile": the claims we store on the user
func NewGoogleProvider(clientID, clientSecret, callbackURL string, verifier *OIDCVerifier) *GoogleProvider {
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		verifier: verifier,
	}
}

// AuthURL returns the URL to redirect the user to for authorization.
// state is a random value also stored in a cookie (CSRF protection).
func (p *GoogleProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange completes the flow and returns the verified identity.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			// Google answered, and said no (bad or reused code).
			return nil, fmt.Errorf("%w: exchanging code: %v", ErrInvalidAssertion, err)
		}
		return nil, fmt.Errorf("%w: exchanging code: %v", ErrIdentityUpstream, err)
	}

	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: token response has no id_token", ErrInvalidAssertion)
	}
	return p.verifier.verifyRaw(ctx, raw)
}
