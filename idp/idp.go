// Package idp implements IdPClient (C5): discovering one upstream OIDC
// identity provider per VO, building its authorization URL, exchanging an
// authorization code for an ID token, and verifying that ID token via the
// provider's JWKS. Grounded on connector/oidc/oidc.go's use of
// github.com/coreos/go-oidc/v3 for provider discovery/verification and
// golang.org/x/oauth2 for the code exchange, generalized from dex's
// local-user login connector to DIRAC's per-VO upstream delegation, and
// restricted to the public-client, PKCE-only shape the spec requires (no
// client secret is ever sent).
package idp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/diracgrid/dirac-auth/config"
	"github.com/diracgrid/dirac-auth/pkce"
	"github.com/diracgrid/dirac-auth/token"
)

// ErrUpstreamUnavailable wraps a 5xx/network failure talking to the
// upstream IdP.
type ErrUpstreamUnavailable struct{ Err error }

func (e *ErrUpstreamUnavailable) Error() string { return "upstream idp unavailable: " + e.Err.Error() }
func (e *ErrUpstreamUnavailable) Unwrap() error { return e.Err }

// ErrInvalidCode is returned when the upstream rejects an authorization
// code (4xx) or the returned ID token fails verification.
type ErrInvalidCode struct{ Reason string }

func (e *ErrInvalidCode) Error() string { return "invalid code: " + e.Reason }

// Client wraps one upstream OIDC provider, lazily discovered and cached
// for the lifetime of the process — grounded on oidcConnector's one-time
// oidc.NewProvider call in Open().
type Client struct {
	vo           string
	cfg          config.IdP
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	provider     *oidc.Provider
	httpClient   *http.Client
}

// New discovers the upstream provider's metadata and builds a Client for
// the given VO; the provider's JWKS is fetched on first ID-token
// verification. cfg.ServerMetadataURL may be either the full
// /.well-known/openid-configuration URL or the issuer URL it hangs off.
// redirectURI is this server's own callback URL for that VO (distinct from
// the DIRAC client's redirect_uri).
func New(ctx context.Context, vo string, cfg config.IdP, redirectURI string, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ctx = oidc.ClientContext(ctx, httpClient)

	issuerURL := strings.TrimSuffix(cfg.ServerMetadataURL, "/.well-known/openid-configuration")
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover idp metadata for vo %q: %w", vo, err)
	}

	return &Client{
		vo:  vo,
		cfg: cfg,
		oauth2Config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			Endpoint:    provider.Endpoint(),
			Scopes:      []string{oidc.ScopeOpenID, "profile"},
			RedirectURL: redirectURI,
		},
		verifier:   provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		provider:   provider,
		httpClient: httpClient,
	}, nil
}

// NewCodeVerifier generates a PKCE code_verifier with at least 256 bits of
// entropy, hex-encoded per the spec.
func NewCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate code_verifier: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BuildAuthorizationURL generates a code_verifier, derives its S256
// challenge, stashes the verifier into stateMap, encodes stateMap via the
// supplied encoder, and composes the upstream authorization URL.
func (c *Client) BuildAuthorizationURL(stateMap map[string]string, encodeState func(map[string]string) (string, error)) (string, error) {
	verifier, err := NewCodeVerifier()
	if err != nil {
		return "", err
	}
	stateMap["code_verifier"] = verifier
	challenge := pkce.Challenge(verifier)

	encodedState, err := encodeState(stateMap)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}

	return c.oauth2Config.AuthCodeURL(encodedState,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
	), nil
}

// ExchangeCode exchanges an authorization code returned by the upstream
// IdP for an ID token, using the code_verifier stashed in stateMap, then
// verifies that ID token.
func (c *Client) ExchangeCode(ctx context.Context, code string, stateMap map[string]string) (token.IDToken, error) {
	ctx = oidc.ClientContext(ctx, c.httpClient)

	verifier, ok := stateMap["code_verifier"]
	if !ok {
		return token.IDToken{}, &ErrInvalidCode{Reason: "no code_verifier stashed in state"}
	}

	oauth2Token, err := c.oauth2Config.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		if isUpstreamServerError(err) {
			return token.IDToken{}, &ErrUpstreamUnavailable{Err: err}
		}
		return token.IDToken{}, &ErrInvalidCode{Reason: err.Error()}
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return token.IDToken{}, &ErrInvalidCode{Reason: "token response had no id_token"}
	}

	return c.VerifyIDToken(ctx, rawIDToken)
}

// VerifyIDToken validates signature, issuer allowlist, audience and VO
// membership (organisation_name) of a raw ID token JWT.
func (c *Client) VerifyIDToken(ctx context.Context, raw string) (token.IDToken, error) {
	idToken, err := c.verifier.Verify(ctx, raw)
	if err != nil {
		return token.IDToken{}, &ErrInvalidCode{Reason: "id_token verification failed: " + err.Error()}
	}

	if len(c.cfg.IssuerAllowlist) > 0 && !contains(c.cfg.IssuerAllowlist, idToken.Issuer) {
		return token.IDToken{}, &ErrInvalidCode{Reason: "issuer not in allowlist: " + idToken.Issuer}
	}

	var claims struct {
		OrganisationName  string `json:"organisation_name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return token.IDToken{}, &ErrInvalidCode{Reason: "failed to decode id_token claims: " + err.Error()}
	}
	if claims.OrganisationName != c.vo {
		return token.IDToken{}, &ErrInvalidCode{Reason: fmt.Sprintf("organisation_name %q does not match vo %q", claims.OrganisationName, c.vo)}
	}

	return token.IDToken{
		Subject:           idToken.Subject,
		OrganisationName:  claims.OrganisationName,
		PreferredUsername: claims.PreferredUsername,
	}, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// isUpstreamServerError approximates an RFC 6749 5xx-vs-4xx distinction
// from the oauth2 package's opaque *oauth2.RetrieveError, which is the only
// structured error it surfaces for a failed token exchange.
func isUpstreamServerError(err error) bool {
	retrieveErr, ok := err.(*oauth2.RetrieveError)
	if !ok {
		return true // network/transport failure: treat as upstream-unavailable.
	}
	return retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500
}
