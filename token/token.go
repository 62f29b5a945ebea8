// Package token implements TokenIssuer (C6): building and signing DIRAC
// access tokens, and verifying bearer tokens presented back to this
// server. Grounded on the teacher's JWS signing in server/oauth2.go
// (signPayload/jose.NewSigner) and signature verification in
// storageKeySet.VerifySignature, generalized from OIDC ID tokens to DIRAC's
// own claim set.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/square/go-jose.v2"

	"github.com/diracgrid/dirac-auth/config"
	"github.com/diracgrid/dirac-auth/secrets"
)

// ErrInvalidGroup is returned by Issue when the upstream identity is not a
// member of the requested group.
var ErrInvalidGroup = errors.New("subject is not a member of the requested group")

// ErrInvalidJWT is the single opaque error Verify returns for any
// signature, claim, or expiry failure, matching the spec's "any failure
// yields a single opaque Invalid JWT error" contract.
var ErrInvalidJWT = errors.New("invalid JWT")

// IDToken is the minimal shape of an upstream OIDC identity this server
// consumes.
type IDToken struct {
	Subject           string
	OrganisationName  string
	PreferredUsername string
}

// Claims is the DIRAC access-token payload (component C6's DIRACClaims).
type Claims struct {
	Subject           string   `json:"sub"`
	VO                string   `json:"vo"`
	Audience          string   `json:"aud"`
	Issuer            string   `json:"iss"`
	DiracProperties   []string `json:"dirac_properties"`
	JTI               string   `json:"jti"`
	PreferredUsername string   `json:"preferred_username"`
	DiracGroup        string   `json:"dirac_group"`
	ExpiresAt         int64    `json:"exp"`
	IssuedAt          int64    `json:"iat"`
}

// HasProperty reports whether name is one of the claims' granted
// properties.
func (c Claims) HasProperty(name string) bool {
	for _, p := range c.DiracProperties {
		if p == name {
			return true
		}
	}
	return false
}

// Issuer builds and verifies DIRAC access tokens.
type Issuer struct {
	secrets  *secrets.Provider
	issuer   string
	audience string
	ttl      time.Duration
}

// New builds an Issuer. issuerURL and audience populate the iss/aud claims;
// ttl is the access-token lifetime (default 180000s per spec if zero).
func New(provider *secrets.Provider, issuerURL, audience string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 180_000 * time.Second
	}
	return &Issuer{secrets: provider, issuer: issuerURL, audience: audience, ttl: ttl}
}

// Issue maps an upstream identity plus a requested group into a signed
// DIRAC access token. vo is taken from idToken.OrganisationName; the
// upstream raw subject is mapped to a DIRAC subId via the registry before
// being checked against the group's member list.
func (iss *Issuer) Issue(group string, idToken IDToken, reg *config.Registry) (string, Claims, error) {
	vo := idToken.OrganisationName

	subID, ok := reg.SubjectToSubID(vo, idToken.Subject)
	if !ok {
		return "", Claims{}, ErrInvalidGroup
	}

	voConfig, ok := reg.VOByName(vo)
	if !ok {
		return "", Claims{}, ErrInvalidGroup
	}
	groupConfig, ok := voConfig.Groups[group]
	if !ok || !groupConfig.HasUser(subID) {
		return "", Claims{}, ErrInvalidGroup
	}

	now := time.Now()
	claims := Claims{
		Subject:           vo + ":" + subID,
		VO:                vo,
		Audience:          iss.audience,
		Issuer:            iss.issuer,
		DiracProperties:   groupConfig.Properties,
		JTI:               uuid.New().String(),
		PreferredUsername: idToken.PreferredUsername,
		DiracGroup:        group,
		ExpiresAt:         now.Add(iss.ttl).Unix(),
		IssuedAt:          now.Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to marshal claims: %w", err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: iss.secrets.Algorithm,
		Key:       iss.secrets.Key,
	}, (&jose.SignerOptions{}).WithHeader("kid", iss.secrets.KeyID))
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to build signer: %w", err)
	}
	signature, err := signer.Sign(payload)
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to sign claims: %w", err)
	}
	compact, err := signature.CompactSerialize()
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to serialize signature: %w", err)
	}
	return compact, claims, nil
}

// Verify parses an `Authorization: Bearer …` header value, validates
// signature, iss, aud and exp, and returns the carried Claims. Any failure
// collapses to the single opaque ErrInvalidJWT, matching the spec.
func (iss *Issuer) Verify(authorizationHeader string) (Claims, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return Claims{}, ErrInvalidJWT
	}
	raw := strings.TrimPrefix(authorizationHeader, prefix)

	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return Claims{}, ErrInvalidJWT
	}
	payload, err := jws.Verify(&iss.secrets.Key.PublicKey)
	if err != nil {
		return Claims{}, ErrInvalidJWT
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrInvalidJWT
	}

	if claims.Issuer != iss.issuer || claims.Audience != iss.audience {
		return Claims{}, ErrInvalidJWT
	}
	if claims.Subject == "" || claims.DiracGroup == "" || claims.JTI == "" {
		return Claims{}, ErrInvalidJWT
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return Claims{}, ErrInvalidJWT
	}

	return claims, nil
}
