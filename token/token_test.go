package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/diracgrid/dirac-auth/config"
	"github.com/diracgrid/dirac-auth/secrets"
)

func testRegistry() *config.Registry {
	return &config.Registry{
		VOs: map[string]config.VO{
			"lhcb": {
				Groups: map[string]config.Group{
					"lhcb_user": {Users: []string{"chaen"}, Properties: []string{"NormalUser"}},
				},
				Users: map[string]string{
					"b824d4dc-1234-46041": "chaen",
				},
			},
		},
	}
}

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	provider, err := secrets.Ephemeral("test-key")
	require.NoError(t, err)
	return New(provider, "https://auth.dirac.example", "dirac", time.Minute)
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	iss := testIssuer(t)
	reg := testRegistry()

	idToken := IDToken{Subject: "b824d4dc-1234-46041", OrganisationName: "lhcb", PreferredUsername: "chaen"}
	compact, claims, err := iss.Issue("lhcb_user", idToken, reg)
	require.NoError(t, err)
	require.NotEmpty(t, compact)
	require.Equal(t, "lhcb:chaen", claims.Subject)
	require.Equal(t, "lhcb_user", claims.DiracGroup)
	require.Equal(t, "lhcb", claims.VO)
	require.Equal(t, []string{"NormalUser"}, claims.DiracProperties)

	verified, err := iss.Verify("Bearer " + compact)
	require.NoError(t, err)
	require.Equal(t, claims.Subject, verified.Subject)
	require.Equal(t, claims.JTI, verified.JTI)
}

func TestIssueRejectsUserNotInGroup(t *testing.T) {
	iss := testIssuer(t)
	reg := testRegistry()

	idToken := IDToken{Subject: "unknown-sub", OrganisationName: "lhcb", PreferredUsername: "nobody"}
	_, _, err := iss.Issue("lhcb_user", idToken, reg)
	require.ErrorIs(t, err, ErrInvalidGroup)
}

func TestVerifyRejectsMissingBearerPrefix(t *testing.T) {
	iss := testIssuer(t)
	_, err := iss.Verify("garbage-token")
	require.ErrorIs(t, err, ErrInvalidJWT)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	provider, err := secrets.Ephemeral("test-key")
	require.NoError(t, err)
	iss := New(provider, "https://auth.dirac.example", "dirac", -time.Minute)
	reg := testRegistry()

	idToken := IDToken{Subject: "b824d4dc-1234-46041", OrganisationName: "lhcb", PreferredUsername: "chaen"}
	compact, _, err := iss.Issue("lhcb_user", idToken, reg)
	require.NoError(t, err)

	_, err = iss.Verify("Bearer " + compact)
	require.ErrorIs(t, err, ErrInvalidJWT)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	iss := testIssuer(t)
	reg := testRegistry()

	idToken := IDToken{Subject: "b824d4dc-1234-46041", OrganisationName: "lhcb", PreferredUsername: "chaen"}
	compact, _, err := iss.Issue("lhcb_user", idToken, reg)
	require.NoError(t, err)

	tampered := compact[:len(compact)-2] + "xx"
	_, err = iss.Verify("Bearer " + tampered)
	require.ErrorIs(t, err, ErrInvalidJWT)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	provider, err := secrets.Ephemeral("test-key")
	require.NoError(t, err)
	issuerA := New(provider, "https://auth.dirac.example", "dirac", time.Minute)
	issuerB := New(provider, "https://auth.dirac.example", "other-audience", time.Minute)
	reg := testRegistry()

	idToken := IDToken{Subject: "b824d4dc-1234-46041", OrganisationName: "lhcb", PreferredUsername: "chaen"}
	compact, _, err := issuerA.Issue("lhcb_user", idToken, reg)
	require.NoError(t, err)

	_, err = issuerB.Verify("Bearer " + compact)
	require.ErrorIs(t, err, ErrInvalidJWT)
}
