package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"

	"github.com/diracgrid/dirac-auth/config"
	"github.com/diracgrid/dirac-auth/pkce"
	"github.com/diracgrid/dirac-auth/secrets"
	"github.com/diracgrid/dirac-auth/statecodec"
	"github.com/diracgrid/dirac-auth/storage/memory"
	"github.com/diracgrid/dirac-auth/token"
)

// fakeIdP stands in for an upstream OIDC IdP: discovery document, JWKS, and
// a token endpoint that blindly signs whatever claims the test has
// configured, grounded on connector/oidc/oidc_test.go's setupServer/newToken
// helpers. Unlike the teacher's fixture, the fake token endpoint does not
// validate the authorization code it receives — this server's flows never
// visit the fake idp's (nonexistent) /authorize endpoint directly, so any
// code value exercises the same exchange path a real browser redirect would.
type fakeIdP struct {
	srv    *httptest.Server
	claims map[string]interface{}
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeIdP{claims: map[string]interface{}{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		issuer := fmt.Sprintf("http://%s", r.Host)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/authorize",
			"token_endpoint":         issuer + "/token",
			"jwks_uri":               issuer + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       key.Public(),
			KeyID:     "fake-idp-key",
			Algorithm: "RS256",
			Use:       "sig",
		}}}
		_ = json.NewEncoder(w).Encode(jwks)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		issuer := fmt.Sprintf("http://%s", r.Host)
		claims := map[string]interface{}{}
		for k, v := range f.claims {
			claims[k] = v
		}
		claims["iss"] = issuer
		claims["aud"] = "dirac-lhcb"
		claims["exp"] = time.Now().Add(time.Hour).Unix()

		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		payload, err := json.Marshal(claims)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sig, err := signer.Sign(payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		idToken, err := sig.CompactSerialize()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": idToken,
			"id_token":     idToken,
			"token_type":   "Bearer",
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type testHarness struct {
	issuerURL string
	client    *http.Client
	idp       *fakeIdP
	server    *Server
}

func newTestHarnessWithTTLs(t *testing.T, ttls TTLs) *testHarness {
	t.Helper()

	fakeIdp := newFakeIdP(t)

	reg := &config.Registry{
		VOs: map[string]config.VO{
			"lhcb": {
				DefaultGroup: "lhcb_user",
				Groups: map[string]config.Group{
					"lhcb_user": {Users: []string{"chaen"}, Properties: []string{"NormalUser"}},
				},
				Users: map[string]string{
					"b824d4dc-1234-46041": "chaen",
				},
				IdP: config.IdP{
					ServerMetadataURL: fakeIdp.srv.URL,
					ClientID:          "dirac-lhcb",
					IssuerAllowlist:   []string{fakeIdp.srv.URL},
				},
			},
		},
		Clients: map[string]config.Client{
			"myDIRACClientID": {AllowedRedirects: []string{"http://localhost:8000/docs/oauth2-redirect"}},
		},
	}

	secretsProvider, err := secrets.Ephemeral("test-key")
	require.NoError(t, err)

	hashKey := securecookie.GenerateRandomKey(64)
	blockKey := securecookie.GenerateRandomKey(32)

	ts := httptest.NewUnstartedServer(nil)
	issuerURL := "http://" + ts.Listener.Addr().String()

	srv, err := New(Config{
		IssuerURL:   issuerURL,
		Store:       memory.New(logrus.New()),
		Registry:    reg,
		TokenIssuer: token.New(secretsProvider, issuerURL, "dirac", time.Minute),
		StateCodec:  statecodec.New(hashKey, blockKey),
		TTLs:        ttls,
		Logger:      logrus.New(),
	})
	require.NoError(t, err)

	ts.Config.Handler = srv.Router(nil)
	ts.Start()
	t.Cleanup(ts.Close)

	return &testHarness{
		issuerURL: issuerURL,
		client:    &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }},
		idp:       fakeIdp,
		server:    srv,
	}
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	return newTestHarnessWithTTLs(t, TTLs{Device: 600 * time.Second, AuthCode: 300 * time.Second, AccessToken: time.Minute})
}

var stateRe = regexp.MustCompile(`state=([^&"]+)`)

func extractState(t *testing.T, haystack string) string {
	t.Helper()
	m := stateRe.FindStringSubmatch(haystack)
	require.Len(t, m, 2, "expected a state= parameter in: %s", haystack)
	return m[1]
}

func decodeJWTPayload(t *testing.T, compact string) map[string]interface{} {
	t.Helper()
	parts := strings.Split(compact, ".")
	require.Len(t, parts, 3)
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &claims))
	return claims
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	buf := make([]byte, 8192)
	n, _ := resp.Body.Read(buf)
	resp.Body.Close()
	return string(buf[:n])
}

func TestDeviceFlowHappyPath(t *testing.T) {
	h := newTestHarness(t)
	h.idp.claims = map[string]interface{}{
		"sub":                "b824d4dc-1234-46041",
		"organisation_name":  "lhcb",
		"preferred_username": "chaen",
	}

	resp, err := h.client.PostForm(h.issuerURL+"/auth/lhcb/device", url.Values{
		"client_id": {"myDIRACClientID"},
		"scope":     {"group:lhcb_user property:NormalUser"},
		"audience":  {"dirac"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var initResp map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&initResp))
	resp.Body.Close()
	require.EqualValues(t, 600, initResp["expires_in"])
	userCode := initResp["user_code"].(string)
	deviceCode := initResp["device_code"].(string)
	require.NotEmpty(t, userCode)
	require.NotEmpty(t, deviceCode)

	verifyResp, err := h.client.Get(h.issuerURL + "/auth/lhcb/device?user_code=" + userCode)
	require.NoError(t, err)
	body := readBody(t, verifyResp)
	state := extractState(t, body)

	completeResp, err := h.client.Get(h.issuerURL + "/auth/lhcb/device/complete?code=testcode&state=" + state)
	require.NoError(t, err)
	completeResp.Body.Close()
	require.Equal(t, http.StatusFound, completeResp.StatusCode)

	tokenResp, err := h.client.PostForm(h.issuerURL+"/auth/lhcb/token", url.Values{
		"grant_type":  {"device_code"},
		"client_id":   {"myDIRACClientID"},
		"device_code": {deviceCode},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)

	var tokenBody map[string]interface{}
	require.NoError(t, json.NewDecoder(tokenResp.Body).Decode(&tokenBody))
	tokenResp.Body.Close()
	accessToken := tokenBody["access_token"].(string)
	claims := decodeJWTPayload(t, accessToken)
	require.Equal(t, "lhcb:chaen", claims["sub"])
	require.Equal(t, "lhcb_user", claims["dirac_group"])
	require.Equal(t, "lhcb", claims["vo"])
}

func TestDeviceFlowPolledTooEarly(t *testing.T) {
	h := newTestHarness(t)

	resp, err := h.client.PostForm(h.issuerURL+"/auth/lhcb/device", url.Values{
		"client_id": {"myDIRACClientID"},
		"scope":     {"group:lhcb_user"},
		"audience":  {"dirac"},
	})
	require.NoError(t, err)
	var initResp map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&initResp))
	resp.Body.Close()
	deviceCode := initResp["device_code"].(string)

	tokenResp, err := h.client.PostForm(h.issuerURL+"/auth/lhcb/token", url.Values{
		"grant_type":  {"device_code"},
		"client_id":   {"myDIRACClientID"},
		"device_code": {deviceCode},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, tokenResp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(tokenResp.Body).Decode(&body))
	tokenResp.Body.Close()
	require.Equal(t, "authorization_pending", body["error"])
}

func TestDeviceFlowExpired(t *testing.T) {
	h := newTestHarnessWithTTLs(t, TTLs{Device: 10 * time.Millisecond, AuthCode: 300 * time.Second, AccessToken: time.Minute})

	resp, err := h.client.PostForm(h.issuerURL+"/auth/lhcb/device", url.Values{
		"client_id": {"myDIRACClientID"},
		"scope":     {"group:lhcb_user"},
		"audience":  {"dirac"},
	})
	require.NoError(t, err)
	var initResp map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&initResp))
	resp.Body.Close()
	deviceCode := initResp["device_code"].(string)

	time.Sleep(50 * time.Millisecond)

	tokenResp, err := h.client.PostForm(h.issuerURL+"/auth/lhcb/token", url.Values{
		"grant_type":  {"device_code"},
		"client_id":   {"myDIRACClientID"},
		"device_code": {deviceCode},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, tokenResp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(tokenResp.Body).Decode(&body))
	tokenResp.Body.Close()
	require.Equal(t, "expired_token", body["error"])
}

func TestAuthCodeFlowWithPKCE(t *testing.T) {
	h := newTestHarness(t)
	h.idp.claims = map[string]interface{}{
		"sub":                "b824d4dc-1234-46041",
		"organisation_name":  "lhcb",
		"preferred_username": "chaen",
	}

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXkdBjftJeZ4CVP"
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"myDIRACClientID"},
		"redirect_uri":          {"http://localhost:8000/docs/oauth2-redirect"},
		"scope":                 {"group:lhcb_user"},
		"state":                 {"clientExternalState"},
		"code_challenge":        {pkce.Challenge(verifier)},
		"code_challenge_method": {"S256"},
	}

	initResp, err := h.client.Get(h.issuerURL + "/auth/lhcb/authorize?" + q.Encode())
	require.NoError(t, err)
	initResp.Body.Close()
	require.Equal(t, http.StatusFound, initResp.StatusCode)
	location := initResp.Header.Get("Location")
	state := extractState(t, location)

	completeResp, err := h.client.Get(h.issuerURL + "/auth/lhcb/authorize/complete?code=testcode&state=" + state)
	require.NoError(t, err)
	completeResp.Body.Close()
	require.Equal(t, http.StatusFound, completeResp.StatusCode)
	clientRedirect := completeResp.Header.Get("Location")
	require.True(t, strings.HasPrefix(clientRedirect, "http://localhost:8000/docs/oauth2-redirect"))

	redirectURL, err := url.Parse(clientRedirect)
	require.NoError(t, err)
	issuedCode := redirectURL.Query().Get("code")
	require.NotEmpty(t, issuedCode)
	require.Equal(t, "clientExternalState", redirectURL.Query().Get("state"))

	tokenResp, err := h.client.PostForm(h.issuerURL+"/auth/lhcb/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"myDIRACClientID"},
		"code":          {issuedCode},
		"redirect_uri":  {"http://localhost:8000/docs/oauth2-redirect"},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)
	tokenResp.Body.Close()
}

func TestAuthCodeFlowWrongVerifierRejected(t *testing.T) {
	h := newTestHarness(t)
	h.idp.claims = map[string]interface{}{
		"sub":                "b824d4dc-1234-46041",
		"organisation_name":  "lhcb",
		"preferred_username": "chaen",
	}

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXkdBjftJeZ4CVP"
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"myDIRACClientID"},
		"redirect_uri":          {"http://localhost:8000/docs/oauth2-redirect"},
		"scope":                 {"group:lhcb_user"},
		"state":                 {"clientExternalState"},
		"code_challenge":        {pkce.Challenge(verifier)},
		"code_challenge_method": {"S256"},
	}
	initResp, err := h.client.Get(h.issuerURL + "/auth/lhcb/authorize?" + q.Encode())
	require.NoError(t, err)
	state := extractState(t, initResp.Header.Get("Location"))
	initResp.Body.Close()

	completeResp, err := h.client.Get(h.issuerURL + "/auth/lhcb/authorize/complete?code=testcode&state=" + state)
	require.NoError(t, err)
	clientRedirect := completeResp.Header.Get("Location")
	completeResp.Body.Close()
	redirectURL, _ := url.Parse(clientRedirect)
	issuedCode := redirectURL.Query().Get("code")

	tokenResp, err := h.client.PostForm(h.issuerURL+"/auth/lhcb/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"myDIRACClientID"},
		"code":          {issuedCode},
		"redirect_uri":  {"http://localhost:8000/docs/oauth2-redirect"},
		"code_verifier": {"wrong-verifier"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, tokenResp.StatusCode)
	tokenResp.Body.Close()
}

func TestAuthorizeDisallowedRedirect(t *testing.T) {
	h := newTestHarness(t)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"myDIRACClientID"},
		"redirect_uri":          {"http://evil.example/cb"},
		"scope":                 {"group:lhcb_user"},
		"code_challenge":        {"whatever"},
		"code_challenge_method": {"S256"},
	}
	resp, err := h.client.Get(h.issuerURL + "/auth/lhcb/authorize?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthGuardRejectsMissingBearer(t *testing.T) {
	h := newTestHarness(t)
	guarded := h.server.AuthGuard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	guarded.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthGuardRequirePropertiesForbidden(t *testing.T) {
	h := newTestHarness(t)

	idToken := token.IDToken{Subject: "b824d4dc-1234-46041", OrganisationName: "lhcb", PreferredUsername: "chaen"}
	compact, _, err := h.server.tokenIssuer.Issue("lhcb_user", idToken, h.server.registry)
	require.NoError(t, err)

	guarded := h.server.AuthGuard(h.server.RequireProperties(Leaf{Property: "ProductionManager"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+compact)
	guarded.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAuthGuardRequirePropertiesAllowed(t *testing.T) {
	h := newTestHarness(t)

	idToken := token.IDToken{Subject: "b824d4dc-1234-46041", OrganisationName: "lhcb", PreferredUsername: "chaen"}
	compact, _, err := h.server.tokenIssuer.Issue("lhcb_user", idToken, h.server.registry)
	require.NoError(t, err)

	guarded := h.server.AuthGuard(h.server.RequireProperties(Leaf{Property: "NormalUser"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+compact)
	guarded.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
