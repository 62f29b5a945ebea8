package server

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/diracgrid/dirac-auth/pkce"
	"github.com/diracgrid/dirac-auth/scope"
)

// handleAuthorizeInit implements the auth-code flow's initiation: GET
// /auth/{vo}/authorize, grounded on the teacher's validateRedirectURI +
// AuthRequest construction in server/oauth2.go, restricted to the
// response_type=code / code_challenge_method=S256 shape this server
// supports.
func (s *Server) handleAuthorizeInit(w http.ResponseWriter, r *http.Request) {
	vo := mux.Vars(r)["vo"]
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	requestedScope := q.Get("scope")
	externalState := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	audience := q.Get("audience")

	if q.Get("response_type") != "code" {
		s.redirectAPIError(w, newAPIError(kindInvalidRequest, "unsupported response_type"))
		return
	}
	if codeChallengeMethod != pkce.MethodS256 {
		s.redirectAPIError(w, newAPIError(kindInvalidRequest, "unsupported code_challenge_method"))
		return
	}
	if codeChallenge == "" {
		s.redirectAPIError(w, newAPIError(kindInvalidRequest, "missing code_challenge"))
		return
	}
	if !s.registry.RedirectAllowed(clientID, redirectURI) {
		s.redirectAPIError(w, newAPIError(kindInvalidRequest, "redirect_uri not allowed for client"))
		return
	}
	if _, err := scope.ParseAndValidate(requestedScope, vo, s.registry); err != nil {
		s.redirectAPIError(w, newAPIError(kindInvalidRequest, err.Error()))
		return
	}

	flowUUID, err := s.store.InsertAuthCode(ctx, clientID, requestedScope, audience, codeChallenge, codeChallengeMethod, redirectURI)
	if err != nil {
		s.redirectAPIError(w, newAPIError(kindInternal, err.Error()))
		return
	}
	s.metrics.flowTransitions.WithLabelValues("auth_code", "init").Inc()

	completeURL := fmt.Sprintf("%s/auth/%s/authorize/complete", s.issuerURL, vo)
	idpClient, apiErr := s.idpClient(ctx, vo, completeURL)
	if apiErr != nil {
		s.redirectAPIError(w, apiErr)
		return
	}

	authURL, err := idpClient.BuildAuthorizationURL(
		map[string]string{
			"grant_type":     "authorization_code",
			"uuid":           flowUUID,
			"external_state": externalState,
		},
		s.stateCodec.Encode,
	)
	if err != nil {
		s.redirectAPIError(w, newAPIError(kindInternal, err.Error()))
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleAuthorizeComplete implements the auth-code flow's Pending→Ready
// transition: the upstream IdP callback, GET
// /auth/{vo}/authorize/complete?code&state.
func (s *Server) handleAuthorizeComplete(w http.ResponseWriter, r *http.Request) {
	vo := mux.Vars(r)["vo"]
	ctx := r.Context()

	stateMap, apiErr := s.decodeState(r, "authorization_code")
	if apiErr != nil {
		s.redirectAPIError(w, apiErr)
		return
	}
	flowUUID := stateMap["uuid"]
	externalState := stateMap["external_state"]

	code := r.URL.Query().Get("code")
	idToken, apiErr := s.exchangeWithIdP(ctx, vo, code, stateMap)
	if apiErr != nil {
		s.redirectAPIError(w, apiErr)
		return
	}

	issuedCode, redirectURI, err := s.store.AuthCodeAttachIDToken(ctx, flowUUID, idTokenToMap(idToken), s.ttls.AuthCode)
	if err != nil {
		s.redirectAPIError(w, newAPIError(kindInvalidRequest, err.Error()))
		return
	}
	s.metrics.flowTransitions.WithLabelValues("auth_code", "complete").Inc()

	redirectTo, err := url.Parse(redirectURI)
	if err != nil {
		s.redirectAPIError(w, newAPIError(kindInternal, "stored redirect_uri is invalid"))
		return
	}
	qs := redirectTo.Query()
	qs.Set("code", issuedCode)
	if externalState != "" {
		qs.Set("state", externalState)
	}
	redirectTo.RawQuery = qs.Encode()

	http.Redirect(w, r, redirectTo.String(), http.StatusFound)
}
