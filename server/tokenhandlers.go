package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/diracgrid/dirac-auth/pkce"
	"github.com/diracgrid/dirac-auth/scope"
	"github.com/diracgrid/dirac-auth/storage"
	"github.com/diracgrid/dirac-auth/token"
)

// handleToken dispatches POST /auth/{vo}/token by grant_type, grounded on
// the teacher's newer ctx-based handleToken in server/tokenhandlers.go.
// Unknown grant types are rejected per spec with a 501.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeAPIError(w, newAPIError(kindInvalidRequest, "malformed form body"))
		return
	}

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "urn:ietf:params:oauth:grant-type:device_code", "device_code":
		s.handleDeviceTokenGrant(w, r)
	case "authorization_code":
		s.handleAuthCodeTokenGrant(w, r)
	default:
		w.WriteHeader(http.StatusNotImplemented)
		_ = writeJSONError(w, "unsupported_grant_type")
	}
}

func writeJSONError(w http.ResponseWriter, errCode string) error {
	w.Header().Set("Content-Type", "application/json")
	_, err := w.Write([]byte(`{"error":"` + errCode + `"}`))
	return err
}

// handleDeviceTokenGrant implements the device flow's Ready→Consumed
// transition.
func (s *Server) handleDeviceTokenGrant(w http.ResponseWriter, r *http.Request) {
	vo := mux.Vars(r)["vo"]
	ctx := r.Context()

	clientID := r.PostFormValue("client_id")
	deviceCode := r.PostFormValue("device_code")

	row, err := s.store.GetDevice(ctx, deviceCode, s.ttls.Device)
	if err != nil {
		s.writeAPIError(w, storageErrToAPIError(err))
		return
	}
	s.issueFromRow(w, vo, clientID, row, "")
}

// handleAuthCodeTokenGrant implements the auth-code flow's Ready→Consumed
// transition, enforcing the redirect_uri and PKCE preconditions the spec
// requires at token time.
func (s *Server) handleAuthCodeTokenGrant(w http.ResponseWriter, r *http.Request) {
	vo := mux.Vars(r)["vo"]
	ctx := r.Context()

	clientID := r.PostFormValue("client_id")
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	codeVerifier := r.PostFormValue("code_verifier")

	row, err := s.store.GetAuthCode(ctx, code, s.ttls.AuthCode)
	if err != nil {
		s.writeAPIError(w, storageErrToAPIError(err))
		return
	}

	if row.RedirectURI != redirectURI {
		s.writeAPIError(w, newAPIError(kindInvalidRequest, "redirect_uri does not match initiation"))
		return
	}
	if err := pkce.Verify(codeVerifier, row.CodeChallenge, row.CodeChallengeMethod); err != nil {
		s.writeAPIError(w, newAPIError(kindInvalidRequest, err.Error()))
		return
	}

	s.issueFromRow(w, vo, clientID, row, "")
}

// issueFromRow performs the shared final step of both grants: re-validate
// client_id and scope, map the stored id_token through TokenIssuer.Issue,
// and write the JSON token response.
func (s *Server) issueFromRow(w http.ResponseWriter, vo, clientID string, row storage.FlowRow, externalState string) {
	if row.ClientID != clientID {
		s.writeAPIError(w, newAPIError(kindInvalidRequest, "client_id does not match initiation"))
		return
	}
	if row.Status != storage.Ready {
		s.writeAPIError(w, newAPIError(kindInternal, "flow row not Ready at issuance"))
		return
	}

	info, err := scope.ParseAndValidate(row.Scope, vo, s.registry)
	if err != nil {
		s.writeAPIError(w, newAPIError(kindInvalidRequest, err.Error()))
		return
	}

	idToken := idTokenFromMap(row.IDToken)
	compact, _, issueErr := s.tokenIssuer.Issue(info.Group, token.IDToken{
		Subject:           idToken.Subject,
		OrganisationName:  idToken.OrganisationName,
		PreferredUsername: idToken.PreferredUsername,
	}, s.registry)
	if issueErr != nil {
		s.writeAPIError(w, newAPIError(kindInvalidRequest, issueErr.Error()))
		return
	}
	s.metrics.tokensIssued.WithLabelValues(vo, info.Group).Inc()
	s.metrics.flowTransitions.WithLabelValues(row.Kind.String(), "consumed").Inc()

	w.Header().Set("Content-Type", "application/json")
	_ = writeJSONTokenResponse(w, compact, int(s.ttls.AccessToken.Seconds()), externalState)
}

func writeJSONTokenResponse(w http.ResponseWriter, accessToken string, expiresIn int, state string) error {
	body := map[string]interface{}{
		"access_token": accessToken,
		"expires_in":   expiresIn,
	}
	if state != "" {
		body["state"] = state
	}
	return json.NewEncoder(w).Encode(body)
}

// storageErrToAPIError maps a FlowStore error onto this package's
// taxonomy, including the two RFC 8628 error bodies the spec requires.
func storageErrToAPIError(err error) *apiError {
	switch err {
	case storage.ErrPendingAuthorization:
		return newAPIError(kindPendingAuthorization, "authorization_pending")
	case storage.ErrExpiredFlow:
		return newAPIError(kindExpiredFlow, "expired_token")
	default:
		return newAPIError(kindInvalidRequest, "invalid_grant")
	}
}
