package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/diracgrid/dirac-auth/scope"
	"github.com/diracgrid/dirac-auth/storage"
)

// handleDeviceInit implements the ∅→Pending transition of the device flow
// state machine: POST /auth/{vo}/device, grounded on the teacher's
// handleDeviceCode in server/deviceflowhandlers.go.
func (s *Server) handleDeviceInit(w http.ResponseWriter, r *http.Request) {
	vo := mux.Vars(r)["vo"]
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		s.writeAPIError(w, newAPIError(kindInvalidRequest, "malformed form body"))
		return
	}
	clientID := r.PostFormValue("client_id")
	requestedScope := r.PostFormValue("scope")
	audience := r.PostFormValue("audience")

	if _, ok := s.registry.Client(clientID); !ok {
		s.writeAPIError(w, newAPIError(kindInvalidRequest, "unknown client_id"))
		return
	}
	if _, err := scope.ParseAndValidate(requestedScope, vo, s.registry); err != nil {
		s.writeAPIError(w, newAPIError(kindInvalidRequest, err.Error()))
		return
	}

	userCode, deviceCode, err := s.store.InsertDevice(ctx, clientID, requestedScope, audience)
	if err != nil {
		s.writeAPIError(w, newAPIError(kindInternal, err.Error()))
		return
	}
	s.metrics.flowTransitions.WithLabelValues("device", "init").Inc()

	verificationURI := fmt.Sprintf("%s/auth/%s/device", s.issuerURL, vo)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"user_code":                 userCode,
		"device_code":               deviceCode,
		"verification_uri":          verificationURI,
		"verification_uri_complete": verificationURI + "?user_code=" + userCode,
		"expires_in":                int(s.ttls.Device.Seconds()),
	})
}

// handleDeviceVerify implements the browser-visited step of the device
// flow: GET /auth/{vo}/device?user_code=…. It validates the user code and
// renders a page linking to the upstream IdP's authorization URL,
// resolving the "does the page display the code" open question per the
// source's plain-link behavior.
func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	vo := mux.Vars(r)["vo"]
	ctx := r.Context()

	userCode := storage.NormalizeUserCode(r.URL.Query().Get("user_code"))
	if userCode == "" {
		s.redirectAPIError(w, newAPIError(kindInvalidRequest, "missing user_code"))
		return
	}
	if err := s.store.ValidateUserCode(ctx, userCode, s.ttls.Device); err != nil {
		s.redirectAPIError(w, newAPIError(kindInvalidRequest, "unknown or expired user_code"))
		return
	}

	completeURL := fmt.Sprintf("%s/auth/%s/device/complete", s.issuerURL, vo)
	idpClient, apiErr := s.idpClient(ctx, vo, completeURL)
	if apiErr != nil {
		s.redirectAPIError(w, apiErr)
		return
	}

	authURL, err := idpClient.BuildAuthorizationURL(
		map[string]string{"grant_type": "device_code", "user_code": userCode},
		s.stateCodec.Encode,
	)
	if err != nil {
		s.redirectAPIError(w, newAPIError(kindInternal, err.Error()))
		return
	}

	renderDevicePage(w, userCode, authURL)
}

// handleDeviceComplete implements the Pending→Ready transition: the
// upstream IdP's callback, GET /auth/{vo}/device/complete?code&state.
func (s *Server) handleDeviceComplete(w http.ResponseWriter, r *http.Request) {
	vo := mux.Vars(r)["vo"]
	ctx := r.Context()

	stateMap, apiErr := s.decodeState(r, "device_code")
	if apiErr != nil {
		s.redirectAPIError(w, apiErr)
		return
	}
	userCode := stateMap["user_code"]

	code := r.URL.Query().Get("code")
	idToken, apiErr := s.exchangeWithIdP(ctx, vo, code, stateMap)
	if apiErr != nil {
		s.redirectAPIError(w, apiErr)
		return
	}

	if err := s.store.DeviceAttachIDToken(ctx, userCode, idTokenToMap(idToken), s.ttls.Device); err != nil {
		s.redirectAPIError(w, newAPIError(kindInvalidRequest, err.Error()))
		return
	}
	s.metrics.flowTransitions.WithLabelValues("device", "complete").Inc()

	http.Redirect(w, r, fmt.Sprintf("%s/auth/%s/device/complete/finished", s.issuerURL, vo), http.StatusFound)
}

// handleDeviceFinished renders the terminal page a user's browser lands on
// once the device flow has attached an id_token; the client itself learns
// of completion only by polling /token.
func (s *Server) handleDeviceFinished(w http.ResponseWriter, _ *http.Request) {
	renderFinishedPage(w)
}

// decodeState decodes the `state` query parameter and checks its
// grant_type matches wantGrantType.
func (s *Server) decodeState(r *http.Request, wantGrantType string) (map[string]string, *apiError) {
	raw := r.URL.Query().Get("state")
	stateMap, err := s.stateCodec.Decode(raw)
	if err != nil {
		return nil, newAPIError(kindInvalidRequest, "invalid state")
	}
	if stateMap["grant_type"] != wantGrantType {
		return nil, newAPIError(kindInvalidRequest, "state grant_type mismatch")
	}
	return stateMap, nil
}

// exchangeWithIdP exchanges an authorization code for a verified upstream
// ID token, translating idp package errors into this package's taxonomy.
func (s *Server) exchangeWithIdP(ctx context.Context, vo, code string, stateMap map[string]string) (idTokenResult, *apiError) {
	completeURLKind := stateMap["grant_type"]
	var completeURL string
	if completeURLKind == "authorization_code" {
		completeURL = fmt.Sprintf("%s/auth/%s/authorize/complete", s.issuerURL, vo)
	} else {
		completeURL = fmt.Sprintf("%s/auth/%s/device/complete", s.issuerURL, vo)
	}

	idpClient, apiErr := s.idpClient(ctx, vo, completeURL)
	if apiErr != nil {
		return idTokenResult{}, apiErr
	}

	start := time.Now()
	idToken, err := idpClient.ExchangeCode(ctx, code, stateMap)
	s.metrics.idpLatency.WithLabelValues(vo).Observe(time.Since(start).Seconds())
	if err != nil {
		return idTokenResult{}, translateIdPError(err)
	}
	return idTokenResult{
		Subject:           idToken.Subject,
		OrganisationName:  idToken.OrganisationName,
		PreferredUsername: idToken.PreferredUsername,
	}, nil
}

// idTokenResult mirrors token.IDToken; kept as a distinct type so this
// file doesn't need to import the token package's IDToken shape directly
// in its signatures, matching how the teacher keeps connector identities
// and storage id_token maps as separate shapes joined only at the edges.
type idTokenResult struct {
	Subject           string
	OrganisationName  string
	PreferredUsername string
}

func idTokenToMap(t idTokenResult) map[string]string {
	return map[string]string{
		"sub":                t.Subject,
		"organisation_name":  t.OrganisationName,
		"preferred_username": t.PreferredUsername,
	}
}

func idTokenFromMap(m map[string]string) idTokenResult {
	return idTokenResult{
		Subject:           m["sub"],
		OrganisationName:  m["organisation_name"],
		PreferredUsername: m["preferred_username"],
	}
}
