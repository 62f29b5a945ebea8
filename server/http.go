package server

import (
	"html/template"
	"net/http"

	"github.com/diracgrid/dirac-auth/idp"
)

// translateIdPError maps an idp package error onto this package's error
// taxonomy: a 5xx/network failure becomes UpstreamUnavailable, anything
// else (rejected code, failed verification) becomes InvalidCode — grounded
// on the spec's explicit 5xx→502 / 4xx→401 split at ExchangeCode.
func translateIdPError(err error) *apiError {
	if _, ok := err.(*idp.ErrUpstreamUnavailable); ok {
		return newAPIError(kindUpstreamUnavailable, err.Error())
	}
	if _, ok := err.(*idp.ErrInvalidCode); ok {
		return newAPIError(kindInvalidCode, err.Error())
	}
	return newAPIError(kindInternal, err.Error())
}

// deviceTemplate and finishedTemplate are the two pages the device flow
// renders to a user's browser, trimmed from the teacher's
// server/templates.go device()/deviceSuccess() pair down to DIRAC's two
// pages: a link to the upstream IdP, and a terminal confirmation.
var deviceTemplate = template.Must(template.New("device").Parse(`<!DOCTYPE html>
<html>
<head><title>DIRAC Authorization</title></head>
<body>
<p>Code: <strong>{{.UserCode}}</strong></p>
<p><a href="{{.AuthURL}}">Continue to sign in</a></p>
</body>
</html>`))

var finishedTemplate = template.Must(template.New("finished").Parse(`<!DOCTYPE html>
<html>
<head><title>DIRAC Authorization</title></head>
<body>
<p>Authorization complete. You may close this window and return to your client.</p>
</body>
</html>`))

func renderDevicePage(w http.ResponseWriter, userCode, authURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = deviceTemplate.Execute(w, struct {
		UserCode string
		AuthURL  string
	}{userCode, authURL})
}

func renderFinishedPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = finishedTemplate.Execute(w, nil)
}
