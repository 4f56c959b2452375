package handlers

import (
	"net/http"

	"github.com/yangjarod117/webssh/internal/access"
)

// AccessGate is set from main.go during init.
var AccessGate *access.Gate

// AccessCheck reports whether the gate is configured and whether the
// presented cookie verifies.
func AccessCheck(w http.ResponseWriter, r *http.Request) {
	status := AccessGate.Check(access.TokenFromRequest(r))
	writeJSON(w, http.StatusOK, status)
}

type verifyRequest struct {
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// AccessVerify checks the submitted password (raw or pre-hashed) and, with
// remember set, issues the token cookie.
func AccessVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if !AccessGate.Verify(req.Password) {
		writeError(w, http.StatusUnauthorized, CodeAccessDenied, "invalid password")
		return
	}
	if req.Remember {
		AccessGate.SetCookie(w)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// AccessLogout clears the token cookie.
func AccessLogout(w http.ResponseWriter, r *http.Request) {
	AccessGate.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
