package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yangjarod117/webssh/internal/sftpio"
	"github.com/yangjarod117/webssh/internal/sshsession"
	"github.com/yangjarod117/webssh/internal/vault"
)

// Error codes surfaced to clients.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeCredentialNotFound = "CREDENTIAL_NOT_FOUND"
	CodeSFTPError          = "SFTP_ERROR"
	CodeAccessDenied       = "ACCESS_DENIED"
	CodeInternal           = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// writeMappedError translates component errors into the client taxonomy.
// Raw transport text never reaches the client.
func writeMappedError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, sshsession.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
	case errors.Is(err, vault.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeCredentialNotFound, "credential not found")
	case errors.Is(err, sftpio.ErrSFTPNotReady):
		writeError(w, http.StatusInternalServerError, CodeSFTPError, "sftp could not be initialized")
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, fallback)
	}
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
