package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yangjarod117/webssh/internal/logutil"
	"github.com/yangjarod117/webssh/internal/sshsession"
	"github.com/yangjarod117/webssh/internal/vault"
)

// Sessions is set from main.go during init.
var Sessions *sshsession.Registry

// CreateSessionRequest opens a new SSH session. Inline secrets and a stored
// credential id are both accepted; inline fields win where both are set.
type CreateSessionRequest struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	AuthType     string `json:"authType"`
	Password     string `json:"password"`
	PrivateKey   string `json:"privateKey"`
	Passphrase   string `json:"passphrase"`
	CredentialID string `json:"credentialId"`
}

// CreateSession dials SSH and registers the session. The connect itself
// runs under the registry's hard deadline.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	if req.CredentialID != "" {
		stored, err := Credentials.Get(req.CredentialID)
		if err != nil {
			writeMappedError(w, err, "failed to load credential")
			return
		}
		log.Printf("[sessions] using stored credential %s (password %s)",
			logutil.SanitizeForLog(req.CredentialID), vault.Mask(stored.Password))
		if req.Host == "" {
			req.Host = stored.Host
		}
		if req.Port == 0 {
			req.Port = stored.Port
		}
		if req.Username == "" {
			req.Username = stored.Username
		}
		if req.AuthType == "" {
			req.AuthType = stored.AuthType
		}
		if req.Password == "" {
			req.Password = stored.Password
		}
		if req.PrivateKey == "" {
			req.PrivateKey = stored.PrivateKey
		}
		if req.Passphrase == "" {
			req.Passphrase = stored.Passphrase
		}
	}

	if req.Host == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "host and username are required")
		return
	}
	if req.AuthType != sshsession.AuthPassword && req.AuthType != sshsession.AuthKey {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "authType must be password or key")
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}

	session, err := Sessions.Connect(r.Context(), sshsession.Config{
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		AuthType:   req.AuthType,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		log.Printf("[sessions] connect to %s failed: %v", logutil.SanitizeForLog(req.Host), err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "ssh connection failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId": session.ID,
		"status":    session.Status(),
	})
}

// SessionStatus returns the lifecycle snapshot for a session.
func SessionStatus(w http.ResponseWriter, r *http.Request) {
	info, ok := Sessions.Status(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DeleteSession disconnects and removes a session.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !Sessions.Disconnect(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BeaconDisconnect is the page-unload path: it always answers 200 so the
// browser's sendBeacon is never retried, whether or not the session existed.
func BeaconDisconnect(w http.ResponseWriter, r *http.Request) {
	Sessions.Disconnect(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
