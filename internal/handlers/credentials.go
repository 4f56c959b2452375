package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yangjarod117/webssh/internal/logutil"
	"github.com/yangjarod117/webssh/internal/sshsession"
	"github.com/yangjarod117/webssh/internal/vault"
)

// Credentials is set from main.go during init.
var Credentials *vault.Vault

// ListCredentials returns the non-sensitive projection of every record.
func ListCredentials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": Credentials.List()})
}

// SaveCredential stores (or replaces) a credential record.
func SaveCredential(w http.ResponseWriter, r *http.Request) {
	var rec vault.Record
	if err := decodeBody(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if rec.ID == "" || rec.Host == "" || rec.Username == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "id, host, and username are required")
		return
	}
	if rec.AuthType != sshsession.AuthPassword && rec.AuthType != sshsession.AuthKey {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "authType must be password or key")
		return
	}
	if rec.Port == 0 {
		rec.Port = 22
	}

	if err := Credentials.Save(rec.ID, rec); err != nil {
		writeMappedError(w, err, "failed to save credential")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "id": rec.ID})
}

// GetCredential returns the full record, secrets included. Decryption
// failures present as not found.
func GetCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := Credentials.Get(id)
	if err != nil {
		writeMappedError(w, err, "failed to load credential")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CredentialExists reports whether a record is stored for the id.
func CredentialExists(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]bool{"exists": Credentials.Has(id)})
}

// DeleteCredential removes a record.
func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := Credentials.Delete(id)
	if err != nil {
		writeMappedError(w, err, "failed to delete credential")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, CodeCredentialNotFound, "credential not found")
		return
	}
	log.Printf("[credentials] deleted %s", logutil.SanitizeForLog(id))
	w.WriteHeader(http.StatusNoContent)
}
