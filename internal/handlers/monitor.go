package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yangjarod117/webssh/internal/monitor"
)

// Monitor is set from main.go during init.
var Monitor *monitor.Probe

// MonitorSnapshot returns a full telemetry sample. Probe failures degrade
// to zero values inside the probe; only an unknown session id errors.
func MonitorSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := Monitor.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err, "failed to sample host")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// TopProcesses returns the largest processes by memory share.
func TopProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := Monitor.TopProcesses(chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err, "failed to list processes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"processes": procs})
}

// LoginHistory returns recent logins merged with current sessions.
func LoginHistory(w http.ResponseWriter, r *http.Request) {
	history, err := Monitor.LoginHistory(chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err, "failed to read login history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}
